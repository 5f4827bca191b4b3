package conn

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether the JWT carries an exp claim in the past.
// Tokens that fail to parse or carry no exp are treated as not expired;
// the server stays the authority on rejecting them. The check exists only
// to skip a dial that is certain to bounce.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
