package conn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoToken is returned by Connect when no credential is available.
	ErrNoToken = errors.New("no auth token available")

	// ErrNotConnected is returned by sends attempted without a live socket.
	ErrNotConnected = errors.New("not connected")

	// ErrAckTimeout is returned when the server does not acknowledge an
	// ack-bearing frame within the wait window.
	ErrAckTimeout = errors.New("ack timeout")
)

// ErrorClass buckets connection failures. Token classes invalidate the
// cached credential; connection_error is transient and worth retrying.
type ErrorClass string

const (
	ClassTokenExpired        ErrorClass = "token_expired"
	ClassTokenInvalid        ErrorClass = "token_invalid"
	ClassUserNotFound        ErrorClass = "user_not_found"
	ClassAccountNotActivated ErrorClass = "account_not_activated"
	ClassConnectionError     ErrorClass = "connection_error"
	ClassUnknown             ErrorClass = "unknown"
)

// ConnError is a classified connection failure.
type ConnError struct {
	Class   ErrorClass
	Message string
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// InvalidatesCredential reports whether the cached token must not be
// retried after this failure.
func (e *ConnError) InvalidatesCredential() bool {
	return e.Class == ClassTokenExpired || e.Class == ClassTokenInvalid
}

// Classify buckets a server-reported failure message by its wording.
// Unrecognized messages land in unknown rather than connection_error so
// a retry loop does not hammer the server over a permanent rejection.
func Classify(msg string) *ConnError {
	lower := strings.ToLower(msg)
	var class ErrorClass
	switch {
	case strings.Contains(lower, "expired"):
		class = ClassTokenExpired
	case strings.Contains(lower, "invalid token"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "jwt"):
		class = ClassTokenInvalid
	case strings.Contains(lower, "not found"):
		class = ClassUserNotFound
	case strings.Contains(lower, "not activated"),
		strings.Contains(lower, "activate"):
		class = ClassAccountNotActivated
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "refused"),
		strings.Contains(lower, "reset"),
		strings.Contains(lower, "unreachable"),
		strings.Contains(lower, "network"):
		class = ClassConnectionError
	default:
		class = ClassUnknown
	}
	return &ConnError{Class: class, Message: msg}
}
