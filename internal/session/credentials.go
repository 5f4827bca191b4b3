package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the file-backed token cache for a profile. The daemon
// reads the token at connect time and clears the file when the server
// rejects it, so a restart never retries a token known to be bad.
type Credentials struct {
	path string
}

type credentialsFile struct {
	Token   string `json:"token"`
	SavedAt int64  `json:"saved_at"`
}

// NewCredentials returns a cache backed by the given file path.
func NewCredentials(path string) *Credentials {
	return &Credentials{path: path}
}

// Token returns the cached token, or empty string when none is stored.
func (c *Credentials) Token() (string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return f.Token, nil
}

// Save stores the token with 0600 permissions.
func (c *Credentials) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.Marshal(credentialsFile{Token: token, SavedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the cached token. Missing file is not an error.
func (c *Credentials) Clear() error {
	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
