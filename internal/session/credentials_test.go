package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	c := NewCredentials(path)

	// Missing file reads as no token, not an error.
	tok, err := c.Token()
	if err != nil || tok != "" {
		t.Fatalf("Token() on missing file = %q, %v; want empty, nil", tok, err)
	}

	if err := c.Save("jwt-abc"); err != nil {
		t.Fatal(err)
	}
	tok, err = c.Token()
	if err != nil || tok != "jwt-abc" {
		t.Fatalf("Token() = %q, %v; want jwt-abc", tok, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credentials file mode = %o, want 0600", perm)
	}
}

func TestCredentialsClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	c := NewCredentials(path)

	// Clearing an empty cache is fine.
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() on missing file = %v", err)
	}

	if err := c.Save("jwt-abc"); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	tok, err := c.Token()
	if err != nil || tok != "" {
		t.Errorf("Token() after Clear = %q, %v; want empty", tok, err)
	}
}

func TestCredentialsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("not-json"), 0600); err != nil {
		t.Fatal(err)
	}
	c := NewCredentials(path)
	if _, err := c.Token(); err == nil {
		t.Error("Token() on corrupt file should error")
	}
}
