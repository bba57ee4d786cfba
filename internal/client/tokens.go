package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenStore persists the token an external client authenticates with.
// Load returns "" when no token has been stored yet.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// FileTokenStore keeps the token in a single file, readable only by the
// current user.
type FileTokenStore struct {
	Path string
}

func (f FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// StaticToken is a TokenStore that always offers the same token and
// discards newly issued ones.
type StaticToken string

func (s StaticToken) Load() (string, error) { return string(s), nil }

func (StaticToken) Save(string) error { return nil }
