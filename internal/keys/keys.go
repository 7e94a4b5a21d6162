package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the directory xcrun looks in for AuthKey_<id>.p8 files.
type Store struct {
	Dir string
}

// DefaultStore returns $HOME/private_keys.
func DefaultStore() (*Store, error) {
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		return nil, errors.New("unable to determine user HOME path")
	}
	return &Store{Dir: filepath.Join(home, "private_keys")}, nil
}

// Install writes the key so the command line tools can find it by key id.
func (s *Store) Install(keyID, privateKey string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create private key directory: %w", err)
	}
	p := filepath.Join(s.Dir, "AuthKey_"+keyID+".p8")
	if err := os.WriteFile(p, []byte(privateKey), 0o600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	return p, nil
}

// DeleteAll removes the directory and every key in it.
func (s *Store) DeleteAll() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("failed to delete private keys: %w", err)
	}
	return nil
}
