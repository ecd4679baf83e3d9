// Package auth persists the credentials that select remote-relay mode.
//
// Credentials come from an out-of-band sign-in flow; this package only
// stores and invalidates them. A missing credentials file is the normal
// unauthenticated case, not an error.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials is the stored remote-relay identity.
type Credentials struct {
	// Token authenticates against the remote relay.
	Token string `yaml:"token"`

	// RelayURL is the remote relay WebSocket endpoint. Empty means local
	// mode only.
	RelayURL string `yaml:"relay_url"`

	// ExpiresAt bounds the token lifetime. Zero means no expiry.
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// Authenticated reports whether the credentials carry a usable token.
func (c *Credentials) Authenticated() bool {
	return c != nil && c.Token != ""
}

// Expired reports whether the token lifetime has passed at now.
func (c *Credentials) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Store loads, saves, and invalidates credentials.
type Store interface {
	// Load returns the stored credentials, or nil when none are stored.
	Load() (*Credentials, error)

	// Save persists credentials, replacing any stored set.
	Save(creds *Credentials) error

	// Clear removes stored credentials. Clearing an empty store is a no-op.
	Clear() error
}

// FileStore keeps credentials in a YAML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore builds a store at path. An empty path selects
// ~/.browsermcp/credentials.yaml. Nothing is read until Load.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".browsermcp", "credentials.yaml")
	}

	return &FileStore{path: path}, nil
}

// Path returns the credentials file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the credentials file. A missing file yields (nil, nil).
func (s *FileStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	return &creds, nil
}

// Save writes credentials atomically: temp file in the same directory, then
// rename. The directory is created on first save.
func (s *FileStore) Save(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	return nil
}

// Clear deletes the credentials file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}

	return nil
}
