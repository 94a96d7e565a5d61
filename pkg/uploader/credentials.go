package uploader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// CredentialFileName is the default name of the credential store.
const CredentialFileName = "pgl-serverbackup.credentials.yaml"

// Credential is the stored secret of one auth provider.
type Credential struct {
	RefreshToken string `yaml:"refreshToken"`
}

// CredentialStore is a YAML file mapping auth providers to credentials.
// It is safe for concurrent use.
type CredentialStore struct {
	mu      sync.RWMutex
	path    string
	entries map[AuthProvider]Credential
}

// LoadCredentialStore reads the store at path. A missing file yields an empty store.
func LoadCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{path: path, entries: make(map[AuthProvider]Credential)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read credential store %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("failed to parse credential store %s: %w", path, err)
	}
	if s.entries == nil {
		s.entries = make(map[AuthProvider]Credential)
	}
	return s, nil
}

// HasCredential reports whether a usable credential is stored for provider.
func (s *CredentialStore) HasCredential(provider AuthProvider) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[provider]
	return ok && c.RefreshToken != ""
}

// Get returns the credential of provider.
func (s *CredentialStore) Get(provider AuthProvider) (Credential, bool) {
	if s == nil {
		return Credential{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[provider]
	return c, ok
}

// Set stores c for provider in memory. Call Save to persist it.
func (s *CredentialStore) Set(provider AuthProvider, c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[provider] = c
}

// Save writes the store with owner-only permissions.
func (s *CredentialStore) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.entries)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create credential store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
