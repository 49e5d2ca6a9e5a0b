// Package client keeps a local view of the account's tasks and profile in
// sync with the server: a JSON API client plus per-collection state
// machines that reconcile responses into immutable snapshots.
package client

import (
	"os"
	"path/filepath"
	"sync"
)

// CredentialStore is the durable home of the session token. The sync
// stores depend on this abstraction rather than a concrete storage
// facility, so tests can substitute an in-memory fake.
type CredentialStore interface {
	// Token returns the stored session token, or "" when logged out.
	Token() (string, error)
	SetToken(token string) error
	Clear() error
}

// FileCredentials persists the token in a single file, created with
// owner-only permissions.
type FileCredentials struct {
	path string
}

// NewFileCredentials stores the token at path.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

func (f *FileCredentials) Token() (string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *FileCredentials) SetToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(f.path, []byte(token), 0600)
}

func (f *FileCredentials) Clear() error {
	err := os.Remove(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryCredentials holds the token in memory.
type MemoryCredentials struct {
	mu    sync.Mutex
	token string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{}
}

func (m *MemoryCredentials) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryCredentials) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryCredentials) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
