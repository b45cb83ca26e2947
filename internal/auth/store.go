package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists credentials. Load returns zero Credentials and a nil error
// when nothing is stored.
type Store interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore creates a MemoryStore seeded with creds.
func NewMemoryStore(creds Credentials) *MemoryStore {
	return &MemoryStore{creds: creds}
}

// Load returns the stored credentials.
func (s *MemoryStore) Load(context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, nil
}

// Save replaces the stored credentials.
func (s *MemoryStore) Save(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Clear removes the stored credentials.
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
	return nil
}

// FileStore persists credentials as a JSON object of key/value entries.
// Reads are served from memory after the first load.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	creds  Credentials
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the stored credentials, reading the file on first use.
func (s *FileStore) Load(context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.creds, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}

	entries := map[string]string{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}

	s.creds = FromEntries(entries)
	s.loaded = true
	return s.creds, nil
}

// Save writes creds to disk atomically.
func (s *FileStore) Save(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(Entries(creds), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}

	s.creds = creds
	s.loaded = true
	return nil
}

// Clear deletes the credentials file.
func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credentials file: %w", err)
	}

	s.creds = Credentials{}
	s.loaded = true
	return nil
}

// Entries flattens creds into the store's key/value form. Empty values are omitted.
func Entries(creds Credentials) map[string]string {
	entries := make(map[string]string, 3)
	if creds.AccessToken != "" {
		entries[KeyAccessToken] = creds.AccessToken
	}
	if creds.RefreshToken != "" {
		entries[KeyRefreshToken] = creds.RefreshToken
	}
	if creds.User != "" {
		entries[KeyUser] = creds.User
	}
	return entries
}

// FromEntries rebuilds Credentials from key/value entries.
func FromEntries(entries map[string]string) Credentials {
	return Credentials{
		AccessToken:  entries[KeyAccessToken],
		RefreshToken: entries[KeyRefreshToken],
		User:         entries[KeyUser],
	}
}
