// Package credstore persists the API session tokens.
//
// A Store is a flat secret store keyed by string. The client only ever uses
// two keys, AccessTokenKey and RefreshTokenKey. Writes are atomic per key;
// callers must not assume that two Set calls land together.
package credstore

import (
	"errors"
	"sync"
)

// Keys used by the API client.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("credential not found")

// Store is an opaque key/value secret store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Clear deletes both session tokens, returning the first error encountered.
func Clear(s Store) error {
	var firstErr error
	for _, key := range []string{AccessTokenKey, RefreshTokenKey} {
		if err := s.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasSession reports whether an access token is stored.
func HasSession(s Store) bool {
	token, err := s.Get(AccessTokenKey)
	return err == nil && token != ""
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
