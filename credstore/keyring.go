package credstore

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name the tokens are filed under.
const DefaultKeyringService = "com.expendapp.auth"

// KeyringStore keeps credentials in the operating system keyring
// (Keychain, Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a store under service. An empty service selects
// DefaultKeyringService.
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Get(key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credstore: keyring get %s: %w", key, err)
	}
	return value, nil
}

func (k *KeyringStore) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("credstore: keyring set %s: %w", key, err)
	}
	return nil
}

func (k *KeyringStore) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("credstore: keyring delete %s: %w", key, err)
}
