package tokenstore

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

// KeyringStore provides OS-native secure credential storage for the record.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements TokenStore
var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// (macOS Keychain, Windows Credential Manager, etc.) using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

func (k *KeyringStore) location() string {
	return "keyring:" + k.service + "/" + k.user
}

// Load returns the record from the system keyring. Returns error if not found or malformed.
func (k *KeyringStore) Load(ctx context.Context) (tokencache.Record, error) {
	if err := ctx.Err(); err != nil {
		return tokencache.Record{}, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if err != nil {
		return tokencache.Record{}, &PersistenceError{Op: "load", Location: k.location(), Err: err}
	}

	rec, err := unmarshalRecord([]byte(secret))
	if err != nil {
		return tokencache.Record{}, &PersistenceError{Op: "load", Location: k.location(), Err: err}
	}
	return rec, nil
}

// Save persists the record to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, rec tokencache.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := marshalRecord(rec)
	if err != nil {
		return &PersistenceError{Op: "save", Location: k.location(), Err: err}
	}

	if err := keyring.Set(k.service, k.user, string(data)); err != nil {
		return &PersistenceError{Op: "save", Location: k.location(), Err: err}
	}
	return nil
}
