package tokenstore

import (
	"context"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

// TokenStore reads and writes the credential record to persistent storage.
type TokenStore interface {
	// Load returns the stored record. Returns a *PersistenceError if the record
	// is missing, unreadable or malformed.
	Load(ctx context.Context) (tokencache.Record, error)

	// Save overwrites the stored record. Returns a *PersistenceError on failure.
	Save(ctx context.Context, rec tokencache.Record) error
}
