package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

// storedRecord is the on-disk representation of tokencache.Record.
type storedRecord struct {
	AccessToken  string `json:"access_token"`
	ExpiresOn    string `json:"expires_on"`
	RefreshToken string `json:"refresh_token"`
}

func marshalRecord(rec tokencache.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		AccessToken:  rec.AccessToken,
		ExpiresOn:    rec.ExpiresAt.UTC().Format(time.RFC3339),
		RefreshToken: rec.RefreshToken,
	})
}

func unmarshalRecord(data []byte) (tokencache.Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return tokencache.Record{}, fmt.Errorf("parsing token cache: %w", err)
	}

	switch {
	case stored.AccessToken == "":
		return tokencache.Record{}, errors.New("token cache does not contain access_token")
	case stored.RefreshToken == "":
		return tokencache.Record{}, errors.New("token cache does not contain refresh_token")
	case stored.ExpiresOn == "":
		return tokencache.Record{}, errors.New("token cache does not contain expires_on")
	}

	expiresAt, err := time.Parse(time.RFC3339, stored.ExpiresOn)
	if err != nil {
		return tokencache.Record{}, fmt.Errorf("parsing expires_on: %w", err)
	}

	return tokencache.Record{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    expiresAt.UTC(),
	}, nil
}
