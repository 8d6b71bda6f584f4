package tokensource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

// Refresher renews the access token held in a cache using its refresh token.
type Refresher struct {
	cache    *tokencache.Cache
	endpoint oauth2.Endpoint
	scopes   []string
	client   *http.Client
}

// NewRefresher creates a Refresher that reads from and writes to cache.
func NewRefresher(cache *tokencache.Cache, endpoint oauth2.Endpoint, scopes []string, opts ...Option) (*Refresher, error) {
	if cache == nil {
		return nil, fmt.Errorf("missing token cache")
	}
	if endpoint.TokenURL == "" {
		return nil, fmt.Errorf("missing token URL")
	}

	cfg := newConfig(opts)
	return &Refresher{
		cache:    cache,
		endpoint: endpoint,
		scopes:   scopes,
		client:   cfg.httpClient(),
	}, nil
}

// Refresh exchanges the cached refresh token for a new access token, stores
// it in the cache and returns it. The cached refresh token is kept unless the
// server issues a new one. The cache is left untouched on failure.
func (r *Refresher) Refresh(ctx context.Context, clientID string) (string, error) {
	const op = "token refresh"

	refreshToken := r.cache.RefreshToken()
	if refreshToken == "" {
		return "", &MissingFieldError{Field: "refresh_token"}
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("client_id", clientID)
	values.Set("scope", strings.Join(r.scopes, " "))
	values.Set("refresh_token", refreshToken)

	resp, body, err := postForm(ctx, r.client, op, r.endpoint.TokenURL, values)
	if err != nil {
		return "", err
	}
	if !isSuccess(resp) {
		return "", newServerError(op, resp, body)
	}

	grant, err := parseGrant(op, resp, body, false)
	if err != nil {
		return "", err
	}

	if grant.RefreshToken != "" {
		refreshToken = grant.RefreshToken
	}
	r.cache.Assign(grant.AccessToken, grant.ExpiresIn, refreshToken)

	slog.DebugContext(ctx, "token refreshed", "expires_at", r.cache.Expiry(), "refresh_token_rotated", grant.RefreshToken != "")

	return grant.AccessToken, nil
}
