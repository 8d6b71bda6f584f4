package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
	"github.com/florianilch/msgraph-device-auth/internal/tokensource"
	"github.com/florianilch/msgraph-device-auth/internal/tokenstore"
)

// Refresher renews the cached access token. See tokensource.Refresher.
type Refresher interface {
	Refresh(ctx context.Context, clientID string) (string, error)
}

// DeviceAuthorizer runs an interactive device code flow. See tokensource.DeviceAuthenticator.
type DeviceAuthorizer interface {
	Authorize(ctx context.Context, clientID string, show func(message string)) (*tokensource.Grant, error)
}

// Compile-time checks that the tokensource types satisfy the interfaces above.
var (
	_ Refresher        = (*tokensource.Refresher)(nil)
	_ DeviceAuthorizer = (*tokensource.DeviceAuthenticator)(nil)
)

// PersistentTokenSource decides between the cached token, a silent refresh
// and an interactive device code flow, and persists every new token.
//
// Each cache access is atomic, but Token as a whole is not: concurrent
// callers may both see an expired token and both renew it, with the last
// writer winning in memory and on disk. TokenService serializes callers.
type PersistentTokenSource struct {
	cache     *tokencache.Cache
	store     tokenstore.TokenStore
	refresher Refresher
	device    DeviceAuthorizer
	prompt    io.Writer
}

// PersistentTokenSourceOption configures a PersistentTokenSource.
type PersistentTokenSourceOption func(*PersistentTokenSource)

// WithPrompt sets where the device code verification message is written.
// Defaults to os.Stderr.
func WithPrompt(w io.Writer) PersistentTokenSourceOption {
	return func(p *PersistentTokenSource) {
		p.prompt = w
	}
}

// NewPersistentTokenSource creates a PersistentTokenSource.
// No I/O is performed until the first Token call.
func NewPersistentTokenSource(cache *tokencache.Cache, store tokenstore.TokenStore, refresher Refresher, device DeviceAuthorizer, opts ...PersistentTokenSourceOption) (*PersistentTokenSource, error) {
	if cache == nil {
		return nil, fmt.Errorf("missing token cache")
	}
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}
	if refresher == nil {
		return nil, fmt.Errorf("missing refresher")
	}
	if device == nil {
		return nil, fmt.Errorf("missing device authorizer")
	}

	p := &PersistentTokenSource{
		cache:     cache,
		store:     store,
		refresher: refresher,
		device:    device,
		prompt:    os.Stderr,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Token returns a valid access token for appID. Failures are *tokensource.AuthError.
func (p *PersistentTokenSource) Token(ctx context.Context, appID string) (string, error) {
	token, err := p.token(ctx, appID)
	if err != nil {
		return "", &tokensource.AuthError{AppID: appID, Err: err}
	}
	return token, nil
}

func (p *PersistentTokenSource) token(ctx context.Context, appID string) (string, error) {
	slog.DebugContext(ctx, "getting token", "app_id", appID)

	if !p.cache.Empty() {
		if p.cache.Expired() {
			// No interactive fallback here, unlike the freshly loaded case below.
			slog.DebugContext(ctx, "cached token expired", "expires_at", p.cache.Expiry())
			return p.refresh(ctx, appID)
		}
		slog.DebugContext(ctx, "cached token valid", "expires_at", p.cache.Expiry())
		return p.cache.AccessToken(), nil
	}

	slog.DebugContext(ctx, "token cache empty, loading from store")
	rec, err := p.store.Load(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to load token cache", "error", err)
		return p.authorize(ctx, appID)
	}
	p.cache.Replace(rec)

	if p.cache.Expired() {
		slog.DebugContext(ctx, "stored token expired", "expires_at", p.cache.Expiry())
		token, err := p.refresh(ctx, appID)
		if err == nil {
			return token, nil
		}
		slog.WarnContext(ctx, "token refresh failed, falling back to device code flow", "error", err)
		return p.authorize(ctx, appID)
	}

	slog.DebugContext(ctx, "stored token valid", "expires_at", p.cache.Expiry())
	return p.cache.AccessToken(), nil
}

func (p *PersistentTokenSource) refresh(ctx context.Context, appID string) (string, error) {
	token, err := p.refresher.Refresh(ctx, appID)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	if err := p.save(ctx); err != nil {
		return "", err
	}
	return token, nil
}

func (p *PersistentTokenSource) authorize(ctx context.Context, appID string) (string, error) {
	slog.InfoContext(ctx, "starting device code flow", "app_id", appID)

	grant, err := p.device.Authorize(ctx, appID, func(message string) {
		_, _ = fmt.Fprintln(p.prompt, message)
	})
	if err != nil {
		return "", fmt.Errorf("device code flow: %w", err)
	}

	p.cache.Assign(grant.AccessToken, grant.ExpiresIn, grant.RefreshToken)

	token := p.cache.AccessToken()
	if token == "" {
		return "", errors.New("device code flow completed without an access token")
	}

	if err := p.save(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// save persists the cache. A failure is returned even though the in-memory
// token is usable.
func (p *PersistentTokenSource) save(ctx context.Context) error {
	if err := p.store.Save(ctx, p.cache.Snapshot()); err != nil {
		return fmt.Errorf("saving token cache: %w", err)
	}
	slog.DebugContext(ctx, "token cache saved", "expires_at", p.cache.Expiry())
	return nil
}
