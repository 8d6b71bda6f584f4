package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
	"github.com/florianilch/msgraph-device-auth/internal/tokenstore"
)

// fakeIdentityPlatform serves canned device code and token responses.
// Token responses are served in order; the last one repeats.
type fakeIdentityPlatform struct {
	*httptest.Server

	mu          sync.Mutex
	deviceCalls int
	tokenGrants []string
	token       []map[string]any
}

func newFakeIdentityPlatform(t *testing.T, token ...map[string]any) *fakeIdentityPlatform {
	t.Helper()

	p := &fakeIdentityPlatform{token: token}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "app", r.PostForm.Get("client_id"))

		p.mu.Lock()
		var body map[string]any
		switch r.URL.Path {
		case "/tenant/oauth2/v2.0/devicecode":
			p.deviceCalls++
			body = map[string]any{
				"device_code":      "DEVICE",
				"user_code":        "ABCD-EFGH",
				"verification_uri": "https://microsoft.com/devicelogin",
				"expires_in":       900,
				"interval":         5,
			}
		case "/tenant/oauth2/v2.0/token":
			p.tokenGrants = append(p.tokenGrants, r.PostForm.Get("grant_type"))
			body = p.token[min(len(p.tokenGrants)-1, len(p.token)-1)]
		}
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if _, isError := body["error"]; isError {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *fakeIdentityPlatform) calls() (device int, grants []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceCalls, append([]string(nil), p.tokenGrants...)
}

type appFixture struct {
	app    *App
	clock  clockwork.FakeClock
	store  *tokenstore.FileStore
	prompt *bytes.Buffer
}

func newAppFixture(t *testing.T, platform *fakeIdentityPlatform) *appFixture {
	t.Helper()

	cfg := &Config{
		Auth: AuthConfig{
			AppID:     "app",
			Tenant:    "tenant",
			Authority: platform.URL,
			File:      filepath.Join(t.TempDir(), "graphauth", DefaultConfigTokenFileName),
		},
	}
	require.NoError(t, cfg.ApplyDefaults())

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	prompt := &bytes.Buffer{}

	application, err := New(cfg,
		WithClock(clock),
		WithIdentityTransport(platform.Client().Transport),
		WithPromptOutput(prompt),
	)
	require.NoError(t, err)

	store, err := tokenstore.NewFileStore(cfg.Auth.File)
	require.NoError(t, err)

	return &appFixture{app: application, clock: clock, store: store, prompt: prompt}
}

// advancePolls lets n device code poll waits elapse on clock.
func advancePolls(clock clockwork.FakeClock, n int, interval time.Duration) {
	go func() {
		for range n {
			clock.BlockUntil(1)
			clock.Advance(interval)
		}
	}()
}

func TestApp_Token_StaleFileRefreshKeepsRefreshToken(t *testing.T) {
	platform := newFakeIdentityPlatform(t, map[string]any{
		"token_type":   "Bearer",
		"access_token": "T2",
		"expires_in":   3600,
	})
	f := newAppFixture(t, platform)

	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, tokencache.Record{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    f.clock.Now().Add(-time.Minute),
	}))

	token, err := f.app.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "T2", token)

	device, grants := platform.calls()
	assert.Zero(t, device)
	assert.Equal(t, []string{"refresh_token"}, grants)

	saved, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokencache.Record{
		AccessToken:  "T2",
		RefreshToken: "R1",
		ExpiresAt:    f.clock.Now().Add(time.Hour),
	}, saved)
}

func TestApp_Token_DeviceFlowAfterPending(t *testing.T) {
	platform := newFakeIdentityPlatform(t,
		map[string]any{"error": "authorization_pending"},
		map[string]any{"error": "authorization_pending"},
		map[string]any{"access_token": "D1", "refresh_token": "DR1", "expires_in": 3600},
	)
	f := newAppFixture(t, platform)
	advancePolls(f.clock, 3, 5*time.Second)

	token, err := f.app.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "D1", token)

	device, grants := platform.calls()
	assert.Equal(t, 1, device)
	assert.Len(t, grants, 3)
	assert.Contains(t, f.prompt.String(), "ABCD-EFGH")

	saved, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "D1", saved.AccessToken)
	assert.Equal(t, "DR1", saved.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(time.Hour), saved.ExpiresAt)
}

func TestApp_Token_IncompleteRefreshFallsBackToDeviceFlow(t *testing.T) {
	platform := newFakeIdentityPlatform(t,
		// Refresh response without access_token.
		map[string]any{"token_type": "Bearer", "expires_in": 3600},
		map[string]any{"access_token": "D1", "refresh_token": "DR1", "expires_in": 3600},
	)
	f := newAppFixture(t, platform)
	advancePolls(f.clock, 1, 5*time.Second)

	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, tokencache.Record{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    f.clock.Now().Add(-time.Minute),
	}))

	token, err := f.app.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D1", token)

	device, grants := platform.calls()
	assert.Equal(t, 1, device)
	require.Len(t, grants, 2)
	assert.Equal(t, "refresh_token", grants[0])
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", grants[1])

	saved, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "D1", saved.AccessToken)
	assert.Equal(t, "DR1", saved.RefreshToken)
}

func TestApp_Status(t *testing.T) {
	platform := newFakeIdentityPlatform(t, map[string]any{"error": "unexpected"})
	f := newAppFixture(t, platform)
	ctx := context.Background()

	_, err := f.app.Status(ctx)
	require.Error(t, err)

	expiresAt := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.store.Save(ctx, tokencache.Record{AccessToken: "T1", RefreshToken: "R1", ExpiresAt: expiresAt}))

	status, err := f.app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, expiresAt, status.ExpiresAt)
	assert.False(t, status.Expired)
	assert.True(t, status.HasRefreshToken)

	f.clock.Advance(time.Hour)
	status, err = f.app.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Expired)

	device, grants := platform.calls()
	assert.Zero(t, device)
	assert.Empty(t, grants)
}

func TestApp_Token_Timeout(t *testing.T) {
	platform := newFakeIdentityPlatform(t, map[string]any{"error": "authorization_pending"})
	f := newAppFixture(t, platform)
	f.app.cfg.Auth.Timeout = 50 * time.Millisecond

	// No clock advance: the flow waits for its first poll until the timeout.
	_, err := f.app.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
