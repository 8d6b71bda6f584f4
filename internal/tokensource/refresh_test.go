package tokensource

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
)

func newStaleCache(clock clockwork.Clock) *tokencache.Cache {
	cache := tokencache.New(clock)
	cache.Replace(tokencache.Record{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    clock.Now().Add(-time.Hour),
	})
	return cache
}

func TestRefresherCarriesRefreshTokenForward(t *testing.T) {
	server := newIdentityServer(t, deviceCodeIssued, ok(map[string]any{
		"access_token": "T2",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}))
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cache := newStaleCache(clock)

	refresher, err := NewRefresher(cache, server.endpoint(), DefaultScopes)
	require.NoError(t, err)

	token, err := refresher.Refresh(context.Background(), "app-id")
	require.NoError(t, err)
	require.Equal(t, "T2", token)

	require.Equal(t, tokencache.Record{
		AccessToken:  "T2",
		RefreshToken: "R1",
		ExpiresAt:    clock.Now().Add(time.Hour),
	}, cache.Snapshot())

	form := server.tokenForm(0)
	require.Equal(t, "refresh_token", form.Get("grant_type"))
	require.Equal(t, "app-id", form.Get("client_id"))
	require.Equal(t, "R1", form.Get("refresh_token"))
	require.Equal(t, "openid offline_access user.read Calendars.Read", form.Get("scope"))
}

func TestRefresherAdoptsRotatedRefreshToken(t *testing.T) {
	server := newIdentityServer(t, deviceCodeIssued, ok(map[string]any{
		"access_token":  "T2",
		"refresh_token": "R2",
		"expires_in":    3600,
	}))
	cache := newStaleCache(clockwork.NewFakeClock())

	refresher, err := NewRefresher(cache, server.endpoint(), DefaultScopes)
	require.NoError(t, err)

	_, err = refresher.Refresh(context.Background(), "app-id")
	require.NoError(t, err)
	require.Equal(t, "R2", cache.RefreshToken())
}

func TestRefresherFailuresLeaveCacheUntouched(t *testing.T) {
	tests := []struct {
		name  string
		token scriptedResponse
		check func(t *testing.T, err error)
	}{
		{
			name:  "missing access token",
			token: ok(map[string]any{"expires_in": 3600}),
			check: func(t *testing.T, err error) {
				var missing *MissingFieldError
				require.ErrorAs(t, err, &missing)
				require.Equal(t, "access_token", missing.Field)
			},
		},
		{
			name:  "expires_in not a number",
			token: ok(map[string]any{"access_token": "T2", "expires_in": "soon"}),
			check: func(t *testing.T, err error) {
				var missing *MissingFieldError
				require.ErrorAs(t, err, &missing)
				require.Equal(t, "expires_in", missing.Field)
			},
		},
		{
			name:  "invalid grant",
			token: oauthError("invalid_grant"),
			check: func(t *testing.T, err error) {
				var serverErr *ServerError
				require.ErrorAs(t, err, &serverErr)
				require.Equal(t, http.StatusBadRequest, serverErr.StatusCode)

				var retrieveErr *oauth2.RetrieveError
				require.ErrorAs(t, err, &retrieveErr)
				require.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
				require.Equal(t, "invalid_grant description", retrieveErr.ErrorDescription)
			},
		},
		{
			name:  "server failure without body",
			token: scriptedResponse{status: http.StatusServiceUnavailable, body: ""},
			check: func(t *testing.T, err error) {
				var serverErr *ServerError
				require.ErrorAs(t, err, &serverErr)
				require.Equal(t, http.StatusServiceUnavailable, serverErr.StatusCode)
			},
		},
		{
			name:  "body is not json",
			token: ok("access_token=T2"),
			check: func(t *testing.T, err error) {
				var serverErr *ServerError
				require.ErrorAs(t, err, &serverErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newIdentityServer(t, deviceCodeIssued, tt.token)
			cache := newStaleCache(clockwork.NewFakeClock())
			before := cache.Snapshot()

			refresher, err := NewRefresher(cache, server.endpoint(), DefaultScopes)
			require.NoError(t, err)

			_, err = refresher.Refresh(context.Background(), "app-id")
			require.Error(t, err)
			tt.check(t, err)
			require.Equal(t, before, cache.Snapshot())
		})
	}
}

func TestRefresherWithoutRefreshToken(t *testing.T) {
	server := newIdentityServer(t, deviceCodeIssued, ok(map[string]any{"access_token": "T2", "expires_in": 60}))

	refresher, err := NewRefresher(tokencache.New(nil), server.endpoint(), DefaultScopes)
	require.NoError(t, err)

	_, err = refresher.Refresh(context.Background(), "app-id")
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "refresh_token", missing.Field)
	require.Equal(t, 0, server.tokenCalls())
}

func TestRefresherNetworkError(t *testing.T) {
	transport := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	})
	cache := newStaleCache(clockwork.NewFakeClock())

	refresher, err := NewRefresher(cache, Endpoint("https://login.example.com", "tenant"), DefaultScopes, WithTransport(transport))
	require.NoError(t, err)

	_, err = refresher.Refresh(context.Background(), "app-id")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		authority string
		tenant    string
		device    string
		token     string
	}{
		{
			name:   "defaults",
			device: "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode",
			token:  "https://login.microsoftonline.com/consumers/oauth2/v2.0/token",
		},
		{
			name:      "default authority with tenant",
			authority: "https://login.microsoftonline.com/",
			tenant:    "common",
			device:    "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode",
			token:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		{
			name:      "sovereign cloud",
			authority: "https://login.microsoftonline.us",
			tenant:    "organizations",
			device:    "https://login.microsoftonline.us/organizations/oauth2/v2.0/devicecode",
			token:     "https://login.microsoftonline.us/organizations/oauth2/v2.0/token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := Endpoint(tt.authority, tt.tenant)
			require.Equal(t, tt.device, endpoint.DeviceAuthURL)
			require.Equal(t, tt.token, endpoint.TokenURL)
			require.Equal(t, oauth2.AuthStyleInParams, endpoint.AuthStyle)
		})
	}
}
