package tokensource

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

// scriptedResponse is one canned answer of the fake identity platform.
type scriptedResponse struct {
	status int
	body   any
}

// identityServer fakes the device code and token endpoints. Token endpoint
// answers are served in order; the last one repeats.
type identityServer struct {
	*httptest.Server

	mu          sync.Mutex
	device      scriptedResponse
	token       []scriptedResponse
	deviceForms []url.Values
	tokenForms  []url.Values
	requestIDs  []string
}

func newIdentityServer(t *testing.T, device scriptedResponse, token ...scriptedResponse) *identityServer {
	t.Helper()

	s := &identityServer{device: device, token: token}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())

		s.mu.Lock()
		s.requestIDs = append(s.requestIDs, r.Header.Get("client-request-id"))
		var resp scriptedResponse
		switch r.URL.Path {
		case "/tenant/oauth2/v2.0/devicecode":
			s.deviceForms = append(s.deviceForms, r.PostForm)
			resp = s.device
		case "/tenant/oauth2/v2.0/token":
			s.tokenForms = append(s.tokenForms, r.PostForm)
			i := min(len(s.tokenForms)-1, len(s.token)-1)
			resp = s.token[i]
		default:
			resp = scriptedResponse{status: http.StatusNotFound, body: map[string]string{"error": "not_found"}}
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		switch body := resp.body.(type) {
		case string:
			_, _ = w.Write([]byte(body))
		default:
			_ = json.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *identityServer) endpoint() oauth2.Endpoint {
	return Endpoint(s.URL, "tenant")
}

func (s *identityServer) tokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokenForms)
}

func (s *identityServer) deviceForm(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceForms[i]
}

func (s *identityServer) requestID(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestIDs[i]
}

func (s *identityServer) tokenForm(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenForms[i]
}

func ok(body any) scriptedResponse {
	return scriptedResponse{status: http.StatusOK, body: body}
}

func oauthError(code string) scriptedResponse {
	return scriptedResponse{
		status: http.StatusBadRequest,
		body:   map[string]string{"error": code, "error_description": code + " description"},
	}
}

var deviceCodeIssued = ok(map[string]any{
	"device_code":      "DEVICE",
	"user_code":        "ABCD-EFGH",
	"verification_uri": "https://microsoft.com/devicelogin",
	"expires_in":       900,
	"interval":         5,
	"message":          "To sign in, enter ABCD-EFGH at https://microsoft.com/devicelogin",
})

// advance lets the code under test pass n poll waits of the given durations.
// The last duration repeats.
func advance(clock clockwork.FakeClock, n int, durations ...time.Duration) {
	go func() {
		for i := range n {
			clock.BlockUntil(1)
			clock.Advance(durations[min(i, len(durations)-1)])
		}
	}()
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
