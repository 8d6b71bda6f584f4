package tokensource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// requestTimeout bounds a single request to the identity platform. It does
// not bound device-code polling as a whole.
const requestTimeout = 30 * time.Second

// maxResponseSize caps how much of a token endpoint response is read.
const maxResponseSize = 1 << 20

// Option configures a DeviceAuthenticator or Refresher.
type Option func(*config)

type config struct {
	baseTransport http.RoundTripper
	clock         clockwork.Clock
}

// WithTransport sets a custom base transport for requests to the identity platform.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *config) {
		c.baseTransport = transport
	}
}

// WithClock sets the clock used for polling intervals and expiry computation.
// If not provided, the real clock is used.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		baseTransport: http.DefaultTransport,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *config) httpClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &requestIDTransport{
			base: c.baseTransport,
		},
	}
}

// requestIDTransport stamps every request with a fresh client-request-id,
// which the identity platform echoes back for correlation.
type requestIDTransport struct {
	base http.RoundTripper
}

// Compile-time check that requestIDTransport implements http.RoundTripper.
var _ http.RoundTripper = (*requestIDTransport)(nil)

// RoundTrip clones the request and adds the correlation header.
func (t *requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := uuid.NewString()

	newReq := req.Clone(req.Context())
	newReq.Header.Set("client-request-id", id)
	newReq.Header.Set("return-client-request-id", "true")

	slog.DebugContext(req.Context(), "identity platform request", "url", req.URL.Redacted(), "client_request_id", id)

	return t.base.RoundTrip(newReq)
}

// postForm sends a form-encoded POST and returns the response with its body
// already read. Transport failures are reported as *NetworkError.
func postForm(ctx context.Context, client *http.Client, op, endpoint string, values url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}

	return resp, body, nil
}

// newServerError builds a *ServerError carrying the OAuth2 error fields of body, if any.
func newServerError(op string, resp *http.Response, body []byte) *ServerError {
	retrieveErr := &oauth2.RetrieveError{
		Response: resp,
		Body:     body,
	}
	if gjson.ValidBytes(body) {
		retrieveErr.ErrorCode = gjson.GetBytes(body, "error").String()
		retrieveErr.ErrorDescription = gjson.GetBytes(body, "error_description").String()
		retrieveErr.ErrorURI = gjson.GetBytes(body, "error_uri").String()
	}
	return &ServerError{Op: op, StatusCode: resp.StatusCode, Err: retrieveErr}
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Grant is a successful token endpoint response.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty when the server did not issue one
	ExpiresIn    time.Duration
}

// parseGrant extracts the token fields from a successful response body.
// Missing or mistyped fields fail with *MissingFieldError; a body that is not
// JSON fails with *ServerError.
func parseGrant(op string, resp *http.Response, body []byte, requireRefreshToken bool) (*Grant, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("response body is not valid JSON")}
	}

	fields := gjson.GetManyBytes(body, "access_token", "expires_in", "refresh_token")
	accessToken, expiresIn, refreshToken := fields[0], fields[1], fields[2]

	if accessToken.Type != gjson.String || accessToken.String() == "" {
		return nil, &MissingFieldError{Field: "access_token"}
	}
	if expiresIn.Type != gjson.Number || expiresIn.Int() < 0 {
		return nil, &MissingFieldError{Field: "expires_in"}
	}
	if requireRefreshToken && (refreshToken.Type != gjson.String || refreshToken.String() == "") {
		return nil, &MissingFieldError{Field: "refresh_token"}
	}

	grant := &Grant{
		AccessToken: accessToken.String(),
		ExpiresIn:   time.Duration(expiresIn.Int()) * time.Second,
	}
	if refreshToken.Type == gjson.String {
		grant.RefreshToken = refreshToken.String()
	}
	return grant, nil
}
