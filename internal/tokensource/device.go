package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval applies when the server declares no interval (RFC 8628 §3.2).
	defaultPollInterval = 5 * time.Second

	// slowDownStep is added to the interval on every slow_down response (RFC 8628 §3.5).
	slowDownStep = 5 * time.Second
)

// State is a step of the device code flow.
type State int32

const (
	StateIdle State = iota
	StateRequested
	StateAwaitingUser
	StateAuthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateAwaitingUser:
		return "awaiting user"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DeviceAuthenticator starts device code flows against one endpoint.
type DeviceAuthenticator struct {
	endpoint oauth2.Endpoint
	scopes   []string
	client   *http.Client
	clock    clockwork.Clock
}

// NewDeviceAuthenticator creates a DeviceAuthenticator requesting scopes from endpoint.
func NewDeviceAuthenticator(endpoint oauth2.Endpoint, scopes []string, opts ...Option) (*DeviceAuthenticator, error) {
	if endpoint.DeviceAuthURL == "" {
		return nil, fmt.Errorf("missing device authorization URL")
	}
	if endpoint.TokenURL == "" {
		return nil, fmt.Errorf("missing token URL")
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("missing scopes")
	}

	cfg := newConfig(opts)
	return &DeviceAuthenticator{
		endpoint: endpoint,
		scopes:   scopes,
		client:   cfg.httpClient(),
		clock:    cfg.clock,
	}, nil
}

// NewFlow returns an idle flow for clientID. No I/O is performed.
func (a *DeviceAuthenticator) NewFlow(clientID string) *DeviceFlow {
	return &DeviceFlow{
		auth:     a,
		clientID: clientID,
	}
}

// Start requests a device code and returns a flow awaiting the user.
func (a *DeviceAuthenticator) Start(ctx context.Context, clientID string) (*DeviceFlow, error) {
	flow := a.NewFlow(clientID)
	if err := flow.Request(ctx); err != nil {
		return nil, err
	}
	return flow, nil
}

// Authorize runs a complete flow: it requests a device code, passes the
// verification message to show, and waits until the user has authorized.
func (a *DeviceAuthenticator) Authorize(ctx context.Context, clientID string, show func(message string)) (*Grant, error) {
	flow, err := a.Start(ctx, clientID)
	if err != nil {
		return nil, err
	}

	show(flow.Message())

	return flow.Wait(ctx)
}

// DeviceFlow is a single device code authorization. It is not safe for
// concurrent iteration; State may be read from any goroutine.
type DeviceFlow struct {
	auth     *DeviceAuthenticator
	clientID string

	state atomic.Int32

	response oauth2.DeviceAuthResponse
	message  string
	interval time.Duration
}

// State returns the current step of the flow.
func (f *DeviceFlow) State() State {
	return State(f.state.Load())
}

func (f *DeviceFlow) setState(s State) {
	f.state.Store(int32(s))
}

// Message returns the human-readable verification instructions.
func (f *DeviceFlow) Message() string {
	return f.message
}

// UserCode returns the code the user enters at the verification URI.
func (f *DeviceFlow) UserCode() string {
	return f.response.UserCode
}

// VerificationURI returns the page where the user enters the code.
func (f *DeviceFlow) VerificationURI() string {
	return f.response.VerificationURI
}

// Interval returns the current spacing between poll attempts.
func (f *DeviceFlow) Interval() time.Duration {
	return f.interval
}

// Request issues the device authorization request. It may only be called on an idle flow.
func (f *DeviceFlow) Request(ctx context.Context) error {
	if state := f.State(); state != StateIdle {
		return fmt.Errorf("device flow is %s, not idle", state)
	}
	f.setState(StateRequested)

	if err := f.request(ctx); err != nil {
		f.setState(StateFailed)
		return err
	}

	f.setState(StateAwaitingUser)
	slog.InfoContext(ctx, "device code issued",
		"verification_uri", f.response.VerificationURI,
		"interval", f.interval,
		"expires_at", f.response.Expiry,
	)
	return nil
}

func (f *DeviceFlow) request(ctx context.Context) error {
	const op = "device authorization"

	values := url.Values{}
	values.Set("client_id", f.clientID)
	values.Set("scope", strings.Join(f.auth.scopes, " "))

	resp, body, err := postForm(ctx, f.auth.client, op, f.auth.endpoint.DeviceAuthURL, values)
	if err != nil {
		return err
	}
	if !isSuccess(resp) {
		return newServerError(op, resp, body)
	}

	if err := json.Unmarshal(body, &f.response); err != nil {
		return &ServerError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if f.response.DeviceCode == "" {
		return &MissingFieldError{Field: "device_code"}
	}

	f.message = gjson.GetBytes(body, "message").String()
	if f.message == "" {
		if f.response.VerificationURI == "" {
			return &MissingFieldError{Field: "verification_uri"}
		}
		if f.response.UserCode == "" {
			return &MissingFieldError{Field: "user_code"}
		}
		f.message = fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
			f.response.VerificationURI, f.response.UserCode)
	}

	f.interval = time.Duration(f.response.Interval) * time.Second
	if f.interval <= 0 {
		f.interval = defaultPollInterval
	}

	return nil
}

// Attempts returns the sequence of poll attempts, each made after waiting the
// current interval on the authenticator's clock. Every attempt yields exactly
// one of: a grant (terminal), ErrAuthorizationPending (the sequence continues),
// or another error (terminal). The sequence is lazy and may be iterated again
// after it was stopped early or its context was canceled.
func (f *DeviceFlow) Attempts(ctx context.Context) iter.Seq2[*Grant, error] {
	return func(yield func(*Grant, error) bool) {
		for {
			if state := f.State(); state != StateAwaitingUser {
				yield(nil, fmt.Errorf("device flow is %s, not awaiting user", state))
				return
			}

			timer := f.auth.clock.NewTimer(f.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(nil, ctx.Err())
				return
			case <-timer.Chan():
			}

			grant, err := f.poll(ctx)
			switch {
			case err == nil:
				f.setState(StateAuthorized)
			case errors.Is(err, ErrAuthorizationPending):
			case ctx.Err() != nil:
				// Canceled mid-request; the flow can be resumed.
			default:
				f.setState(StateFailed)
			}

			if !yield(grant, err) || !errors.Is(err, ErrAuthorizationPending) {
				return
			}
		}
	}
}

// Wait polls until the user has authorized or a terminal error occurs.
// Pending responses are absorbed. There is no timeout besides ctx.
func (f *DeviceFlow) Wait(ctx context.Context) (*Grant, error) {
	for grant, err := range f.Attempts(ctx) {
		if errors.Is(err, ErrAuthorizationPending) {
			slog.DebugContext(ctx, "authorization pending", "next_poll_in", f.interval)
			continue
		}
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "device authorized")
		return grant, nil
	}
	return nil, ErrNoResponse
}

func (f *DeviceFlow) poll(ctx context.Context) (*Grant, error) {
	const op = "device code poll"

	values := url.Values{}
	values.Set("grant_type", deviceCodeGrantType)
	values.Set("client_id", f.clientID)
	values.Set("device_code", f.response.DeviceCode)

	resp, body, err := postForm(ctx, f.auth.client, op, f.auth.endpoint.TokenURL, values)
	if err != nil {
		return nil, err
	}

	if errorCode := gjson.GetBytes(body, "error"); !isSuccess(resp) || errorCode.Exists() {
		switch errorCode.String() {
		case "authorization_pending":
			return nil, ErrAuthorizationPending
		case "slow_down":
			f.interval += slowDownStep
			return nil, ErrAuthorizationPending
		}
		return nil, newServerError(op, resp, body)
	}

	return parseGrant(op, resp, body, true)
}
