package proxy

import (
	"net/http"

	"golang.org/x/oauth2"
)

// allowedHeaders defines the HTTP headers permitted to pass through to Microsoft Graph.
// Authorization is always the one set by oauth2.Transport, which overwrites any client value.
var allowedHeaders = map[string]bool{
	"Authorization":    true,
	"Content-Type":     true,
	"Content-Length":   true,
	"Accept":           true,
	"Accept-Encoding":  true,
	"Accept-Language":  true,
	"If-Match":         true,
	"If-None-Match":    true,
	"Prefer":           true,
	"Consistencylevel": true,

	// W3C Trace Context for distributed tracing correlation.
	"Traceparent": true,
	"Tracestate":  true,
}

// HeaderFilterTransport is an http.RoundTripper that drops every request
// header not on the allow list before forwarding.
type HeaderFilterTransport struct {
	Base http.RoundTripper
}

// Compile-time check that HeaderFilterTransport implements http.RoundTripper.
var _ http.RoundTripper = (*HeaderFilterTransport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *HeaderFilterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	newReq := req.Clone(req.Context())

	newReq.Header = make(http.Header, len(req.Header))
	for key, values := range req.Header {
		if allowedHeaders[key] {
			newReq.Header[key] = values
		}
	}

	return base.RoundTrip(newReq)
}

// tokenError marks a failure to obtain an access token, as opposed to an upstream failure.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string {
	return "obtaining access token: " + e.err.Error()
}

func (e *tokenError) Unwrap() error {
	return e.err
}

// markedTokenSource wraps token errors in tokenError.
type markedTokenSource struct {
	source oauth2.TokenSource
}

func (s *markedTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.source.Token()
	if err != nil {
		return nil, &tokenError{err: err}
	}
	return token, nil
}
