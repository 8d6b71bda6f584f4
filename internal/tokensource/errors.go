package tokensource

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationPending is yielded by DeviceFlow.Attempts while the user
	// has not yet completed authorization. It is retryable.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrNoResponse is returned when polling stops without a terminal result.
	ErrNoResponse = errors.New("no response from token endpoint")
)

// NetworkError reports a transport failure talking to the identity platform.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError reports a non-success status or an unparseable response body.
// Err is an *oauth2.RetrieveError when the server answered with an OAuth2 error.
type ServerError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// MissingFieldError reports a required field absent from a response or cache.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing or invalid field %q", e.Field)
}

// AuthError is the top-level failure of acquiring a token for an application.
type AuthError struct {
	AppID string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("acquiring token for app %s: %v", e.AppID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
