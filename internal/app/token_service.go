package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrServiceStopped is returned by TokenService.Token once Run has returned.
var ErrServiceStopped = errors.New("token service stopped")

// TokenGetter returns a valid access token for an application.
type TokenGetter interface {
	Token(ctx context.Context, appID string) (string, error)
}

type tokenRequest struct {
	ctx   context.Context
	appID string
	reply chan<- tokenResult
}

type tokenResult struct {
	token string
	err   error
}

// TokenService owns a TokenGetter and handles one request at a time, so the
// whole check-expiry-then-renew sequence is atomic with respect to other
// callers. Concurrent callers queue behind an in-flight refresh or device
// code flow and then observe its result through the cache.
type TokenService struct {
	source   TokenGetter
	requests chan tokenRequest
	stopped  chan struct{}
}

// Compile-time check that TokenService implements TokenGetter
var _ TokenGetter = (*TokenService)(nil)

// NewTokenService creates a TokenService. Requests block until Run is started.
func NewTokenService(source TokenGetter) (*TokenService, error) {
	if source == nil {
		return nil, fmt.Errorf("missing token getter")
	}
	return &TokenService{
		source:   source,
		requests: make(chan tokenRequest),
		stopped:  make(chan struct{}),
	}, nil
}

// Run serves requests until ctx is done. It must be called at most once.
// A request in flight when ctx ends is canceled.
func (s *TokenService) Run(ctx context.Context) error {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		}
	}
}

func (s *TokenService) handle(ctx context.Context, req tokenRequest) tokenResult {
	if err := req.ctx.Err(); err != nil {
		return tokenResult{err: err}
	}

	reqCtx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	token, err := s.source.Token(reqCtx, req.appID)
	return tokenResult{token: token, err: err}
}

// Token queues a request and waits for its result. The request runs under ctx.
func (s *TokenService) Token(ctx context.Context, appID string) (string, error) {
	reply := make(chan tokenResult, 1)
	req := tokenRequest{ctx: ctx, appID: appID, reply: reply}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.stopped:
		return "", ErrServiceStopped
	}

	select {
	case res := <-reply:
		return res.token, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TokenSource adapts the service to oauth2.TokenSource for appID, e.g. for
// use with oauth2.Transport.
func (s *TokenService) TokenSource(appID string) oauth2.TokenSource {
	return &serviceTokenSource{service: s, appID: appID}
}

type serviceTokenSource struct {
	service *TokenService
	appID   string
}

// Compile-time check to ensure serviceTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*serviceTokenSource)(nil)

// Token returns the current access token. Expiry is left zero: the service
// renews tokens itself, so oauth2 must not cache the result.
func (ts *serviceTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	token, err := ts.service.Token(context.Background(), ts.appID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}
