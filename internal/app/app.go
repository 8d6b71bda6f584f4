package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/msgraph-device-auth/internal/observability/middleware"
	"github.com/florianilch/msgraph-device-auth/internal/proxy"
	"github.com/florianilch/msgraph-device-auth/internal/tokencache"
	"github.com/florianilch/msgraph-device-auth/internal/tokensource"
	"github.com/florianilch/msgraph-device-auth/internal/tokenstore"
)

// App orchestrates the token service, the proxy server and their lifecycle.
type App struct {
	cfg     *Config
	clock   clockwork.Clock
	store   tokenstore.TokenStore
	service *TokenService
	proxy   *proxy.Proxy
}

// Option configures an App.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	transport http.RoundTripper
	prompt    io.Writer
}

// WithClock sets the clock used for expiry checks and device code polling.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithIdentityTransport sets the transport for requests to the identity platform.
func WithIdentityTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithPromptOutput sets where the device code sign-in message is written.
// Defaults to os.Stderr.
func WithPromptOutput(w io.Writer) Option {
	return func(o *options) {
		o.prompt = w
	}
}

// New creates a new App instance. No I/O is performed; the token store is
// first read on the first token request.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{
		clock:     clockwork.NewRealClock(),
		transport: http.DefaultTransport,
		prompt:    os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	tokenSource, err := newTokenSource(cfg.Auth, store, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	service, err := NewTokenService(tokenSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	proxyOpts := []proxy.Option{proxy.WithBaseURL(cfg.Upstream.BaseURL)}
	if cfg.LogFormat == LogFormatOTel || cfg.LogFormat == LogFormatOTLP {
		proxyOpts = append(proxyOpts, proxy.WithLogOptions(middleware.WithOTelSchema()))
	}

	proxyServer, err := proxy.New(service.TokenSource(cfg.Auth.AppID), proxyOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:     cfg,
		clock:   o.clock,
		store:   store,
		service: service,
		proxy:   proxyServer,
	}, nil
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	g.Go(func() error {
		return a.service.Run(gCtx)
	})

	slog.InfoContext(gCtx, "starting proxy server", "address", address, "upstream", a.cfg.Upstream.BaseURL)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		// Stop the token service before reporting
		g.Go(func() error { return fmt.Errorf("proxy startup failed: %w", err) })
		return g.Wait()
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address, "app_id", a.cfg.Auth.AppID)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Token obtains a single access token for the configured application,
// authenticating interactively if needed, and returns once it is persisted.
// Auth.Timeout bounds the whole call. Token and Start must not both be used
// on the same App.
func (a *App) Token(ctx context.Context) (string, error) {
	if a.cfg.Auth.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Auth.Timeout)
		defer cancel()
	}

	g, gCtx := errgroup.WithContext(ctx)
	serviceCtx, stopService := context.WithCancel(gCtx)
	defer stopService()

	g.Go(func() error {
		return a.service.Run(serviceCtx)
	})

	var token string
	g.Go(func() error {
		defer stopService()
		var err error
		token, err = a.service.Token(gCtx, a.cfg.Auth.AppID)
		return err
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return token, nil
}

// Status describes the persisted token cache.
type Status struct {
	ExpiresAt       time.Time
	Expired         bool
	HasRefreshToken bool
}

// Status reads the token store without contacting the identity platform.
// An absent or unreadable cache is reported as an error.
func (a *App) Status(ctx context.Context) (*Status, error) {
	rec, err := a.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		ExpiresAt:       rec.ExpiresAt,
		Expired:         rec.IsExpired(a.clock.Now(), tokencache.DefaultSkew),
		HasRefreshToken: rec.RefreshToken != "",
	}, nil
}

// newTokenSource wires the cache, store and identity platform clients into a
// PersistentTokenSource. No I/O is performed.
func newTokenSource(cfg AuthConfig, store tokenstore.TokenStore, o *options) (*PersistentTokenSource, error) {
	cache := tokencache.New(o.clock)
	endpoint := tokensource.Endpoint(cfg.Authority, cfg.Tenant)

	clientOpts := []tokensource.Option{
		tokensource.WithClock(o.clock),
		tokensource.WithTransport(o.transport),
	}

	refresher, err := tokensource.NewRefresher(cache, endpoint, cfg.Scopes, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresher: %w", err)
	}

	device, err := tokensource.NewDeviceAuthenticator(endpoint, cfg.Scopes, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device authenticator: %w", err)
	}

	return NewPersistentTokenSource(cache, store, refresher, device, WithPrompt(o.prompt))
}
