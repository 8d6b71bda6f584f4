package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/msgraph-device-auth/internal/observability/middleware"
)

// DefaultBaseURL is the Microsoft Graph endpoint requests are forwarded to.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Proxy is a reverse proxy that forwards local requests to Microsoft Graph
// with a bearer token attached.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// Option configures a Proxy.
type Option func(*config)

type config struct {
	baseURL   string
	transport http.RoundTripper
	logger    *slog.Logger
	logOpts   []middleware.Option
}

// WithBaseURL sets the upstream base URL. Request paths are appended to its path.
func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		c.baseURL = baseURL
	}
}

// WithTransport sets the transport used for upstream requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *config) {
		c.transport = transport
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithLogOptions configures the request logging middleware.
func WithLogOptions(opts ...middleware.Option) Option {
	return func(c *config) {
		c.logOpts = append(c.logOpts, opts...)
	}
}

// New creates a reverse proxy for Microsoft Graph authenticated via ts.
func New(ts oauth2.TokenSource, opts ...Option) (*Proxy, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}

	cfg := &config{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	upstream, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL: %q is not absolute", cfg.baseURL)
	}
	upstream.Path = strings.TrimSuffix(upstream.Path, "/")

	transport := &oauth2.Transport{
		Source: &markedTokenSource{source: ts},
		Base:   &HeaderFilterTransport{Base: cfg.transport},
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
		},
		// Flush only when the upstream flushes.
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  errorHandler(cfg.logger),
	}

	mux := http.NewServeMux()

	mux.Handle("/", applyMiddlewares(reverseProxyHandler,
		middleware.Logging(cfg.logger, cfg.logOpts...),
		Recovery,
	))

	return &Proxy{mux: mux}, nil
}

// errorHandler maps token acquisition failures to 401 and everything else to 502.
func errorHandler(logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing useful to send.
			return
		}

		var tokenErr *tokenError
		if errors.As(err, &tokenErr) {
			status = http.StatusUnauthorized
		}

		logger.ErrorContext(r.Context(), "upstream request failed", "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
	}
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:     p,
		ReadTimeout: 30 * time.Second,
		// A first request may wait for the user to finish a device code sign-in.
		WriteTimeout: 20 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
