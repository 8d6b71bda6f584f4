// Package middleware provides HTTP middleware shared by servers in this module.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
)

// Option configures the Logging middleware.
type Option func(*options)

type options struct {
	schema *httplog.Schema
}

// WithOTelSchema logs request attributes using OpenTelemetry semantic conventions
// instead of ECS field names.
func WithOTelSchema() Option {
	return func(o *options) {
		o.schema = httplog.SchemaOTEL
	}
}

// Logging logs HTTP requests with method, path, status, and duration.
// Graph's request-id response headers are included so a failing call can be
// matched with Microsoft's side.
func Logging(logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	o := &options{schema: httplog.SchemaECS}
	for _, opt := range opts {
		opt(o)
	}

	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: o.schema.Concise(true),

		// Authorization and bodies carry tokens and user data and are never logged
		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{"Request-Id", "Client-Request-Id"},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false, // proxy.Recovery handles them, panics are logged regardless
	})
}
