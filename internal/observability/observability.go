// Package observability configures the process-wide slog logger.
//
// text and json write to stderr through the standard slog handlers. otel routes
// records through the OpenTelemetry log SDK to stderr, otlp exports them over
// OTLP/HTTP configured by the usual OTEL_EXPORTER_OTLP_* variables.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OpenTelemetry bridge.
const instrumentationName = "github.com/florianilch/msgraph-device-auth"

// Supported formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"
	FormatOTLP = "otlp"
)

// Instrument installs the default slog logger for the given level and format.
// The returned function flushes and releases exporters; it is safe to call
// for every format.
func Instrument(ctx context.Context, level slog.Level, format string) (func(context.Context) error, error) {
	handler, shutdown, err := newHandler(ctx, os.Stderr, level, format)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func newHandler(ctx context.Context, w io.Writer, level slog.Level, format string) (slog.Handler, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch format {
	case "", FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), noop, nil
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), noop, nil
	case FormatOTel:
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		// Synchronous export keeps ordering with anything else written to w.
		return newOTelHandler(sdklog.NewSimpleProcessor(exporter), level)
	case FormatOTLP:
		exporter, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("creating OTLP log exporter: %w", err)
		}
		return newOTelHandler(sdklog.NewBatchProcessor(exporter), level)
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %q", format)
	}
}

func newOTelHandler(processor sdklog.Processor, level slog.Level) (slog.Handler, func(context.Context) error, error) {
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	)

	shutdown := func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}

	return otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)), shutdown, nil
}

// severity maps a slog level to the closest OpenTelemetry minimum severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
