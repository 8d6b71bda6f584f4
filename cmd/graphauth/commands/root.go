package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/msgraph-device-auth/internal/app"
	"github.com/florianilch/msgraph-device-auth/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  app.Name,
		Usage: "Microsoft Graph token helper using the OAuth 2.0 device code flow",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel|otlp)",
				Value: string(app.DefaultConfigLogFormat),
			},
		}, authFlags()...),
		Commands: []*cli.Command{
			tokenCommand(),
			statusCommand(),
			proxyStartCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func authFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "auth--app-id",
			Usage: "application (client) ID of the app registration",
		},
		&cli.StringFlag{
			Name:  "auth--tenant",
			Usage: "tenant to sign in to (consumers|organizations|common|<tenant id>)",
			Value: app.DefaultConfigAuthTenant,
		},
		&cli.StringFlag{
			Name:  "auth--authority",
			Usage: "identity platform base URL",
			Value: app.DefaultConfigAuthAuthority,
		},
		&cli.StringSliceFlag{
			Name:  "auth--scopes",
			Usage: "scopes to request",
		},
		&cli.StringFlag{
			Name:  "auth--storage",
			Usage: "token cache storage (file|keyring)",
			Value: string(app.DefaultConfigAuthStorage),
		},
		&cli.StringFlag{
			Name:  "auth--file",
			Usage: "token cache file for file storage",
		},
		&cli.StringFlag{
			Name:  "auth--keyring-user",
			Usage: "keyring user for keyring storage",
		},
		&cli.DurationFlag{
			Name:  "auth--timeout",
			Usage: "give up on obtaining a token after this long (0 waits indefinitely)",
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:   "token",
		Usage:  "print a valid access token, signing in if needed",
		Action: tokenAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "show the cached token's expiry without contacting the identity platform",
		Action: statusAction,
	}
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "serve a local proxy that forwards requests to Microsoft Graph with a bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "upstream API base URL",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
		},
		Action: proxyStartAction,
	}
}

// setup loads the configuration, installs logging and creates the app.
// The returned function flushes log exporters.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownObservability, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	flush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObservability(flushCtx)
	}

	application, err := app.New(cfg, app.WithPromptOutput(cmd.Root().ErrWriter))
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, flush, nil
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	token, err := application.Token(ctx)
	if err != nil {
		return err
	}

	return writeToken(cmd.Root().Writer, token)
}

// writeToken prints token, with a trailing newline only for interactive output
// so that $(graphauth token) yields the bare token.
func writeToken(w io.Writer, token string) error {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		token += "\n"
	}
	_, err := io.WriteString(w, token)
	return err
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	status, err := application.Status(ctx)
	if err != nil {
		return fmt.Errorf("no usable token cache: %w", err)
	}

	return writeStatus(cmd.Root().Writer, status)
}

func writeStatus(w io.Writer, status *app.Status) error {
	expiresAt := status.ExpiresAt.Local().Format(time.RFC3339)

	var err error
	switch {
	case !status.Expired:
		_, err = fmt.Fprintf(w, "access token valid until %s\n", expiresAt)
	case status.HasRefreshToken:
		_, err = fmt.Fprintf(w, "access token expired at %s, will be refreshed on next use\n", expiresAt)
	default:
		err = errors.New("access token expired at " + expiresAt + " and cannot be refreshed")
	}
	return err
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	application, flush, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush()

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}
