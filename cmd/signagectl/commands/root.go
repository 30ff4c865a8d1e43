package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/signagectl/internal/app"
	"github.com/florianilch/signagectl/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "signagectl",
		Usage: "Authenticated client for the signage management API",
		Flags: []cli.Flag{
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
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "api--base-url",
				Usage: "backend API base URL",
				Value: app.DefaultConfigAPIBaseURL,
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			statusCommand(),
			tokenCommand(),
			requestCommand(),
			{
				Name:     "proxy",
				Usage:    "local authenticating proxy",
				Commands: []*cli.Command{proxyStartCommand()},
			},
		},
	}
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "forward local requests to the API with the current session attached",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|stdout|otlphttp|otlpgrpc)",
				Value: string(app.DefaultConfigLogExporter),
			},
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
		},
		Action: proxyStartAction,
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flushLogs(shutdown)

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// setup loads the configuration, installs logging and builds the app.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, observability.ShutdownFunc, error) {
	configPath := cmd.String("config")
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	cfg, err := loadConfig(configPath, cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: string(cfg.LogExporter),
		Output:   cmd.Root().ErrWriter,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		flushLogs(shutdown)
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, shutdown, nil
}

func flushLogs(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), app.DefaultConfigShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
}
