// Package observability configures the process-wide slog logger and the
// optional OpenTelemetry log pipeline behind it.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// InstrumentationName identifies log records emitted through the OpenTelemetry bridge.
const InstrumentationName = "github.com/florianilch/signagectl"

// Supported log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Supported log exporters. ExporterNone writes to the local handler only.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlphttp"
	ExporterOTLPGRPC = "otlpgrpc"
)

// ShutdownFunc flushes and stops the log pipeline.
type ShutdownFunc func(context.Context) error

// Options describes the logging setup.
type Options struct {
	Level    slog.Level
	Format   string
	Exporter string
	// Output receives local log lines. Defaults to os.Stderr.
	Output io.Writer
}

// Instrument installs the default slog logger. With an exporter other than
// ExporterNone, records are routed through the OpenTelemetry bridge and the
// returned ShutdownFunc must be called to flush them.
func Instrument(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	if opts.Exporter == "" || opts.Exporter == ExporterNone {
		handler, err := newLocalHandler(opts)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(opts.Level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	slog.SetDefault(slog.New(otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(provider))))

	return provider.Shutdown, nil
}

func newLocalHandler(opts Options) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	switch opts.Format {
	case "", FormatText:
		return slog.NewTextHandler(opts.Output, handlerOpts), nil
	case FormatJSON:
		return slog.NewJSONHandler(opts.Output, handlerOpts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}
}

// newExporter reads endpoints and headers from the standard OTEL_EXPORTER_OTLP_* variables.
func newExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(opts.Output))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", opts.Exporter)
	}
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level >= slog.LevelError:
		return minsev.SeverityError
	case level >= slog.LevelWarn:
		return minsev.SeverityWarn
	case level >= slog.LevelInfo:
		return minsev.SeverityInfo
	default:
		return minsev.SeverityDebug
	}
}
