// proc-events subscribes to the Linux proc connector and prints process
// lifecycle events as text, JSON or OpenTelemetry spans.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/procfs"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/config"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/eventprocessor"
	"github.com/mrzor/proc-connector/internal/eventstream"
	"github.com/mrzor/proc-connector/internal/handle"
	"github.com/mrzor/proc-connector/internal/metrics"
	"github.com/mrzor/proc-connector/internal/otel"
	"github.com/mrzor/proc-connector/internal/output"
	"github.com/mrzor/proc-connector/internal/procmeta"
	"github.com/mrzor/proc-connector/internal/timesync"
	"github.com/mrzor/proc-connector/internal/transport"
)

const (
	tracerName         = "proc-events"
	shutdownTimeout    = 5 * time.Second
	unsubscribeTimeout = 2 * time.Second
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	envCfg, err := config.ParseEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(envCfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop() already ran
	}
}

func newRootCommand(envCfg *config.EnvConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proc-events",
		Short: "Print Linux process events from the kernel proc connector",
		Long: `proc-events subscribes to the kernel's proc connector (NETLINK_CONNECTOR,
CN_IDX_PROC) and reports fork, exec, exit and credential changes of every
process on the host. Requires CAP_NET_ADMIN.

Every flag can also be set with a PROC_EVENTS_* environment variable.
OpenTelemetry export uses the standard OTEL_* variables.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts := config.BindFlags(cmd.Flags(), envCfg)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := opts.Config()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	}

	return cmd
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// setupOTEL initializes the OTEL provider. The tracer is nil when no
// OTLP endpoint is configured.
func setupOTEL(ctx context.Context, logger *zap.Logger) (trace.Tracer, func() error, error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}

	tp, err := otel.InitProvider(ctx, otelCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return otel.ShutdownProvider(shutdownCtx, tp)
	}
	if tp == nil {
		return nil, cleanup, nil
	}

	return tp.Tracer(tracerName), cleanup, nil
}

// setupProcessTable returns the process table span attributes are read
// from, or nil for formats that do not use it.
func setupProcessTable(cfg *config.Config, logger *zap.Logger) *procmeta.Manager {
	if cfg.Format != config.FormatOTEL {
		return nil
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		logger.Warn("procfs unavailable, processes that predate tracing get no metadata", zap.Error(err))
		return procmeta.NewManager()
	}
	return procmeta.NewManager(procmeta.WithProcFS(fs))
}

// setupFormatter builds the formatter named by cfg.Format.
func setupFormatter(cfg *config.Config, tracer trace.Tracer, table *procmeta.Manager, logger *zap.Logger) (output.Formatter, error) {
	converter, err := timesync.NewConverter()
	if err != nil {
		logger.Warn("failed to read boot time, event times are approximate", zap.Error(err))
	}

	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes)
	if err != nil {
		return nil, err
	}

	switch cfg.Format {
	case config.FormatJSON:
		return output.NewJSONFormatter(os.Stdout, converter, evaluator, logger), nil
	case config.FormatOTEL:
		if tracer == nil {
			return nil, errors.New("otel format requires OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		}
		traceIDs, err := attributes.NewTraceIDEvaluator(cfg.TraceID)
		if err != nil {
			return nil, err
		}
		return output.NewOTELFormatter(tracer, converter, evaluator, traceIDs, table, logger), nil
	default:
		return output.NewTextFormatter(os.Stdout, converter, evaluator, logger), nil
	}
}

// setupHandle opens the connector socket, joined to the proc events group.
func setupHandle(cfg *config.Config, tracer trace.Tracer, logger *zap.Logger) (handle.Handle, *transport.Conn, error) {
	conn, err := transport.Dial(transport.Config{
		Groups:            connector.IdxProc,
		ReceiveBufferSize: cfg.ReceiveBufferSize,
	}, logger.Named("transport"))
	if err != nil {
		return handle.Handle{}, nil, fmt.Errorf("opening proc connector socket: %w", err)
	}

	opts := []handle.Option{handle.WithLogger(logger.Named("handle"))}
	if cfg.PortID != 0 {
		opts = append(opts, handle.WithPortID(cfg.PortID))
	}
	if tracer != nil {
		opts = append(opts, handle.WithTracer(tracer))
	}

	return handle.New(conn, transport.KernelAddr(), opts...), conn, nil
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting proc-events", zap.String("version", version), zap.String("commit", commit))

	tracer, cleanupOTEL, err := setupOTEL(ctx, logger)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(cleanupOTEL))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	table := setupProcessTable(cfg, logger)
	formatter, err := setupFormatter(cfg, tracer, table, logger)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(formatter))

	filter, err := attributes.NewFilter(cfg.Filter)
	if err != nil {
		return err
	}

	h, conn, err := setupHandle(cfg, tracer, logger)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(conn))

	processor := eventprocessor.NewProcessor(formatter,
		eventprocessor.WithKinds(cfg.Kinds...),
		eventprocessor.WithFilter(filter),
		eventprocessor.WithProcessTable(table),
		eventprocessor.WithMetrics(m),
		eventprocessor.WithLogger(logger.Named("processor")),
	)
	stream := eventstream.New(h, processor, m, logger.Named("stream"))

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := stream.Start(ctx); err != nil {
		m.ReportRequestFailure()
		return err
	}
	logger.Info("subscribed to process events", zap.Stringer("local_addr", conn.LocalAddr()))

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-stream.Done():
	}
	streamErr := stream.Stop()

	if cfg.Unsubscribe {
		unsubCtx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if err := h.DisableEvents(unsubCtx); err != nil {
			m.ReportRequestFailure()
			logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}

	return streamErr
}
