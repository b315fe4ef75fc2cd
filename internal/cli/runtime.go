package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	writeq "github.com/DarlingtonDeveloper/invoice-writeq"
	"github.com/DarlingtonDeveloper/invoice-writeq/internal/telemetry"
)

// runtime holds everything a command needs, built from Config.
type runtime struct {
	cfg     writeq.Config
	logger  *slog.Logger
	state   writeq.StateBackend
	metrics *writeq.Metrics
	queue   *writeq.RetryQueue
	router  *writeq.Router
	closers []func() error
}

func loadConfig(opts *RootOptions) (writeq.Config, error) {
	cfg, err := writeq.LoadConfig()
	if err != nil {
		return writeq.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.StateDSN != "" {
		cfg.StateDSN = opts.StateDSN
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newLogger(cfg writeq.Config, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

// setupTracing installs the OTLP tracer provider when WRITEQ_OTEL_ENDPOINT
// is set. The returned func flushes pending spans.
func setupTracing(ctx context.Context, cfg writeq.Config, logger *slog.Logger) (func(), error) {
	shutdown, err := telemetry.Setup(ctx, "writeq", cfg.OTelEndpoint)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "set up tracing", err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("writeq: tracing shutdown failed", "error", err)
		}
	}, nil
}

// openRuntime opens the state backend and queue. With backends set it also
// builds the tabular and REST adapters, the audit sinks and the router.
func openRuntime(ctx context.Context, cfg writeq.Config, logger *slog.Logger, backends bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: writeq.NewMetrics()}

	state, err := writeq.BuildStateBackendFromDSN(ctx, cfg.StateDSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open state backend", err)
	}
	rt.state = state
	rt.closers = append(rt.closers, state.Close)

	qopts := []writeq.QueueOption{
		writeq.WithQueueLogger(logger),
		writeq.WithPermanentFastPath(cfg.FastPathPermanent),
	}
	if cfg.ValidatePayloads {
		v, err := writeq.NewPayloadValidator()
		if err != nil {
			rt.Close()
			return nil, WrapExitError(ExitCommandError, "build payload validator", err)
		}
		qopts = append(qopts, writeq.WithPayloadValidator(v))
	}
	rt.queue = writeq.NewRetryQueue(state, qopts...)

	ropts := []writeq.RouterOption{
		writeq.WithCohort(cfg.Cohort()),
		writeq.WithRouterMetrics(rt.metrics),
		writeq.WithRouterLogger(logger),
		writeq.WithDrainLimit(cfg.DrainLimit),
		writeq.WithRetryPolicy(cfg.MaxAttempts, cfg.InitialDelay),
	}
	if backends {
		extra, err := rt.buildBackends(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		ropts = append(ropts, extra...)
	}
	rt.router = writeq.NewRouter(rt.queue, ropts...)
	return rt, nil
}

func (rt *runtime) buildBackends(ctx context.Context) ([]writeq.RouterOption, error) {
	cfg := rt.cfg
	var opts []writeq.RouterOption

	if cfg.SheetID != "" {
		client, err := writeq.NewGoogleSheetClient(ctx, cfg.SheetID, cfg.SheetTab, cfg.SheetCredentials)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open sheets client", err)
		}
		opts = append(opts, writeq.WithBackend(writeq.NewTabularBackend(client,
			writeq.WithTabularMetrics(rt.metrics),
			writeq.WithTabularLogger(rt.logger),
		)))
	} else {
		rt.logger.Warn("writeq: WRITEQ_SHEET_ID not set, tabular backend disabled")
	}

	var kv writeq.KVStore
	if cfg.BoltPath != "" {
		bolt, err := writeq.OpenBoltKV(cfg.BoltPath, rt.logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open kv store", err)
		}
		rt.closers = append(rt.closers, bolt.Close)
		kv = bolt
	} else {
		kv = writeq.NewMemoryKV()
	}
	opts = append(opts, writeq.WithBackend(writeq.NewRestBackend(writeq.RESTConfig{
		BaseURL:  cfg.APIBaseURL,
		Email:    cfg.APIEmail,
		Password: cfg.APIPassword,
	}, kv,
		writeq.WithRESTMetrics(rt.metrics),
		writeq.WithRESTLogger(rt.logger),
	)))

	sinks := []writeq.AuditSink{writeq.NewLogAudit(rt.logger)}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("writeq"))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "connect nats", err)
		}
		rt.closers = append(rt.closers, func() error {
			return nc.Drain()
		})
		sinks = append(sinks, writeq.NewNATSAudit(nc, cfg.AuditPrefix))
	}
	opts = append(opts, writeq.WithAudit(writeq.TeeAudit(sinks...)))
	return opts, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("writeq: close failed", "error", err)
		}
	}
	rt.closers = nil
}

func printStats(w io.Writer, st writeq.QueueStats) error {
	_, err := fmt.Fprintf(w, "queue: %d\ndlq:   %d\n", st.Queue, st.DLQ)
	return err
}
