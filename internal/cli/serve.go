package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	writeq "github.com/DarlingtonDeveloper/invoice-writeq"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the maintenance scanner and admin HTTP server",
		Long: `Run the background maintenance loop that replays due operations,
and serve the admin endpoints (/stats, /queue, /dlq, /process, /metrics)
on WRITEQ_ADMIN_ADDR until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}
}

func runServe(ctx context.Context, cfg writeq.Config, cmd *cobra.Command) error {
	logger := newLogger(cfg, cmd.ErrOrStderr())

	stopTracing, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	rt, err := openRuntime(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.CohortFile != "" {
		watcher := writeq.NewCohortWatcher(cfg.CohortFile, rt.router.SetCohort, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("writeq: cohort watcher stopped", "path", cfg.CohortFile, "error", err)
			}
		}()
	}

	scanner := writeq.NewScanner(rt.router, cfg.MaintenanceInterval, cfg.MaintenanceLimit, logger)
	scanner.Start(ctx)

	handler := writeq.NewHandler(rt.router, rt.queue, rt.metrics)
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("writeq: admin server listening", "addr", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("writeq: shutting down")
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("writeq: admin server shutdown failed", "error", err)
	}
	scanner.Wait()

	if serveErr != nil {
		return WrapExitError(ExitCommandError, "admin server", serveErr)
	}
	return nil
}
