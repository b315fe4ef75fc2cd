package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Limit int
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Replay due operations from the retry queue now",
		Long: `Replay up to --limit due operations from the retry queue.

Meant to be run from an external scheduler. Operations that exhaust their
attempt budget are moved to the dead-letter store.

Examples:
  writeq process --limit 20
  writeq process --state sqlite:///var/lib/writeq/state.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum operations to attempt")
	return cmd
}

func runProcess(opts *ProcessOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	stopTracing, err := setupTracing(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stopTracing()

	rt, err := openRuntime(cmd.Context(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.router.Process(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "process queue", err)
	}
	if err := output(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "processed: %d\nok:        %d\nfailed:    %d\nmoved to dlq: %d\ndeferred:  %d\n",
			res.Processed, res.OK, res.Failed, res.MovedToDLQ, res.Deferred)
		return err
	}); err != nil {
		return err
	}
	if res.MovedToDLQ > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d operation(s) moved to dlq", res.MovedToDLQ)}
	}
	return nil
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Show retry queue and dead-letter sizes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.router.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "read stats", err)
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, st, func(w io.Writer) error {
				return printStats(w, st)
			})
		},
	}
	return cmd
}
