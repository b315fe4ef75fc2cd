package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	writeq "github.com/DarlingtonDeveloper/invoice-writeq"
)

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter store",
	}
	cmd.AddCommand(newDLQListCommand(rootOpts))
	cmd.AddCommand(newDLQShowCommand(rootOpts))
	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered operations, most recent first",
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

			entries, err := rt.queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list dlq", err)
			}
			if entries == nil {
				entries = []writeq.DeadLetterEntry{}
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, entries, func(w io.Writer) error {
				if len(entries) == 0 {
					_, err := fmt.Fprintln(w, "dead-letter store is empty")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOPERATION\tBACKEND\tUSER\tATTEMPTS\tREASON\tDLQ AT")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
						e.ID, e.Kind, e.Payload.Backend, e.Payload.UserID,
						e.Attempts, e.MaxAttempts, e.Reason, e.DLQAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to list (0 for all)")
	return cmd
}

func newDLQShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <operation-id>",
		Short:         "Show one dead-lettered operation",
		Args:          cobra.ExactArgs(1),
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

			entry, err := rt.queue.GetDeadLetter(cmd.Context(), args[0])
			if errors.Is(err, writeq.ErrNotFound) {
				return WrapExitError(ExitFailure, "no such dlq entry", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "read dlq", err)
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, entry, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "id:        %s\noperation: %s\nbackend:   %s\nuser:      %d\nattempts:  %d/%d\nreason:    %s\nerror:     %s\ncreated:   %s\ndlq at:    %s\n",
					entry.ID, entry.Kind, entry.Payload.Backend, entry.Payload.UserID,
					entry.Attempts, entry.MaxAttempts, entry.Reason, entry.Error,
					entry.CreatedAt.Format(time.RFC3339), entry.DLQAt.Format(time.RFC3339))
				return err
			})
		},
	}
}
