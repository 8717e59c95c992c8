package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/payledger/internal/archive"
	"github.com/roach88/payledger/internal/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	From  string
	To    string
	Hosts []string
}

// ReconcileOutput is the result of the reconcile command.
type ReconcileOutput struct {
	Report   *reconcile.Report `json:"report" yaml:"report"`
	Archived string            `json:"archived,omitempty" yaml:"archived,omitempty"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the ledger against the provider",
		Long: `Compare provider transactions with the ledger for every connected host,
record what is missing and apply the configured orphan policies.

--from and --to accept RFC 3339 timestamps or YYYY-MM-DD dates. --to
defaults to now and --from to reconcile.window_days before --to.

Example:
  payledger reconcile
  payledger reconcile --from 2026-01-01 --to 2026-03-31 --host host-1
  payledger reconcile --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "start of the range (inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "end of the range (exclusive)")
	cmd.Flags().StringSliceVar(&opts.Hosts, "host", nil, "host account id (repeatable); default all connected hosts")

	return cmd
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	to := a.clock.Now()
	if opts.To != "" {
		if to, err = parseTime(opts.To); err != nil {
			return out.Fail(ExitCommandError, "invalid --to", err)
		}
	}
	from := to.AddDate(0, 0, -a.cfg.Reconcile.WindowDays)
	if opts.From != "" {
		if from, err = parseTime(opts.From); err != nil {
			return out.Fail(ExitCommandError, "invalid --from", err)
		}
	}

	engine, err := a.reconciler()
	if err != nil {
		return out.Fail(ExitCommandError, "invalid reconciliation options", err)
	}
	out.VerboseLog("reconciling %s .. %s", from.Format(time.RFC3339), to.Format(time.RFC3339))

	defer a.endRun()
	report, runErr := engine.Run(ctx, reconcile.Request{From: from, To: to, HostIDs: opts.Hosts})
	if runErr != nil && report == nil {
		code := ExitFailure
		if !errors.Is(runErr, context.Canceled) {
			code = ExitCommandError
		}
		return out.Fail(code, "reconciliation failed", runErr)
	}

	result := ReconcileOutput{Report: report}
	if a.archive != nil {
		if result.Archived, err = archive.SaveReport(ctx, a.archive, report); err != nil {
			a.log.Error().Err(err).Msg("report not archived")
		}
	}

	if printErr := out.Success(result, func(w io.Writer) error {
		if err := report.Render(w); err != nil {
			return err
		}
		if result.Archived != "" {
			fmt.Fprintf(w, "\narchived: %s\n", result.Archived)
		}
		return nil
	}); printErr != nil {
		return WrapExitError(ExitFailure, "failed to write output", printErr)
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "reconciliation interrupted", runErr)
	}
	if n := len(report.Totals().Errors); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("reconciliation finished with %d errors", n))
	}
	return nil
}
