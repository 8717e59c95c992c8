package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// NewPayoutsCommand creates the payouts command group.
func NewPayoutsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Pay scheduled expenses through provider payout batches",
	}
	cmd.AddCommand(newPayoutsSubmitCommand(rootOpts))
	cmd.AddCommand(newPayoutsPollCommand(rootOpts))
	return cmd
}

func newPayoutsSubmitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: "Submit SCHEDULED_FOR_PAYMENT expenses, one batch per host and currency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			defer a.endRun()
			res, err := a.payouts.Submit(ctx)
			if err != nil && res == nil {
				return out.Fail(ExitFailure, "payout submission failed", err)
			}
			if printErr := out.Success(res, func(w io.Writer) error {
				for _, b := range res.Batches {
					fmt.Fprintf(w, "batch %s  host %s  %d expenses  %d %s\n", b.BatchID, b.HostID, b.Expenses, b.Total, b.Currency)
				}
				if len(res.Skipped) > 0 {
					fmt.Fprintf(w, "skipped: %s\n", strings.Join(res.Skipped, ", "))
				}
				printErrors(w, res.Errors)
				return nil
			}); printErr != nil {
				return WrapExitError(ExitFailure, "failed to write output", printErr)
			}
			return unitErrors(err, res.Errors)
		},
	}
}

func newPayoutsPollCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Settle finished items of processing payout batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			defer a.endRun()
			res, err := a.payouts.Poll(ctx)
			if err != nil && res == nil {
				return out.Fail(ExitFailure, "payout poll failed", err)
			}
			if printErr := out.Success(res, func(w io.Writer) error {
				fmt.Fprintf(w, "batches %d  paid %d  failed %d  pending %d  stale %d\n",
					res.Batches, res.Paid, res.Failed, res.Pending, res.Stale)
				printErrors(w, res.Errors)
				return nil
			}); printErr != nil {
				return WrapExitError(ExitFailure, "failed to write output", printErr)
			}
			return unitErrors(err, res.Errors)
		},
	}
}

func printErrors(w io.Writer, errs []string) {
	for _, e := range errs {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

// unitErrors turns a partially failed run into exit code 1.
func unitErrors(err error, errs []string) error {
	if err != nil {
		return WrapExitError(ExitFailure, "interrupted", err)
	}
	if len(errs) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d units failed", len(errs)))
	}
	return nil
}
