package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/refund"
)

// RefundOptions holds flags for the refund command.
type RefundOptions struct {
	*RootOptions
	LedgerOnly bool
	Fee        int64
	Reason     string
	Actor      string
}

// RefundOutput is the result of the refund command.
type RefundOutput struct {
	TransactionID   string `json:"transaction_id" yaml:"transaction_id"`
	RefundGroupID   string `json:"refund_group_id" yaml:"refund_group_id"`
	AlreadyRefunded bool   `json:"already_refunded" yaml:"already_refunded"`
	RefundedFee     int64  `json:"refunded_fee_in_host_currency" yaml:"refunded_fee_in_host_currency"`
	HostCurrency    string `json:"host_currency" yaml:"host_currency"`
}

// NewRefundCommand creates the refund command.
func NewRefundCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefundOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "refund <transaction-id>",
		Short: "Refund a recorded contribution",
		Long: `Refund the capture behind a ledger transaction and record the reversal.

With --ledger-only no provider call is made: use it for money that was
already returned out of band. --fee sets the processor fee the provider
gave back, in host currency minor units; by default it is read from the
provider's refund.

Example:
  payledger refund 0192f3c4-... --reason "duplicate charge"
  payledger refund 0192f3c4-... --ledger-only --reason "refunded in dashboard"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefund(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.LedgerOnly, "ledger-only", false, "record the refund without calling the provider")
	cmd.Flags().Int64Var(&opts.Fee, "fee", 0, "refunded processor fee in host currency minor units")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason shown to the payer (required)")
	cmd.Flags().StringVar(&opts.Actor, "actor", "cli", "who requested the refund")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func runRefund(opts *RefundOptions, transactionID string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if opts.LedgerOnly && cmd.Flags().Changed("fee") {
		return out.Fail(ExitCommandError, "invalid flags", fmt.Errorf("--fee cannot be combined with --ledger-only"))
	}

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	txn, err := a.store.Transaction(ctx, transactionID)
	if err != nil {
		code := ExitFailure
		if ledger.IsNotFound(err) {
			code = ExitCommandError
		}
		return out.Fail(code, "cannot load transaction", err)
	}

	var res refund.Result
	if opts.LedgerOnly {
		res, err = a.refunds.RefundInLedgerOnly(ctx, txn, opts.Reason, opts.Actor)
	} else {
		var fee *int64
		if cmd.Flags().Changed("fee") {
			fee = &opts.Fee
		}
		res, err = a.refunds.Refund(ctx, txn, fee, opts.Reason, opts.Actor)
	}
	if err != nil {
		return out.Fail(ExitFailure, "refund failed", err)
	}

	result := RefundOutput{
		TransactionID:   transactionID,
		RefundGroupID:   res.Pair.GroupID(),
		AlreadyRefunded: res.AlreadyRefunded,
		RefundedFee:     -res.Pair.Debit.PaymentProcessorFeeInHostCurrency,
		HostCurrency:    res.Pair.Debit.HostCurrency,
	}
	return out.Success(result, func(w io.Writer) error {
		if result.AlreadyRefunded {
			_, err := fmt.Fprintf(w, "transaction %s was already refunded (group %s)\n", transactionID, result.RefundGroupID)
			return err
		}
		_, err := fmt.Fprintf(w, "refunded transaction %s (group %s, processor fee returned %d %s)\n",
			transactionID, result.RefundGroupID, result.RefundedFee, result.HostCurrency)
		return err
	})
}
