package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/payledger/internal/ledger"
)

// NewSubscriptionsCommand creates the subscriptions command group.
func NewSubscriptionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage provider-backed subscriptions",
	}
	cmd.AddCommand(newSubscriptionsRecoverCommand(rootOpts))
	cmd.AddCommand(newSubscriptionsCancelCommand(rootOpts))
	return cmd
}

func newSubscriptionsRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay provider calls parked while the provider was unavailable",
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

			res, err := a.subs.Recover(ctx)
			if err != nil {
				return out.Fail(ExitFailure, "recovery failed", err)
			}
			if err := out.Success(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "completed %d  retrying %d  dropped %d\n", res.Completed, res.Retrying, res.Dropped)
				return err
			}); err != nil {
				return err
			}
			if res.Dropped > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d provider calls dropped", res.Dropped))
			}
			return nil
		},
	}
}

// CancelOutput is the result of subscriptions cancel.
type CancelOutput struct {
	OrderID      string                    `json:"order_id" yaml:"order_id"`
	Subscription ledger.SubscriptionStatus `json:"subscription_status" yaml:"subscription_status"`
	OrderStatus  ledger.OrderStatus        `json:"order_status" yaml:"order_status"`
}

func newSubscriptionsCancelCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order's subscription locally and at the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			order, err := a.store.GetOrder(ctx, args[0])
			if err != nil {
				code := ExitFailure
				if ledger.IsNotFound(err) {
					code = ExitCommandError
				}
				return out.Fail(code, "cannot load order", err)
			}
			if err := a.subs.Deactivate(ctx, order, ledger.ReasonCode(reason), order.HostAccountID); err != nil {
				return out.Fail(ExitFailure, "cancel failed", err)
			}
			order, err = a.store.GetOrder(ctx, order.ID)
			if err != nil {
				return out.Fail(ExitFailure, "cannot reload order", err)
			}

			result := CancelOutput{OrderID: order.ID, OrderStatus: order.Status}
			if order.Subscription != nil {
				result.Subscription = order.Subscription.Status
			}
			return out.Success(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "order %s is %s (subscription %s)\n", result.OrderID, result.OrderStatus, result.Subscription)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(ledger.ReasonCancelledOrder), "reason code recorded on the activity")
	return cmd
}
