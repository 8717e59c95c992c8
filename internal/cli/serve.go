package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/payledger/internal/webhook"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive provider webhooks",
		Long: `Start the webhook receiver.

Every notification is re-fetched from the provider before it is recorded.
Parked subscription calls are retried once at startup.

Example:
  payledger serve --config payledger.yaml
  payledger serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides webhook.addr)")

	return cmd
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.log.Error().Err(closeErr).Msg("error closing resources")
		}
	}()

	if res, err := a.subs.Recover(ctx); err != nil {
		a.log.Error().Err(err).Msg("subscription recovery failed")
	} else if res.Completed+res.Retrying+res.Dropped > 0 {
		a.log.Info().Int("completed", res.Completed).Int("retrying", res.Retrying).Int("dropped", res.Dropped).Msg("subscription recovery")
	}

	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.Webhook.Addr
	}
	gin.SetMode(gin.ReleaseMode)
	srv := webhook.New(webhook.Deps{
		Store:         a.store,
		API:           a.api,
		Recorder:      a.recorder,
		Subscriptions: a.subs,
		Provider:      a.cfg.Provider.Name,
		Log:           a.log,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", addr)
	if err := srv.Run(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "webhook server error", err)
	}
	a.log.Info().Msg("webhook server stopped")
	return nil
}
