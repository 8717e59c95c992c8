package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/payledger/internal/archive"
	"github.com/roach88/payledger/internal/capture"
	"github.com/roach88/payledger/internal/config"
	"github.com/roach88/payledger/internal/fees"
	"github.com/roach88/payledger/internal/fx"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/logger"
	"github.com/roach88/payledger/internal/payout"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/reconcile"
	"github.com/roach88/payledger/internal/refund"
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/subscription"
)

// app is the wired set of components a command works with.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *store.Store
	api   provider.API
	clock ledger.Clock
	ids   ledger.IDGenerator
	rates *fx.Cache

	outbox   *subscription.Outbox
	archive  archive.Archive
	recorder *capture.Recorder
	refunds  *refund.Processor
	subs     *subscription.Machine
	payouts  *payout.Processor
}

// loadConfig reads the config and builds the logger.
func loadConfig(opts *RootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, Format: logger.Format(cfg.Log.Format), Out: opts.LogWriter})
	if err != nil {
		return nil, zerolog.Nop(), WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return cfg, log, nil
}

// openApp loads the config, opens the store and wires every component.
// The caller must Close the app.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, clock: opts.Clock, ids: opts.IDs, api: opts.API}
	if a.clock == nil {
		a.clock = ledger.SystemClock{}
	}
	if a.ids == nil {
		a.ids = ledger.UUIDv7Generator{}
	}

	a.store, err = store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	if a.api == nil {
		tokens, err := tokenSource(ctx, cfg.Provider)
		if err != nil {
			return WrapExitError(ExitCommandError, "provider credentials", err)
		}
		client, err := provider.NewClient(provider.Options{
			BaseURL:       cfg.Provider.BaseURL,
			Tokens:        tokens,
			Timeout:       cfg.Provider.Timeout,
			MaxRetries:    cfg.Provider.MaxRetries,
			RatePerSecond: cfg.Provider.RatePerSecond,
			Burst:         cfg.Provider.Burst,
			Logger:        a.log,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "provider client", err)
		}
		a.api = client
	}

	static, err := fx.NewStatic(cfg.FX.Rates)
	if err != nil {
		return WrapExitError(ExitCommandError, "fx rates", err)
	}
	a.rates = fx.NewCache(static)

	a.outbox, err = subscription.OpenOutbox(cfg.Recovery.OutboxPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open recovery outbox", err)
	}
	a.archive, err = archive.Open(ctx, cfg.Archive)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open archive", err)
	}

	reporter := ledger.LogReporter{Log: a.log}
	builder := fees.NewBuilder(a.rates, a.ids, a.clock)
	a.recorder = capture.NewRecorder(a.store, builder, a.ids, a.clock, a.log)
	a.refunds = refund.NewProcessor(a.store, builder, a.api, a.ids, a.clock, a.log)
	a.subs = subscription.NewMachine(a.store, a.api, a.ids, a.clock, a.log, subscription.Options{
		Provider:    cfg.Provider.Name,
		Outbox:      a.outbox,
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Reporter:    reporter,
	})
	a.payouts = payout.NewProcessor(a.store, a.api, builder, a.rates, a.ids, a.clock, a.log, payout.Options{
		Provider:     cfg.Provider.Name,
		Concurrency:  cfg.Payouts.Concurrency,
		EmailSubject: cfg.Payouts.EmailSubject,
		Reporter:     reporter,
	})
	return nil
}

func (a *app) reconciler() (*reconcile.Engine, error) {
	rc := a.cfg.Reconcile
	return reconcile.NewEngine(a.store, a.api, a.recorder, a.refunds, a.subs, a.ids, a.clock, a.log, reconcile.Options{
		Provider:          a.cfg.Provider.Name,
		WindowDays:        rc.WindowDays,
		Concurrency:       rc.Concurrency,
		PageSize:          rc.PageSize,
		WatchedEventCodes: rc.WatchedEventCodes,
		OrphanPolicy:      reconcile.OrphanPolicy(rc.OrphanPolicy),
		PartialPolicy:     reconcile.PartialPolicy(rc.PartialOrphanPolicy),
		LedgerOnlyPolicy:  reconcile.LedgerOnlyPolicy(rc.LedgerOnlyPolicy),
		Reporter:          ledger.LogReporter{Log: a.log},
	})
}

// endRun drops memoized FX rates so the next run sees fresh ones.
func (a *app) endRun() {
	a.log.Debug().Int("fx_lookups", a.rates.Misses()).Int("fx_pairs", a.rates.Len()).Msg("run finished")
	a.rates.Purge()
}

// Close releases the store, outbox and archive.
func (a *app) Close() error {
	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.outbox != nil {
		errs = append(errs, a.outbox.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// tokenSource prefers client credentials and falls back to a static token.
func tokenSource(ctx context.Context, p config.ProviderConfig) (oauth2.TokenSource, error) {
	if p.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			TokenURL:     p.TokenURL,
		}
		return cc.TokenSource(ctx), nil
	}
	if p.Token == "" {
		return nil, fmt.Errorf("set provider.token or provider.client_id")
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.Token, TokenType: "Bearer"}), nil
}
