// Package reconcile compares the provider's transaction history with the
// ledger and repairs the differences.
//
// A run walks every connected host's history in windows the provider
// accepts, books captures the ledger missed, deals with captures nobody
// claims, checks ledger transactions the provider does not know, and syncs
// subscription state. Every repair goes through the same idempotent
// operations the live path uses, so a second run over the same window finds
// nothing to do.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/payledger/internal/capture"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/refund"
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/subscription"
)

// Request selects what to reconcile.
type Request struct {
	From time.Time
	To   time.Time
	// HostIDs restricts the run; empty means every connected host.
	HostIDs []string
}

// Engine runs reconciliation passes.
type Engine struct {
	store    *store.Store
	api      provider.API
	recorder *capture.Recorder
	refunds  *refund.Processor
	subs     *subscription.Machine
	ids      ledger.IDGenerator
	clock    ledger.Clock
	log      zerolog.Logger
	opts     Options
	watched  map[string]bool
}

// NewEngine creates an Engine.
func NewEngine(s *store.Store, api provider.API, rec *capture.Recorder, ref *refund.Processor, subs *subscription.Machine,
	ids ledger.IDGenerator, clock ledger.Clock, log zerolog.Logger, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Reporter == nil {
		opts.Reporter = ledger.LogReporter{Log: log}
	}
	watched := make(map[string]bool, len(opts.WatchedEventCodes))
	for _, c := range opts.WatchedEventCodes {
		watched[c] = true
	}
	return &Engine{
		store:    s,
		api:      api,
		recorder: rec,
		refunds:  ref,
		subs:     subs,
		ids:      ids,
		clock:    clock,
		log:      log.With().Str("component", "reconcile").Logger(),
		opts:     opts,
		watched:  watched,
	}, nil
}

// Run reconciles [req.From, req.To). Failures of single hosts, pages or
// transactions are collected in the report; Run itself fails only when it
// cannot start or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	if !req.To.After(req.From) {
		return nil, ledger.NewValidationMismatch("empty reconciliation range %s .. %s", req.From, req.To)
	}
	hosts, err := e.hosts(ctx, req.HostIDs)
	if err != nil {
		return nil, err
	}

	report := &Report{From: req.From, To: req.To, StartedAt: e.clock.Now(), Hosts: make([]*HostReport, len(hosts))}
	windows := SplitWindows(req.From, req.To, e.opts.WindowDays)

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, host := range hosts {
		hr := &HostReport{HostID: host.ID}
		report.Hosts[i] = hr
		if host.ProviderMerchantID == "" {
			hr.Errors = append(hr.Errors, "host has no connected merchant account")
			continue
		}
		g.Go(func() error {
			e.reconcileHost(ctx, host, windows, hr)
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = e.clock.Now()

	totals := report.Totals()
	e.log.Info().
		Int("hosts", len(hosts)).
		Int("recorded", totals.Recorded).
		Int("orphans", totals.Orphans).
		Int("flagged", totals.Flagged).
		Int("drift_fixed", totals.DriftFixed).
		Int("errors", len(totals.Errors)).
		Msg("reconciliation finished")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) hosts(ctx context.Context, ids []string) ([]ledger.Account, error) {
	if len(ids) == 0 {
		return e.store.ConnectedHosts(ctx)
	}
	out := make([]ledger.Account, 0, len(ids))
	for _, id := range ids {
		a, err := e.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Kind != ledger.AccountHost {
			return nil, ledger.NewValidationMismatch("account %s is not a host", id)
		}
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) reconcileHost(ctx context.Context, host ledger.Account, windows []Window, hr *HostReport) {
	log := e.log.With().Str("host_id", host.ID).Logger()
	log.Debug().Int("windows", len(windows)).Msg("reconciling host")

	for _, w := range windows {
		seen, complete := e.scanWindow(ctx, host, w, hr)
		if ctx.Err() != nil {
			return
		}
		// A partial listing cannot prove a transaction missing.
		if complete {
			e.checkLedgerOnly(ctx, host, w, seen, hr)
		}
	}
	if ctx.Err() != nil || len(windows) == 0 {
		return
	}
	e.checkDrift(ctx, host, windows[0].Start, windows[len(windows)-1].End, hr)
}

// scanWindow pages through the provider's history for w and books what the
// ledger is missing. It returns the watched rows by transaction id and
// whether every page was read.
func (e *Engine) scanWindow(ctx context.Context, host ledger.Account, w Window, hr *HostReport) (map[string]provider.TransactionInfo, bool) {
	seen := map[string]provider.TransactionInfo{}
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return seen, false
		}
		res, err := e.api.SearchTransactions(ctx, provider.SearchQuery{
			MerchantID: host.ProviderMerchantID,
			Start:      w.Start,
			End:        w.End,
			Page:       page,
			PageSize:   e.opts.PageSize,
		})
		if err != nil {
			e.fail(ctx, hr, err, map[string]string{"window_start": w.Start.Format(time.RFC3339), "page": fmt.Sprint(page)})
			return seen, false
		}
		hr.Pages++

		for _, d := range res.TransactionDetails {
			if ctx.Err() != nil {
				return seen, false
			}
			e.handleRow(ctx, host, d.TransactionInfo, seen, hr)
		}
		if page >= res.TotalPages {
			return seen, true
		}
	}
}

func (e *Engine) handleRow(ctx context.Context, host ledger.Account, info provider.TransactionInfo, seen map[string]provider.TransactionInfo, hr *HostReport) {
	if info.EventCode == provider.EventPaymentRefund {
		e.handleRefundRow(ctx, info, hr)
		return
	}
	if !e.watched[info.EventCode] {
		return
	}
	hr.Seen++
	seen[info.TransactionID] = info
	if info.Status != provider.TxnStatusSuccess {
		return
	}

	key := store.Key{Provider: e.opts.Provider, Kind: ledger.KindContribution, ExternalID: info.TransactionID}
	pair, found, err := e.store.PairByKey(ctx, key)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": info.TransactionID})
		return
	}
	if found {
		hr.Matched++
		e.resume(ctx, pair, info.AgreementID(), hr)
		return
	}
	e.handleCapture(ctx, host, info.TransactionID, info.AgreementID(), info.CustomField, hr)
}

// handleCapture books a capture the ledger does not have yet.
func (e *Engine) handleCapture(ctx context.Context, host ledger.Account, captureID, agreementID, customID string, hr *HostReport) {
	c, err := e.api.GetCapture(ctx, captureID)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": captureID})
		return
	}
	if c.Status != provider.CaptureCompleted {
		return
	}
	if c.BillingAgreementID == "" {
		c.BillingAgreementID = agreementID
	}
	if c.CustomID == "" {
		c.CustomID = customID
	}
	ev, err := capture.EventFromCapture(e.opts.Provider, c)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": c.ID})
		return
	}

	order, found, err := capture.ResolveOrder(ctx, e.store, ev)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": c.ID})
		return
	}
	switch {
	case !found:
		e.orphan(ctx, host, ev, hr)
	case order.Status.Closed():
		e.partialOrphan(ctx, order, ev, hr)
	default:
		e.record(ctx, order, ev, hr)
	}
}

func (e *Engine) record(ctx context.Context, order ledger.Order, ev capture.Event, hr *HostReport) {
	res, err := e.recorder.Record(ctx, order, ev)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": ev.CaptureID, "order_id": order.ID})
		return
	}
	if res.AlreadyRecorded {
		hr.Duplicates++
		return
	}
	hr.Recorded++
}

// orphan handles a capture no order claims.
func (e *Engine) orphan(ctx context.Context, host ledger.Account, ev capture.Event, hr *HostReport) {
	hr.Orphans++
	f := Finding{Kind: FindingOrphan, CaptureID: ev.CaptureID, AgreementID: ev.AgreementID, Action: string(e.opts.OrphanPolicy)}
	hr.Findings = append(hr.Findings, f)

	fields := map[string]string{"capture_id": ev.CaptureID, "agreement_id": ev.AgreementID, "host_id": host.ID}
	if e.opts.OrphanPolicy == OrphanReportOnly {
		e.opts.Reporter.Report(ctx, ledger.NewOrphanAgreement(ev.AgreementID, ev.CaptureID), fields)
		return
	}

	res, err := e.recorder.RecordOrphan(ctx, host, ev)
	if err != nil {
		e.fail(ctx, hr, err, fields)
		return
	}
	if !res.AlreadyRecorded {
		hr.Recorded++
	}
	if !e.refund(ctx, res.Pair.Credit, "orphan capture", hr, fields) {
		return
	}
	e.cancel(ctx, ev.AgreementID, ledger.ReasonOrphanAgreement, hr, fields)
}

// partialOrphan handles a capture whose order was closed before the
// provider stopped charging.
func (e *Engine) partialOrphan(ctx context.Context, order ledger.Order, ev capture.Event, hr *HostReport) {
	hr.Orphans++
	hr.Findings = append(hr.Findings, Finding{
		Kind:        FindingPartialOrphan,
		CaptureID:   ev.CaptureID,
		AgreementID: ev.AgreementID,
		OrderID:     order.ID,
		Action:      string(e.opts.PartialPolicy),
	})
	fields := map[string]string{"capture_id": ev.CaptureID, "agreement_id": ev.AgreementID, "order_id": order.ID}

	ev.Extra = ledger.Data{"chargedAfterClose": true}
	res, err := e.recorder.Record(ctx, order, ev)
	if err != nil {
		e.fail(ctx, hr, err, fields)
		return
	}
	if !res.AlreadyRecorded {
		hr.Backfilled++
	}

	switch e.opts.PartialPolicy {
	case PartialBackfillOnly:
		return
	case PartialRefundAndCancel:
		if !e.refund(ctx, res.Pair.Credit, "charged after cancellation", hr, fields) {
			return
		}
	}
	e.cancel(ctx, ev.AgreementID, ledger.ReasonCancelledOrder, hr, fields)
}

func (e *Engine) refund(ctx context.Context, credit ledger.Transaction, reason string, hr *HostReport, fields map[string]string) bool {
	res, err := e.refunds.Refund(ctx, credit, nil, reason, actor)
	if err != nil {
		e.fail(ctx, hr, err, fields)
		return false
	}
	if !res.AlreadyRefunded {
		hr.Refunded++
	}
	return true
}

func (e *Engine) cancel(ctx context.Context, agreementID string, reason ledger.ReasonCode, hr *HostReport, fields map[string]string) {
	if agreementID == "" {
		return
	}
	if err := e.subs.CancelExternal(ctx, agreementID, reason); err != nil {
		e.fail(ctx, hr, err, fields)
	}
}

// resume finishes the policy for a capture an earlier pass booked as an
// orphan or as charged after close. The refund or the cancellation may have
// failed then; both steps are skipped once done.
func (e *Engine) resume(ctx context.Context, pair ledger.Pair, agreementID string, hr *HostReport) {
	credit := pair.Credit
	if credit.DeletedAt != nil {
		return
	}
	if id := credit.Data.String("agreementId"); id != "" {
		agreementID = id
	}

	var (
		refund bool
		reason ledger.ReasonCode
		note   string
	)
	switch {
	case credit.Data.Bool("orphan"):
		if e.opts.OrphanPolicy != OrphanRefundAndCancel {
			return
		}
		refund, reason, note = true, ledger.ReasonOrphanAgreement, "orphan capture"
	case credit.Data.Bool("chargedAfterClose"):
		if e.opts.PartialPolicy == PartialBackfillOnly {
			return
		}
		refund, reason, note = e.opts.PartialPolicy == PartialRefundAndCancel, ledger.ReasonCancelledOrder, "charged after cancellation"
	default:
		return
	}

	fields := map[string]string{"capture_id": credit.ExternalReference, "agreement_id": agreementID, "transaction_id": credit.ID}
	if refund && !pair.Refunded() && !e.refund(ctx, credit, note, hr, fields) {
		return
	}
	e.ensureCancelled(ctx, agreementID, reason, hr, fields)
}

// ensureCancelled cancels agreementID unless the provider already ended it.
func (e *Engine) ensureCancelled(ctx context.Context, agreementID string, reason ledger.ReasonCode, hr *HostReport, fields map[string]string) {
	if agreementID == "" {
		return
	}
	remote, err := e.api.GetSubscription(ctx, agreementID)
	switch {
	case provider.NotFound(err):
		return
	case err != nil:
		e.fail(ctx, hr, err, fields)
		return
	case remote.Status == provider.SubscriptionCancelled, remote.Status == provider.SubscriptionExpired:
		return
	}
	e.cancel(ctx, agreementID, reason, hr, fields)
}

// handleRefundRow books a refund made at the provider out of band.
func (e *Engine) handleRefundRow(ctx context.Context, info provider.TransactionInfo, hr *HostReport) {
	captureID := info.RefundedCaptureID()
	if captureID == "" {
		return
	}
	key := store.Key{Provider: e.opts.Provider, Kind: ledger.KindContribution, ExternalID: captureID}
	pair, found, err := e.store.PairByKey(ctx, key)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": captureID})
		return
	}
	if !found || pair.Refunded() || pair.Credit.DeletedAt != nil {
		return
	}

	// The row alone does not say whether the whole capture was refunded.
	c, err := e.api.GetCapture(ctx, captureID)
	switch {
	case provider.NotFound(err):
		return
	case err != nil:
		e.fail(ctx, hr, err, map[string]string{"capture_id": captureID, "refund_id": info.TransactionID})
		return
	}
	switch c.Status {
	case provider.CaptureRefunded:
		e.refundInLedger(ctx, pair.Credit, hr)
	case provider.CapturePartiallyRefunded:
		e.log.Warn().
			Str("capture_id", captureID).
			Str("refund_id", info.TransactionID).
			Str("transaction_id", pair.Credit.ID).
			Msg("capture partially refunded at provider")
		hr.Findings = append(hr.Findings, Finding{
			Kind:          FindingPartialRefund,
			CaptureID:     captureID,
			OrderID:       pair.Credit.OrderID,
			TransactionID: pair.Credit.ID,
			Action:        "report",
		})
	}
}

func (e *Engine) refundInLedger(ctx context.Context, credit ledger.Transaction, hr *HostReport) {
	res, err := e.refunds.RefundInLedgerOnly(ctx, credit, "refunded at provider", actor)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"capture_id": credit.ExternalReference, "transaction_id": credit.ID})
		return
	}
	if res.AlreadyRefunded {
		return
	}
	hr.RefundedExternally++
	hr.Findings = append(hr.Findings, Finding{
		Kind:          FindingRefundedExternally,
		CaptureID:     credit.ExternalReference,
		OrderID:       credit.OrderID,
		TransactionID: credit.ID,
		Action:        "refund_in_ledger",
	})
}

// checkLedgerOnly looks for ledger contributions in w that the provider's
// listing does not show, or shows as reversed.
func (e *Engine) checkLedgerOnly(ctx context.Context, host ledger.Account, w Window, seen map[string]provider.TransactionInfo, hr *HostReport) {
	txns, err := e.store.ContributionsClearedBetween(ctx, e.opts.Provider, host.ID, w.Start, w.End)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"window_start": w.Start.Format(time.RFC3339)})
		return
	}
	for _, t := range txns {
		if ctx.Err() != nil {
			return
		}
		if info, ok := seen[t.ExternalReference]; ok && info.Status != provider.TxnStatusReversed {
			continue
		}

		c, err := e.api.GetCapture(ctx, t.ExternalReference)
		status := ""
		switch {
		case provider.NotFound(err):
			status = "NOT_FOUND"
		case err != nil:
			e.fail(ctx, hr, err, map[string]string{"transaction_id": t.ID, "capture_id": t.ExternalReference})
			continue
		case c.Status == provider.CaptureRefunded:
			e.refundInLedger(ctx, t, hr)
			continue
		case c.Status == provider.CaptureCompleted, c.Status == provider.CapturePartiallyRefunded:
			// Search index lag; the capture exists.
			continue
		default:
			status = string(c.Status)
		}
		e.ledgerOnly(ctx, t, status, w, hr)
	}
}

func (e *Engine) ledgerOnly(ctx context.Context, t ledger.Transaction, providerStatus string, w Window, hr *HostReport) {
	fields := map[string]string{"transaction_id": t.ID, "capture_id": t.ExternalReference, "order_id": t.OrderID}
	now := e.clock.Now()

	switch e.opts.LedgerOnlyPolicy {
	case LedgerOnlyFlag:
		inserted, err := e.store.FlagTransaction(ctx, ledger.Activity{
			ID:            e.ids.Generate(),
			Type:          ledger.ActivityOrderFlagged,
			OrderID:       t.OrderID,
			TransactionID: t.ID,
			FromAccountID: t.PayerAccountID,
			ToAccountID:   t.PayeeAccountID,
			Data: ledger.Data{
				"reasonCode": string(ledger.ReasonMissingExternal),
				"reconciliation": map[string]any{
					"captureId":      t.ExternalReference,
					"providerStatus": providerStatus,
					"windowStart":    w.Start.UTC().Format(time.RFC3339),
					"windowEnd":      w.End.UTC().Format(time.RFC3339),
				},
			},
			CreatedAt: now,
		})
		if err != nil {
			e.fail(ctx, hr, err, fields)
			return
		}
		if !inserted {
			return
		}
		hr.Flagged++

	case LedgerOnlyMarkErrorAndVoid:
		voided, err := e.markErrorAndVoid(ctx, t, now)
		if err != nil {
			e.fail(ctx, hr, err, fields)
			return
		}
		if !voided {
			return
		}
		hr.Voided++
	}

	hr.Findings = append(hr.Findings, Finding{
		Kind:          FindingLedgerOnly,
		CaptureID:     t.ExternalReference,
		OrderID:       t.OrderID,
		TransactionID: t.ID,
		Action:        string(e.opts.LedgerOnlyPolicy),
	})
}

// markErrorAndVoid moves the order of t to ERROR and voids every live
// transaction of the order. An order whose state cannot move to ERROR any
// more, such as a cancelled one, is still voided. A transaction without an
// order only loses its own pair.
func (e *Engine) markErrorAndVoid(ctx context.Context, t ledger.Transaction, at time.Time) (bool, error) {
	if t.OrderID == "" {
		return e.store.VoidPair(ctx, t.GroupID, at)
	}
	order, err := e.store.GetOrder(ctx, t.OrderID)
	if err != nil {
		return false, err
	}
	if err := e.subs.MarkError(ctx, order, ledger.ReasonMissingExternal); err != nil {
		if !ledger.IsInvalidTransition(err) {
			return false, err
		}
		e.log.Warn().Err(err).Str("order_id", order.ID).Msg("order kept its status, voiding anyway")
	}
	n, err := e.store.VoidOrderTransactions(ctx, order.ID, at)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// checkDrift books charges the agreement history shows but the search
// listing missed, then pulls local subscription state towards the
// provider's.
func (e *Engine) checkDrift(ctx context.Context, host ledger.Account, from, to time.Time, hr *HostReport) {
	orders, err := e.store.ExternalSubscriptions(ctx, host.ID)
	if err != nil {
		e.fail(ctx, hr, err, map[string]string{"host_id": host.ID})
		return
	}
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		agreementID := o.Subscription.ExternalAgreementID
		fields := map[string]string{"order_id": o.ID, "agreement_id": agreementID}

		e.backfillAgreement(ctx, host, agreementID, from, to, hr)
		if ctx.Err() != nil {
			return
		}

		status := provider.SubscriptionCancelled
		remote, err := e.api.GetSubscription(ctx, agreementID)
		switch {
		case provider.NotFound(err):
		case err != nil:
			e.fail(ctx, hr, err, fields)
			continue
		default:
			status = remote.Status
		}

		changed, err := e.subs.SyncFromProvider(ctx, o, status)
		if err != nil {
			e.fail(ctx, hr, err, fields)
			continue
		}
		if changed {
			hr.DriftFixed++
			hr.Findings = append(hr.Findings, Finding{
				Kind:        FindingDrift,
				AgreementID: agreementID,
				OrderID:     o.ID,
				Action:      "sync_" + string(status),
			})
		}
	}
}

// backfillAgreement books completed charges of agreementID in [from, to)
// that the ledger does not have. The transaction search index can lag or
// drop rows; the agreement's own history does not.
func (e *Engine) backfillAgreement(ctx context.Context, host ledger.Account, agreementID string, from, to time.Time, hr *HostReport) {
	txns, err := e.api.ListSubscriptionTransactions(ctx, agreementID, from, to)
	switch {
	case provider.NotFound(err):
		return
	case err != nil:
		e.fail(ctx, hr, err, map[string]string{"agreement_id": agreementID})
		return
	}
	for _, t := range txns {
		if ctx.Err() != nil {
			return
		}
		if t.Status != provider.CaptureCompleted || t.ID == "" {
			continue
		}
		key := store.Key{Provider: e.opts.Provider, Kind: ledger.KindContribution, ExternalID: t.ID}
		_, found, err := e.store.PairByKey(ctx, key)
		if err != nil {
			e.fail(ctx, hr, err, map[string]string{"capture_id": t.ID, "agreement_id": agreementID})
			continue
		}
		if found {
			continue
		}
		e.log.Debug().Str("capture_id", t.ID).Str("agreement_id", agreementID).Msg("charge missing from search listing")
		e.handleCapture(ctx, host, t.ID, agreementID, "", hr)
	}
}

func (e *Engine) fail(ctx context.Context, hr *HostReport, err error, fields map[string]string) {
	if fields == nil {
		fields = map[string]string{}
	}
	fields["host_id"] = hr.HostID
	hr.Errors = append(hr.Errors, err.Error())
	e.opts.Reporter.Report(ctx, err, fields)
}
