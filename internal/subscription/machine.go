// Package subscription drives recurring contributions through their
// lifecycle and keeps the provider's agreement in step with the ledger.
//
// Every state change goes through store.TransitionSubscription, which writes
// the subscription row, the order status and one activity atomically and
// refuses the write if another caller moved the subscription first.
//
// Provider calls that fail with ProviderUnavailable are parked in a bolt
// Outbox and replayed by Recover, so local changes never wait on the provider.
package subscription

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/store"
)

// DefaultMaxAttempts bounds Recover retries per pending call.
const DefaultMaxAttempts = 5

// Options configures a Machine.
type Options struct {
	// Provider is stored on agreements bound by Activate.
	Provider string
	// Outbox parks provider calls that could not be made. With a nil Outbox
	// an unavailable provider fails the operation.
	Outbox      *Outbox
	MaxAttempts int
	Reporter    ledger.Reporter
}

// Machine is the subscription state machine.
type Machine struct {
	store    *store.Store
	api      provider.API
	ids      ledger.IDGenerator
	clock    ledger.Clock
	log      zerolog.Logger
	provider string
	outbox   *Outbox
	attempts int
	reporter ledger.Reporter
}

// NewMachine creates a Machine.
func NewMachine(s *store.Store, api provider.API, ids ledger.IDGenerator, clock ledger.Clock, log zerolog.Logger, opts Options) *Machine {
	m := &Machine{
		store:    s,
		api:      api,
		ids:      ids,
		clock:    clock,
		log:      log,
		provider: opts.Provider,
		outbox:   opts.Outbox,
		attempts: opts.MaxAttempts,
		reporter: opts.Reporter,
	}
	if m.attempts <= 0 {
		m.attempts = DefaultMaxAttempts
	}
	if m.reporter == nil {
		m.reporter = ledger.LogReporter{Log: log}
	}
	return m
}

// Activate binds an approved provider agreement to order. The agreement must
// carry the order id, the order's price and the host's merchant. The order
// moves to PROCESSING; the subscription stays PENDING_APPROVAL until the
// first capture is recorded.
func (m *Machine) Activate(ctx context.Context, order ledger.Order, agreementID string) error {
	sub, err := subscriptionOf(order)
	if err != nil {
		return err
	}
	if agreementID == "" {
		return ledger.NewValidationMismatch("order %s: empty agreement id", order.ID)
	}
	if order.Status == ledger.OrderProcessing && sub.ExternalAgreementID == agreementID {
		return nil
	}
	if sub.Status != ledger.SubscriptionPendingApproval {
		return ledger.NewInvalidTransition("subscription of order "+order.ID, string(sub.Status), string(ledger.SubscriptionPendingApproval))
	}

	remote, err := m.api.GetSubscription(ctx, agreementID)
	if err != nil {
		return err
	}
	if err := m.verify(ctx, order, remote); err != nil {
		return err
	}

	switch remote.Status {
	case provider.SubscriptionApproved:
		if err := m.api.ActivateSubscription(ctx, agreementID, "approved by contributor"); err != nil {
			return err
		}
	case provider.SubscriptionActive:
	default:
		return ledger.NewValidationMismatch("agreement %s is %s", agreementID, remote.Status)
	}

	err = m.store.TransitionSubscription(ctx, store.SubscriptionTransition{
		OrderID:     order.ID,
		From:        ledger.SubscriptionPendingApproval,
		To:          ledger.SubscriptionPendingApproval,
		OrderStatus: ledger.OrderProcessing,
		AgreementID: agreementID,
		Provider:    m.provider,
		At:          m.clock.Now(),
		Activity: m.activity(ledger.ActivityOrderProcessing, order, ledger.ReasonAgreementApproved,
			ledger.Data{"agreementId": agreementID}),
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("order_id", order.ID).Str("agreement_id", agreementID).Msg("agreement bound")
	return nil
}

func (m *Machine) verify(ctx context.Context, order ledger.Order, remote provider.Subscription) error {
	if remote.CustomID != order.ID {
		return ledger.NewValidationMismatch("agreement %s belongs to %q, not order %s", remote.ID, remote.CustomID, order.ID)
	}
	price, ok := remote.Price()
	if !ok {
		return ledger.NewValidationMismatch("agreement %s has no regular billing cycle", remote.ID)
	}
	amount, err := price.Minor()
	if err != nil {
		return ledger.NewValidationMismatch("agreement %s price: %v", remote.ID, err)
	}
	if amount != order.TotalAmount || price.CurrencyCode != order.Currency {
		return ledger.NewValidationMismatch("agreement %s charges %d %s, order %s expects %d %s",
			remote.ID, amount, price.CurrencyCode, order.ID, order.TotalAmount, order.Currency)
	}
	host, err := m.store.GetAccount(ctx, order.HostAccountID)
	if err != nil {
		return err
	}
	if host.ProviderMerchantID == "" || remote.MerchantID() != host.ProviderMerchantID {
		return ledger.NewValidationMismatch("agreement %s pays merchant %q, host %s is %q",
			remote.ID, remote.MerchantID(), host.ID, host.ProviderMerchantID)
	}
	return nil
}

// Pause suspends an active subscription.
func (m *Machine) Pause(ctx context.Context, order ledger.Order, reason ledger.ReasonCode) error {
	if reason == "" {
		reason = ledger.ReasonPaused
	}
	return m.local(ctx, order, ledger.SubscriptionPaused, ActionSuspend, ledger.ActivitySubscriptionPaused, reason, nil)
}

// Resume reactivates a paused subscription.
func (m *Machine) Resume(ctx context.Context, order ledger.Order, reason ledger.ReasonCode) error {
	if reason == "" {
		reason = ledger.ReasonResumed
	}
	return m.local(ctx, order, ledger.SubscriptionActive, ActionActivate, ledger.ActivitySubscriptionResumed, reason, nil)
}

// Deactivate cancels the subscription of order. Cancelling an already
// cancelled subscription is a no-op, and so is a provider reporting the
// agreement as already gone.
func (m *Machine) Deactivate(ctx context.Context, order ledger.Order, reason ledger.ReasonCode, hostID string) error {
	sub, err := subscriptionOf(order)
	if err != nil {
		return err
	}
	if sub.Status == ledger.SubscriptionCancelled {
		return nil
	}
	var extra ledger.Data
	if hostID != "" {
		extra = ledger.Data{"hostId": hostID}
	}
	return m.local(ctx, order, ledger.SubscriptionCancelled, ActionCancel, ledger.ActivitySubscriptionCanceled, reason, extra)
}

func (m *Machine) local(ctx context.Context, order ledger.Order, to ledger.SubscriptionStatus, action Action, typ ledger.ActivityType, reason ledger.ReasonCode, extra ledger.Data) error {
	sub, err := subscriptionOf(order)
	if err != nil {
		return err
	}
	if !Allowed(sub.Status, to, Local) {
		return ledger.NewInvalidTransition("subscription of order "+order.ID, string(sub.Status), string(to))
	}

	if sub.ExternalAgreementID != "" {
		if err := m.push(ctx, order.ID, sub.ExternalAgreementID, action, reason); err != nil {
			return err
		}
	}

	now := m.clock.Now()
	t := store.SubscriptionTransition{
		OrderID:     order.ID,
		From:        sub.Status,
		To:          to,
		OrderStatus: orderStatusFor(to),
		IsActive:    to == ledger.SubscriptionActive,
		At:          now,
		Activity:    m.activity(typ, order, reason, extra),
	}
	if to == ledger.SubscriptionCancelled {
		t.DeactivatedAt = &now
	}
	if err := m.store.TransitionSubscription(ctx, t); err != nil {
		return err
	}
	m.log.Info().
		Str("order_id", order.ID).
		Str("from", string(sub.Status)).
		Str("to", string(to)).
		Str("reason", string(reason)).
		Msg("subscription transitioned")
	return nil
}

// push makes a provider call, parking it in the outbox when the provider is
// unavailable.
func (m *Machine) push(ctx context.Context, orderID, agreementID string, action Action, reason ledger.ReasonCode) error {
	err := m.call(ctx, agreementID, action, string(reason))
	if err == nil {
		if m.outbox != nil {
			// A successful call supersedes whatever was parked for the agreement.
			if err := m.outbox.Delete(agreementID); err != nil {
				m.log.Warn().Err(err).Str("agreement_id", agreementID).Msg("outbox delete failed")
			}
		}
		return nil
	}
	if !ledger.IsProviderUnavailable(err) || m.outbox == nil {
		return err
	}
	perr := m.outbox.Put(Pending{
		AgreementID: agreementID,
		OrderID:     orderID,
		Action:      action,
		Reason:      string(reason),
		EnqueuedAt:  m.clock.Now(),
		LastError:   err.Error(),
	})
	if perr != nil {
		return ledger.NewPersistenceFailure("park provider call", perr)
	}
	m.log.Warn().
		Err(err).
		Str("agreement_id", agreementID).
		Str("action", string(action)).
		Msg("provider unavailable, call parked")
	return nil
}

func (m *Machine) call(ctx context.Context, agreementID string, action Action, reason string) error {
	var err error
	switch action {
	case ActionActivate:
		err = m.api.ActivateSubscription(ctx, agreementID, reason)
	case ActionSuspend:
		err = m.api.SuspendSubscription(ctx, agreementID, reason)
	case ActionCancel:
		err = m.api.CancelSubscription(ctx, agreementID, reason)
		if provider.AlreadyCancelled(err) {
			err = nil
		}
	default:
		return ledger.NewValidationMismatch("unknown provider action %q", action)
	}
	return err
}

// SyncFromProvider moves the local subscription to the provider's status.
// It reports whether anything changed. An agreement still pending its first
// capture is left alone when the provider already shows it active.
func (m *Machine) SyncFromProvider(ctx context.Context, order ledger.Order, status provider.SubscriptionStatus) (bool, error) {
	sub, err := subscriptionOf(order)
	if err != nil {
		return false, err
	}

	var (
		to     ledger.SubscriptionStatus
		reason ledger.ReasonCode
		typ    ledger.ActivityType
	)
	orderStatus := ledger.OrderStatus("")
	switch status {
	case provider.SubscriptionActive:
		to, reason, typ = ledger.SubscriptionActive, ledger.ReasonProviderReactivated, ledger.ActivitySubscriptionActivated
	case provider.SubscriptionSuspended:
		to, reason, typ = ledger.SubscriptionPaused, ledger.ReasonProviderSuspended, ledger.ActivitySubscriptionPaused
	case provider.SubscriptionCancelled:
		to, reason, typ = ledger.SubscriptionCancelled, ledger.ReasonProviderCancelled, ledger.ActivitySubscriptionCanceled
	case provider.SubscriptionExpired:
		to, reason, typ = ledger.SubscriptionCancelled, ledger.ReasonProviderCancelled, ledger.ActivitySubscriptionCanceled
		orderStatus = ledger.OrderExpired
	default:
		return false, nil
	}

	if sub.Status == to {
		return false, nil
	}
	if sub.Status == ledger.SubscriptionPendingApproval && to == ledger.SubscriptionActive {
		return false, nil
	}
	if !Allowed(sub.Status, to, Provider) {
		return false, ledger.NewInvalidTransition("subscription of order "+order.ID, string(sub.Status), string(to))
	}
	if orderStatus == "" {
		orderStatus = orderStatusFor(to)
	}

	now := m.clock.Now()
	t := store.SubscriptionTransition{
		OrderID:     order.ID,
		From:        sub.Status,
		To:          to,
		OrderStatus: orderStatus,
		IsActive:    to == ledger.SubscriptionActive,
		At:          now,
		Activity: m.activity(typ, order, reason, ledger.Data{
			"providerStatus": string(status),
			"agreementId":    sub.ExternalAgreementID,
		}),
	}
	if to == ledger.SubscriptionCancelled {
		t.DeactivatedAt = &now
	}
	if err := m.store.TransitionSubscription(ctx, t); err != nil {
		return false, err
	}
	m.log.Info().
		Str("order_id", order.ID).
		Str("from", string(sub.Status)).
		Str("to", string(to)).
		Str("provider_status", string(status)).
		Msg("subscription synced from provider")
	return true, nil
}

// MarkError moves order to ERROR. One-off orders only change status.
func (m *Machine) MarkError(ctx context.Context, order ledger.Order, reason ledger.ReasonCode) error {
	if !order.Recurring() {
		if order.Status == ledger.OrderError {
			return nil
		}
		return m.store.SetOrderStatus(ctx, order.ID, ledger.OrderError, m.clock.Now(),
			m.activity(ledger.ActivityOrderFlagged, order, reason, nil))
	}
	sub := order.Subscription
	if sub.Status == ledger.SubscriptionError {
		return nil
	}
	if !Allowed(sub.Status, ledger.SubscriptionError, Local) {
		return ledger.NewInvalidTransition("subscription of order "+order.ID, string(sub.Status), string(ledger.SubscriptionError))
	}
	return m.store.TransitionSubscription(ctx, store.SubscriptionTransition{
		OrderID:     order.ID,
		From:        sub.Status,
		To:          ledger.SubscriptionError,
		OrderStatus: ledger.OrderError,
		At:          m.clock.Now(),
		Activity:    m.activity(ledger.ActivitySubscriptionError, order, reason, nil),
	})
}

// CancelExternal cancels a provider agreement that has no live order.
func (m *Machine) CancelExternal(ctx context.Context, agreementID string, reason ledger.ReasonCode) error {
	if agreementID == "" {
		return ledger.NewValidationMismatch("empty agreement id")
	}
	return m.push(ctx, "", agreementID, ActionCancel, reason)
}

// RecoverResult counts what Recover did.
type RecoverResult struct {
	Completed int `json:"completed" yaml:"completed"`
	Retrying  int `json:"retrying" yaml:"retrying"`
	Dropped   int `json:"dropped" yaml:"dropped"`
	// Superseded counts calls whose entry was replaced by a newer intent
	// while they were replayed.
	Superseded int `json:"superseded" yaml:"superseded"`
}

// Recover replays parked provider calls. A call still failing as unavailable
// stays parked until it has been tried MaxAttempts times; a rejected call is
// dropped at once. Dropped calls are reported.
func (m *Machine) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult
	if m.outbox == nil {
		return res, nil
	}
	pending, err := m.outbox.List()
	if err != nil {
		return res, ledger.NewPersistenceFailure("list parked calls", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		callErr := m.call(ctx, p.AgreementID, p.Action, p.Reason)
		p.Attempts++
		p.LastAttemptAt = m.clock.Now()

		retry := callErr != nil && ledger.IsProviderUnavailable(callErr) && p.Attempts < m.attempts
		if retry {
			p.LastError = callErr.Error()
		}
		settled, err := m.outbox.Settle(p, !retry)
		if err != nil {
			return res, ledger.NewPersistenceFailure("update parked call", err)
		}
		if !settled {
			// A newer intent was parked while this one was replayed; the next
			// pass picks it up.
			m.log.Debug().Str("agreement_id", p.AgreementID).Msg("parked call superseded during replay")
			res.Superseded++
			continue
		}

		switch {
		case callErr == nil:
			res.Completed++
		case retry:
			res.Retrying++
		default:
			res.Dropped++
			m.reporter.Report(ctx, callErr, map[string]string{
				"agreement_id": p.AgreementID,
				"order_id":     p.OrderID,
				"action":       string(p.Action),
				"attempts":     strconv.Itoa(p.Attempts),
			})
		}
	}

	m.log.Info().
		Int("completed", res.Completed).
		Int("retrying", res.Retrying).
		Int("dropped", res.Dropped).
		Int("superseded", res.Superseded).
		Msg("recovery pass finished")
	return res, nil
}

func (m *Machine) activity(typ ledger.ActivityType, order ledger.Order, reason ledger.ReasonCode, extra ledger.Data) ledger.Activity {
	data := extra.Clone()
	data["reasonCode"] = string(reason)
	if order.Subscription != nil {
		data["subscriptionId"] = order.Subscription.ID
	}
	return ledger.Activity{
		ID:            m.ids.Generate(),
		Type:          typ,
		OrderID:       order.ID,
		FromAccountID: order.PayerAccountID,
		ToAccountID:   order.PayeeAccountID,
		Data:          data,
		CreatedAt:     m.clock.Now(),
	}
}

func subscriptionOf(order ledger.Order) (*ledger.Subscription, error) {
	if !order.Recurring() {
		return nil, ledger.NewValidationMismatch("order %s has no subscription", order.ID)
	}
	return order.Subscription, nil
}
