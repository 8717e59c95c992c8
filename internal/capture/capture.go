// Package capture records completed provider captures in the ledger.
//
// Record is safe to call any number of times for the same capture: webhook
// redelivery and reconciliation backfill race by design, and the store's key
// claim decides which caller writes.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/payledger/internal/fees"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/store"
)

// Event is a capture as reported by the provider.
type Event struct {
	Provider    string
	CaptureID   string
	Status      provider.CaptureStatus
	Amount      int64
	Currency    string
	Fee         int64
	FeeCurrency string
	AgreementID string
	CustomID    string
	MerchantID  string
	CapturedAt  time.Time
	// Extra is merged into the credit and debit data.
	Extra ledger.Data
}

// EventFromCapture converts a provider capture.
func EventFromCapture(providerName string, c provider.Capture) (Event, error) {
	amount, err := c.Amount.Minor()
	if err != nil {
		return Event{}, fmt.Errorf("capture %s amount: %w", c.ID, err)
	}
	ev := Event{
		Provider:    providerName,
		CaptureID:   c.ID,
		Status:      c.Status,
		Amount:      amount,
		Currency:    c.Amount.CurrencyCode,
		AgreementID: c.BillingAgreementID,
		CustomID:    c.CustomID,
		MerchantID:  c.MerchantID(),
		CapturedAt:  c.CreateTime,
	}
	if fee := c.Fee(); !fee.IsZero() {
		if ev.Fee, err = fee.Minor(); err != nil {
			return Event{}, fmt.Errorf("capture %s fee: %w", c.ID, err)
		}
		ev.FeeCurrency = fee.CurrencyCode
	}
	return ev, nil
}

// Key is the idempotency key of the capture.
func (e Event) Key() store.Key {
	return store.Key{Provider: e.Provider, Kind: ledger.KindContribution, ExternalID: e.CaptureID}
}

// ResolveOrder finds the order a capture pays for, by agreement first and
// then by the custom id the order id was stored in.
func ResolveOrder(ctx context.Context, s *store.Store, ev Event) (ledger.Order, bool, error) {
	if ev.AgreementID != "" {
		o, err := s.OrderByAgreement(ctx, ev.Provider, ev.AgreementID)
		if err == nil {
			return o, true, nil
		}
		if !ledger.IsNotFound(err) {
			return ledger.Order{}, false, err
		}
	}
	if ev.CustomID != "" {
		o, err := s.GetOrder(ctx, ev.CustomID)
		if err == nil {
			return o, true, nil
		}
		if !ledger.IsNotFound(err) {
			return ledger.Order{}, false, err
		}
	}
	return ledger.Order{}, false, nil
}

// Result of Record.
type Result struct {
	Pair            ledger.Pair
	AlreadyRecorded bool
}

// Recorder turns captures into contribution pairs.
type Recorder struct {
	store   *store.Store
	builder *fees.Builder
	ids     ledger.IDGenerator
	clock   ledger.Clock
	log     zerolog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s *store.Store, b *fees.Builder, ids ledger.IDGenerator, clock ledger.Clock, log zerolog.Logger) *Recorder {
	return &Recorder{store: s, builder: b, ids: ids, clock: clock, log: log}
}

// Record books a completed capture against order. A capture already in the
// ledger is returned unchanged with AlreadyRecorded set.
func (r *Recorder) Record(ctx context.Context, order ledger.Order, ev Event) (Result, error) {
	if ev.CaptureID == "" {
		return Result{}, ledger.NewValidationMismatch("capture without id")
	}
	if existing, found, err := r.store.PairByKey(ctx, ev.Key()); err != nil {
		return Result{}, err
	} else if found {
		return Result{Pair: existing, AlreadyRecorded: true}, nil
	}

	if ev.Status != provider.CaptureCompleted {
		return Result{}, ledger.NewValidationMismatch("capture %s is %s", ev.CaptureID, ev.Status)
	}
	if ev.Amount != order.TotalAmount || ev.Currency != order.Currency {
		return Result{}, ledger.NewValidationMismatch("capture %s is %d %s, order %s expects %d %s",
			ev.CaptureID, ev.Amount, ev.Currency, order.ID, order.TotalAmount, order.Currency)
	}

	payer, err := r.store.GetAccount(ctx, order.PayerAccountID)
	if err != nil {
		return Result{}, err
	}
	payee, err := r.store.GetAccount(ctx, order.PayeeAccountID)
	if err != nil {
		return Result{}, err
	}
	host, err := r.store.GetAccount(ctx, order.HostAccountID)
	if err != nil {
		return Result{}, err
	}

	data := ev.Extra.Clone()
	data["captureId"] = ev.CaptureID
	if ev.AgreementID != "" {
		data["agreementId"] = ev.AgreementID
	}
	pair, err := r.builder.Build(ctx, fees.Input{
		Kind:                ledger.KindContribution,
		Payer:               payer,
		Payee:               payee,
		Host:                host,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		ExternalFee:         ev.Fee,
		ExternalFeeCurrency: ev.FeeCurrency,
		Fees:                fees.Config{HostFeePercent: order.HostFeePercent, PlatformTip: order.PlatformTip},
		Provider:            ev.Provider,
		ExternalReference:   ev.CaptureID,
		OrderID:             order.ID,
		ClearedAt:           ev.CapturedAt,
		Data:                data,
	})
	if err != nil {
		return Result{}, err
	}

	now := r.clock.Now()
	update := &store.OrderUpdate{
		OrderID:     order.ID,
		ProcessedAt: now,
		From:        []ledger.OrderStatus{ledger.OrderNew, ledger.OrderProcessing},
		To:          ledger.OrderActive,
	}
	if order.Recurring() {
		update.ActivateSubscription = true
		update.OnTransition = []ledger.Activity{{
			ID:            r.ids.Generate(),
			Type:          ledger.ActivitySubscriptionActivated,
			OrderID:       order.ID,
			FromAccountID: payer.ID,
			ToAccountID:   payee.ID,
			Data:          ledger.Data{"reasonCode": string(ledger.ReasonFirstCapture), "captureId": ev.CaptureID},
			CreatedAt:     now,
		}}
	}

	res, err := r.store.RecordPair(ctx, store.PairWrite{
		Key:   ev.Key(),
		Pair:  pair,
		Order: update,
		Activities: []ledger.Activity{
			createdActivity(r.ids.Generate(), pair, now),
		},
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Inserted {
		r.log.Debug().Str("capture_id", ev.CaptureID).Msg("capture recorded concurrently")
		return Result{Pair: res.Pair, AlreadyRecorded: true}, nil
	}

	r.log.Info().
		Str("capture_id", ev.CaptureID).
		Str("order_id", order.ID).
		Str("group_id", pair.GroupID()).
		Int64("amount_in_host_currency", pair.Credit.AmountInHostCurrency).
		Msg("capture recorded")
	return Result{Pair: res.Pair}, nil
}

// RecordOrphan books a capture that has no resolvable order, paid by the
// host's guest account into the host itself.
func (r *Recorder) RecordOrphan(ctx context.Context, host ledger.Account, ev Event) (Result, error) {
	if ev.CaptureID == "" {
		return Result{}, ledger.NewValidationMismatch("capture without id")
	}
	if existing, found, err := r.store.PairByKey(ctx, ev.Key()); err != nil {
		return Result{}, err
	} else if found {
		return Result{Pair: existing, AlreadyRecorded: true}, nil
	}
	if ev.Status != provider.CaptureCompleted {
		return Result{}, ledger.NewValidationMismatch("capture %s is %s", ev.CaptureID, ev.Status)
	}

	guest := ledger.Account{
		ID:        "guest-" + host.ID,
		Name:      "Guest",
		Kind:      ledger.AccountUser,
		Currency:  host.Currency,
		HostID:    host.ID,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.PutAccount(ctx, guest); err != nil {
		return Result{}, ledger.NewPersistenceFailure("record orphan: guest account", err)
	}

	data := ledger.Data{"captureId": ev.CaptureID, "orphan": true}
	if ev.AgreementID != "" {
		data["agreementId"] = ev.AgreementID
	}
	pair, err := r.builder.Build(ctx, fees.Input{
		Kind:                ledger.KindContribution,
		Payer:               guest,
		Payee:               host,
		Host:                host,
		Amount:              ev.Amount,
		Currency:            ev.Currency,
		ExternalFee:         ev.Fee,
		ExternalFeeCurrency: ev.FeeCurrency,
		Provider:            ev.Provider,
		ExternalReference:   ev.CaptureID,
		ClearedAt:           ev.CapturedAt,
		Data:                data,
	})
	if err != nil {
		return Result{}, err
	}

	res, err := r.store.RecordPair(ctx, store.PairWrite{
		Key:        ev.Key(),
		Pair:       pair,
		Activities: []ledger.Activity{createdActivity(r.ids.Generate(), pair, r.clock.Now())},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Inserted {
		r.log.Warn().
			Str("capture_id", ev.CaptureID).
			Str("agreement_id", ev.AgreementID).
			Str("host_id", host.ID).
			Msg("orphan capture recorded")
	}
	return Result{Pair: res.Pair, AlreadyRecorded: !res.Inserted}, nil
}

func createdActivity(id string, p ledger.Pair, at time.Time) ledger.Activity {
	return ledger.Activity{
		ID:            id,
		Type:          ledger.ActivityTransactionCreated,
		OrderID:       p.Credit.OrderID,
		TransactionID: p.Credit.ID,
		FromAccountID: p.Credit.PayerAccountID,
		ToAccountID:   p.Credit.PayeeAccountID,
		Data: ledger.Data{
			"amount":               p.Credit.Amount,
			"currency":             p.Credit.Currency,
			"amountInHostCurrency": p.Credit.AmountInHostCurrency,
			"hostCurrency":         p.Credit.HostCurrency,
		},
		CreatedAt: at,
	}
}
