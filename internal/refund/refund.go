// Package refund reverses recorded contributions.
package refund

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/roach88/payledger/internal/fees"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/money"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/store"
)

// Result of a refund.
type Result struct {
	Pair            ledger.Pair
	AlreadyRefunded bool
}

// Processor refunds at the provider and records the reversal pair.
type Processor struct {
	store   *store.Store
	builder *fees.Builder
	api     provider.API
	ids     ledger.IDGenerator
	clock   ledger.Clock
	log     zerolog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(s *store.Store, b *fees.Builder, api provider.API, ids ledger.IDGenerator, clock ledger.Clock, log zerolog.Logger) *Processor {
	return &Processor{store: s, builder: b, api: api, ids: ids, clock: clock, log: log}
}

// Refund refunds the capture behind txn and records the reversal.
//
// refundedFee is the processor fee the provider gave back, in host
// currency. When nil it is taken from the provider's refund response.
func (p *Processor) Refund(ctx context.Context, txn ledger.Transaction, refundedFee *int64, reason, actor string) (Result, error) {
	original, done, err := p.load(ctx, txn)
	if err != nil || done != nil {
		return derefResult(done), err
	}

	data := ledger.Data{"refundReason": reason, "refundedBy": actor}
	var r int64
	if refundedFee != nil {
		r = *refundedFee
	}

	captureID := original.Credit.ExternalReference
	if original.Credit.Provider != "" && captureID != "" {
		refund, err := p.api.RefundCapture(ctx, captureID, provider.RefundRequest{NoteToPayer: reason}, "refund-"+captureID)
		switch {
		case provider.Issue(err) == provider.IssueCaptureFullyRefunded:
			p.log.Warn().Str("capture_id", captureID).Msg("capture already refunded at provider, recording in ledger")
			data["refundedAtProviderEarlier"] = true
		case err != nil:
			return Result{}, err
		default:
			data["providerRefundId"] = refund.ID
			if refundedFee == nil {
				if r, err = feeInHostCurrency(refund.RefundedFee(), original.Credit); err != nil {
					return Result{}, err
				}
			}
		}
	}
	if r > original.Credit.PaymentProcessorFeeInHostCurrency {
		r = original.Credit.PaymentProcessorFeeInHostCurrency
	}

	return p.record(ctx, original, r, data, reason)
}

// RefundInLedgerOnly records the reversal of a capture that was already
// refunded out of band. No provider call is made and no fee is returned.
func (p *Processor) RefundInLedgerOnly(ctx context.Context, txn ledger.Transaction, reason, actor string) (Result, error) {
	original, done, err := p.load(ctx, txn)
	if err != nil || done != nil {
		return derefResult(done), err
	}
	data := ledger.Data{
		"refundReason":         reason,
		"refundedBy":           actor,
		"refundedInLedgerOnly": true,
	}
	return p.record(ctx, original, 0, data, reason)
}

// load returns the original pair, or a finished result when it is
// already refunded.
func (p *Processor) load(ctx context.Context, txn ledger.Transaction) (ledger.Pair, *Result, error) {
	original, err := p.store.PairOf(ctx, txn.ID)
	if err != nil {
		return ledger.Pair{}, nil, err
	}
	if original.Credit.IsRefund {
		return ledger.Pair{}, nil, ledger.NewValidationMismatch("transaction %s is a refund", txn.ID)
	}
	if original.Credit.DeletedAt != nil {
		return ledger.Pair{}, nil, ledger.NewValidationMismatch("transaction %s is voided", txn.ID)
	}
	if original.Refunded() {
		existing, err := p.store.PairOf(ctx, original.Credit.RefundTransactionID)
		if err != nil {
			return ledger.Pair{}, nil, err
		}
		return ledger.Pair{}, &Result{Pair: existing, AlreadyRefunded: true}, nil
	}
	return original, nil, nil
}

func (p *Processor) record(ctx context.Context, original ledger.Pair, refundedFee int64, data ledger.Data, reason string) (Result, error) {
	reversal, err := p.builder.BuildRefund(original, fees.RefundInput{RefundedProcessorFee: refundedFee, Data: data})
	if err != nil {
		return Result{}, err
	}

	activity := ledger.Activity{
		ID:            p.ids.Generate(),
		Type:          ledger.ActivityTransactionRefunded,
		OrderID:       original.Credit.OrderID,
		TransactionID: reversal.Credit.ID,
		FromAccountID: reversal.Credit.PayerAccountID,
		ToAccountID:   reversal.Credit.PayeeAccountID,
		Data: ledger.Data{
			"refundedTransactionId": original.Credit.ID,
			"refundReason":          reason,
			"amountInHostCurrency":  reversal.Credit.AmountInHostCurrency,
		},
		CreatedAt: p.clock.Now(),
	}
	if v, ok := data["refundedInLedgerOnly"]; ok {
		activity.Data["refundedInLedgerOnly"] = v
	}

	res, err := p.store.RecordRefund(ctx, store.RefundWrite{
		OriginalGroupID: original.GroupID(),
		Refund:          reversal,
		Activities:      []ledger.Activity{activity},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Inserted {
		p.log.Info().
			Str("group_id", original.GroupID()).
			Str("refund_group_id", res.Pair.GroupID()).
			Int64("refunded_fee", refundedFee).
			Str("reason", reason).
			Msg("transaction refunded")
	}
	return Result{Pair: res.Pair, AlreadyRefunded: !res.Inserted}, nil
}

func feeInHostCurrency(fee provider.Money, credit ledger.Transaction) (int64, error) {
	if fee.IsZero() {
		return 0, nil
	}
	amount, err := fee.Minor()
	if err != nil {
		return 0, ledger.NewValidationMismatch("refunded fee: %v", err)
	}
	switch fee.CurrencyCode {
	case credit.HostCurrency:
		return amount, nil
	case credit.Currency:
		return money.Convert(amount, credit.HostCurrencyFxRate), nil
	}
	return 0, ledger.NewValidationMismatch("refunded fee in unexpected currency %s", fee.CurrencyCode)
}

func derefResult(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}
