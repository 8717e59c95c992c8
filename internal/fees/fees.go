// Package fees turns a gross payment into a balanced CREDIT/DEBIT pair.
//
// The builder is pure: it resolves the exchange rate, computes every fee in
// the host currency and hands back a ledger.Pair. Persisting the pair is the
// store's job.
package fees

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payledger/internal/fx"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/money"
)

// Config is the fee configuration of an order or host.
type Config struct {
	// HostFeePercent applies to the gross in host currency.
	HostFeePercent decimal.Decimal
	// HostFee, when set, replaces the percentage with a flat amount in the
	// payment currency.
	HostFee *int64
	// PlatformTip is a flat amount in the payment currency.
	PlatformTip int64
}

// Input describes one money movement.
type Input struct {
	Kind  ledger.Kind
	Payer ledger.Account
	Payee ledger.Account
	Host  ledger.Account

	Amount   int64
	Currency string

	// ExternalFee is the processor fee. ExternalFeeCurrency defaults to
	// Currency and may also be the host currency.
	ExternalFee         int64
	ExternalFeeCurrency string

	// FxRate overrides the rate lookup when positive.
	FxRate decimal.Decimal

	Fees Config

	Provider          string
	ExternalReference string
	OrderID           string
	ExpenseID         string

	// ClearedAt defaults to the build time.
	ClearedAt time.Time
	Data      ledger.Data
}

// Builder creates transaction pairs.
type Builder struct {
	rates fx.Source
	ids   ledger.IDGenerator
	clock ledger.Clock
}

// NewBuilder returns a Builder. rates may be nil when every input is
// already in its host currency or carries FxRate.
func NewBuilder(rates fx.Source, ids ledger.IDGenerator, clock ledger.Clock) *Builder {
	if ids == nil {
		ids = ledger.UUIDv7Generator{}
	}
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Builder{rates: rates, ids: ids, clock: clock}
}

// Build computes the fee breakdown and returns both legs.
//
// With G the gross in host currency and F the sum of fees:
//
//	CREDIT  amountInHostCurrency = G        net = G - F
//	DEBIT   amountInHostCurrency = -(G - F) net = -G
func (b *Builder) Build(ctx context.Context, in Input) (ledger.Pair, error) {
	if err := validate(in); err != nil {
		return ledger.Pair{}, err
	}
	now := b.clock.Now()
	hostCurrency := in.Host.Currency

	rate := in.FxRate
	if !rate.IsPositive() {
		var err error
		rate, err = fx.Resolve(ctx, b.rates, in.Currency, hostCurrency, now)
		if err != nil {
			return ledger.Pair{}, ledger.NewValidationMismatch("no exchange rate %s->%s: %v", in.Currency, hostCurrency, err)
		}
	}

	gross := money.Convert(in.Amount, rate)

	var processorFee int64
	switch in.ExternalFeeCurrency {
	case "", in.Currency:
		processorFee = money.Convert(in.ExternalFee, rate)
	case hostCurrency:
		processorFee = in.ExternalFee
	default:
		return ledger.Pair{}, ledger.NewValidationMismatch(
			"fee currency %s is neither payment currency %s nor host currency %s",
			in.ExternalFeeCurrency, in.Currency, hostCurrency)
	}

	var hostFee int64
	if in.Fees.HostFee != nil {
		hostFee = money.Convert(*in.Fees.HostFee, rate)
	} else {
		hostFee = money.Percent(gross, in.Fees.HostFeePercent)
	}
	tip := money.Convert(in.Fees.PlatformTip, rate)

	total := hostFee + tip + processorFee
	if total > gross {
		return ledger.Pair{}, ledger.NewValidationMismatch(
			"fees %d exceed gross %d %s", total, gross, hostCurrency)
	}

	clearedAt := in.ClearedAt
	if clearedAt.IsZero() {
		clearedAt = now
	}
	data := in.Data.Clone()
	if in.Fees.HostFee == nil && !in.Fees.HostFeePercent.IsZero() {
		data["hostFeePercent"] = in.Fees.HostFeePercent.String()
	}

	groupID := b.ids.Generate()
	base := ledger.Transaction{
		GroupID:                           groupID,
		Kind:                              in.Kind,
		Currency:                          in.Currency,
		HostCurrency:                      hostCurrency,
		HostCurrencyFxRate:                rate,
		HostFeeInHostCurrency:             hostFee,
		PlatformTipInHostCurrency:         tip,
		PaymentProcessorFeeInHostCurrency: processorFee,
		Provider:                          in.Provider,
		ExternalReference:                 in.ExternalReference,
		PayerAccountID:                    in.Payer.ID,
		PayeeAccountID:                    in.Payee.ID,
		HostAccountID:                     in.Host.ID,
		OrderID:                           in.OrderID,
		ExpenseID:                         in.ExpenseID,
		ClearedAt:                         clearedAt,
		CreatedAt:                         now,
	}

	credit := base
	credit.ID = b.ids.Generate()
	credit.Type = ledger.Credit
	credit.Amount = in.Amount
	credit.AmountInHostCurrency = gross
	credit.NetAmountInHostCurrency = gross - total
	credit.Data = data

	debit := base
	debit.ID = b.ids.Generate()
	debit.Type = ledger.Debit
	debit.Amount = -in.Amount
	debit.AmountInHostCurrency = -(gross - total)
	debit.NetAmountInHostCurrency = -gross
	debit.Data = data.Clone()

	pair := ledger.Pair{Credit: credit, Debit: debit}
	if err := VerifyBalance(pair); err != nil {
		return ledger.Pair{}, err
	}
	return pair, nil
}

// RefundInput describes the reversal of a recorded pair.
type RefundInput struct {
	// RefundedProcessorFee is the part of the original processor fee the
	// provider returned, in host currency.
	RefundedProcessorFee int64
	ExternalReference    string
	Data                 ledger.Data
}

// BuildRefund returns the reversal of original. The payer gets the gross
// back, the payee loses it and recovers only the refunded processor fee.
func (b *Builder) BuildRefund(original ledger.Pair, in RefundInput) (ledger.Pair, error) {
	if original.Credit.IsRefund {
		return ledger.Pair{}, ledger.NewValidationMismatch("transaction group %s is itself a refund", original.GroupID())
	}
	r := in.RefundedProcessorFee
	if r < 0 || r > original.Credit.PaymentProcessorFeeInHostCurrency {
		return ledger.Pair{}, ledger.NewValidationMismatch(
			"refunded processor fee %d outside [0, %d]", r, original.Credit.PaymentProcessorFeeInHostCurrency)
	}

	now := b.clock.Now()
	gross := original.Credit.AmountInHostCurrency
	ref := in.ExternalReference
	if ref == "" {
		ref = original.Credit.ExternalReference
	}
	data := in.Data.Clone()

	groupID := b.ids.Generate()
	base := ledger.Transaction{
		GroupID:            groupID,
		Kind:               original.Credit.Kind,
		Currency:           original.Credit.Currency,
		HostCurrency:       original.Credit.HostCurrency,
		HostCurrencyFxRate: original.Credit.HostCurrencyFxRate,
		IsRefund:           true,
		Provider:           original.Credit.Provider,
		ExternalReference:  ref,
		PayerAccountID:     original.Credit.PayeeAccountID,
		PayeeAccountID:     original.Credit.PayerAccountID,
		HostAccountID:      original.Credit.HostAccountID,
		OrderID:            original.Credit.OrderID,
		ExpenseID:          original.Credit.ExpenseID,
		ClearedAt:          now,
		CreatedAt:          now,
	}

	credit := base
	credit.ID = b.ids.Generate()
	credit.Type = ledger.Credit
	credit.Amount = original.Credit.Amount
	credit.AmountInHostCurrency = gross
	credit.NetAmountInHostCurrency = gross
	credit.RefundTransactionID = original.Debit.ID
	credit.Data = data

	debit := base
	debit.ID = b.ids.Generate()
	debit.Type = ledger.Debit
	debit.Amount = -original.Credit.Amount
	debit.AmountInHostCurrency = -gross
	debit.PaymentProcessorFeeInHostCurrency = -r
	debit.NetAmountInHostCurrency = -gross + r
	debit.RefundTransactionID = original.Credit.ID
	debit.Data = data.Clone()

	pair := ledger.Pair{Credit: credit, Debit: debit}
	if err := VerifyBalance(pair); err != nil {
		return ledger.Pair{}, err
	}
	return pair, nil
}

// VerifyBalance checks the double-entry rule on a pair.
func VerifyBalance(p ledger.Pair) error {
	if p.Balanced() {
		return nil
	}
	return ledger.NewLedgerImbalance(p.GroupID(), p.Credit.AmountInHostCurrency, p.Debit.AmountInHostCurrency, p.Credit.Fees())
}

func validate(in Input) error {
	switch {
	case in.Amount <= 0:
		return ledger.NewValidationMismatch("amount must be positive, got %d", in.Amount)
	case in.Currency == "":
		return ledger.NewValidationMismatch("missing payment currency")
	case in.Host.Currency == "":
		return ledger.NewValidationMismatch("host %s has no currency", in.Host.ID)
	case in.ExternalFee < 0:
		return ledger.NewValidationMismatch("negative processor fee %d", in.ExternalFee)
	case in.Fees.PlatformTip < 0:
		return ledger.NewValidationMismatch("negative platform tip %d", in.Fees.PlatformTip)
	case in.Fees.HostFee != nil && *in.Fees.HostFee < 0:
		return ledger.NewValidationMismatch("negative host fee %d", *in.Fees.HostFee)
	case in.Fees.HostFeePercent.IsNegative():
		return ledger.NewValidationMismatch("negative host fee percent %s", in.Fees.HostFeePercent)
	case in.Kind == "":
		return ledger.NewValidationMismatch("missing transaction kind")
	}
	return nil
}
