// Package payout pays scheduled expenses through provider payout batches
// and books settled items in the ledger.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/payledger/internal/canonical"
	"github.com/roach88/payledger/internal/fees"
	"github.com/roach88/payledger/internal/fx"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/money"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/store"
)

// DefaultConcurrency bounds concurrent batch calls.
const DefaultConcurrency = 4

// Options configures a Processor.
type Options struct {
	Provider     string
	Concurrency  int
	EmailSubject string
	Reporter     ledger.Reporter
}

// Processor submits and polls payout batches.
type Processor struct {
	store   *store.Store
	api     provider.API
	builder *fees.Builder
	rates   fx.Source
	ids     ledger.IDGenerator
	clock   ledger.Clock
	log     zerolog.Logger
	opts    Options
}

// NewProcessor creates a Processor. rates converts payout fees charged in a
// currency that is neither the expense's nor the host's.
func NewProcessor(s *store.Store, api provider.API, b *fees.Builder, rates fx.Source, ids ledger.IDGenerator, clock ledger.Clock, log zerolog.Logger, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Reporter == nil {
		opts.Reporter = ledger.LogReporter{Log: log}
	}
	return &Processor{
		store:   s,
		api:     api,
		builder: b,
		rates:   rates,
		ids:     ids,
		clock:   clock,
		log:     log.With().Str("component", "payout").Logger(),
		opts:    opts,
	}
}

// BatchSummary describes one submitted batch.
type BatchSummary struct {
	BatchID       string `json:"batch_id" yaml:"batch_id"`
	SenderBatchID string `json:"sender_batch_id" yaml:"sender_batch_id"`
	HostID        string `json:"host_id" yaml:"host_id"`
	Currency      string `json:"currency" yaml:"currency"`
	Expenses      int    `json:"expenses" yaml:"expenses"`
	Total         int64  `json:"total" yaml:"total"`
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	Batches []BatchSummary `json:"batches" yaml:"batches"`
	Skipped []string       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Errors  []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type groupKey struct {
	hostID   string
	currency string
	// senderBatchID is set for expenses claimed by an earlier submission.
	senderBatchID string
}

// Submit sends every SCHEDULED_FOR_PAYMENT expense, one batch per host and
// currency. The sender batch id is derived from the batch contents and
// claimed on the expenses before the provider is called. Expenses already
// claimed by a submission that did not finish are sent again as the same
// group under the same id, which the provider deduplicates; expenses
// scheduled since then go into a batch of their own.
func (p *Processor) Submit(ctx context.Context) (*SubmitResult, error) {
	scheduled, err := p.store.ExpensesByStatus(ctx, ledger.ExpenseScheduledForPayment)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{}
	groups := map[groupKey][]ledger.Expense{}
	for _, e := range scheduled {
		if e.PayoutEmail == "" || e.Amount <= 0 {
			res.Skipped = append(res.Skipped, e.ID)
			continue
		}
		k := groupKey{hostID: e.HostAccountID, currency: e.Currency, senderBatchID: e.SenderBatchID}
		groups[k] = append(groups[k], e)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].hostID != keys[j].hostID {
			return keys[i].hostID < keys[j].hostID
		}
		if keys[i].currency != keys[j].currency {
			return keys[i].currency < keys[j].currency
		}
		return keys[i].senderBatchID < keys[j].senderBatchID
	})

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, k := range keys {
		expenses := groups[k]
		g.Go(func() error {
			summary, err := p.submitGroup(ctx, k, expenses)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				p.opts.Reporter.Report(ctx, err, map[string]string{"host_id": k.hostID, "currency": k.currency})
				return nil
			}
			res.Batches = append(res.Batches, summary)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Batches, func(i, j int) bool { return res.Batches[i].SenderBatchID < res.Batches[j].SenderBatchID })
	sort.Strings(res.Errors)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// SenderBatchID derives the sender batch id of a group.
func SenderBatchID(hostID, currency string, expenseIDs []string) (string, error) {
	ids := append([]string(nil), expenseIDs...)
	sort.Strings(ids)
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return canonical.HashValue(canonical.DomainPayoutBatch, map[string]any{
		"hostId":   hostID,
		"currency": currency,
		"expenses": list,
	})
}

func (p *Processor) submitGroup(ctx context.Context, k groupKey, expenses []ledger.Expense) (BatchSummary, error) {
	if err := ctx.Err(); err != nil {
		return BatchSummary{}, err
	}
	sort.Slice(expenses, func(i, j int) bool { return expenses[i].ID < expenses[j].ID })

	ids := make([]string, len(expenses))
	items := make([]provider.PayoutItemRequest, len(expenses))
	var total int64
	for i, e := range expenses {
		ids[i] = e.ID
		total += e.Amount
		items[i] = provider.PayoutItemRequest{
			RecipientType: "EMAIL",
			Amount:        provider.NewMoney(e.Amount, e.Currency),
			Receiver:      e.PayoutEmail,
			SenderItemID:  e.ID,
			Note:          fmt.Sprintf("Expense %s", e.ID),
		}
	}
	senderBatchID := k.senderBatchID
	if senderBatchID == "" {
		var err error
		if senderBatchID, err = SenderBatchID(k.hostID, k.currency, ids); err != nil {
			return BatchSummary{}, err
		}
		if err := p.store.ClaimForBatch(ctx, senderBatchID, ids, p.clock.Now()); err != nil {
			return BatchSummary{}, fmt.Errorf("claim expenses for %s/%s: %w", k.hostID, k.currency, err)
		}
	} else {
		p.log.Info().
			Str("sender_batch_id", senderBatchID).
			Int("expenses", len(expenses)).
			Msg("resubmitting claimed expenses")
	}

	batch, err := p.api.CreatePayoutBatch(ctx, provider.PayoutBatchRequest{
		SenderBatchHeader: provider.SenderBatchHeader{SenderBatchID: senderBatchID, EmailSubject: p.opts.EmailSubject},
		Items:             items,
	})
	if err != nil {
		return BatchSummary{}, fmt.Errorf("create payout batch for %s/%s: %w", k.hostID, k.currency, err)
	}
	batchID := batch.BatchHeader.PayoutBatchID

	itemIDs := map[string]string{}
	for _, it := range batch.Items {
		itemIDs[it.PayoutItem.SenderItemID] = it.PayoutItemID
	}
	submitted := make([]store.SubmittedItem, len(expenses))
	for i, e := range expenses {
		submitted[i] = store.SubmittedItem{ExpenseID: e.ID, ExternalItemID: itemIDs[e.ID]}
	}
	if err := p.store.MarkSubmitted(ctx, batchID, submitted, p.clock.Now()); err != nil {
		return BatchSummary{}, fmt.Errorf("batch %s: %w", batchID, err)
	}

	p.log.Info().
		Str("batch_id", batchID).
		Str("host_id", k.hostID).
		Str("currency", k.currency).
		Int("expenses", len(expenses)).
		Int64("total", total).
		Msg("payout batch submitted")
	return BatchSummary{
		BatchID:       batchID,
		SenderBatchID: senderBatchID,
		HostID:        k.hostID,
		Currency:      k.currency,
		Expenses:      len(expenses),
		Total:         total,
	}, nil
}

// PollResult is the outcome of Poll.
type PollResult struct {
	Batches int      `json:"batches" yaml:"batches"`
	Paid    int      `json:"paid" yaml:"paid"`
	Failed  int      `json:"failed" yaml:"failed"`
	Pending int      `json:"pending" yaml:"pending"`
	Stale   int      `json:"stale" yaml:"stale"`
	Errors  []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (r *PollResult) add(o PollResult) {
	r.Batches += o.Batches
	r.Paid += o.Paid
	r.Failed += o.Failed
	r.Pending += o.Pending
	r.Stale += o.Stale
	r.Errors = append(r.Errors, o.Errors...)
}

// Poll fetches every batch that still has PROCESSING expenses and settles
// the items the provider finished.
func (p *Processor) Poll(ctx context.Context) (*PollResult, error) {
	batchIDs, err := p.store.ProcessingBatchIDs(ctx)
	if err != nil {
		return nil, err
	}

	res := &PollResult{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, id := range batchIDs {
		g.Go(func() error {
			r := p.pollBatch(ctx, id)
			mu.Lock()
			res.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Errors)
	p.log.Info().
		Int("batches", res.Batches).
		Int("paid", res.Paid).
		Int("failed", res.Failed).
		Int("pending", res.Pending).
		Msg("payout poll finished")
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Processor) pollBatch(ctx context.Context, batchID string) PollResult {
	var res PollResult
	if ctx.Err() != nil {
		return res
	}
	batch, err := p.api.GetPayoutBatch(ctx, batchID)
	if err != nil {
		p.fail(ctx, &res, err, map[string]string{"batch_id": batchID})
		return res
	}
	res.Batches++

	for _, item := range batch.Items {
		if ctx.Err() != nil {
			return res
		}
		expense, err := p.store.GetExpense(ctx, item.PayoutItem.SenderItemID)
		if err != nil {
			p.fail(ctx, &res, err, map[string]string{"batch_id": batchID, "expense_id": item.PayoutItem.SenderItemID})
			continue
		}
		if expense.BatchID != batchID || expense.Status != ledger.ExpenseProcessing {
			res.Stale++
			continue
		}

		switch {
		case item.TransactionStatus == provider.PayoutSuccess:
			err = p.settle(ctx, expense, batchID, item)
			if err == nil {
				res.Paid++
			}
		case failedStatus(item.TransactionStatus):
			err = p.markFailed(ctx, expense, batchID, item)
			if err == nil {
				res.Failed++
			}
		default:
			res.Pending++
		}
		if errors.Is(err, store.ErrStaleExpense) {
			res.Stale++
			continue
		}
		if err != nil {
			p.fail(ctx, &res, err, map[string]string{"batch_id": batchID, "expense_id": expense.ID})
		}
	}
	return res
}

func failedStatus(s provider.PayoutItemStatus) bool {
	switch s {
	case provider.PayoutFailed, provider.PayoutBlocked, provider.PayoutReversed,
		provider.PayoutReturned, provider.PayoutDenied:
		return true
	}
	return false
}

// settle books a paid item: the host pays the beneficiary and the payout
// fee is carried as the processor fee.
func (p *Processor) settle(ctx context.Context, e ledger.Expense, batchID string, item provider.PayoutItem) error {
	host, err := p.store.GetAccount(ctx, e.HostAccountID)
	if err != nil {
		return err
	}
	payee, err := p.store.GetAccount(ctx, e.PayeeAccountID)
	if err != nil {
		return err
	}

	clearedAt := p.clock.Now()
	if item.TimeProcessed != nil {
		clearedAt = *item.TimeProcessed
	}
	data := ledger.Data{"payoutItemId": item.PayoutItemID, "payoutBatchId": batchID}
	if item.TransactionID != "" {
		data["providerTransactionId"] = item.TransactionID
	}

	in := fees.Input{
		Kind:              ledger.KindExpense,
		Payer:             host,
		Payee:             payee,
		Host:              host,
		Amount:            e.Amount,
		Currency:          e.Currency,
		Provider:          p.opts.Provider,
		ExternalReference: item.PayoutItemID,
		ExpenseID:         e.ID,
		ClearedAt:         clearedAt,
		Data:              data,
	}

	if conv := item.CurrencyConversion; conv != nil {
		rate, err := conversionRate(*conv, e.Currency, host.Currency)
		if err != nil {
			return err
		}
		if !rate.IsZero() {
			in.FxRate = rate
			data["currencyConversion"] = map[string]any{
				"from": conv.FromAmount.Value + " " + conv.FromAmount.CurrencyCode,
				"to":   conv.ToAmount.Value + " " + conv.ToAmount.CurrencyCode,
				"rate": conv.ExchangeRate,
			}
		}
	}

	if fee := item.PayoutItemFee; fee != nil && !fee.IsZero() {
		amount, err := fee.Minor()
		if err != nil {
			return ledger.NewValidationMismatch("payout item %s fee: %v", item.PayoutItemID, err)
		}
		switch fee.CurrencyCode {
		case e.Currency, host.Currency:
			in.ExternalFee, in.ExternalFeeCurrency = amount, fee.CurrencyCode
		default:
			rate, err := fx.Resolve(ctx, p.rates, fee.CurrencyCode, host.Currency, clearedAt)
			if err != nil {
				return ledger.NewValidationMismatch("payout item %s fee in %s: %v", item.PayoutItemID, fee.CurrencyCode, err)
			}
			in.ExternalFee, in.ExternalFeeCurrency = money.Convert(amount, rate), host.Currency
			data["feeEstimated"] = true
		}
	}

	pair, err := p.builder.Build(ctx, in)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	res, err := p.store.RecordPair(ctx, store.PairWrite{
		Key:     store.Key{Provider: p.opts.Provider, Kind: ledger.KindExpense, ExternalID: item.PayoutItemID},
		Pair:    pair,
		Expense: &store.ExpenseUpdate{ExpenseID: e.ID, BatchID: batchID, To: ledger.ExpensePaid},
		Activities: []ledger.Activity{{
			ID:            p.ids.Generate(),
			Type:          ledger.ActivityExpensePaid,
			ExpenseID:     e.ID,
			TransactionID: pair.Credit.ID,
			FromAccountID: host.ID,
			ToAccountID:   payee.ID,
			Data:          ledger.Data{"payoutItemId": item.PayoutItemID, "amount": e.Amount, "currency": e.Currency},
			CreatedAt:     now,
		}},
	})
	if err != nil {
		return err
	}
	if !res.Inserted {
		return fmt.Errorf("payout item %s: %w", item.PayoutItemID, store.ErrStaleExpense)
	}
	p.log.Info().
		Str("expense_id", e.ID).
		Str("payout_item_id", item.PayoutItemID).
		Int64("fee_in_host_currency", pair.Credit.PaymentProcessorFeeInHostCurrency).
		Msg("expense paid")
	return nil
}

// conversionRate returns the expense-to-host rate the provider applied, or
// zero when the conversion is not between those two currencies.
func conversionRate(conv provider.CurrencyConversion, expenseCurrency, hostCurrency string) (decimal.Decimal, error) {
	if conv.FromAmount.CurrencyCode != hostCurrency || conv.ToAmount.CurrencyCode != expenseCurrency {
		return decimal.Zero, nil
	}
	from, err := decimal.NewFromString(conv.FromAmount.Value)
	if err != nil {
		return decimal.Zero, ledger.NewValidationMismatch("currency conversion from amount: %v", err)
	}
	to, err := decimal.NewFromString(conv.ToAmount.Value)
	if err != nil {
		return decimal.Zero, ledger.NewValidationMismatch("currency conversion to amount: %v", err)
	}
	if !to.IsPositive() || !from.IsPositive() {
		return decimal.Zero, ledger.NewValidationMismatch("currency conversion with non-positive amount")
	}
	return from.Div(to), nil
}

func (p *Processor) markFailed(ctx context.Context, e ledger.Expense, batchID string, item provider.PayoutItem) error {
	payload := ledger.Data{
		"payoutItemId": item.PayoutItemID,
		"payoutStatus": string(item.TransactionStatus),
	}
	if item.Errors != nil {
		payload["payoutError"] = map[string]any{"name": item.Errors.Name, "message": item.Errors.Message}
	}
	activity := ledger.Activity{
		ID:            p.ids.Generate(),
		Type:          ledger.ActivityExpenseError,
		ExpenseID:     e.ID,
		FromAccountID: e.HostAccountID,
		ToAccountID:   e.PayeeAccountID,
		Data:          ledger.Data{"reasonCode": string(ledger.ReasonPayoutFailed), "payoutStatus": string(item.TransactionStatus)},
		CreatedAt:     p.clock.Now(),
	}
	if err := p.store.MarkExpenseError(ctx, e.ID, batchID, payload, p.clock.Now(), activity); err != nil {
		return err
	}
	p.log.Warn().
		Str("expense_id", e.ID).
		Str("payout_item_id", item.PayoutItemID).
		Str("status", string(item.TransactionStatus)).
		Msg("payout item failed")
	return nil
}

func (p *Processor) fail(ctx context.Context, res *PollResult, err error, fields map[string]string) {
	res.Errors = append(res.Errors, err.Error())
	p.opts.Reporter.Report(ctx, err, fields)
}
