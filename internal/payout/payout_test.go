package payout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payledger/internal/fees"
	"github.com/roach88/payledger/internal/fx"
	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/provider/providertest"
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/testutil"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

type fixture struct {
	store     *store.Store
	fake      *providertest.Fake
	processor *Processor
	reporter  *recordingReporter
	// newProcessor builds a Processor over the same store talking to api.
	newProcessor func(api provider.API) *Processor
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	host2 := ledger.Account{ID: "host-2", Name: "Euro Host", Kind: ledger.AccountHost, Currency: "EUR", ProviderMerchantID: "MERCHANT-2", CreatedAt: testutil.Epoch}
	vendor := ledger.Account{ID: "vendor-1", Name: "Printer", Kind: ledger.AccountUser, Currency: "EUR", CreatedAt: testutil.Epoch}
	for _, a := range []ledger.Account{testutil.Host(), host2, vendor} {
		require.NoError(t, s.PutAccount(ctx, a))
	}

	expenses := []ledger.Expense{
		{ID: "exp-1", HostAccountID: testutil.HostID, Amount: 1000, Currency: "USD"},
		{ID: "exp-2", HostAccountID: testutil.HostID, Amount: 500, Currency: "USD"},
		{ID: "exp-3", HostAccountID: testutil.HostID, Amount: 2000, Currency: "EUR"},
		{ID: "exp-4", HostAccountID: "host-2", Amount: 700, Currency: "EUR"},
	}
	for _, e := range expenses {
		e.PayeeAccountID = vendor.ID
		e.Status = ledger.ExpenseScheduledForPayment
		e.PayoutEmail = e.ID + "@example.org"
		e.CreatedAt = testutil.Epoch
		require.NoError(t, s.PutExpense(ctx, e))
	}
	require.NoError(t, s.PutExpense(ctx, ledger.Expense{
		ID: "exp-5", PayeeAccountID: vendor.ID, HostAccountID: testutil.HostID, Amount: 300, Currency: "USD",
		Status: ledger.ExpenseScheduledForPayment, CreatedAt: testutil.Epoch,
	}))

	rates, err := fx.NewStatic(map[string]string{"EUR/USD": "2", "GBP/USD": "1.25"})
	require.NoError(t, err)
	clock := testutil.NewFakeClock(time.Time{})
	ids := ledger.NewSequenceGenerator("id")
	fake := providertest.New()
	reporter := &recordingReporter{}

	newProcessor := func(api provider.API) *Processor {
		return NewProcessor(s, api, fees.NewBuilder(rates, ids, clock), rates, ids, clock, zerolog.Nop(), Options{
			Provider:     "paypal",
			EmailSubject: "You have a payout",
			Reporter:     reporter,
		})
	}
	return fixture{store: s, fake: fake, processor: newProcessor(fake), reporter: reporter, newProcessor: newProcessor}
}

func (f fixture) submit(t *testing.T) map[string]string {
	t.Helper()
	res, err := f.processor.Submit(context.Background())
	require.NoError(t, err)
	batches := map[string]string{}
	for _, b := range res.Batches {
		batches[b.HostID+"/"+b.Currency] = b.BatchID
	}
	return batches
}

func (f fixture) expense(t *testing.T, id string) ledger.Expense {
	t.Helper()
	e, err := f.store.GetExpense(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestSubmit_OneBatchPerHostAndCurrency(t *testing.T) {
	f := setup(t)

	res, err := f.processor.Submit(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Batches, 3)
	assert.Equal(t, []string{"exp-5"}, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 3, f.fake.Batches())

	byGroup := map[string]BatchSummary{}
	for _, b := range res.Batches {
		byGroup[b.HostID+"/"+b.Currency] = b
	}
	usd := byGroup["host-1/USD"]
	assert.Equal(t, 2, usd.Expenses)
	assert.Equal(t, int64(1500), usd.Total)

	e := f.expense(t, "exp-1")
	assert.Equal(t, ledger.ExpenseProcessing, e.Status)
	assert.Equal(t, usd.BatchID, e.BatchID)
	assert.Equal(t, "ITEM-exp-1", e.ExternalItemID)
	assert.Equal(t, ledger.ExpenseScheduledForPayment, f.expense(t, "exp-5").Status)

	again, err := f.processor.Submit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.Batches)
	assert.Equal(t, 3, f.fake.Batches())
}

func TestSubmit_ProviderFailureLeavesExpensesScheduled(t *testing.T) {
	f := setup(t)
	f.fake.Fail("CreatePayoutBatch", ledger.NewProviderUnavailable("payouts", errors.New("timeout")))

	res, err := f.processor.Submit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.Len(t, res.Errors, 3)
	assert.Len(t, f.reporter.errs, 3)
	assert.Equal(t, ledger.ExpenseScheduledForPayment, f.expense(t, "exp-1").Status)

	f.fake.Clear("CreatePayoutBatch")
	res, err = f.processor.Submit(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Batches, 3)
}

// lostResponseAPI lets the provider create the batch and then fails the
// call, like a timeout after the provider committed.
type lostResponseAPI struct {
	*providertest.Fake
}

func (a lostResponseAPI) CreatePayoutBatch(ctx context.Context, req provider.PayoutBatchRequest) (provider.PayoutBatch, error) {
	if _, err := a.Fake.CreatePayoutBatch(ctx, req); err != nil {
		return provider.PayoutBatch{}, err
	}
	return provider.PayoutBatch{}, ledger.NewProviderUnavailable("payouts", errors.New("read timeout"))
}

func TestSubmit_RetryAfterLostResponseReusesBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.newProcessor(lostResponseAPI{Fake: f.fake}).Submit(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Batches)
	assert.Len(t, res.Errors, 3)
	assert.Equal(t, 3, f.fake.Batches(), "the provider created every batch")
	claimed := f.expense(t, "exp-1").SenderBatchID
	require.NotEmpty(t, claimed)
	assert.Equal(t, claimed, f.expense(t, "exp-2").SenderBatchID)
	assert.Equal(t, ledger.ExpenseScheduledForPayment, f.expense(t, "exp-1").Status)

	require.NoError(t, f.store.PutExpense(ctx, ledger.Expense{
		ID: "exp-6", PayeeAccountID: "vendor-1", HostAccountID: testutil.HostID, Amount: 250, Currency: "USD",
		Status: ledger.ExpenseScheduledForPayment, PayoutEmail: "exp-6@example.org", CreatedAt: testutil.Epoch.Add(time.Hour),
	}))

	res, err = f.processor.Submit(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Batches, 4)
	assert.Equal(t, 4, f.fake.Batches(), "only the new expense needs a new batch")

	exp1, exp2, exp6 := f.expense(t, "exp-1"), f.expense(t, "exp-2"), f.expense(t, "exp-6")
	assert.Equal(t, ledger.ExpenseProcessing, exp1.Status)
	assert.Equal(t, claimed, exp1.SenderBatchID)
	assert.Equal(t, exp1.BatchID, exp2.BatchID)
	assert.Equal(t, ledger.ExpenseProcessing, exp6.Status)
	assert.NotEqual(t, exp1.BatchID, exp6.BatchID)
	assert.NotEqual(t, claimed, exp6.SenderBatchID)

	again, err := f.processor.Submit(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Batches)
	assert.Equal(t, 4, f.fake.Batches())
}

func TestSenderBatchID(t *testing.T) {
	a, err := SenderBatchID("host-1", "USD", []string{"exp-2", "exp-1"})
	require.NoError(t, err)
	b, err := SenderBatchID("host-1", "USD", []string{"exp-1", "exp-2"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "order of expenses does not matter")
	assert.Len(t, a, 64)

	c, err := SenderBatchID("host-1", "USD", []string{"exp-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := SenderBatchID("host-1", "EUR", []string{"exp-1", "exp-2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestPoll_SettlesFinishedItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	batches := f.submit(t)
	usd := batches["host-1/USD"]

	processed := testutil.Epoch.Add(time.Hour)
	fee := provider.NewMoney(25, "USD")
	f.fake.SettleItem(usd, "exp-1", func(it *provider.PayoutItem) {
		it.TransactionStatus = provider.PayoutSuccess
		it.TransactionID = "TXN-1"
		it.PayoutItemFee = &fee
		it.TimeProcessed = &processed
	})
	f.fake.SettleItem(usd, "exp-2", func(it *provider.PayoutItem) {
		it.TransactionStatus = provider.PayoutFailed
		it.Errors = &provider.PayoutError{Name: "RECEIVER_UNREGISTERED", Message: "Receiver is unregistered"}
	})

	res, err := f.processor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1, res.Paid)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Pending)
	assert.Empty(t, res.Errors)

	paid := f.expense(t, "exp-1")
	assert.Equal(t, ledger.ExpensePaid, paid.Status)
	pair, found, err := f.store.PairByKey(ctx, store.Key{Provider: "paypal", Kind: ledger.KindExpense, ExternalID: "ITEM-exp-1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.KindExpense, pair.Credit.Kind)
	assert.Equal(t, "exp-1", pair.Credit.ExpenseID)
	assert.Equal(t, testutil.HostID, pair.Credit.PayerAccountID)
	assert.Equal(t, "vendor-1", pair.Credit.PayeeAccountID)
	assert.Equal(t, int64(1000), pair.Credit.AmountInHostCurrency)
	assert.Equal(t, int64(25), pair.Credit.PaymentProcessorFeeInHostCurrency)
	assert.True(t, pair.Credit.ClearedAt.Equal(processed))
	assert.True(t, pair.Balanced())

	acts, err := f.store.ActivitiesForExpense(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ActivityExpensePaid, acts[0].Type)

	failed := f.expense(t, "exp-2")
	assert.Equal(t, ledger.ExpenseError, failed.Status)
	assert.Equal(t, "FAILED", failed.Data.String("payoutStatus"))
	payoutErr, ok := failed.Data["payoutError"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RECEIVER_UNREGISTERED", payoutErr["name"])

	acts, err = f.store.ActivitiesForExpense(ctx, "exp-2")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ActivityExpenseError, acts[0].Type)
	assert.Equal(t, ledger.ReasonPayoutFailed, acts[0].ReasonCode())

	again, err := f.processor.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Paid)
	assert.Zero(t, again.Failed)
	assert.Equal(t, 2, again.Batches, "the settled batch is no longer polled")
}

func TestPoll_CurrencyConversionSetsRate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	eur := f.submit(t)["host-1/EUR"]

	fee := provider.NewMoney(50, "USD")
	f.fake.SettleItem(eur, "exp-3", func(it *provider.PayoutItem) {
		it.TransactionStatus = provider.PayoutSuccess
		it.PayoutItemFee = &fee
		it.CurrencyConversion = &provider.CurrencyConversion{
			FromAmount:   provider.NewMoney(2200, "USD"),
			ToAmount:     provider.NewMoney(2000, "EUR"),
			ExchangeRate: "0.909090",
		}
	})

	res, err := f.processor.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Paid)

	pair, found, err := f.store.PairByKey(ctx, store.Key{Provider: "paypal", Kind: ledger.KindExpense, ExternalID: "ITEM-exp-3"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2200), pair.Credit.AmountInHostCurrency, "rate taken from the conversion, not the rate table")
	assert.Equal(t, int64(50), pair.Credit.PaymentProcessorFeeInHostCurrency)
	assert.Equal(t, int64(2150), pair.Credit.NetAmountInHostCurrency)
	_, ok := pair.Credit.Data["currencyConversion"].(map[string]any)
	assert.True(t, ok)
}

func TestPoll_FeeInThirdCurrencyIsEstimated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usd := f.submit(t)["host-1/USD"]

	fee := provider.NewMoney(100, "GBP")
	f.fake.SettleItem(usd, "exp-1", func(it *provider.PayoutItem) {
		it.TransactionStatus = provider.PayoutSuccess
		it.PayoutItemFee = &fee
	})

	_, err := f.processor.Poll(ctx)
	require.NoError(t, err)

	pair, _, err := f.store.PairByKey(ctx, store.Key{Provider: "paypal", Kind: ledger.KindExpense, ExternalID: "ITEM-exp-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(125), pair.Credit.PaymentProcessorFeeInHostCurrency)
	assert.Equal(t, true, pair.Credit.Data["feeEstimated"])
}

func TestPoll_SkipsExpensesThatLeftTheBatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usd := f.submit(t)["host-1/USD"]

	require.NoError(t, f.store.MarkExpenseError(ctx, "exp-1", usd, ledger.Data{"manual": true}, testutil.Epoch,
		ledger.Activity{ID: "manual-1", Type: ledger.ActivityExpenseError, ExpenseID: "exp-1", CreatedAt: testutil.Epoch}))
	f.fake.SettleItem(usd, "exp-1", func(it *provider.PayoutItem) { it.TransactionStatus = provider.PayoutSuccess })

	res, err := f.processor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stale)
	assert.Zero(t, res.Paid)
	assert.Equal(t, ledger.ExpenseError, f.expense(t, "exp-1").Status)
}

func TestPoll_BatchFetchFailureIsReported(t *testing.T) {
	f := setup(t)
	f.submit(t)
	f.fake.Fail("GetPayoutBatch", ledger.NewProviderUnavailable("payouts", errors.New("timeout")))

	res, err := f.processor.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Errors, 3)
	assert.Len(t, f.reporter.errs, 3)
	assert.Zero(t, res.Batches)
}
