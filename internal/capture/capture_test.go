package capture

import (
	"context"
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
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/testutil"
)

type fixture struct {
	store    *store.Store
	recorder *Recorder
	order    ledger.Order
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, a := range []ledger.Account{testutil.Payer(), testutil.Collective(), testutil.Host()} {
		require.NoError(t, s.PutAccount(ctx, a))
	}
	order := testutil.MonthlyOrder("order-1")
	require.NoError(t, s.PutOrder(ctx, order))

	rates, err := fx.NewStatic(map[string]string{"EUR/USD": "2"})
	require.NoError(t, err)
	clock := testutil.NewFakeClock(time.Time{})
	ids := ledger.NewSequenceGenerator("id")

	r := NewRecorder(s, fees.NewBuilder(rates, ids, clock), ids, clock, zerolog.Nop())
	return fixture{store: s, recorder: r, order: order}
}

func completed(id string) Event {
	return Event{
		Provider:    "paypal",
		CaptureID:   id,
		Status:      provider.CaptureCompleted,
		Amount:      1000,
		Currency:    "EUR",
		Fee:         30,
		FeeCurrency: "EUR",
		AgreementID: "I-AGREE",
		CapturedAt:  testutil.Epoch.Add(-time.Hour),
	}
}

func TestRecord_FirstCaptureActivatesOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.recorder.Record(ctx, f.order, completed("CAP-1"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyRecorded)
	assert.Equal(t, int64(2000), res.Pair.Credit.AmountInHostCurrency)
	assert.Equal(t, int64(1740), res.Pair.Credit.NetAmountInHostCurrency)
	assert.Equal(t, "CAP-1", res.Pair.Credit.ExternalReference)

	o, err := f.store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderActive, o.Status)
	require.NotNil(t, o.ProcessedAt)
	assert.Equal(t, ledger.SubscriptionActive, o.Subscription.Status)
	assert.True(t, o.Subscription.IsActive)

	acts, err := f.store.ActivitiesForOrder(ctx, "order-1")
	require.NoError(t, err)
	types := map[ledger.ActivityType]int{}
	for _, a := range acts {
		types[a.Type]++
	}
	assert.Equal(t, 1, types[ledger.ActivityTransactionCreated])
	assert.Equal(t, 1, types[ledger.ActivitySubscriptionActivated])
}

func TestRecord_RedeliveryIsNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.recorder.Record(ctx, f.order, completed("CAP-1"))
	require.NoError(t, err)
	second, err := f.recorder.Record(ctx, f.order, completed("CAP-1"))
	require.NoError(t, err)

	assert.True(t, second.AlreadyRecorded)
	assert.Equal(t, first.Pair.GroupID(), second.Pair.GroupID())

	n, err := f.store.CountGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecord_ConcurrentDeliveriesRecordOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.recorder.Record(ctx, f.order, completed("CAP-RACE"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := f.store.CountGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecord_SecondCaptureKeepsSingleActivation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.recorder.Record(ctx, f.order, completed("CAP-1"))
	require.NoError(t, err)
	_, err = f.recorder.Record(ctx, f.order, completed("CAP-2"))
	require.NoError(t, err)

	acts, err := f.store.ActivitiesForOrder(ctx, "order-1")
	require.NoError(t, err)
	activated := 0
	for _, a := range acts {
		if a.Type == ledger.ActivitySubscriptionActivated {
			activated++
		}
	}
	assert.Equal(t, 1, activated)
}

func TestRecord_Mismatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"wrong amount", func(e *Event) { e.Amount = 999 }},
		{"wrong currency", func(e *Event) { e.Currency = "USD" }},
		{"pending", func(e *Event) { e.Status = provider.CapturePending }},
		{"no id", func(e *Event) { e.CaptureID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ev := completed("CAP-1")
			tt.mutate(&ev)

			_, err := f.recorder.Record(context.Background(), f.order, ev)
			require.Error(t, err)
			assert.True(t, ledger.IsValidationMismatch(err))

			n, err := f.store.CountGroups(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestRecordOrphan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.recorder.RecordOrphan(ctx, testutil.Host(), completed("CAP-ORPHAN"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyRecorded)
	assert.Equal(t, "guest-host-1", res.Pair.Credit.PayerAccountID)
	assert.Equal(t, testutil.HostID, res.Pair.Credit.PayeeAccountID)
	assert.Empty(t, res.Pair.Credit.OrderID)
	assert.Equal(t, true, res.Pair.Credit.Data["orphan"])
	assert.Equal(t, int64(2000-60), res.Pair.Credit.NetAmountInHostCurrency)

	again, err := f.recorder.RecordOrphan(ctx, testutil.Host(), completed("CAP-ORPHAN"))
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecorded)
}

func TestEventFromCapture(t *testing.T) {
	fee := provider.NewMoney(30, "EUR")
	ev, err := EventFromCapture("paypal", provider.Capture{
		ID:                 "CAP-1",
		Status:             provider.CaptureCompleted,
		Amount:             provider.NewMoney(1000, "EUR"),
		BillingAgreementID: "I-AGREE",
		CustomID:           "order-1",
		Breakdown:          &provider.SellerReceivableBreakdown{PaypalFee: &fee},
		Payee:              &provider.Payee{MerchantID: "M-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), ev.Amount)
	assert.Equal(t, int64(30), ev.Fee)
	assert.Equal(t, "EUR", ev.FeeCurrency)
	assert.Equal(t, "M-1", ev.MerchantID)
	assert.Equal(t, store.Key{Provider: "paypal", Kind: ledger.KindContribution, ExternalID: "CAP-1"}, ev.Key())
}

func TestResolveOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	bound := testutil.MonthlyOrder("order-2")
	bound.Subscription.ExternalAgreementID = "I-BOUND"
	bound.Subscription.Provider = "paypal"
	require.NoError(t, f.store.PutOrder(ctx, bound))

	tests := []struct {
		name      string
		agreement string
		customID  string
		want      string
	}{
		{"by agreement", "I-BOUND", "", "order-2"},
		{"agreement wins over custom id", "I-BOUND", "order-1", "order-2"},
		{"falls back to custom id", "I-UNKNOWN", "order-1", "order-1"},
		{"unresolved", "I-UNKNOWN", "order-404", ""},
		{"nothing to go on", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := completed("CAP-R")
			ev.AgreementID, ev.CustomID = tt.agreement, tt.customID
			o, found, err := ResolveOrder(ctx, f.store, ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want != "", found)
			assert.Equal(t, tt.want, o.ID)
		})
	}
}
