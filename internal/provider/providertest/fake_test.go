package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
)

var start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFake_SearchPaginates(t *testing.T) {
	f := New()
	for i := 0; i < 5; i++ {
		f.AddCapture(provider.Capture{
			ID:         "CAP-" + string(rune('A'+i)),
			Status:     provider.CaptureCompleted,
			Amount:     provider.NewMoney(1000, "EUR"),
			CreateTime: start.Add(time.Duration(i) * time.Hour),
		}, "M-1", provider.EventExpressCheckout)
	}
	f.AddCapture(provider.Capture{ID: "CAP-OTHER", CreateTime: start}, "M-2", provider.EventExpressCheckout)

	q := provider.SearchQuery{MerchantID: "M-1", Start: start, End: start.AddDate(0, 0, 1), PageSize: 2}
	var ids []string
	for page := 1; ; page++ {
		q.Page = page
		res, err := f.SearchTransactions(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, 3, res.TotalPages)
		for _, d := range res.TransactionDetails {
			ids = append(ids, d.TransactionInfo.TransactionID)
		}
		if page >= res.TotalPages {
			break
		}
	}
	assert.Equal(t, []string{"CAP-A", "CAP-B", "CAP-C", "CAP-D", "CAP-E"}, ids)
}

func TestFake_RefundIsIdempotentPerRequestID(t *testing.T) {
	f := New()
	f.AddCapture(provider.Capture{ID: "CAP-1", Status: provider.CaptureCompleted, Amount: provider.NewMoney(1000, "EUR")}, "", "")
	f.SetRefundedFee("CAP-1", provider.NewMoney(20, "EUR"))

	r1, err := f.RefundCapture(context.Background(), "CAP-1", provider.RefundRequest{}, "refund-CAP-1")
	require.NoError(t, err)
	r2, err := f.RefundCapture(context.Background(), "CAP-1", provider.RefundRequest{}, "refund-CAP-1")
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Equal(t, "0.20", r1.RefundedFee().Value)

	_, err = f.RefundCapture(context.Background(), "CAP-1", provider.RefundRequest{}, "other")
	assert.Equal(t, provider.IssueCaptureFullyRefunded, provider.Issue(err))

	c, err := f.GetCapture(context.Background(), "CAP-1")
	require.NoError(t, err)
	assert.Equal(t, provider.CaptureRefunded, c.Status)
}

func TestFake_SubscriptionRules(t *testing.T) {
	f := New()
	f.AddSubscription(provider.Subscription{ID: "I-1", Status: provider.SubscriptionApproved})
	ctx := context.Background()

	require.NoError(t, f.ActivateSubscription(ctx, "I-1", ""))
	require.NoError(t, f.SuspendSubscription(ctx, "I-1", ""))
	require.NoError(t, f.CancelSubscription(ctx, "I-1", ""))

	err := f.CancelSubscription(ctx, "I-1", "")
	assert.True(t, provider.AlreadyCancelled(err))

	err = f.CancelSubscription(ctx, "I-MISSING", "")
	assert.True(t, provider.NotFound(err))
}

func TestFake_PayoutBatchDeduplicatedBySenderID(t *testing.T) {
	f := New()
	req := provider.PayoutBatchRequest{
		SenderBatchHeader: provider.SenderBatchHeader{SenderBatchID: "sb-1"},
		Items:             []provider.PayoutItemRequest{{SenderItemID: "exp-1", Amount: provider.NewMoney(500, "USD")}},
	}
	b1, err := f.CreatePayoutBatch(context.Background(), req)
	require.NoError(t, err)
	b2, err := f.CreatePayoutBatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, b1.BatchHeader.PayoutBatchID, b2.BatchHeader.PayoutBatchID)
	assert.Equal(t, 1, f.Batches())

	f.SettleItem(b1.BatchHeader.PayoutBatchID, "exp-1", func(it *provider.PayoutItem) {
		it.TransactionStatus = provider.PayoutSuccess
	})
	got, err := f.GetPayoutBatch(context.Background(), b1.BatchHeader.PayoutBatchID)
	require.NoError(t, err)
	assert.Equal(t, provider.PayoutSuccess, got.Items[0].TransactionStatus)
}

func TestFake_InjectedFailure(t *testing.T) {
	f := New()
	f.Fail("GetCapture", ledger.NewProviderUnavailable("get capture", context.DeadlineExceeded))

	_, err := f.GetCapture(context.Background(), "CAP-1")
	assert.True(t, ledger.IsProviderUnavailable(err))
	assert.Equal(t, 1, f.Calls("GetCapture"))

	f.Clear("GetCapture")
	_, err = f.GetCapture(context.Background(), "CAP-1")
	assert.True(t, provider.NotFound(err))
}
