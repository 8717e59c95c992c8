package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payledger/internal/ledger"
)

func TestAccounts_PutGetAndConnectedHosts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAccount(ctx, ledger.Account{ID: "host-b", Kind: ledger.AccountHost, Currency: "USD", ProviderMerchantID: "M-B", CreatedAt: testNow}))
	require.NoError(t, s.PutAccount(ctx, ledger.Account{ID: "host-a", Kind: ledger.AccountHost, Currency: "EUR", ProviderMerchantID: "M-A", CreatedAt: testNow}))
	require.NoError(t, s.PutAccount(ctx, ledger.Account{ID: "host-c", Kind: ledger.AccountHost, Currency: "EUR", CreatedAt: testNow}))
	require.NoError(t, s.PutAccount(ctx, ledger.Account{ID: "user-1", Kind: ledger.AccountUser, CreatedAt: testNow}))

	a, err := s.GetAccount(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, "EUR", a.Currency)

	_, err = s.GetAccount(ctx, "nobody")
	assert.True(t, ledger.IsNotFound(err))

	hosts, err := s.ConnectedHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "host-a", hosts[0].ID)
	assert.Equal(t, "host-b", hosts[1].ID)
}

func TestOrders_RoundTripWithSubscription(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestOrder(t, s, "order-1", ledger.OrderNew)

	o, err := s.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderNew, o.Status)
	assert.Equal(t, "10", o.HostFeePercent.String())
	require.NotNil(t, o.Subscription)
	assert.Equal(t, ledger.SubscriptionPendingApproval, o.Subscription.Status)

	_, err = s.GetOrder(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestTransitionSubscription_BindsAgreementAndEmitsActivity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestOrder(t, s, "order-1", ledger.OrderNew)

	err := s.TransitionSubscription(ctx, SubscriptionTransition{
		OrderID:     "order-1",
		From:        ledger.SubscriptionPendingApproval,
		To:          ledger.SubscriptionPendingApproval,
		OrderStatus: ledger.OrderProcessing,
		AgreementID: "I-AGREE",
		Provider:    "paypal",
		At:          testNow,
		Activity: ledger.Activity{
			ID: "act-1", Type: ledger.ActivityOrderProcessing, OrderID: "order-1",
			Data: ledger.Data{"reasonCode": string(ledger.ReasonAgreementApproved)}, CreatedAt: testNow,
		},
	})
	require.NoError(t, err)

	o, err := s.OrderByAgreement(ctx, "paypal", "I-AGREE")
	require.NoError(t, err)
	assert.Equal(t, "order-1", o.ID)
	assert.Equal(t, ledger.OrderProcessing, o.Status)
	assert.True(t, o.Subscription.IsManagedExternally)

	acts, err := s.ActivitiesForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ReasonAgreementApproved, acts[0].ReasonCode())

	_, err = s.OrderByAgreement(ctx, "paypal", "I-OTHER")
	assert.True(t, ledger.IsNotFound(err))
}

func TestTransitionSubscription_GuardsFromStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestOrder(t, s, "order-1", ledger.OrderActive)

	err := s.TransitionSubscription(ctx, SubscriptionTransition{
		OrderID:     "order-1",
		From:        ledger.SubscriptionActive,
		To:          ledger.SubscriptionPaused,
		OrderStatus: ledger.OrderPaused,
		At:          testNow,
		Activity:    ledger.Activity{ID: "act-1", Type: ledger.ActivitySubscriptionPaused, OrderID: "order-1", CreatedAt: testNow},
	})
	require.Error(t, err)
	assert.True(t, ledger.IsInvalidTransition(err))

	acts, err := s.ActivitiesForOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestExternalSubscriptions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestOrder(t, s, "order-1", ledger.OrderNew)
	createTestOrder(t, s, "order-2", ledger.OrderNew)

	for _, id := range []string{"order-1", "order-2"} {
		require.NoError(t, s.TransitionSubscription(ctx, SubscriptionTransition{
			OrderID: id, From: ledger.SubscriptionPendingApproval, To: ledger.SubscriptionActive,
			OrderStatus: ledger.OrderActive, IsActive: true, AgreementID: "I-" + id, Provider: "paypal", At: testNow,
		}))
	}
	require.NoError(t, s.TransitionSubscription(ctx, SubscriptionTransition{
		OrderID: "order-2", From: ledger.SubscriptionActive, To: ledger.SubscriptionCancelled,
		OrderStatus: ledger.OrderCancelled, DeactivatedAt: &testNow, At: testNow,
	}))

	orders, err := s.ExternalSubscriptions(ctx, "host-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "order-1", orders[0].ID)
}

func TestExpenses_SubmitAndError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"exp-1", "exp-2"} {
		require.NoError(t, s.PutExpense(ctx, ledger.Expense{
			ID: id, PayeeAccountID: "user-" + id, HostAccountID: "host-1", Amount: 500,
			Currency: "USD", Status: ledger.ExpenseScheduledForPayment, PayoutEmail: id + "@example.org",
			Data: ledger.Data{"note": "march"}, CreatedAt: testNow,
		}))
	}

	scheduled, err := s.ExpensesByStatus(ctx, ledger.ExpenseScheduledForPayment)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)

	require.NoError(t, s.MarkSubmitted(ctx, "B-1", []SubmittedItem{
		{ExpenseID: "exp-1", ExternalItemID: "exp-1"},
		{ExpenseID: "exp-2", ExternalItemID: "exp-2"},
	}, testNow))

	batches, err := s.ProcessingBatchIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-1"}, batches)

	err = s.MarkSubmitted(ctx, "B-2", []SubmittedItem{{ExpenseID: "exp-1"}}, testNow)
	assert.True(t, errors.Is(err, ErrStaleExpense))

	err = s.MarkExpenseError(ctx, "exp-2", "B-1", ledger.Data{"errorName": "RECEIVER_UNREGISTERED"}, testNow,
		ledger.Activity{ID: "act-1", Type: ledger.ActivityExpenseError, ExpenseID: "exp-2", CreatedAt: testNow})
	require.NoError(t, err)

	e, err := s.GetExpense(ctx, "exp-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.ExpenseError, e.Status)
	assert.Equal(t, "RECEIVER_UNREGISTERED", e.Data.String("errorName"))
	assert.Equal(t, "march", e.Data.String("note"))

	err = s.MarkExpenseError(ctx, "exp-1", "B-OTHER", nil, testNow, ledger.Activity{})
	assert.True(t, errors.Is(err, ErrStaleExpense))

	inBatch, err := s.ExpensesByBatch(ctx, "B-1")
	require.NoError(t, err)
	assert.Len(t, inBatch, 2)

	acts, err := s.ActivitiesForExpense(ctx, "exp-2")
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func TestExpenses_ClaimForBatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"exp-1", "exp-2", "exp-3"} {
		require.NoError(t, s.PutExpense(ctx, ledger.Expense{
			ID: id, PayeeAccountID: "user-" + id, HostAccountID: "host-1", Amount: 500,
			Currency: "USD", Status: ledger.ExpenseScheduledForPayment, CreatedAt: testNow,
		}))
	}

	require.NoError(t, s.ClaimForBatch(ctx, "SB-1", []string{"exp-1", "exp-2"}, testNow))
	e, err := s.GetExpense(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "SB-1", e.SenderBatchID)
	assert.Equal(t, ledger.ExpenseScheduledForPayment, e.Status)

	err = s.ClaimForBatch(ctx, "SB-2", []string{"exp-3", "exp-2"}, testNow)
	assert.True(t, errors.Is(err, ErrStaleExpense))
	e, err = s.GetExpense(ctx, "exp-3")
	require.NoError(t, err)
	assert.Empty(t, e.SenderBatchID, "a failed claim changes nothing")

	assert.True(t, ledger.IsValidationMismatch(s.ClaimForBatch(ctx, "", []string{"exp-3"}, testNow)))
}

func TestFlagTransaction_OncePerTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	flag := func(id string) bool {
		ok, err := s.FlagTransaction(ctx, ledger.Activity{
			ID: id, Type: ledger.ActivityOrderFlagged, OrderID: "order-1", TransactionID: "g1-c",
			Data: ledger.Data{"reasonCode": string(ledger.ReasonMissingExternal)}, CreatedAt: testNow,
		})
		require.NoError(t, err)
		return ok
	}
	assert.True(t, flag("act-1"))
	assert.False(t, flag("act-2"))
}

func TestSetOrderStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestOrder(t, s, "order-1", ledger.OrderActive)

	require.NoError(t, s.SetOrderStatus(ctx, "order-1", ledger.OrderError, testNow,
		ledger.Activity{ID: "a1", Type: ledger.ActivityOrderFlagged, OrderID: "order-1", CreatedAt: testNow}))
	o, err := s.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderError, o.Status)

	err = s.SetOrderStatus(ctx, "missing", ledger.OrderError, testNow, ledger.Activity{})
	assert.True(t, ledger.IsNotFound(err))
}
