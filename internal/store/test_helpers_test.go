package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payledger/internal/ledger"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOrder stores a recurring order with a pending subscription.
func createTestOrder(t *testing.T, s *Store, id string, status ledger.OrderStatus) ledger.Order {
	t.Helper()
	o := ledger.Order{
		ID:             id,
		Status:         status,
		TotalAmount:    1000,
		Currency:       "EUR",
		Interval:       ledger.IntervalMonth,
		PayerAccountID: "payer-1",
		PayeeAccountID: "collective-1",
		HostAccountID:  "host-1",
		HostFeePercent: decimal.NewFromInt(10),
		CreatedAt:      testNow,
		Subscription: &ledger.Subscription{
			ID:     "sub-" + id,
			Status: ledger.SubscriptionPendingApproval,
		},
	}
	if err := s.PutOrder(context.Background(), o); err != nil {
		t.Fatalf("PutOrder() failed: %v", err)
	}
	return o
}

// createTestPair builds a balanced contribution pair: gross 2000, fees 260.
func createTestPair(groupID, orderID, ref string) ledger.Pair {
	base := ledger.Transaction{
		GroupID:                           groupID,
		Kind:                              ledger.KindContribution,
		Currency:                          "EUR",
		HostCurrency:                      "USD",
		HostCurrencyFxRate:                decimal.NewFromInt(2),
		HostFeeInHostCurrency:             200,
		PaymentProcessorFeeInHostCurrency: 60,
		Provider:                          "paypal",
		ExternalReference:                 ref,
		PayerAccountID:                    "payer-1",
		PayeeAccountID:                    "collective-1",
		HostAccountID:                     "host-1",
		OrderID:                           orderID,
		ClearedAt:                         testNow,
		CreatedAt:                         testNow,
	}
	credit := base
	credit.ID = groupID + "-c"
	credit.Type = ledger.Credit
	credit.Amount = 1000
	credit.AmountInHostCurrency = 2000
	credit.NetAmountInHostCurrency = 1740

	debit := base
	debit.ID = groupID + "-d"
	debit.Type = ledger.Debit
	debit.Amount = -1000
	debit.AmountInHostCurrency = -1740
	debit.NetAmountInHostCurrency = -2000

	return ledger.Pair{Credit: credit, Debit: debit}
}

// createTestRefund builds the reversal of createTestPair with r refunded fee.
func createTestRefund(groupID string, original ledger.Pair, r int64) ledger.Pair {
	credit := original.Debit
	credit.ID = groupID + "-c"
	credit.GroupID = groupID
	credit.Type = ledger.Credit
	credit.Amount = 1000
	credit.AmountInHostCurrency = 2000
	credit.HostFeeInHostCurrency = 0
	credit.PaymentProcessorFeeInHostCurrency = 0
	credit.NetAmountInHostCurrency = 2000
	credit.IsRefund = true
	credit.RefundTransactionID = original.Debit.ID

	debit := original.Credit
	debit.ID = groupID + "-d"
	debit.GroupID = groupID
	debit.Type = ledger.Debit
	debit.Amount = -1000
	debit.AmountInHostCurrency = -2000
	debit.HostFeeInHostCurrency = 0
	debit.PaymentProcessorFeeInHostCurrency = -r
	debit.NetAmountInHostCurrency = -2000 + r
	debit.IsRefund = true
	debit.RefundTransactionID = original.Credit.ID

	return ledger.Pair{Credit: credit, Debit: debit}
}

func contributionKey(ref string) Key {
	return Key{Provider: "paypal", Kind: ledger.KindContribution, ExternalID: ref}
}
