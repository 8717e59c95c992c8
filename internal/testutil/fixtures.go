package testutil

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/payledger/internal/ledger"
)

// Fixed account ids used across package tests.
const (
	PayerID      = "payer-1"
	CollectiveID = "collective-1"
	HostID       = "host-1"
	MerchantID   = "MERCHANT-1"
)

// Payer returns the contributing user.
func Payer() ledger.Account {
	return ledger.Account{ID: PayerID, Name: "Ada", Kind: ledger.AccountUser, Currency: "EUR", CreatedAt: Epoch}
}

// Collective returns the receiving collective hosted by Host.
func Collective() ledger.Account {
	return ledger.Account{ID: CollectiveID, Name: "Webpack", Kind: ledger.AccountOrganization, Currency: "USD", HostID: HostID, CreatedAt: Epoch}
}

// Host returns a USD fiscal host with a connected merchant account.
func Host() ledger.Account {
	return ledger.Account{ID: HostID, Name: "Open Source Host", Kind: ledger.AccountHost, Currency: "USD", ProviderMerchantID: MerchantID, CreatedAt: Epoch}
}

// MonthlyOrder returns a NEW 10.00 EUR monthly order with a 10% host fee
// and a subscription waiting for approval.
func MonthlyOrder(id string) ledger.Order {
	return ledger.Order{
		ID:             id,
		Status:         ledger.OrderNew,
		TotalAmount:    1000,
		Currency:       "EUR",
		Interval:       ledger.IntervalMonth,
		PayerAccountID: PayerID,
		PayeeAccountID: CollectiveID,
		HostAccountID:  HostID,
		HostFeePercent: decimal.NewFromInt(10),
		CreatedAt:      Epoch,
		Subscription: &ledger.Subscription{
			ID:      "sub-" + id,
			OrderID: id,
			Status:  ledger.SubscriptionPendingApproval,
		},
	}
}
