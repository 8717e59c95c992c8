package subscription

import "github.com/roach88/payledger/internal/ledger"

// Source says who drives a transition.
type Source int

const (
	// Local transitions are requested by the platform and pushed to the provider.
	Local Source = iota
	// Provider transitions follow the provider's state during reconciliation.
	Provider
)

type edge struct {
	from, to ledger.SubscriptionStatus
}

// localEdges excludes PENDING_APPROVAL -> ACTIVE, which only the first
// recorded capture performs.
var localEdges = map[edge]bool{
	{ledger.SubscriptionActive, ledger.SubscriptionPaused}:             true,
	{ledger.SubscriptionPaused, ledger.SubscriptionActive}:             true,
	{ledger.SubscriptionPendingApproval, ledger.SubscriptionCancelled}: true,
	{ledger.SubscriptionActive, ledger.SubscriptionCancelled}:          true,
	{ledger.SubscriptionPaused, ledger.SubscriptionCancelled}:          true,
	{ledger.SubscriptionPendingApproval, ledger.SubscriptionError}:     true,
	{ledger.SubscriptionActive, ledger.SubscriptionError}:              true,
	{ledger.SubscriptionPaused, ledger.SubscriptionError}:              true,
}

var providerEdges = map[edge]bool{
	{ledger.SubscriptionError, ledger.SubscriptionActive}:    true,
	{ledger.SubscriptionError, ledger.SubscriptionCancelled}: true,
	{ledger.SubscriptionError, ledger.SubscriptionPaused}:    true,
}

// Allowed reports whether from -> to is a legal move for src. CANCELLED is
// terminal for every source.
func Allowed(from, to ledger.SubscriptionStatus, src Source) bool {
	if localEdges[edge{from, to}] {
		return true
	}
	return src == Provider && providerEdges[edge{from, to}]
}

// orderStatusFor maps a subscription status to its order status.
func orderStatusFor(s ledger.SubscriptionStatus) ledger.OrderStatus {
	switch s {
	case ledger.SubscriptionActive:
		return ledger.OrderActive
	case ledger.SubscriptionPaused:
		return ledger.OrderPaused
	case ledger.SubscriptionCancelled:
		return ledger.OrderCancelled
	case ledger.SubscriptionError:
		return ledger.OrderError
	}
	return ledger.OrderProcessing
}
