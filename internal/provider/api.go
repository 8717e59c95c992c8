// Package provider is the boundary to the external payment provider.
//
// API is the narrow interface every component depends on. Client is the
// HTTP implementation; providertest.Fake and mocks.MockAPI stand in for it
// in tests.
package provider

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/roach88/payledger/internal/provider API

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/payledger/internal/ledger"
)

// API is the set of provider calls the ledger makes.
type API interface {
	GetCapture(ctx context.Context, captureID string) (Capture, error)
	// RefundCapture is idempotent per requestID.
	RefundCapture(ctx context.Context, captureID string, req RefundRequest, requestID string) (Refund, error)

	GetSubscription(ctx context.Context, agreementID string) (Subscription, error)
	ListSubscriptionTransactions(ctx context.Context, agreementID string, start, end time.Time) ([]SubscriptionTransaction, error)
	ActivateSubscription(ctx context.Context, agreementID, reason string) error
	SuspendSubscription(ctx context.Context, agreementID, reason string) error
	CancelSubscription(ctx context.Context, agreementID, reason string) error

	// CreatePayoutBatch is deduplicated by SenderBatchHeader.SenderBatchID.
	CreatePayoutBatch(ctx context.Context, req PayoutBatchRequest) (PayoutBatch, error)
	GetPayoutBatch(ctx context.Context, batchID string) (PayoutBatch, error)

	SearchTransactions(ctx context.Context, q SearchQuery) (TransactionSearchPage, error)
}

// Issue names returned in provider error bodies.
const (
	IssueSubscriptionStatusInvalid = "SUBSCRIPTION_STATUS_INVALID"
	IssueResourceNotFound          = "RESOURCE_NOT_FOUND"
	IssueCaptureFullyRefunded      = "CAPTURE_FULLY_REFUNDED"
)

// Issue returns the provider issue carried by a rejection, or "".
func Issue(err error) string {
	var le *ledger.Error
	if !errors.As(err, &le) || le.Code != ledger.ErrCodeProviderRejected {
		return ""
	}
	return le.Detail("issue")
}

// AlreadyCancelled reports a cancel rejection meaning the agreement is
// already gone.
func AlreadyCancelled(err error) bool {
	switch Issue(err) {
	case IssueSubscriptionStatusInvalid, IssueResourceNotFound:
		return true
	}
	return false
}

// NotFound reports a rejection for an unknown resource.
func NotFound(err error) bool {
	return Issue(err) == IssueResourceNotFound
}
