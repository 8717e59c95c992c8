package ledger

import "time"

// ActivityType names an emitted event consumed by notification collaborators.
type ActivityType string

const (
	ActivityTransactionCreated    ActivityType = "COLLECTIVE_TRANSACTION_CREATED"
	ActivityTransactionRefunded   ActivityType = "ORDER_TRANSACTION_REFUNDED"
	ActivitySubscriptionActivated ActivityType = "SUBSCRIPTION_ACTIVATED"
	ActivitySubscriptionPaused    ActivityType = "SUBSCRIPTION_PAUSED"
	ActivitySubscriptionResumed   ActivityType = "SUBSCRIPTION_RESUMED"
	ActivitySubscriptionCanceled  ActivityType = "SUBSCRIPTION_CANCELED"
	ActivitySubscriptionError     ActivityType = "SUBSCRIPTION_ERROR"
	ActivityOrderProcessing       ActivityType = "ORDER_PROCESSING"
	ActivityOrderFlagged          ActivityType = "ORDER_FLAGGED"
	ActivityExpensePaid           ActivityType = "COLLECTIVE_EXPENSE_PAID"
	ActivityExpenseError          ActivityType = "COLLECTIVE_EXPENSE_ERROR"
)

// ReasonCode explains why a subscription or order changed state.
type ReasonCode string

const (
	ReasonArchivedAccount       ReasonCode = "ARCHIVED_ACCOUNT"
	ReasonChangedHost           ReasonCode = "CHANGED_HOST"
	ReasonDeletedTier           ReasonCode = "DELETED_TIER"
	ReasonCancelledOrder        ReasonCode = "CANCELLED_ORDER"
	ReasonPaused                ReasonCode = "PAUSED"
	ReasonResumed               ReasonCode = "RESUMED"
	ReasonAgreementApproved     ReasonCode = "AGREEMENT_APPROVED"
	ReasonFirstCapture          ReasonCode = "FIRST_CAPTURE"
	ReasonProviderCancelled     ReasonCode = "PROVIDER_CANCELLED"
	ReasonProviderSuspended     ReasonCode = "PROVIDER_SUSPENDED"
	ReasonProviderReactivated   ReasonCode = "PROVIDER_REACTIVATED"
	ReasonOrphanAgreement       ReasonCode = "ORPHAN_AGREEMENT"
	ReasonMissingExternal       ReasonCode = "MISSING_EXTERNAL_TRANSACTION"
	ReasonRefundedExternally    ReasonCode = "REFUNDED_EXTERNALLY"
	ReasonUnrecoverableProvider ReasonCode = "UNRECOVERABLE_PROVIDER_ERROR"
	ReasonPayoutFailed          ReasonCode = "PAYOUT_FAILED"
)

// Activity is the audit record of one visible change.
type Activity struct {
	ID            string
	Type          ActivityType
	OrderID       string
	TransactionID string
	ExpenseID     string
	FromAccountID string
	ToAccountID   string
	Data          Data
	CreatedAt     time.Time
}

// ReasonCode returns the activity's reason code, if any.
func (a Activity) ReasonCode() ReasonCode {
	return ReasonCode(a.Data.String("reasonCode"))
}
