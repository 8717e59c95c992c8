package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the side of a double-entry leg.
type TransactionType string

const (
	Credit TransactionType = "CREDIT"
	Debit  TransactionType = "DEBIT"
)

// Kind categorizes what moved the money.
type Kind string

const (
	KindContribution Kind = "CONTRIBUTION"
	KindExpense      Kind = "EXPENSE"
	KindAddedFunds   Kind = "ADDED_FUNDS"
)

// Data is a typed side-record attached 1:1 to its owner. Values must be
// canonical-JSON friendly (strings, integers, bools, nested maps/slices).
//
// Known keys:
//
//	refundReason         string  why a refund pair exists
//	refundedInLedgerOnly bool    refund happened at the provider out of band
//	refundedBy           string  actor that triggered a refund
//	orphan               bool    recorded without a resolvable order
//	chargedAfterClose    bool    captured after its order was closed
//	captureStatus        string  provider status at recording time
//	payoutItemId         string  provider payout item id
//	feeEstimated         bool    fee converted with an estimated rate
//	reasonCode           string  activity reason (activities only)
type Data map[string]any

// Clone returns a shallow copy, never nil.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the value for key when it is a string.
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the value for key when it is a bool.
func (d Data) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Transaction is one leg of a double-entry pair.
type Transaction struct {
	ID      string
	GroupID string
	Type    TransactionType
	Kind    Kind

	// Amount is in the payment currency: positive on CREDIT, negative on DEBIT.
	Amount   int64
	Currency string

	AmountInHostCurrency int64
	HostCurrency         string
	// HostCurrencyFxRate converts Currency into HostCurrency. Frozen at creation.
	HostCurrencyFxRate decimal.Decimal

	HostFeeInHostCurrency             int64
	PlatformTipInHostCurrency         int64
	PaymentProcessorFeeInHostCurrency int64
	NetAmountInHostCurrency           int64

	IsRefund            bool
	RefundTransactionID string

	Provider          string
	ExternalReference string

	PayerAccountID string
	PayeeAccountID string
	HostAccountID  string
	OrderID        string
	ExpenseID      string

	Data Data

	// ClearedAt is when the provider settled the money; CreatedAt is when the
	// ledger recorded it.
	ClearedAt time.Time
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Fees returns the total fees carried by the leg.
func (t Transaction) Fees() int64 {
	return t.HostFeeInHostCurrency + t.PlatformTipInHostCurrency + t.PaymentProcessorFeeInHostCurrency
}

// Pair is the CREDIT and DEBIT legs of one money movement.
type Pair struct {
	Credit Transaction
	Debit  Transaction
}

// GroupID returns the shared group id.
func (p Pair) GroupID() string {
	return p.Credit.GroupID
}

// Legs returns credit then debit.
func (p Pair) Legs() []Transaction {
	return []Transaction{p.Credit, p.Debit}
}

// Balanced reports whether the pair satisfies the double-entry rule:
// matching group, one leg per side, and legs summing to the credit-side fees.
func (p Pair) Balanced() bool {
	if p.Credit.Type != Credit || p.Debit.Type != Debit {
		return false
	}
	if p.Credit.GroupID == "" || p.Credit.GroupID != p.Debit.GroupID {
		return false
	}
	return p.Credit.AmountInHostCurrency+p.Debit.AmountInHostCurrency == p.Credit.Fees()
}

// Refunded reports whether either leg already links to a refund.
func (p Pair) Refunded() bool {
	return p.Credit.RefundTransactionID != "" || p.Debit.RefundTransactionID != ""
}

// AccountKind distinguishes payers, collectives and hosts.
type AccountKind string

const (
	AccountUser         AccountKind = "USER"
	AccountOrganization AccountKind = "ORGANIZATION"
	AccountHost         AccountKind = "HOST"
)

// Account is a party in the ledger. A HOST holds the money and has a
// currency; it may have a provider merchant account connected.
type Account struct {
	ID                 string
	Name               string
	Kind               AccountKind
	Currency           string
	HostID             string
	ProviderMerchantID string
	CreatedAt          time.Time
}

// OrderStatus is the lifecycle state of a contribution agreement.
type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderActive     OrderStatus = "ACTIVE"
	OrderPaused     OrderStatus = "PAUSED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderError      OrderStatus = "ERROR"
	OrderExpired    OrderStatus = "EXPIRED"
)

// Closed reports whether the order no longer expects money.
func (s OrderStatus) Closed() bool {
	return s == OrderCancelled || s == OrderExpired
}

// Interval is the billing cadence of an order.
type Interval string

const (
	IntervalOneOff Interval = "one-off"
	IntervalMonth  Interval = "month"
	IntervalYear   Interval = "year"
)

// Order is a payer's commitment to pay a payee.
type Order struct {
	ID          string
	Status      OrderStatus
	TotalAmount int64
	Currency    string
	Interval    Interval

	PayerAccountID string
	PayeeAccountID string
	HostAccountID  string

	// HostFeePercent applies to the host-currency amount. PlatformTip is a
	// flat amount in the order currency.
	HostFeePercent decimal.Decimal
	PlatformTip    int64

	ProcessedAt  *time.Time
	Data         Data
	CreatedAt    time.Time
	Subscription *Subscription
}

// Recurring reports whether the order carries a subscription.
func (o Order) Recurring() bool {
	return o.Subscription != nil
}

// SubscriptionStatus is the state machine position of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPendingApproval SubscriptionStatus = "PENDING_APPROVAL"
	SubscriptionActive          SubscriptionStatus = "ACTIVE"
	SubscriptionPaused          SubscriptionStatus = "PAUSED"
	SubscriptionCancelled       SubscriptionStatus = "CANCELLED"
	SubscriptionError           SubscriptionStatus = "ERROR"
)

// Subscription is the recurring facet of an order.
type Subscription struct {
	ID                  string
	OrderID             string
	Status              SubscriptionStatus
	IsActive            bool
	ExternalAgreementID string
	Provider            string
	IsManagedExternally bool
	NextChargeDate      *time.Time
	DeactivatedAt       *time.Time
	UpdatedAt           time.Time
}

// ExpenseStatus tracks an expense through payout.
type ExpenseStatus string

const (
	ExpensePending             ExpenseStatus = "PENDING"
	ExpenseApproved            ExpenseStatus = "APPROVED"
	ExpenseScheduledForPayment ExpenseStatus = "SCHEDULED_FOR_PAYMENT"
	ExpenseProcessing          ExpenseStatus = "PROCESSING"
	ExpensePaid                ExpenseStatus = "PAID"
	ExpenseError               ExpenseStatus = "ERROR"
)

// Expense is a payout owed by a host's organization to a beneficiary.
type Expense struct {
	ID             string
	PayeeAccountID string
	// HostAccountID is the account whose balance pays the expense.
	HostAccountID string
	Amount        int64
	Currency      string
	Status        ExpenseStatus
	PayoutEmail   string
	// SenderBatchID is claimed before the first submission and reused by
	// every retry.
	SenderBatchID  string
	BatchID        string
	ExternalItemID string
	Data           Data
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
