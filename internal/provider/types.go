package provider

import (
	"time"

	"github.com/roach88/payledger/internal/money"
)

// Money is the provider's amount encoding: a currency code and a decimal string.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// NewMoney renders minor units for a request payload.
func NewMoney(amount int64, currency string) Money {
	return Money{CurrencyCode: currency, Value: money.FromMinorUnits(amount, currency)}
}

// Minor parses the value using the currency's minor digits.
func (m Money) Minor() (int64, error) {
	return money.ToMinorUnitsIn(m.Value, m.CurrencyCode)
}

// IsZero reports an absent amount.
func (m Money) IsZero() bool {
	return m.CurrencyCode == "" && m.Value == ""
}

// CaptureStatus is the state of a captured payment.
type CaptureStatus string

const (
	CaptureCompleted         CaptureStatus = "COMPLETED"
	CapturePending           CaptureStatus = "PENDING"
	CaptureDeclined          CaptureStatus = "DECLINED"
	CaptureRefunded          CaptureStatus = "REFUNDED"
	CapturePartiallyRefunded CaptureStatus = "PARTIALLY_REFUNDED"
	CaptureFailed            CaptureStatus = "FAILED"
)

// Payee identifies the merchant that received money.
type Payee struct {
	MerchantID   string `json:"merchant_id,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
}

// SellerReceivableBreakdown splits a capture into gross, fee and net.
type SellerReceivableBreakdown struct {
	GrossAmount Money  `json:"gross_amount"`
	PaypalFee   *Money `json:"paypal_fee,omitempty"`
	NetAmount   *Money `json:"net_amount,omitempty"`
}

// Capture is a completed or pending charge.
type Capture struct {
	ID                 string                     `json:"id"`
	Status             CaptureStatus              `json:"status"`
	Amount             Money                      `json:"amount"`
	CustomID           string                     `json:"custom_id,omitempty"`
	InvoiceID          string                     `json:"invoice_id,omitempty"`
	BillingAgreementID string                     `json:"billing_agreement_id,omitempty"`
	Breakdown          *SellerReceivableBreakdown `json:"seller_receivable_breakdown,omitempty"`
	Payee              *Payee                     `json:"payee,omitempty"`
	CreateTime         time.Time                  `json:"create_time"`
	UpdateTime         time.Time                  `json:"update_time"`
}

// Fee returns the processor fee, or the zero Money when none was reported.
func (c Capture) Fee() Money {
	if c.Breakdown == nil || c.Breakdown.PaypalFee == nil {
		return Money{}
	}
	return *c.Breakdown.PaypalFee
}

// MerchantID returns the payee merchant id if present.
func (c Capture) MerchantID() string {
	if c.Payee == nil {
		return ""
	}
	return c.Payee.MerchantID
}

// SubscriptionStatus is the provider-side agreement state.
type SubscriptionStatus string

const (
	SubscriptionApprovalPending SubscriptionStatus = "APPROVAL_PENDING"
	SubscriptionApproved        SubscriptionStatus = "APPROVED"
	SubscriptionActive          SubscriptionStatus = "ACTIVE"
	SubscriptionSuspended       SubscriptionStatus = "SUSPENDED"
	SubscriptionCancelled       SubscriptionStatus = "CANCELLED"
	SubscriptionExpired         SubscriptionStatus = "EXPIRED"
)

// PricingScheme holds the per-cycle price.
type PricingScheme struct {
	FixedPrice Money `json:"fixed_price"`
}

// BillingCycle is one cycle of a plan.
type BillingCycle struct {
	TenureType    string        `json:"tenure_type"`
	Sequence      int           `json:"sequence"`
	PricingScheme PricingScheme `json:"pricing_scheme"`
}

// Plan is the plan summary embedded in a subscription.
type Plan struct {
	BillingCycles []BillingCycle `json:"billing_cycles"`
}

// BillingInfo carries scheduling data.
type BillingInfo struct {
	NextBillingTime *time.Time `json:"next_billing_time,omitempty"`
}

// Subscription is an external recurring agreement.
type Subscription struct {
	ID               string             `json:"id"`
	Status           SubscriptionStatus `json:"status"`
	PlanID           string             `json:"plan_id"`
	CustomID         string             `json:"custom_id,omitempty"`
	Plan             *Plan              `json:"plan,omitempty"`
	Payee            *Payee             `json:"payee,omitempty"`
	BillingInfo      *BillingInfo       `json:"billing_info,omitempty"`
	StatusUpdateTime time.Time          `json:"status_update_time"`
}

// Price returns the REGULAR cycle price.
func (s Subscription) Price() (Money, bool) {
	if s.Plan == nil {
		return Money{}, false
	}
	for _, c := range s.Plan.BillingCycles {
		if c.TenureType == "REGULAR" {
			return c.PricingScheme.FixedPrice, true
		}
	}
	return Money{}, false
}

// MerchantID returns the payee merchant id if present.
func (s Subscription) MerchantID() string {
	if s.Payee == nil {
		return ""
	}
	return s.Payee.MerchantID
}

// AmountWithBreakdown is the breakdown of a subscription charge.
type AmountWithBreakdown struct {
	GrossAmount Money  `json:"gross_amount"`
	FeeAmount   *Money `json:"fee_amount,omitempty"`
	NetAmount   *Money `json:"net_amount,omitempty"`
}

// SubscriptionTransaction is a charge made under an agreement. Its ID is
// the capture id.
type SubscriptionTransaction struct {
	ID                  string              `json:"id"`
	Status              CaptureStatus       `json:"status"`
	AmountWithBreakdown AmountWithBreakdown `json:"amount_with_breakdown"`
	Time                time.Time           `json:"time"`
}

// RefundRequest is the body of a capture refund. A nil Amount refunds in full.
type RefundRequest struct {
	Amount      *Money `json:"amount,omitempty"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

// RefundStatus is the provider-side refund state.
type RefundStatus string

const (
	RefundCompleted RefundStatus = "COMPLETED"
	RefundPending   RefundStatus = "PENDING"
	RefundCancelled RefundStatus = "CANCELLED"
	RefundFailed    RefundStatus = "FAILED"
)

// SellerPayableBreakdown splits a refund; PaypalFee is the fee returned to the merchant.
type SellerPayableBreakdown struct {
	GrossAmount Money  `json:"gross_amount"`
	PaypalFee   *Money `json:"paypal_fee,omitempty"`
	NetAmount   *Money `json:"net_amount,omitempty"`
}

// Refund is the result of a refund call.
type Refund struct {
	ID        string                  `json:"id"`
	Status    RefundStatus            `json:"status"`
	Amount    Money                   `json:"amount"`
	Breakdown *SellerPayableBreakdown `json:"seller_payable_breakdown,omitempty"`
}

// RefundedFee returns the processor fee given back, or zero Money.
func (r Refund) RefundedFee() Money {
	if r.Breakdown == nil || r.Breakdown.PaypalFee == nil {
		return Money{}
	}
	return *r.Breakdown.PaypalFee
}

// Transaction search event codes.
const (
	EventSubscriptionPayment = "T0002"
	EventPreapprovedPayment  = "T0003"
	EventExpressCheckout     = "T0006"
	EventPaymentRefund       = "T1107"
)

// Transaction search statuses.
const (
	TxnStatusSuccess  = "S"
	TxnStatusPending  = "P"
	TxnStatusReversed = "V"
	TxnStatusDenied   = "D"
	TxnStatusFailed   = "F"
)

// SearchQuery selects one page of a merchant's transaction history.
type SearchQuery struct {
	MerchantID string
	Start      time.Time
	End        time.Time
	Page       int
	PageSize   int
}

// TransactionInfo is one row of the transaction search.
type TransactionInfo struct {
	TransactionID         string    `json:"transaction_id"`
	EventCode             string    `json:"transaction_event_code"`
	Status                string    `json:"transaction_status"`
	Amount                Money     `json:"transaction_amount"`
	Fee                   *Money    `json:"fee_amount,omitempty"`
	CustomField           string    `json:"custom_field,omitempty"`
	ReferenceID           string    `json:"paypal_reference_id,omitempty"`
	ReferenceIDType       string    `json:"paypal_reference_id_type,omitempty"`
	InitiationDate        time.Time `json:"transaction_initiation_date"`
	TransactionUpdateDate time.Time `json:"transaction_updated_date"`
}

// AgreementID returns the referenced subscription id, if any.
func (i TransactionInfo) AgreementID() string {
	if i.ReferenceIDType == "SUB" {
		return i.ReferenceID
	}
	return ""
}

// RefundedCaptureID returns the captured transaction a refund row points at.
func (i TransactionInfo) RefundedCaptureID() string {
	if i.ReferenceIDType == "TXN" {
		return i.ReferenceID
	}
	return ""
}

// TransactionDetail wraps TransactionInfo the way the search returns it.
type TransactionDetail struct {
	TransactionInfo TransactionInfo `json:"transaction_info"`
}

// TransactionSearchPage is one page of search results.
type TransactionSearchPage struct {
	TransactionDetails []TransactionDetail `json:"transaction_details"`
	Page               int                 `json:"page"`
	TotalItems         int                 `json:"total_items"`
	TotalPages         int                 `json:"total_pages"`
}

// SenderBatchHeader identifies a payout batch from our side.
type SenderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
}

// PayoutItemRequest is one beneficiary of a payout batch.
type PayoutItemRequest struct {
	RecipientType string `json:"recipient_type"`
	Amount        Money  `json:"amount"`
	Receiver      string `json:"receiver"`
	SenderItemID  string `json:"sender_item_id"`
	Note          string `json:"note,omitempty"`
}

// PayoutBatchRequest submits a payout batch.
type PayoutBatchRequest struct {
	SenderBatchHeader SenderBatchHeader   `json:"sender_batch_header"`
	Items             []PayoutItemRequest `json:"items"`
}

// BatchHeader describes a submitted batch.
type BatchHeader struct {
	PayoutBatchID     string            `json:"payout_batch_id"`
	BatchStatus       string            `json:"batch_status"`
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
}

// PayoutItemStatus is the settlement state of one payout item.
type PayoutItemStatus string

const (
	PayoutSuccess   PayoutItemStatus = "SUCCESS"
	PayoutFailed    PayoutItemStatus = "FAILED"
	PayoutPending   PayoutItemStatus = "PENDING"
	PayoutUnclaimed PayoutItemStatus = "UNCLAIMED"
	PayoutReturned  PayoutItemStatus = "RETURNED"
	PayoutOnHold    PayoutItemStatus = "ONHOLD"
	PayoutBlocked   PayoutItemStatus = "BLOCKED"
	PayoutRefunded  PayoutItemStatus = "REFUNDED"
	PayoutReversed  PayoutItemStatus = "REVERSED"
	PayoutNew       PayoutItemStatus = "NEW"
	PayoutDenied    PayoutItemStatus = "DENIED"
)

// CurrencyConversion is present when the provider converted a payout.
type CurrencyConversion struct {
	FromAmount   Money  `json:"from_amount"`
	ToAmount     Money  `json:"to_amount"`
	ExchangeRate string `json:"exchange_rate"`
}

// PayoutError is the error attached to a failed item.
type PayoutError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// PayoutItem is one settled or pending item of a batch.
type PayoutItem struct {
	PayoutItemID       string              `json:"payout_item_id"`
	TransactionID      string              `json:"transaction_id,omitempty"`
	TransactionStatus  PayoutItemStatus    `json:"transaction_status"`
	PayoutItemFee      *Money              `json:"payout_item_fee,omitempty"`
	PayoutBatchID      string              `json:"payout_batch_id"`
	PayoutItem         PayoutItemRequest   `json:"payout_item"`
	CurrencyConversion *CurrencyConversion `json:"currency_conversion,omitempty"`
	Errors             *PayoutError        `json:"errors,omitempty"`
	TimeProcessed      *time.Time          `json:"time_processed,omitempty"`
}

// PayoutBatch is a batch with its items.
type PayoutBatch struct {
	BatchHeader BatchHeader  `json:"batch_header"`
	Items       []PayoutItem `json:"items"`
}
