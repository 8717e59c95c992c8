// Package providertest provides an in-memory provider.API for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
)

const defaultPageSize = 100

type searchRow struct {
	merchantID string
	info       provider.TransactionInfo
}

// Fake keeps captures, agreements, payout batches and a transaction history
// in memory and enforces the provider's state rules.
type Fake struct {
	mu sync.Mutex

	captures      map[string]provider.Capture
	refunds       map[string]provider.Refund // by capture id
	refundFees    map[string]provider.Money
	subscriptions map[string]provider.Subscription
	subTxns       map[string][]provider.SubscriptionTransaction
	batches       map[string]provider.PayoutBatch
	bySender      map[string]string
	rows          []searchRow

	failures map[string]error
	calls    map[string]int
	nextID   int
}

var _ provider.API = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		captures:      map[string]provider.Capture{},
		refunds:       map[string]provider.Refund{},
		refundFees:    map[string]provider.Money{},
		subscriptions: map[string]provider.Subscription{},
		subTxns:       map[string][]provider.SubscriptionTransaction{},
		batches:       map[string]provider.PayoutBatch{},
		bySender:      map[string]string{},
		failures:      map[string]error{},
		calls:         map[string]int{},
	}
}

// Fail makes every call to method return err until Clear is called.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// Clear removes an injected failure.
func (f *Fake) Clear(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// Calls returns how many times method was invoked, failures included.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter counts the call and returns an injected failure. Caller holds mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

// AddCapture stores a capture. When merchantID is set it also appears in the
// merchant's transaction search under eventCode.
func (f *Fake) AddCapture(c provider.Capture, merchantID, eventCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[c.ID] = c
	if merchantID == "" {
		return
	}
	info := provider.TransactionInfo{
		TransactionID:  c.ID,
		EventCode:      eventCode,
		Status:         provider.TxnStatusSuccess,
		Amount:         c.Amount,
		CustomField:    c.CustomID,
		InitiationDate: c.CreateTime,
	}
	if fee := c.Fee(); !fee.IsZero() {
		info.Fee = &fee
	}
	if c.BillingAgreementID != "" {
		info.ReferenceID = c.BillingAgreementID
		info.ReferenceIDType = "SUB"
	}
	f.rows = append(f.rows, searchRow{merchantID: merchantID, info: info})
	if c.BillingAgreementID != "" {
		f.subTxns[c.BillingAgreementID] = append(f.subTxns[c.BillingAgreementID], provider.SubscriptionTransaction{
			ID:                  c.ID,
			Status:              c.Status,
			AmountWithBreakdown: provider.AmountWithBreakdown{GrossAmount: c.Amount, FeeAmount: info.Fee},
			Time:                c.CreateTime,
		})
	}
}

// AddSearchRow appends a raw transaction search row.
func (f *Fake) AddSearchRow(merchantID string, info provider.TransactionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, searchRow{merchantID: merchantID, info: info})
}

// AddSubscriptionTransaction appends a charge to an agreement's history
// without touching the transaction search.
func (f *Fake) AddSubscriptionTransaction(agreementID string, t provider.SubscriptionTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subTxns[agreementID] = append(f.subTxns[agreementID], t)
}

// SetCaptureStatus changes a stored capture and its search rows.
func (f *Fake) SetCaptureStatus(captureID string, status provider.CaptureStatus, rowStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.captures[captureID]; ok {
		c.Status = status
		f.captures[captureID] = c
	}
	for i := range f.rows {
		if f.rows[i].info.TransactionID == captureID {
			f.rows[i].info.Status = rowStatus
		}
	}
}

// SetRefundedFee sets the processor fee returned when captureID is refunded.
func (f *Fake) SetRefundedFee(captureID string, fee provider.Money) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundFees[captureID] = fee
}

// AddSubscription stores an agreement.
func (f *Fake) AddSubscription(s provider.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = s
}

// Subscription returns the stored agreement.
func (f *Fake) Subscription(id string) (provider.Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[id]
	return s, ok
}

// Refund returns the refund made for captureID.
func (f *Fake) Refund(captureID string) (provider.Refund, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refunds[captureID]
	return r, ok
}

// SettleItem applies fn to the item of batchID whose sender_item_id matches.
func (f *Fake) SettleItem(batchID, senderItemID string, fn func(*provider.PayoutItem)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return
	}
	for i := range b.Items {
		if b.Items[i].PayoutItem.SenderItemID == senderItemID {
			fn(&b.Items[i])
		}
	}
	f.batches[batchID] = b
}

// Batches returns the number of distinct batches created.
func (f *Fake) Batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

// GetCapture implements provider.API.
func (f *Fake) GetCapture(_ context.Context, captureID string) (provider.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCapture"); err != nil {
		return provider.Capture{}, err
	}
	c, ok := f.captures[captureID]
	if !ok {
		return provider.Capture{}, notFound("get capture")
	}
	return c, nil
}

// RefundCapture implements provider.API.
func (f *Fake) RefundCapture(_ context.Context, captureID string, req provider.RefundRequest, requestID string) (provider.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RefundCapture"); err != nil {
		return provider.Refund{}, err
	}
	c, ok := f.captures[captureID]
	if !ok {
		return provider.Refund{}, notFound("refund capture")
	}
	if prev, ok := f.refunds[captureID]; ok {
		if prev.ID == "REF-"+requestID {
			return prev, nil
		}
		return provider.Refund{}, ledger.NewProviderRejected("refund capture", 422, provider.IssueCaptureFullyRefunded, "capture already refunded")
	}
	amount := c.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	r := provider.Refund{ID: "REF-" + requestID, Status: provider.RefundCompleted, Amount: amount}
	if fee, ok := f.refundFees[captureID]; ok {
		r.Breakdown = &provider.SellerPayableBreakdown{GrossAmount: amount, PaypalFee: &fee}
	}
	f.refunds[captureID] = r
	c.Status = provider.CaptureRefunded
	f.captures[captureID] = c
	return r, nil
}

// GetSubscription implements provider.API.
func (f *Fake) GetSubscription(_ context.Context, agreementID string) (provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetSubscription"); err != nil {
		return provider.Subscription{}, err
	}
	s, ok := f.subscriptions[agreementID]
	if !ok {
		return provider.Subscription{}, notFound("get subscription")
	}
	return s, nil
}

// ListSubscriptionTransactions implements provider.API.
func (f *Fake) ListSubscriptionTransactions(_ context.Context, agreementID string, start, end time.Time) ([]provider.SubscriptionTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSubscriptionTransactions"); err != nil {
		return nil, err
	}
	if _, ok := f.subscriptions[agreementID]; !ok {
		return nil, notFound("list subscription transactions")
	}
	out := []provider.SubscriptionTransaction{}
	for _, t := range f.subTxns[agreementID] {
		if !t.Time.Before(start) && t.Time.Before(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ActivateSubscription implements provider.API.
func (f *Fake) ActivateSubscription(_ context.Context, agreementID, _ string) error {
	return f.transition("ActivateSubscription", agreementID, provider.SubscriptionActive,
		provider.SubscriptionApprovalPending, provider.SubscriptionApproved, provider.SubscriptionSuspended)
}

// SuspendSubscription implements provider.API.
func (f *Fake) SuspendSubscription(_ context.Context, agreementID, _ string) error {
	return f.transition("SuspendSubscription", agreementID, provider.SubscriptionSuspended,
		provider.SubscriptionActive)
}

// CancelSubscription implements provider.API.
func (f *Fake) CancelSubscription(_ context.Context, agreementID, _ string) error {
	return f.transition("CancelSubscription", agreementID, provider.SubscriptionCancelled,
		provider.SubscriptionApprovalPending, provider.SubscriptionApproved,
		provider.SubscriptionActive, provider.SubscriptionSuspended)
}

func (f *Fake) transition(method, agreementID string, to provider.SubscriptionStatus, from ...provider.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(method); err != nil {
		return err
	}
	s, ok := f.subscriptions[agreementID]
	if !ok {
		return notFound(method)
	}
	for _, st := range from {
		if s.Status == st {
			s.Status = to
			f.subscriptions[agreementID] = s
			return nil
		}
	}
	return ledger.NewProviderRejected(method, 422, provider.IssueSubscriptionStatusInvalid,
		fmt.Sprintf("subscription is %s", s.Status))
}

// CreatePayoutBatch implements provider.API.
func (f *Fake) CreatePayoutBatch(_ context.Context, req provider.PayoutBatchRequest) (provider.PayoutBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreatePayoutBatch"); err != nil {
		return provider.PayoutBatch{}, err
	}
	if id, ok := f.bySender[req.SenderBatchHeader.SenderBatchID]; ok {
		return f.batches[id], nil
	}
	f.nextID++
	id := fmt.Sprintf("BATCH-%d", f.nextID)
	b := provider.PayoutBatch{BatchHeader: provider.BatchHeader{
		PayoutBatchID:     id,
		BatchStatus:       "PENDING",
		SenderBatchHeader: req.SenderBatchHeader,
	}}
	for _, it := range req.Items {
		b.Items = append(b.Items, provider.PayoutItem{
			PayoutItemID:      "ITEM-" + it.SenderItemID,
			TransactionStatus: provider.PayoutPending,
			PayoutBatchID:     id,
			PayoutItem:        it,
		})
	}
	f.batches[id] = b
	f.bySender[req.SenderBatchHeader.SenderBatchID] = id
	return b, nil
}

// GetPayoutBatch implements provider.API.
func (f *Fake) GetPayoutBatch(_ context.Context, batchID string) (provider.PayoutBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetPayoutBatch"); err != nil {
		return provider.PayoutBatch{}, err
	}
	b, ok := f.batches[batchID]
	if !ok {
		return provider.PayoutBatch{}, notFound("get payout batch")
	}
	b.Items = append([]provider.PayoutItem(nil), b.Items...)
	return b, nil
}

// SearchTransactions implements provider.API.
func (f *Fake) SearchTransactions(_ context.Context, q provider.SearchQuery) (provider.TransactionSearchPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SearchTransactions"); err != nil {
		return provider.TransactionSearchPage{}, err
	}

	var matched []provider.TransactionInfo
	for _, r := range f.rows {
		if r.merchantID != q.MerchantID {
			continue
		}
		if r.info.InitiationDate.Before(q.Start) || !r.info.InitiationDate.Before(q.End) {
			continue
		}
		matched = append(matched, r.info)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].InitiationDate.Before(matched[j].InitiationDate)
	})

	size := q.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	total := (len(matched) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := provider.TransactionSearchPage{Page: page, TotalItems: len(matched), TotalPages: total}
	start := (page - 1) * size
	for i := start; i < len(matched) && i < start+size; i++ {
		out.TransactionDetails = append(out.TransactionDetails, provider.TransactionDetail{TransactionInfo: matched[i]})
	}
	return out, nil
}

func notFound(op string) error {
	return ledger.NewProviderRejected(op, 404, provider.IssueResourceNotFound, "resource not found")
}
