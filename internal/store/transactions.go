package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/payledger/internal/ledger"
)

// Key identifies one external event for idempotent recording.
type Key struct {
	Provider   string
	Kind       ledger.Kind
	ExternalID string
}

func (k Key) String() string {
	return k.Provider + "/" + string(k.Kind) + "/" + k.ExternalID
}

func (k Key) empty() bool {
	return k.ExternalID == ""
}

// OrderUpdate is applied with a recorded pair.
type OrderUpdate struct {
	OrderID     string
	ProcessedAt time.Time
	// From lists statuses that move to To; other statuses are left as is.
	From []ledger.OrderStatus
	To   ledger.OrderStatus
	// ActivateSubscription moves a PENDING_APPROVAL subscription to ACTIVE
	// together with the order.
	ActivateSubscription bool
	// OnTransition is written only when the status actually changed.
	OnTransition []ledger.Activity
}

// ExpenseUpdate is applied with a recorded payout pair. The expense must
// still be PROCESSING under BatchID.
type ExpenseUpdate struct {
	ExpenseID string
	BatchID   string
	To        ledger.ExpenseStatus
}

// PairWrite is everything RecordPair persists atomically.
type PairWrite struct {
	Key        Key
	Pair       ledger.Pair
	Order      *OrderUpdate
	Expense    *ExpenseUpdate
	Activities []ledger.Activity
}

// RecordResult reports the stored pair and whether this call created it.
type RecordResult struct {
	Pair     ledger.Pair
	Inserted bool
}

// RecordPair claims w.Key and writes the pair with its side effects in one
// transaction. When the key was already claimed the existing pair is
// returned with Inserted=false and nothing is written.
func (s *Store) RecordPair(ctx context.Context, w PairWrite) (RecordResult, error) {
	if !w.Pair.Balanced() {
		return RecordResult{}, imbalance(w.Pair)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, ledger.NewPersistenceFailure("record pair: begin tx", err)
	}
	defer tx.Rollback()

	if !w.Key.empty() {
		claimed, existing, err := claimKey(ctx, tx, w.Key, w.Pair.GroupID(), w.Pair.Credit.CreatedAt)
		if err != nil {
			return RecordResult{}, err
		}
		if !claimed {
			pair, err := pairByGroup(ctx, tx, existing)
			if err != nil {
				return RecordResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return RecordResult{}, ledger.NewPersistenceFailure("record pair: commit", err)
			}
			return RecordResult{Pair: pair, Inserted: false}, nil
		}
	}

	for _, leg := range w.Pair.Legs() {
		if err := insertLeg(ctx, tx, leg); err != nil {
			return RecordResult{}, err
		}
	}

	if w.Order != nil {
		if err := applyOrderUpdate(ctx, tx, *w.Order); err != nil {
			return RecordResult{}, err
		}
	}

	if w.Expense != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE expenses SET status = ?, updated_at = ?
			WHERE id = ? AND batch_id = ? AND status = ?
		`, string(w.Expense.To), toNanos(w.Pair.Credit.CreatedAt),
			w.Expense.ExpenseID, w.Expense.BatchID, string(ledger.ExpenseProcessing))
		if err != nil {
			return RecordResult{}, ledger.NewPersistenceFailure("record pair: update expense", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return RecordResult{}, fmt.Errorf("record pair: expense %s: %w", w.Expense.ExpenseID, ErrStaleExpense)
		}
	}

	for _, a := range w.Activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return RecordResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return RecordResult{}, ledger.NewPersistenceFailure("record pair: commit", err)
	}
	return RecordResult{Pair: w.Pair, Inserted: true}, nil
}

func applyOrderUpdate(ctx context.Context, tx *sql.Tx, u OrderUpdate) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET processed_at = COALESCE(processed_at, ?), updated_at = ? WHERE id = ?
	`, toNanos(u.ProcessedAt), toNanos(u.ProcessedAt), u.OrderID)
	if err != nil {
		return ledger.NewPersistenceFailure("record pair: stamp order", err)
	}
	if len(u.From) == 0 {
		return nil
	}

	args := []any{string(u.To), u.OrderID}
	for _, st := range u.From {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ? WHERE id = ? AND status IN (`+placeholders(len(u.From))+`)
	`, args...)
	if err != nil {
		return ledger.NewPersistenceFailure("record pair: update order", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if u.ActivateSubscription {
		_, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET status = ?, is_active = 1, updated_at = ?
			WHERE order_id = ? AND status = ?
		`, string(ledger.SubscriptionActive), toNanos(u.ProcessedAt), u.OrderID,
			string(ledger.SubscriptionPendingApproval))
		if err != nil {
			return ledger.NewPersistenceFailure("record pair: activate subscription", err)
		}
	}
	for _, a := range u.OnTransition {
		if err := insertActivity(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

// claimKey inserts the idempotency key. It returns claimed=false and the
// owning group when another writer got there first.
func claimKey(ctx context.Context, tx *sql.Tx, k Key, groupID string, at time.Time) (bool, string, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (provider, kind, external_id, group_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, kind, external_id) DO NOTHING
	`, k.Provider, string(k.Kind), k.ExternalID, groupID, toNanos(at))
	if err != nil {
		return false, "", ledger.NewPersistenceFailure("claim key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", ledger.NewPersistenceFailure("claim key: rows affected", err)
	}
	if n > 0 {
		return true, groupID, nil
	}

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT group_id FROM idempotency_keys WHERE provider = ? AND kind = ? AND external_id = ?
	`, k.Provider, string(k.Kind), k.ExternalID).Scan(&existing)
	if err != nil {
		return false, "", ledger.NewPersistenceFailure("claim key: select existing", err)
	}
	return false, existing, nil
}

// RefundWrite is everything RecordRefund persists atomically.
type RefundWrite struct {
	OriginalGroupID string
	// Refund legs must already link back: Refund.Credit to the original
	// debit, Refund.Debit to the original credit.
	Refund     ledger.Pair
	Key        Key
	Activities []ledger.Activity
}

// RecordRefund writes a reversal pair and links it to the original in both
// directions. If the original is already refunded the existing refund pair
// is returned with Inserted=false.
func (s *Store) RecordRefund(ctx context.Context, w RefundWrite) (RecordResult, error) {
	if !w.Refund.Balanced() {
		return RecordResult{}, imbalance(w.Refund)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, ledger.NewPersistenceFailure("record refund: begin tx", err)
	}
	defer tx.Rollback()

	original, err := pairByGroup(ctx, tx, w.OriginalGroupID)
	if err != nil {
		return RecordResult{}, err
	}

	if original.Refunded() {
		existing, err := refundOf(ctx, tx, original)
		if err != nil {
			return RecordResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return RecordResult{}, ledger.NewPersistenceFailure("record refund: commit", err)
		}
		return RecordResult{Pair: existing, Inserted: false}, nil
	}

	if w.Refund.Credit.RefundTransactionID != original.Debit.ID || w.Refund.Debit.RefundTransactionID != original.Credit.ID {
		return RecordResult{}, fmt.Errorf("record refund: refund legs do not link to group %s", w.OriginalGroupID)
	}

	if !w.Key.empty() {
		claimed, existing, err := claimKey(ctx, tx, w.Key, w.Refund.GroupID(), w.Refund.Credit.CreatedAt)
		if err != nil {
			return RecordResult{}, err
		}
		if !claimed {
			pair, err := pairByGroup(ctx, tx, existing)
			if err != nil {
				return RecordResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return RecordResult{}, ledger.NewPersistenceFailure("record refund: commit", err)
			}
			return RecordResult{Pair: pair, Inserted: false}, nil
		}
	}

	for _, leg := range w.Refund.Legs() {
		if err := insertLeg(ctx, tx, leg); err != nil {
			return RecordResult{}, err
		}
	}

	links := []struct{ originalID, refundID string }{
		{original.Credit.ID, w.Refund.Debit.ID},
		{original.Debit.ID, w.Refund.Credit.ID},
	}
	for _, l := range links {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET refund_transaction_id = ?
			WHERE id = ? AND refund_transaction_id IS NULL
		`, l.refundID, l.originalID)
		if err != nil {
			return RecordResult{}, ledger.NewPersistenceFailure("record refund: link", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return RecordResult{}, ledger.NewPersistenceFailure("record refund: link",
				fmt.Errorf("transaction %s was refunded concurrently", l.originalID))
		}
	}

	for _, a := range w.Activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return RecordResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return RecordResult{}, ledger.NewPersistenceFailure("record refund: commit", err)
	}
	return RecordResult{Pair: w.Refund, Inserted: true}, nil
}

func refundOf(ctx context.Context, q queryer, original ledger.Pair) (ledger.Pair, error) {
	legID := original.Credit.RefundTransactionID
	if legID == "" {
		legID = original.Debit.RefundTransactionID
	}
	var groupID string
	err := q.QueryRowContext(ctx, `SELECT group_id FROM transactions WHERE id = ?`, legID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Pair{}, ledger.NewNotFound("refund transaction", legID)
	}
	if err != nil {
		return ledger.Pair{}, fmt.Errorf("load refund: %w", err)
	}
	return pairByGroup(ctx, q, groupID)
}

func imbalance(p ledger.Pair) error {
	return ledger.NewLedgerImbalance(p.GroupID(), p.Credit.AmountInHostCurrency, p.Debit.AmountInHostCurrency, p.Credit.Fees())
}

const transactionColumns = `id, group_id, type, kind, amount, currency,
	amount_in_host_currency, host_currency, host_currency_fx_rate,
	host_fee_in_host_currency, platform_tip_in_host_currency,
	payment_processor_fee_in_host_currency, net_amount_in_host_currency,
	is_refund, refund_transaction_id, provider, external_reference,
	payer_account_id, payee_account_id, host_account_id, order_id, expense_id,
	data, cleared_at, created_at, deleted_at`

func insertLeg(ctx context.Context, tx *sql.Tx, t ledger.Transaction) error {
	dataJSON, err := marshalData(t.Data)
	if err != nil {
		return ledger.NewPersistenceFailure("insert "+string(t.Type), err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.GroupID, string(t.Type), string(t.Kind), t.Amount, t.Currency,
		t.AmountInHostCurrency, t.HostCurrency, t.HostCurrencyFxRate.String(),
		t.HostFeeInHostCurrency, t.PlatformTipInHostCurrency,
		t.PaymentProcessorFeeInHostCurrency, t.NetAmountInHostCurrency,
		boolInt(t.IsRefund), nullableString(t.RefundTransactionID), t.Provider, t.ExternalReference,
		t.PayerAccountID, t.PayeeAccountID, t.HostAccountID, t.OrderID, t.ExpenseID,
		dataJSON, toNanos(t.ClearedAt), toNanos(t.CreatedAt), nullableNanos(t.DeletedAt),
	)
	if err != nil {
		return ledger.NewPersistenceFailure("insert "+string(t.Type), err)
	}
	return nil
}

func scanTransaction(r rowScanner) (ledger.Transaction, error) {
	var (
		t                     ledger.Transaction
		typ, kind, rate, data string
		isRefund              int
		refundID              sql.NullString
		cleared, created      int64
		deleted               sql.NullInt64
	)
	err := r.Scan(
		&t.ID, &t.GroupID, &typ, &kind, &t.Amount, &t.Currency,
		&t.AmountInHostCurrency, &t.HostCurrency, &rate,
		&t.HostFeeInHostCurrency, &t.PlatformTipInHostCurrency,
		&t.PaymentProcessorFeeInHostCurrency, &t.NetAmountInHostCurrency,
		&isRefund, &refundID, &t.Provider, &t.ExternalReference,
		&t.PayerAccountID, &t.PayeeAccountID, &t.HostAccountID, &t.OrderID, &t.ExpenseID,
		&data, &cleared, &created, &deleted,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Type = ledger.TransactionType(typ)
	t.Kind = ledger.Kind(kind)
	t.IsRefund = isRefund == 1
	t.RefundTransactionID = refundID.String
	t.ClearedAt = fromNanos(cleared)
	t.CreatedAt = fromNanos(created)
	t.DeletedAt = timePtr(deleted)
	if t.HostCurrencyFxRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.Transaction{}, fmt.Errorf("fx rate: %w", err)
	}
	if t.Data, err = unmarshalData(data); err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func queryTransactions(ctx context.Context, q queryer, where string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions `+where+`
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txns := []ledger.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txns, nil
}

func pairByGroup(ctx context.Context, q queryer, groupID string) (ledger.Pair, error) {
	legs, err := queryTransactions(ctx, q, `WHERE group_id = ?`, groupID)
	if err != nil {
		return ledger.Pair{}, err
	}
	var p ledger.Pair
	for _, leg := range legs {
		switch leg.Type {
		case ledger.Credit:
			p.Credit = leg
		case ledger.Debit:
			p.Debit = leg
		}
	}
	if p.Credit.ID == "" || p.Debit.ID == "" {
		return ledger.Pair{}, ledger.NewNotFound("transaction group", groupID)
	}
	return p, nil
}

// Pair loads both legs of a group.
func (s *Store) Pair(ctx context.Context, groupID string) (ledger.Pair, error) {
	return pairByGroup(ctx, s.db, groupID)
}

// PairOf loads the pair containing a transaction id.
func (s *Store) PairOf(ctx context.Context, transactionID string) (ledger.Pair, error) {
	t, err := s.Transaction(ctx, transactionID)
	if err != nil {
		return ledger.Pair{}, err
	}
	return pairByGroup(ctx, s.db, t.GroupID)
}

// PairByKey returns the pair recorded for an idempotency key.
func (s *Store) PairByKey(ctx context.Context, k Key) (ledger.Pair, bool, error) {
	var groupID string
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id FROM idempotency_keys WHERE provider = ? AND kind = ? AND external_id = ?
	`, k.Provider, string(k.Kind), k.ExternalID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Pair{}, false, nil
	}
	if err != nil {
		return ledger.Pair{}, false, fmt.Errorf("pair by key: %w", err)
	}
	p, err := pairByGroup(ctx, s.db, groupID)
	if err != nil {
		return ledger.Pair{}, false, err
	}
	return p, true, nil
}

// Transaction loads a single leg.
func (s *Store) Transaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.NewNotFound("transaction", id)
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// TransactionsByOrder returns every leg of an order, voided ones included.
func (s *Store) TransactionsByOrder(ctx context.Context, orderID string) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `WHERE order_id = ?`, orderID)
}

// ContributionsClearedBetween returns live, unrefunded contribution CREDIT
// legs of a host cleared in [from, to).
func (s *Store) ContributionsClearedBetween(ctx context.Context, provider, hostID string, from, to time.Time) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `
		WHERE provider = ? AND host_account_id = ? AND kind = ? AND type = ?
		  AND is_refund = 0 AND refund_transaction_id IS NULL
		  AND deleted_at IS NULL AND external_reference != ''
		  AND cleared_at >= ? AND cleared_at < ?
	`, provider, hostID, string(ledger.KindContribution), string(ledger.Credit), toNanos(from), toNanos(to))
}

// CountGroups returns the number of live transaction groups.
func (s *Store) CountGroups(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT group_id) FROM transactions WHERE deleted_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count groups: %w", err)
	}
	return n, nil
}

// VoidOrderTransactions soft-deletes every live leg of an order.
func (s *Store) VoidOrderTransactions(ctx context.Context, orderID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET deleted_at = ? WHERE order_id = ? AND deleted_at IS NULL
	`, toNanos(at), orderID)
	if err != nil {
		return 0, ledger.NewPersistenceFailure("void order transactions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledger.NewPersistenceFailure("void order transactions: rows affected", err)
	}
	return n, nil
}

// VoidPair soft-deletes both legs of one group. It reports whether anything
// was still live.
func (s *Store) VoidPair(ctx context.Context, groupID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET deleted_at = ? WHERE group_id = ? AND deleted_at IS NULL
	`, toNanos(at), groupID)
	if err != nil {
		return false, ledger.NewPersistenceFailure("void pair", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.NewPersistenceFailure("void pair: rows affected", err)
	}
	return n > 0, nil
}
