package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/payledger/internal/ledger"
)

// ErrStaleExpense is returned when an expense no longer belongs to the batch
// being processed.
var ErrStaleExpense = errors.New("expense changed since it was loaded")

const expenseColumns = `id, payee_account_id, host_account_id, amount, currency, status,
	payout_email, sender_batch_id, batch_id, external_item_id, data, created_at, updated_at`

// PutExpense inserts an expense.
func (s *Store) PutExpense(ctx context.Context, e ledger.Expense) error {
	dataJSON, err := marshalData(e.Data)
	if err != nil {
		return fmt.Errorf("put expense: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO expenses (`+expenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.PayeeAccountID, e.HostAccountID, e.Amount, e.Currency, string(e.Status),
		e.PayoutEmail, e.SenderBatchID, e.BatchID, e.ExternalItemID, dataJSON, toNanos(e.CreatedAt), toNanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put expense: %w", err)
	}
	return nil
}

// GetExpense reloads an expense.
func (s *Store) GetExpense(ctx context.Context, id string) (ledger.Expense, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Expense{}, ledger.NewNotFound("expense", id)
	}
	if err != nil {
		return ledger.Expense{}, fmt.Errorf("get expense: %w", err)
	}
	return e, nil
}

// ExpensesByStatus returns expenses in a status, oldest first.
func (s *Store) ExpensesByStatus(ctx context.Context, status ledger.ExpenseStatus) ([]ledger.Expense, error) {
	return s.queryExpenses(ctx, `
		SELECT `+expenseColumns+` FROM expenses
		WHERE status = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, string(status))
}

// ExpensesByBatch returns every expense submitted in a batch.
func (s *Store) ExpensesByBatch(ctx context.Context, batchID string) ([]ledger.Expense, error) {
	return s.queryExpenses(ctx, `
		SELECT `+expenseColumns+` FROM expenses
		WHERE batch_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, batchID)
}

// ProcessingBatchIDs returns distinct batch ids with expenses still PROCESSING.
func (s *Store) ProcessingBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT batch_id FROM expenses
		WHERE status = ? AND batch_id != ''
		ORDER BY batch_id COLLATE BINARY ASC
	`, string(ledger.ExpenseProcessing))
	if err != nil {
		return nil, fmt.Errorf("query batch ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch ids: %w", err)
	}
	return ids, nil
}

func (s *Store) queryExpenses(ctx context.Context, query string, args ...any) ([]ledger.Expense, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	expenses := []ledger.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return expenses, nil
}

// ClaimForBatch stamps senderBatchID on SCHEDULED_FOR_PAYMENT expenses that
// have not been claimed yet, all or nothing. A claim survives failed
// submissions, so a retry sends the same expenses under the same id.
func (s *Store) ClaimForBatch(ctx context.Context, senderBatchID string, expenseIDs []string, at time.Time) error {
	if senderBatchID == "" {
		return ledger.NewValidationMismatch("empty sender batch id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewPersistenceFailure("claim for batch: begin tx", err)
	}
	defer tx.Rollback()

	for _, id := range expenseIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE expenses SET sender_batch_id = ?, updated_at = ?
			WHERE id = ? AND status = ? AND sender_batch_id = ''
		`, senderBatchID, toNanos(at), id, string(ledger.ExpenseScheduledForPayment))
		if err != nil {
			return ledger.NewPersistenceFailure("claim for batch: update", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("claim %s: %w", id, ErrStaleExpense)
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.NewPersistenceFailure("claim for batch: commit", err)
	}
	return nil
}

// SubmittedItem ties an expense to the provider batch it was sent in.
type SubmittedItem struct {
	ExpenseID      string
	ExternalItemID string
}

// MarkSubmitted moves SCHEDULED_FOR_PAYMENT expenses to PROCESSING under a
// batch id, all or nothing. Expenses that left SCHEDULED_FOR_PAYMENT in the
// meantime abort the whole update.
func (s *Store) MarkSubmitted(ctx context.Context, batchID string, items []SubmittedItem, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewPersistenceFailure("mark submitted: begin tx", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE expenses SET status = ?, batch_id = ?, external_item_id = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`,
			string(ledger.ExpenseProcessing), batchID, it.ExternalItemID, toNanos(at),
			it.ExpenseID, string(ledger.ExpenseScheduledForPayment),
		)
		if err != nil {
			return ledger.NewPersistenceFailure("mark submitted: update", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark submitted %s: %w", it.ExpenseID, ErrStaleExpense)
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.NewPersistenceFailure("mark submitted: commit", err)
	}
	return nil
}

// MarkExpenseError moves a PROCESSING expense of batchID to ERROR, merges the
// provider payload into its data and records the activity.
func (s *Store) MarkExpenseError(ctx context.Context, expenseID, batchID string, payload ledger.Data, at time.Time, activity ledger.Activity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewPersistenceFailure("mark expense error: begin tx", err)
	}
	defer tx.Rollback()

	var dataJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT data FROM expenses WHERE id = ? AND batch_id = ? AND status = ?
	`, expenseID, batchID, string(ledger.ExpenseProcessing)).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark expense error %s: %w", expenseID, ErrStaleExpense)
	}
	if err != nil {
		return ledger.NewPersistenceFailure("mark expense error: select", err)
	}

	data, err := unmarshalData(dataJSON)
	if err != nil {
		return err
	}
	for k, v := range payload {
		data[k] = v
	}
	merged, err := marshalData(data)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE expenses SET status = ?, data = ?, updated_at = ? WHERE id = ?
	`, string(ledger.ExpenseError), merged, toNanos(at), expenseID)
	if err != nil {
		return ledger.NewPersistenceFailure("mark expense error: update", err)
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return ledger.NewPersistenceFailure("mark expense error: commit", err)
	}
	return nil
}

func scanExpense(r rowScanner) (ledger.Expense, error) {
	var (
		e                ledger.Expense
		status, data     string
		created, updated int64
	)
	err := r.Scan(&e.ID, &e.PayeeAccountID, &e.HostAccountID, &e.Amount, &e.Currency, &status,
		&e.PayoutEmail, &e.SenderBatchID, &e.BatchID, &e.ExternalItemID, &data, &created, &updated)
	if err != nil {
		return ledger.Expense{}, err
	}
	e.Status = ledger.ExpenseStatus(status)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	if e.Data, err = unmarshalData(data); err != nil {
		return ledger.Expense{}, err
	}
	return e, nil
}
