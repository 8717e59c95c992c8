package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/payledger/internal/ledger"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertActivity writes a; a zero Activity (empty ID) is skipped.
func insertActivity(ctx context.Context, tx execer, a ledger.Activity) error {
	if a.ID == "" {
		return nil
	}
	dataJSON, err := marshalData(a.Data)
	if err != nil {
		return ledger.NewPersistenceFailure("insert activity", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO activities
		(id, type, order_id, transaction_id, expense_id, from_account_id, to_account_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, string(a.Type), a.OrderID, a.TransactionID, a.ExpenseID,
		a.FromAccountID, a.ToAccountID, dataJSON, toNanos(a.CreatedAt),
	)
	if err != nil {
		return ledger.NewPersistenceFailure("insert activity", err)
	}
	return nil
}

// FlagTransaction records an activity about a transaction unless one of the
// same type already exists for it. Returns whether a row was written.
func (s *Store) FlagTransaction(ctx context.Context, a ledger.Activity) (bool, error) {
	dataJSON, err := marshalData(a.Data)
	if err != nil {
		return false, fmt.Errorf("flag transaction: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activities
		(id, type, order_id, transaction_id, expense_id, from_account_id, to_account_id, data, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM activities WHERE transaction_id = ? AND type = ?
		)
	`,
		a.ID, string(a.Type), a.OrderID, a.TransactionID, a.ExpenseID,
		a.FromAccountID, a.ToAccountID, dataJSON, toNanos(a.CreatedAt),
		a.TransactionID, string(a.Type),
	)
	if err != nil {
		return false, ledger.NewPersistenceFailure("flag transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.NewPersistenceFailure("flag transaction: rows affected", err)
	}
	return n > 0, nil
}

// ActivitiesForOrder returns the order's activities in creation order.
func (s *Store) ActivitiesForOrder(ctx context.Context, orderID string) ([]ledger.Activity, error) {
	return s.queryActivities(ctx, `WHERE order_id = ?`, orderID)
}

// ActivitiesForExpense returns the expense's activities in creation order.
func (s *Store) ActivitiesForExpense(ctx context.Context, expenseID string) ([]ledger.Activity, error) {
	return s.queryActivities(ctx, `WHERE expense_id = ?`, expenseID)
}

func (s *Store) queryActivities(ctx context.Context, where string, args ...any) ([]ledger.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, order_id, transaction_id, expense_id, from_account_id, to_account_id, data, created_at
		FROM activities `+where+`
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	activities := []ledger.Activity{}
	for rows.Next() {
		var (
			a         ledger.Activity
			typ, data string
			created   int64
		)
		if err := rows.Scan(&a.ID, &typ, &a.OrderID, &a.TransactionID, &a.ExpenseID,
			&a.FromAccountID, &a.ToAccountID, &data, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Type = ledger.ActivityType(typ)
		a.CreatedAt = fromNanos(created)
		if a.Data, err = unmarshalData(data); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return activities, nil
}
