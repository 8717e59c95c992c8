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

const orderColumns = `o.id, o.status, o.total_amount, o.currency, o.interval,
	o.payer_account_id, o.payee_account_id, o.host_account_id,
	o.host_fee_percent, o.platform_tip, o.processed_at, o.data, o.created_at,
	s.id, s.status, s.is_active, s.external_agreement_id, s.provider,
	s.is_managed_externally, s.next_charge_date, s.deactivated_at, s.updated_at`

// PutOrder inserts an order and its subscription in one transaction.
func (s *Store) PutOrder(ctx context.Context, o ledger.Order) error {
	dataJSON, err := marshalData(o.Data)
	if err != nil {
		return fmt.Errorf("put order: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put order: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
		(id, status, total_amount, currency, interval, payer_account_id, payee_account_id,
		 host_account_id, host_fee_percent, platform_tip, processed_at, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, string(o.Status), o.TotalAmount, o.Currency, string(o.Interval),
		o.PayerAccountID, o.PayeeAccountID, o.HostAccountID,
		o.HostFeePercent.String(), o.PlatformTip, nullableNanos(o.ProcessedAt),
		dataJSON, toNanos(o.CreatedAt), toNanos(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put order: insert: %w", err)
	}

	if sub := o.Subscription; sub != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions
			(id, order_id, status, is_active, external_agreement_id, provider,
			 is_managed_externally, next_charge_date, deactivated_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			sub.ID, o.ID, string(sub.Status), boolInt(sub.IsActive), sub.ExternalAgreementID,
			sub.Provider, boolInt(sub.IsManagedExternally), nullableNanos(sub.NextChargeDate),
			nullableNanos(sub.DeactivatedAt), toNanos(o.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("put order: insert subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put order: commit: %w", err)
	}
	return nil
}

// GetOrder loads an order with its subscription.
func (s *Store) GetOrder(ctx context.Context, id string) (ledger.Order, error) {
	return s.getOrder(ctx, s.db, "o.id = ?", id)
}

// OrderByAgreement finds the order owning an external agreement.
func (s *Store) OrderByAgreement(ctx context.Context, provider, agreementID string) (ledger.Order, error) {
	if agreementID == "" {
		return ledger.Order{}, ledger.NewNotFound("agreement", agreementID)
	}
	o, err := s.getOrder(ctx, s.db, "s.provider = ? AND s.external_agreement_id = ?", provider, agreementID)
	if ledger.IsNotFound(err) {
		return ledger.Order{}, ledger.NewNotFound("agreement", agreementID)
	}
	return o, err
}

func (s *Store) getOrder(ctx context.Context, q queryer, where string, args ...any) (ledger.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		LEFT JOIN subscriptions s ON s.order_id = o.id
		WHERE `+where+`
		LIMIT 1
	`, args...)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Order{}, ledger.NewNotFound("order", fmt.Sprint(args...))
	}
	if err != nil {
		return ledger.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ExternalSubscriptions returns orders of a host whose subscription is
// managed by the provider and not yet terminal.
func (s *Store) ExternalSubscriptions(ctx context.Context, hostID string) ([]ledger.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		JOIN subscriptions s ON s.order_id = o.id
		WHERE o.host_account_id = ?
		  AND s.is_managed_externally = 1
		  AND s.external_agreement_id != ''
		  AND s.status IN (?, ?, ?)
		ORDER BY o.id COLLATE BINARY ASC
	`, hostID,
		string(ledger.SubscriptionActive), string(ledger.SubscriptionPaused), string(ledger.SubscriptionError))
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	orders := []ledger.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return orders, nil
}

func scanOrder(r rowScanner) (ledger.Order, error) {
	var (
		o                                 ledger.Order
		status, interval, feePct, data    string
		processed                         sql.NullInt64
		created                           int64
		subID, subStatus, agreement, prov sql.NullString
		isActive, managed                 sql.NullInt64
		nextCharge, deactivated, updated  sql.NullInt64
	)
	err := r.Scan(
		&o.ID, &status, &o.TotalAmount, &o.Currency, &interval,
		&o.PayerAccountID, &o.PayeeAccountID, &o.HostAccountID,
		&feePct, &o.PlatformTip, &processed, &data, &created,
		&subID, &subStatus, &isActive, &agreement, &prov,
		&managed, &nextCharge, &deactivated, &updated,
	)
	if err != nil {
		return ledger.Order{}, err
	}

	o.Status = ledger.OrderStatus(status)
	o.Interval = ledger.Interval(interval)
	o.ProcessedAt = timePtr(processed)
	o.CreatedAt = fromNanos(created)
	if o.HostFeePercent, err = decimal.NewFromString(feePct); err != nil {
		return ledger.Order{}, fmt.Errorf("host fee percent: %w", err)
	}
	if o.Data, err = unmarshalData(data); err != nil {
		return ledger.Order{}, err
	}

	if subID.Valid {
		o.Subscription = &ledger.Subscription{
			ID:                  subID.String,
			OrderID:             o.ID,
			Status:              ledger.SubscriptionStatus(subStatus.String),
			IsActive:            isActive.Int64 == 1,
			ExternalAgreementID: agreement.String,
			Provider:            prov.String,
			IsManagedExternally: managed.Int64 == 1,
			NextChargeDate:      timePtr(nextCharge),
			DeactivatedAt:       timePtr(deactivated),
			UpdatedAt:           fromNanos(updated.Int64),
		}
	}
	return o, nil
}

// SubscriptionTransition is one atomic state machine step: the subscription
// row, the order status and exactly one activity.
type SubscriptionTransition struct {
	OrderID string
	// From guards against concurrent transitions; the update matches only
	// while the subscription is still in this status.
	From        ledger.SubscriptionStatus
	To          ledger.SubscriptionStatus
	OrderStatus ledger.OrderStatus
	IsActive    bool

	// AgreementID and Provider bind an external agreement when set.
	AgreementID string
	Provider    string

	DeactivatedAt *time.Time
	At            time.Time
	Activity      ledger.Activity
}

// TransitionSubscription applies t atomically.
func (s *Store) TransitionSubscription(ctx context.Context, t SubscriptionTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewPersistenceFailure("transition subscription: begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = ?,
			is_active = ?,
			deactivated_at = COALESCE(?, deactivated_at),
			external_agreement_id = CASE WHEN ? = '' THEN external_agreement_id ELSE ? END,
			provider = CASE WHEN ? = '' THEN provider ELSE ? END,
			is_managed_externally = CASE WHEN ? = '' THEN is_managed_externally ELSE 1 END,
			updated_at = ?
		WHERE order_id = ? AND status = ?
	`,
		string(t.To), boolInt(t.IsActive), nullableNanos(t.DeactivatedAt),
		t.AgreementID, t.AgreementID, t.Provider, t.Provider, t.AgreementID,
		toNanos(t.At), t.OrderID, string(t.From),
	)
	if err != nil {
		return ledger.NewPersistenceFailure("transition subscription: update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewPersistenceFailure("transition subscription: rows affected", err)
	}
	if n == 0 {
		return ledger.NewInvalidTransition("subscription of order "+t.OrderID, string(t.From), string(t.To))
	}

	if err := updateOrderStatus(ctx, tx, t.OrderID, t.OrderStatus, t.At); err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, t.Activity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return ledger.NewPersistenceFailure("transition subscription: commit", err)
	}
	return nil
}

// SetOrderStatus changes the status of an order without a subscription step
// and records the activity in the same transaction.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, status ledger.OrderStatus, at time.Time, activity ledger.Activity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewPersistenceFailure("set order status: begin tx", err)
	}
	defer tx.Rollback()

	if err := updateOrderStatus(ctx, tx, orderID, status, at); err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ledger.NewPersistenceFailure("set order status: commit", err)
	}
	return nil
}

func updateOrderStatus(ctx context.Context, tx *sql.Tx, orderID string, status ledger.OrderStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), toNanos(at), orderID)
	if err != nil {
		return ledger.NewPersistenceFailure("update order status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.NewNotFound("order", orderID)
	}
	return nil
}
