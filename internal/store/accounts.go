package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/payledger/internal/ledger"
)

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, kind, currency, host_id, provider_merchant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			currency = excluded.currency,
			host_id = excluded.host_id,
			provider_merchant_id = excluded.provider_merchant_id
	`, a.ID, a.Name, string(a.Kind), a.Currency, a.HostID, a.ProviderMerchantID, toNanos(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

// GetAccount returns a NotFound ledger error for unknown ids.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, currency, host_id, provider_merchant_id, created_at
		FROM accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.NewNotFound("account", id)
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ConnectedHosts returns HOST accounts with a provider merchant id, ordered by id.
func (s *Store) ConnectedHosts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, currency, host_id, provider_merchant_id, created_at
		FROM accounts
		WHERE kind = ? AND provider_merchant_id != ''
		ORDER BY id COLLATE BINARY ASC
	`, string(ledger.AccountHost))
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	hosts := []ledger.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (ledger.Account, error) {
	var (
		a       ledger.Account
		kind    string
		created int64
	)
	if err := r.Scan(&a.ID, &a.Name, &kind, &a.Currency, &a.HostID, &a.ProviderMerchantID, &created); err != nil {
		return ledger.Account{}, err
	}
	a.Kind = ledger.AccountKind(kind)
	a.CreatedAt = fromNanos(created)
	return a, nil
}
