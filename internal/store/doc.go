// Package store provides SQLite-backed durable storage for the ledger.
//
// The store is append-only for money:
//   - Transactions: one row per leg, UNIQUE(group_id, type)
//   - Idempotency keys: (provider, kind, external_id) -> group_id
//   - Activities: audit records emitted with every visible change
//   - Orders, subscriptions, expenses, accounts: mutable workflow state
//
// # Critical Patterns
//
// Claim-the-key writes: RecordPair inserts the idempotency key with
// ON CONFLICT DO NOTHING inside the same transaction as the legs. A second
// writer for the same external event sees zero rows affected, reads the
// existing pair and commits without writing. Webhooks and reconciliation can
// race freely; the constraint decides.
//
// All-or-nothing: legs, order/expense status changes and activities of one
// operation share one storage transaction. Any error rolls back all of it.
//
// No monetary UPDATEs: the only in-place writes to transactions are the
// refund link (only while NULL) and the soft-void marker deleted_at.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
