// Package ledger defines the double-entry data model shared by every
// component: transactions and their pairs, orders with their subscription
// facet, expenses, accounts, and the activity records emitted on every
// visible state change.
//
// # Invariants
//
//   - A pair is exactly one CREDIT and one DEBIT sharing a GroupID.
//   - Fee fields are never absent; zero is zero.
//   - credit.AmountInHostCurrency + debit.AmountInHostCurrency equals the
//     fees carried on the credit leg (Pair.Balanced).
//   - Monetary fields never change after creation. A refund is a new pair
//     linked through RefundTransactionID.
//
// The error taxonomy in errors.go is used across packages. AlreadyProcessed
// is absorbed locally and never returned to callers as a failure.
package ledger
