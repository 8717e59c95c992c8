package reconcile

import (
	"fmt"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
)

// OrphanPolicy decides what happens to a capture with no resolvable order.
type OrphanPolicy string

const (
	OrphanRefundAndCancel OrphanPolicy = "refund_and_cancel"
	OrphanReportOnly      OrphanPolicy = "report_only"
)

// PartialPolicy decides what happens to a capture whose order is closed.
type PartialPolicy string

const (
	PartialBackfillOnly      PartialPolicy = "backfill_only"
	PartialBackfillAndCancel PartialPolicy = "backfill_and_cancel"
	PartialRefundAndCancel   PartialPolicy = "refund_and_cancel"
)

// LedgerOnlyPolicy decides what happens to a ledger transaction the
// provider does not know.
type LedgerOnlyPolicy string

const (
	LedgerOnlyFlag             LedgerOnlyPolicy = "flag"
	LedgerOnlyMarkErrorAndVoid LedgerOnlyPolicy = "mark_error_and_void"
)

// Defaults.
const (
	DefaultWindowDays  = 31
	DefaultConcurrency = 4
	DefaultPageSize    = 100
	actor              = "reconciliation"
)

// DefaultWatchedEventCodes are the event codes that carry contributions.
var DefaultWatchedEventCodes = []string{
	provider.EventSubscriptionPayment,
	provider.EventPreapprovedPayment,
	provider.EventExpressCheckout,
}

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	Provider          string
	WindowDays        int
	Concurrency       int
	PageSize          int
	WatchedEventCodes []string
	OrphanPolicy      OrphanPolicy
	PartialPolicy     PartialPolicy
	LedgerOnlyPolicy  LedgerOnlyPolicy
	Reporter          ledger.Reporter
}

func (o Options) withDefaults() Options {
	if o.WindowDays <= 0 {
		o.WindowDays = DefaultWindowDays
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if len(o.WatchedEventCodes) == 0 {
		o.WatchedEventCodes = DefaultWatchedEventCodes
	}
	if o.OrphanPolicy == "" {
		o.OrphanPolicy = OrphanRefundAndCancel
	}
	if o.PartialPolicy == "" {
		o.PartialPolicy = PartialBackfillAndCancel
	}
	if o.LedgerOnlyPolicy == "" {
		o.LedgerOnlyPolicy = LedgerOnlyFlag
	}
	return o
}

func (o Options) validate() error {
	switch o.OrphanPolicy {
	case OrphanRefundAndCancel, OrphanReportOnly:
	default:
		return fmt.Errorf("unknown orphan policy %q", o.OrphanPolicy)
	}
	switch o.PartialPolicy {
	case PartialBackfillOnly, PartialBackfillAndCancel, PartialRefundAndCancel:
	default:
		return fmt.Errorf("unknown partial orphan policy %q", o.PartialPolicy)
	}
	switch o.LedgerOnlyPolicy {
	case LedgerOnlyFlag, LedgerOnlyMarkErrorAndVoid:
	default:
		return fmt.Errorf("unknown ledger-only policy %q", o.LedgerOnlyPolicy)
	}
	return nil
}
