package reconcile

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"
)

// Finding kinds.
const (
	FindingOrphan             = "orphan"
	FindingPartialOrphan      = "partial_orphan"
	FindingLedgerOnly         = "ledger_only"
	FindingRefundedExternally = "refunded_externally"
	FindingPartialRefund      = "partial_refund"
	FindingDrift              = "drift"
)

// Finding is one discrepancy worth a human look.
type Finding struct {
	Kind          string `json:"kind" yaml:"kind"`
	CaptureID     string `json:"capture_id,omitempty" yaml:"capture_id,omitempty"`
	AgreementID   string `json:"agreement_id,omitempty" yaml:"agreement_id,omitempty"`
	OrderID       string `json:"order_id,omitempty" yaml:"order_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty"`
	Action        string `json:"action" yaml:"action"`
}

// HostReport counts what one host's pass did.
type HostReport struct {
	HostID string `json:"host_id" yaml:"host_id"`

	Pages              int `json:"pages" yaml:"pages"`
	Seen               int `json:"seen" yaml:"seen"`
	Matched            int `json:"matched" yaml:"matched"`
	Recorded           int `json:"recorded" yaml:"recorded"`
	Duplicates         int `json:"duplicates" yaml:"duplicates"`
	Orphans            int `json:"orphans" yaml:"orphans"`
	Backfilled         int `json:"backfilled" yaml:"backfilled"`
	Refunded           int `json:"refunded" yaml:"refunded"`
	RefundedExternally int `json:"refunded_externally" yaml:"refunded_externally"`
	Flagged            int `json:"flagged" yaml:"flagged"`
	Voided             int `json:"voided" yaml:"voided"`
	DriftFixed         int `json:"drift_fixed" yaml:"drift_fixed"`

	Findings []Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	Errors   []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (h *HostReport) add(o HostReport) {
	h.Pages += o.Pages
	h.Seen += o.Seen
	h.Matched += o.Matched
	h.Recorded += o.Recorded
	h.Duplicates += o.Duplicates
	h.Orphans += o.Orphans
	h.Backfilled += o.Backfilled
	h.Refunded += o.Refunded
	h.RefundedExternally += o.RefundedExternally
	h.Flagged += o.Flagged
	h.Voided += o.Voided
	h.DriftFixed += o.DriftFixed
}

// Changes counts ledger writes made by the pass. A second run over the same
// window converges to zero.
func (h HostReport) Changes() int {
	return h.Recorded + h.Backfilled + h.Refunded + h.RefundedExternally + h.Flagged + h.Voided + h.DriftFixed
}

// Report is the result of one Run.
type Report struct {
	From       time.Time     `json:"from" yaml:"from"`
	To         time.Time     `json:"to" yaml:"to"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Hosts      []*HostReport `json:"hosts" yaml:"hosts"`
}

// Totals sums every host.
func (r *Report) Totals() HostReport {
	t := HostReport{HostID: "TOTAL"}
	for _, h := range r.Hosts {
		t.add(*h)
		t.Errors = append(t.Errors, h.Errors...)
	}
	return t
}

// Host returns the report of hostID, or nil.
func (r *Report) Host(hostID string) *HostReport {
	for _, h := range r.Hosts {
		if h.HostID == hostID {
			return h
		}
	}
	return nil
}

// Render writes a plain text summary.
func (r *Report) Render(w io.Writer) error {
	fmt.Fprintf(w, "reconciliation %s .. %s\n\n", r.From.UTC().Format(time.RFC3339), r.To.UTC().Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSEEN\tMATCHED\tRECORDED\tDUPLICATES\tORPHANS\tREFUNDED\tFLAGGED\tVOIDED\tDRIFT\tERRORS")
	rows := append([]*HostReport{}, r.Hosts...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].HostID < rows[j].HostID })
	totals := r.Totals()
	for _, h := range append(rows, &totals) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			h.HostID, h.Seen, h.Matched, h.Recorded+h.Backfilled, h.Duplicates, h.Orphans,
			h.Refunded+h.RefundedExternally, h.Flagged, h.Voided, h.DriftFixed, len(h.Errors))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var findings []Finding
	for _, h := range rows {
		findings = append(findings, h.Findings...)
	}
	if len(findings) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "FINDING\tCAPTURE\tAGREEMENT\tORDER\tACTION")
		for _, f := range findings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				f.Kind, dash(f.CaptureID), dash(f.AgreementID), dash(f.OrderID), f.Action)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(totals.Errors) > 0 {
		fmt.Fprintln(w)
		for _, e := range totals.Errors {
			fmt.Fprintf(w, "error: %s\n", e)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
