package reconcile

import "time"

// Window is a half-open search interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// SplitWindows cuts [from, to) into consecutive windows of at most days days.
// The provider refuses searches spanning more than 31 days.
func SplitWindows(from, to time.Time, days int) []Window {
	if !to.After(from) || days <= 0 {
		return nil
	}
	step := time.Duration(days) * 24 * time.Hour
	var out []Window
	for start := from; start.Before(to); start = start.Add(step) {
		end := start.Add(step)
		if end.After(to) {
			end = to
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}
