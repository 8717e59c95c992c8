package ledger

import (
	"context"

	"github.com/rs/zerolog"
)

// Reporter forwards per-unit failures to an error tracking collaborator.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]string)
}

// LogReporter reports errors as structured log lines.
type LogReporter struct {
	Log zerolog.Logger
}

func (r LogReporter) Report(_ context.Context, err error, fields map[string]string) {
	ev := r.Log.Error().Err(err)
	if code := CodeOf(err); code != "" {
		ev = ev.Str("code", string(code))
	}
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("unit failed")
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) Report(context.Context, error, map[string]string) {}
