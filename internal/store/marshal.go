package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/payledger/internal/canonical"
	"github.com/roach88/payledger/internal/ledger"
)

// marshalData converts a side-record to canonical JSON TEXT.
func marshalData(d ledger.Data) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	data, err := canonical.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(data), nil
}

// unmarshalData parses stored JSON. Numbers stay json.Number so they
// round-trip through marshalData without float conversion.
func unmarshalData(s string) (ledger.Data, error) {
	if s == "" || s == "{}" {
		return ledger.Data{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var d ledger.Data
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return d, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	var b bytes.Buffer
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	return b.String()
}
