package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWindows(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("single window", func(t *testing.T) {
		w := SplitWindows(from, from.AddDate(0, 0, 10), 31)
		require.Len(t, w, 1)
		assert.Equal(t, from.AddDate(0, 0, 10), w[0].End)
	})

	t.Run("ninety days in thirty-one day steps", func(t *testing.T) {
		to := from.AddDate(0, 0, 90)
		w := SplitWindows(from, to, 31)
		require.Len(t, w, 3)
		assert.Equal(t, from, w[0].Start)
		assert.Equal(t, w[0].End, w[1].Start)
		assert.Equal(t, w[1].End, w[2].Start)
		assert.Equal(t, to, w[2].End)
		for _, win := range w {
			assert.LessOrEqual(t, win.End.Sub(win.Start), 31*24*time.Hour)
		}
	})

	t.Run("empty range", func(t *testing.T) {
		assert.Empty(t, SplitWindows(from, from, 31))
		assert.Empty(t, SplitWindows(from, from.Add(-time.Hour), 31))
	})
}
