package subscription

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payledger/internal/testutil"
)

func openTestOutbox(t *testing.T) (*Outbox, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := OpenOutbox(path)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, path
}

func TestOutbox_PutGetDelete(t *testing.T) {
	o, _ := openTestOutbox(t)

	_, found, err := o.Get("I-1")
	require.NoError(t, err)
	assert.False(t, found)

	p := Pending{AgreementID: "I-1", OrderID: "order-1", Action: ActionSuspend, Reason: "PAUSED", EnqueuedAt: testutil.Epoch}
	require.NoError(t, o.Put(p))

	got, found, err := o.Get("I-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ActionSuspend, got.Action)
	assert.True(t, got.EnqueuedAt.Equal(testutil.Epoch))

	require.NoError(t, o.Delete("I-1"))
	require.NoError(t, o.Delete("I-1"), "delete is idempotent")
	_, found, err = o.Get("I-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOutbox_LatestIntentWins(t *testing.T) {
	o, _ := openTestOutbox(t)

	require.NoError(t, o.Put(Pending{AgreementID: "I-1", Action: ActionSuspend}))
	require.NoError(t, o.Put(Pending{AgreementID: "I-1", Action: ActionCancel}))
	require.NoError(t, o.Put(Pending{AgreementID: "I-0", Action: ActionActivate}))

	items, err := o.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "I-0", items[0].AgreementID)
	assert.Equal(t, ActionCancel, items[1].Action)
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := OpenOutbox(path)
	require.NoError(t, err)
	require.NoError(t, o.Put(Pending{AgreementID: "I-1", Action: ActionCancel, Attempts: 2, LastAttemptAt: testutil.Epoch.Add(time.Minute)}))
	require.NoError(t, o.Close())

	o, err = OpenOutbox(path)
	require.NoError(t, err)
	defer o.Close()

	items, err := o.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
}

func TestOutbox_SettleOnlyTouchesTheEntryItRead(t *testing.T) {
	o, _ := openTestOutbox(t)

	read := Pending{AgreementID: "I-1", Action: ActionSuspend, EnqueuedAt: testutil.Epoch}
	require.NoError(t, o.Put(read))
	require.NoError(t, o.Put(Pending{AgreementID: "I-1", Action: ActionCancel, EnqueuedAt: testutil.Epoch.Add(time.Second)}))

	read.Attempts = 1
	written, err := o.Settle(read, false)
	require.NoError(t, err)
	assert.False(t, written)
	written, err = o.Settle(read, true)
	require.NoError(t, err)
	assert.False(t, written)

	got, found, err := o.Get("I-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ActionCancel, got.Action)
	assert.Zero(t, got.Attempts)

	got.Attempts = 1
	written, err = o.Settle(got, false)
	require.NoError(t, err)
	assert.True(t, written)
	got, _, err = o.Get("I-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	written, err = o.Settle(got, true)
	require.NoError(t, err)
	assert.True(t, written)
	_, found, err = o.Get("I-1")
	require.NoError(t, err)
	assert.False(t, found)

	written, err = o.Settle(got, true)
	require.NoError(t, err)
	assert.False(t, written, "entry already gone")
}
