package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payledger/internal/ledger"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/provider/mocks"
	"github.com/roach88/payledger/internal/provider/providertest"
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/testutil"
)

const agreementID = "I-AGREE"

type recordingReporter struct {
	mu     sync.Mutex
	errs   []error
	fields []map[string]string
}

func (r *recordingReporter) Report(_ context.Context, err error, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.fields = append(r.fields, fields)
}

type fixture struct {
	store    *store.Store
	outbox   *Outbox
	reporter *recordingReporter
	clock    *testutil.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, a := range []ledger.Account{testutil.Payer(), testutil.Collective(), testutil.Host()} {
		require.NoError(t, s.PutAccount(ctx, a))
	}

	o, err := OpenOutbox(filepath.Join(dir, "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	return fixture{store: s, outbox: o, reporter: &recordingReporter{}, clock: testutil.NewFakeClock(time.Time{})}
}

func (f fixture) machine(api provider.API, maxAttempts int) *Machine {
	return NewMachine(f.store, api, ledger.NewSequenceGenerator("act"), f.clock, zerolog.Nop(), Options{
		Provider:    "paypal",
		Outbox:      f.outbox,
		MaxAttempts: maxAttempts,
		Reporter:    f.reporter,
	})
}

// pendingOrder stores a NEW monthly order waiting for approval.
func (f fixture) pendingOrder(t *testing.T, id string) ledger.Order {
	t.Helper()
	o := testutil.MonthlyOrder(id)
	require.NoError(t, f.store.PutOrder(context.Background(), o))
	return o
}

// activeOrder stores an ACTIVE monthly order bound to agreementID.
func (f fixture) activeOrder(t *testing.T, id string) ledger.Order {
	t.Helper()
	o := testutil.MonthlyOrder(id)
	o.Status = ledger.OrderActive
	o.Subscription.Status = ledger.SubscriptionActive
	o.Subscription.IsActive = true
	o.Subscription.ExternalAgreementID = agreementID
	o.Subscription.Provider = "paypal"
	o.Subscription.IsManagedExternally = true
	require.NoError(t, f.store.PutOrder(context.Background(), o))
	return o
}

func (f fixture) reload(t *testing.T, id string) ledger.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f fixture) activities(t *testing.T, orderID string) []ledger.Activity {
	t.Helper()
	acts, err := f.store.ActivitiesForOrder(context.Background(), orderID)
	require.NoError(t, err)
	return acts
}

func remoteAgreement(status provider.SubscriptionStatus, customID string) provider.Subscription {
	return provider.Subscription{
		ID:       agreementID,
		Status:   status,
		PlanID:   "P-1",
		CustomID: customID,
		Plan: &provider.Plan{BillingCycles: []provider.BillingCycle{
			{TenureType: "TRIAL", Sequence: 1, PricingScheme: provider.PricingScheme{FixedPrice: provider.NewMoney(0, "EUR")}},
			{TenureType: "REGULAR", Sequence: 2, PricingScheme: provider.PricingScheme{FixedPrice: provider.NewMoney(1000, "EUR")}},
		}},
		Payee: &provider.Payee{MerchantID: testutil.MerchantID},
	}
}

func unavailable() error {
	return ledger.NewProviderUnavailable("paypal", errors.New("connection reset"))
}

func TestActivate_BindsAgreement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionApproved, "order-1"))
	m := f.machine(api, 0)

	require.NoError(t, m.Activate(ctx, f.pendingOrder(t, "order-1"), agreementID))

	got := f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderProcessing, got.Status)
	assert.Equal(t, ledger.SubscriptionPendingApproval, got.Subscription.Status)
	assert.Equal(t, agreementID, got.Subscription.ExternalAgreementID)
	assert.True(t, got.Subscription.IsManagedExternally)
	assert.Equal(t, "paypal", got.Subscription.Provider)

	remote, _ := api.Subscription(agreementID)
	assert.Equal(t, provider.SubscriptionActive, remote.Status)

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ActivityOrderProcessing, acts[0].Type)
	assert.Equal(t, ledger.ReasonAgreementApproved, acts[0].ReasonCode())

	// A retried approval callback changes nothing.
	require.NoError(t, m.Activate(ctx, got, agreementID))
	assert.Equal(t, 1, api.Calls("ActivateSubscription"))
	assert.Len(t, f.activities(t, "order-1"), 1)
}

func TestActivate_AlreadyActiveAtProvider(t *testing.T) {
	f := setup(t)
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionActive, "order-1"))
	m := f.machine(api, 0)

	require.NoError(t, m.Activate(context.Background(), f.pendingOrder(t, "order-1"), agreementID))
	assert.Zero(t, api.Calls("ActivateSubscription"))
	assert.Equal(t, ledger.OrderProcessing, f.reload(t, "order-1").Status)
}

func TestActivate_MismatchMakesNoActivateCall(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*provider.Subscription)
	}{
		{"other order", func(s *provider.Subscription) { s.CustomID = "order-2" }},
		{"amount", func(s *provider.Subscription) {
			s.Plan.BillingCycles[1].PricingScheme.FixedPrice = provider.NewMoney(500, "EUR")
		}},
		{"currency", func(s *provider.Subscription) {
			s.Plan.BillingCycles[1].PricingScheme.FixedPrice = provider.NewMoney(1000, "USD")
		}},
		{"merchant", func(s *provider.Subscription) { s.Payee.MerchantID = "SOMEONE-ELSE" }},
		{"no regular cycle", func(s *provider.Subscription) { s.Plan.BillingCycles = s.Plan.BillingCycles[:1] }},
		{"not approved", func(s *provider.Subscription) { s.Status = provider.SubscriptionApprovalPending }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctrl := gomock.NewController(t)
			api := mocks.NewMockAPI(ctrl)

			remote := remoteAgreement(provider.SubscriptionApproved, "order-1")
			tt.mutate(&remote)
			api.EXPECT().GetSubscription(gomock.Any(), agreementID).Return(remote, nil)

			err := f.machine(api, 0).Activate(context.Background(), f.pendingOrder(t, "order-1"), agreementID)
			require.Error(t, err)
			assert.True(t, ledger.IsValidationMismatch(err), "got %v", err)

			got := f.reload(t, "order-1")
			assert.Equal(t, ledger.OrderNew, got.Status)
			assert.Empty(t, got.Subscription.ExternalAgreementID)
			assert.Empty(t, f.activities(t, "order-1"))
		})
	}
}

func TestActivate_RequiresSubscription(t *testing.T) {
	f := setup(t)
	order := testutil.MonthlyOrder("order-1")
	order.Subscription = nil
	order.Interval = ledger.IntervalOneOff

	err := f.machine(providertest.New(), 0).Activate(context.Background(), order, agreementID)
	assert.True(t, ledger.IsValidationMismatch(err))
}

func TestPauseResume(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionActive, "order-1"))
	m := f.machine(api, 0)
	f.activeOrder(t, "order-1")

	require.NoError(t, m.Pause(ctx, f.reload(t, "order-1"), ""))
	got := f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderPaused, got.Status)
	assert.Equal(t, ledger.SubscriptionPaused, got.Subscription.Status)
	assert.False(t, got.Subscription.IsActive)
	remote, _ := api.Subscription(agreementID)
	assert.Equal(t, provider.SubscriptionSuspended, remote.Status)

	require.NoError(t, m.Resume(ctx, got, ""))
	got = f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderActive, got.Status)
	assert.True(t, got.Subscription.IsActive)
	remote, _ = api.Subscription(agreementID)
	assert.Equal(t, provider.SubscriptionActive, remote.Status)

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 2)
	assert.Equal(t, ledger.ActivitySubscriptionPaused, acts[0].Type)
	assert.Equal(t, ledger.ReasonPaused, acts[0].ReasonCode())
	assert.Equal(t, ledger.ActivitySubscriptionResumed, acts[1].Type)
	assert.Equal(t, ledger.ReasonResumed, acts[1].ReasonCode())
}

func TestPause_ProviderUnavailableIsParked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionActive, "order-1"))
	api.Fail("SuspendSubscription", unavailable())
	m := f.machine(api, 0)
	f.activeOrder(t, "order-1")

	require.NoError(t, m.Pause(ctx, f.reload(t, "order-1"), ledger.ReasonPaused))
	assert.Equal(t, ledger.OrderPaused, f.reload(t, "order-1").Status)

	parked, found, err := f.outbox.Get(agreementID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ActionSuspend, parked.Action)
	assert.Equal(t, "order-1", parked.OrderID)

	api.Clear("SuspendSubscription")
	res, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Completed: 1}, res)

	remote, _ := api.Subscription(agreementID)
	assert.Equal(t, provider.SubscriptionSuspended, remote.Status)
	items, err := f.outbox.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPause_ProviderRejectionFails(t *testing.T) {
	f := setup(t)
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	api.EXPECT().
		SuspendSubscription(gomock.Any(), agreementID, string(ledger.ReasonPaused)).
		Return(ledger.NewProviderRejected("suspend", 422, provider.IssueSubscriptionStatusInvalid, "bad state"))
	f.activeOrder(t, "order-1")

	err := f.machine(api, 0).Pause(context.Background(), f.reload(t, "order-1"), ledger.ReasonPaused)
	require.Error(t, err)
	assert.True(t, ledger.IsProviderRejected(err))

	assert.Equal(t, ledger.OrderActive, f.reload(t, "order-1").Status)
	assert.Empty(t, f.activities(t, "order-1"))
	items, err := f.outbox.List()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPause_InvalidFromPending(t *testing.T) {
	f := setup(t)
	err := f.machine(providertest.New(), 0).Pause(context.Background(), f.pendingOrder(t, "order-1"), ledger.ReasonPaused)
	assert.True(t, ledger.IsInvalidTransition(err))
}

func TestDeactivate_AlreadyCancelledAtProviderIsSuccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionCancelled, "order-1"))
	m := f.machine(api, 0)
	f.activeOrder(t, "order-1")

	require.NoError(t, m.Deactivate(ctx, f.reload(t, "order-1"), ledger.ReasonChangedHost, testutil.HostID))

	got := f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderCancelled, got.Status)
	assert.Equal(t, ledger.SubscriptionCancelled, got.Subscription.Status)
	require.NotNil(t, got.Subscription.DeactivatedAt)
	assert.True(t, got.Subscription.DeactivatedAt.Equal(testutil.Epoch))

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ActivitySubscriptionCanceled, acts[0].Type)
	assert.Equal(t, ledger.ReasonChangedHost, acts[0].ReasonCode())
	assert.Equal(t, testutil.HostID, acts[0].Data.String("hostId"))

	require.NoError(t, m.Deactivate(ctx, got, ledger.ReasonChangedHost, testutil.HostID))
	assert.Len(t, f.activities(t, "order-1"), 1)
	assert.Equal(t, 1, api.Calls("CancelSubscription"))
}

func TestDeactivate_NotFoundAtProviderIsSuccess(t *testing.T) {
	f := setup(t)
	api := providertest.New()
	f.activeOrder(t, "order-1")

	err := f.machine(api, 0).Deactivate(context.Background(), f.reload(t, "order-1"), ledger.ReasonArchivedAccount, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderCancelled, f.reload(t, "order-1").Status)
}

func TestDeactivate_PendingWithoutAgreementSkipsProvider(t *testing.T) {
	f := setup(t)
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)

	err := f.machine(api, 0).Deactivate(context.Background(), f.pendingOrder(t, "order-1"), ledger.ReasonCancelledOrder, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.SubscriptionCancelled, f.reload(t, "order-1").Subscription.Status)
}

func TestSyncFromProvider_CancelledEmitsOneActivity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.machine(providertest.New(), 0)
	f.activeOrder(t, "order-1")

	changed, err := m.SyncFromProvider(ctx, f.reload(t, "order-1"), provider.SubscriptionCancelled)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.SyncFromProvider(ctx, f.reload(t, "order-1"), provider.SubscriptionCancelled)
	require.NoError(t, err)
	assert.False(t, changed)

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ActivitySubscriptionCanceled, acts[0].Type)
	assert.Equal(t, ledger.ReasonProviderCancelled, acts[0].ReasonCode())
	assert.Equal(t, ledger.OrderCancelled, f.reload(t, "order-1").Status)
}

func TestSyncFromProvider_ExpiredExpiresOrder(t *testing.T) {
	f := setup(t)
	f.activeOrder(t, "order-1")

	changed, err := f.machine(providertest.New(), 0).SyncFromProvider(context.Background(), f.reload(t, "order-1"), provider.SubscriptionExpired)
	require.NoError(t, err)
	assert.True(t, changed)

	got := f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderExpired, got.Status)
	assert.Equal(t, ledger.SubscriptionCancelled, got.Subscription.Status)
}

func TestSyncFromProvider_SuspendedPauses(t *testing.T) {
	f := setup(t)
	f.activeOrder(t, "order-1")

	changed, err := f.machine(providertest.New(), 0).SyncFromProvider(context.Background(), f.reload(t, "order-1"), provider.SubscriptionSuspended)
	require.NoError(t, err)
	assert.True(t, changed)

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ReasonProviderSuspended, acts[0].ReasonCode())
}

func TestSyncFromProvider_PendingAwaitsFirstCapture(t *testing.T) {
	f := setup(t)
	changed, err := f.machine(providertest.New(), 0).SyncFromProvider(context.Background(), f.pendingOrder(t, "order-1"), provider.SubscriptionActive)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, f.activities(t, "order-1"))
}

func TestMarkError_OnlyProviderLeavesError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.machine(providertest.New(), 0)
	f.activeOrder(t, "order-1")

	require.NoError(t, m.MarkError(ctx, f.reload(t, "order-1"), ledger.ReasonMissingExternal))
	got := f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderError, got.Status)
	assert.Equal(t, ledger.SubscriptionError, got.Subscription.Status)

	require.NoError(t, m.MarkError(ctx, got, ledger.ReasonMissingExternal), "already in error")

	err := m.Resume(ctx, got, "")
	assert.True(t, ledger.IsInvalidTransition(err))

	changed, err := m.SyncFromProvider(ctx, got, provider.SubscriptionActive)
	require.NoError(t, err)
	assert.True(t, changed)
	got = f.reload(t, "order-1")
	assert.Equal(t, ledger.OrderActive, got.Status)
	assert.True(t, got.Subscription.IsActive)

	acts := f.activities(t, "order-1")
	require.Len(t, acts, 2)
	assert.Equal(t, ledger.ActivitySubscriptionError, acts[0].Type)
	assert.Equal(t, ledger.ReasonProviderReactivated, acts[1].ReasonCode())
}

func TestMarkError_OneOffOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := testutil.MonthlyOrder("order-1")
	o.Interval = ledger.IntervalOneOff
	o.Subscription = nil
	o.Status = ledger.OrderActive
	require.NoError(t, f.store.PutOrder(ctx, o))

	require.NoError(t, f.machine(providertest.New(), 0).MarkError(ctx, o, ledger.ReasonMissingExternal))
	assert.Equal(t, ledger.OrderError, f.reload(t, "order-1").Status)
	acts := f.activities(t, "order-1")
	require.Len(t, acts, 1)
	assert.Equal(t, ledger.ReasonMissingExternal, acts[0].ReasonCode())
}

func TestCancelExternal(t *testing.T) {
	f := setup(t)
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionActive, ""))

	require.NoError(t, f.machine(api, 0).CancelExternal(context.Background(), agreementID, ledger.ReasonOrphanAgreement))
	remote, _ := api.Subscription(agreementID)
	assert.Equal(t, provider.SubscriptionCancelled, remote.Status)
}

func TestRecover_DropsAfterMaxAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	api := providertest.New()
	api.AddSubscription(remoteAgreement(provider.SubscriptionActive, ""))
	api.Fail("CancelSubscription", unavailable())
	m := f.machine(api, 2)

	require.NoError(t, m.CancelExternal(ctx, agreementID, ledger.ReasonOrphanAgreement))

	res, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Retrying: 1}, res)
	parked, found, err := f.outbox.Get(agreementID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, parked.Attempts)

	res, err = m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Dropped: 1}, res)
	_, found, err = f.outbox.Get(agreementID)
	require.NoError(t, err)
	assert.False(t, found)

	require.Len(t, f.reporter.errs, 1)
	assert.True(t, ledger.IsProviderUnavailable(f.reporter.errs[0]))
	assert.Equal(t, "2", f.reporter.fields[0]["attempts"])
	assert.Equal(t, 3, api.Calls("CancelSubscription"))
}

func TestRecover_DropsRejectedAtOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	api := mocks.NewMockAPI(ctrl)
	api.EXPECT().
		ActivateSubscription(gomock.Any(), agreementID, "RESUMED").
		Return(ledger.NewProviderRejected("activate", 422, provider.IssueSubscriptionStatusInvalid, "cancelled"))
	require.NoError(t, f.outbox.Put(Pending{AgreementID: agreementID, Action: ActionActivate, Reason: "RESUMED", EnqueuedAt: testutil.Epoch}))

	res, err := f.machine(api, 5).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Dropped: 1}, res)
	require.Len(t, f.reporter.errs, 1)
	assert.True(t, ledger.IsProviderRejected(f.reporter.errs[0]))
}

func TestRecover_CancelOfGoneAgreementCompletes(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.outbox.Put(Pending{AgreementID: "I-GONE", Action: ActionCancel, Reason: "ORPHAN_AGREEMENT"}))

	res, err := f.machine(providertest.New(), 0).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Completed: 1}, res)
	assert.Empty(t, f.reporter.errs)
}

// interleavingAPI parks a newer intent for the agreement while a replayed
// suspend is in flight.
type interleavingAPI struct {
	*providertest.Fake
	outbox *Outbox
	newer  Pending
}

func (a interleavingAPI) SuspendSubscription(ctx context.Context, id, reason string) error {
	if err := a.outbox.Put(a.newer); err != nil {
		return err
	}
	return a.Fake.SuspendSubscription(ctx, id, reason)
}

func TestRecover_KeepsIntentParkedDuringReplay(t *testing.T) {
	for name, failSuspend := range map[string]bool{"replay succeeds": false, "replay unavailable": true} {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			fake := providertest.New()
			fake.AddSubscription(remoteAgreement(provider.SubscriptionActive, ""))
			if failSuspend {
				fake.Fail("SuspendSubscription", unavailable())
			}
			require.NoError(t, f.outbox.Put(Pending{AgreementID: agreementID, Action: ActionSuspend, Reason: "PAUSED", EnqueuedAt: testutil.Epoch}))
			newer := Pending{AgreementID: agreementID, Action: ActionCancel, Reason: "CANCELLED_ORDER", EnqueuedAt: testutil.Epoch.Add(time.Minute)}
			m := f.machine(interleavingAPI{Fake: fake, outbox: f.outbox, newer: newer}, 5)

			res, err := m.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoverResult{Superseded: 1}, res)
			parked, found, err := f.outbox.Get(agreementID)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, ActionCancel, parked.Action)
			assert.Zero(t, parked.Attempts)

			res, err = m.Recover(ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoverResult{Completed: 1}, res)
			remote, _ := fake.Subscription(agreementID)
			assert.Equal(t, provider.SubscriptionCancelled, remote.Status)
			_, found, err = f.outbox.Get(agreementID)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}
