package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/family-membership/internal/models"
)

func TestCommitDowngradeSchedulesChange(t *testing.T) {
	h := newHarness(t, 2)
	before := h.store.membership("mem-1")

	res, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 1, ChildrenToKeep: []string{"child-a"}})
	require.NoError(t, err)

	assert.Equal(t, ChangeDeferredDowngrade, res.Kind)
	require.NotNil(t, res.ScheduledFor)
	assert.True(t, res.ScheduledFor.Equal(periodEnd))

	pending := h.store.pendingDowngrades(models.PendingStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].NewChildrenCount)
	assert.Equal(t, []string{"child-a"}, pending[0].ChildrenToKeep)
	assert.True(t, pending[0].ScheduledFor.Equal(periodEnd))

	assert.Len(t, h.notifier.ofType(models.NotifyDowngradeScheduled), 1)
	assert.Equal(t, before, h.store.membership("mem-1"))

	require.Len(t, h.proc.updates, 1)
	update := h.proc.updates[0]
	assert.False(t, update.Prorate)
	assert.Equal(t, []ItemChange{{ID: "si_seat", Deleted: true}}, update.Items)
	assert.Equal(t, "1", update.Metadata[MetaChildrenCount])
	assert.Equal(t, "true", update.Metadata[MetaPendingDowngrade])
	assert.Equal(t, `["child-a"]`, update.Metadata[MetaChildrenToKeep])
	assert.Empty(t, update.IdempotencyKey)
}

func TestCommitDowngradeSupersedesPending(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	in := ChangeInput{ChildrenCount: 1, ChildrenToKeep: []string{"child-a"}}

	_, err := h.svc.Commit(ctx, "user-1", in)
	require.NoError(t, err)
	in.ChildrenToKeep = []string{"child-b"}
	_, err = h.svc.Commit(ctx, "user-1", in)
	require.NoError(t, err)

	pending := h.store.pendingDowngrades(models.PendingStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"child-b"}, pending[0].ChildrenToKeep)
	assert.Len(t, h.store.pendingDowngrades(models.PendingStatusCanceled), 1)
}

func TestCommitDowngradeRejectsInvalidSelection(t *testing.T) {
	tests := []struct {
		name string
		keep []string
	}{
		{name: "missing", keep: nil},
		{name: "too many", keep: []string{"child-a", "child-b"}},
		{name: "foreign child", keep: []string{"child-z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2)

			_, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 1, ChildrenToKeep: tt.keep})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidChildSelection)
			assert.Empty(t, h.proc.updates)
			assert.Empty(t, h.store.downgrades)
		})
	}
}

func TestCommitDowngradeRejectsDuplicateChildren(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 2, ChildrenToKeep: []string{"child-a", "child-a"}})
	assert.ErrorIs(t, err, ErrInvalidChildSelection)
}

func TestCommitProcessorFailureLeavesLocalState(t *testing.T) {
	h := newHarness(t, 2)
	h.proc.updateErr = errors.New("card_declined")
	before := h.store.membership("mem-1")

	_, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessorUpdateFailed)

	_, err = h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 1, ChildrenToKeep: []string{"child-a"}})
	assert.ErrorIs(t, err, ErrProcessorUpdateFailed)

	assert.Equal(t, before, h.store.membership("mem-1"))
	assert.Empty(t, h.store.downgrades)
	assert.Empty(t, h.notifier.sent)
}

func TestCommitUpgradeUpdatesMembership(t *testing.T) {
	h := newHarness(t, 1)
	h.proc.previewLines = []InvoiceLine{{Amount: 1900, Proration: true}}
	ctx := context.Background()

	p, err := h.svc.Preview(ctx, "user-1", ChangeInput{ChildrenCount: 3, BillingCycle: models.BillingMonthly})
	require.NoError(t, err)
	assert.Positive(t, p.AmountDueNowCents)

	res, err := h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 3, BillingCycle: models.BillingMonthly})
	require.NoError(t, err)
	assert.Equal(t, ChangeImmediateUpgrade, res.Kind)

	m := h.store.membership("mem-1")
	plan, err := h.store.GetPlan(ctx, m.PlanID)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.MaxChildren)
	assert.Equal(t, "Familiar 3", plan.Name)
	assert.Equal(t, 37, plan.PriceMonthly)

	assert.Len(t, h.notifier.ofType(models.NotifySubscriptionUpdated), 1)
	assert.Empty(t, h.store.downgrades)
	assert.Empty(t, h.store.billingChanges)

	require.Len(t, h.proc.updates, 1)
	assert.True(t, h.proc.updates[0].Prorate)
	assert.Equal(t, "3", h.proc.updates[0].Metadata[MetaChildrenCount])

	// Resubmitting the same request is a no-op once the cache reflects it.
	_, err = h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 3})
	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoChanges, be.Code)
}

func TestCommitUpgradeSurvivesCacheWriteFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.store.syncErr = errors.New("connection reset")

	_, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 2})
	require.NoError(t, err)
	assert.Len(t, h.proc.updates, 1)
	assert.Len(t, h.notifier.ofType(models.NotifySubscriptionUpdated), 1)
}

func TestCommitUpgradeRejectedWhileDowngradePending(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 1, ChildrenToKeep: []string{"child-a"}})
	require.NoError(t, err)

	_, err = h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 4})
	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodePendingChangeConflict, be.Code)
	assert.Len(t, h.proc.updates, 1)
}

func TestCommitCycleChangeBuildsSchedule(t *testing.T) {
	h := newHarness(t, 2)
	h.proc.schedules = []Schedule{
		{ID: "sub_sched_live", Status: ScheduleActive},
		{ID: "sub_sched_future", Status: ScheduleNotStarted},
		{ID: "sub_sched_old", Status: "released"},
	}

	res, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 3, BillingCycle: models.BillingYearly})
	require.NoError(t, err)
	assert.Equal(t, ChangeDeferredCycleChange, res.Kind)

	assert.Equal(t, []string{"sub_sched_live"}, h.proc.released)
	assert.Equal(t, []string{"sub_sched_future"}, h.proc.canceled)

	require.Len(t, h.proc.created, 1)
	req := h.proc.created[0]
	assert.Equal(t, "sub_1", req.SubscriptionID)
	assert.Equal(t, "release", req.EndBehavior)
	require.Len(t, req.Phases, 2)
	assert.True(t, req.Phases[0].EndDate.Equal(periodEnd))
	assert.Equal(t, []LineItem{
		{PriceID: testPrices.BaseMonthly, Quantity: 1},
		{PriceID: testPrices.SeatMonthly, Quantity: 1},
	}, req.Phases[0].Items)
	assert.Equal(t, int64(1), req.Phases[1].Iterations)
	assert.Equal(t, []LineItem{
		{PriceID: testPrices.BaseYearly, Quantity: 1},
		{PriceID: testPrices.SeatYearly, Quantity: 2},
	}, req.Phases[1].Items)
	assert.Equal(t, "3", req.Phases[1].Metadata[MetaChildrenCount])

	pending, err := h.store.GetPendingBillingChange(context.Background(), "mem-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, models.BillingYearly, pending.NewBillingCycle)
	assert.Equal(t, 3, pending.NewChildrenCount)

	sent := h.notifier.ofType(models.NotifyCycleChangeScheduled)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "yearly")
	assert.Empty(t, h.proc.updates)
	assert.Equal(t, models.BillingMonthly, h.store.membership("mem-1").BillingCycle)
}

func TestCommitCycleChangeScheduleFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.proc.scheduleErr = errors.New("schedule rejected")

	_, err := h.svc.Commit(context.Background(), "user-1", ChangeInput{ChildrenCount: 2, BillingCycle: models.BillingYearly})
	assert.ErrorIs(t, err, ErrProcessorUpdateFailed)
	assert.Empty(t, h.store.billingChanges)
	assert.Empty(t, h.notifier.sent)
}

func TestCancelPendingDowngradeRestoresSeats(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 1, ChildrenToKeep: []string{"child-a"}})
	require.NoError(t, err)

	require.NoError(t, h.svc.CancelPendingDowngrade(ctx, "user-1"))

	assert.Empty(t, h.store.pendingDowngrades(models.PendingStatusPending))
	assert.Len(t, h.store.pendingDowngrades(models.PendingStatusCanceled), 1)

	require.Len(t, h.proc.updates, 2)
	restore := h.proc.updates[1]
	assert.False(t, restore.Prorate)
	assert.Equal(t, []ItemChange{{PriceID: testPrices.SeatMonthly, Quantity: 1}}, restore.Items)
	assert.Equal(t, "2", restore.Metadata[MetaChildrenCount])
	assert.Equal(t, "false", restore.Metadata[MetaPendingDowngrade])
	assert.Equal(t, "", restore.Metadata[MetaChildrenToKeep])
	assert.Equal(t, "restore-downgrade-"+h.store.pendingDowngrades(models.PendingStatusCanceled)[0].ID, restore.IdempotencyKey)

	assert.Len(t, h.notifier.ofType(models.NotifyDowngradeCanceled), 1)

	err = h.svc.CancelPendingDowngrade(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNoPendingChange)
}

func TestCancelPendingBillingChangeReleasesSchedule(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.svc.Commit(ctx, "user-1", ChangeInput{ChildrenCount: 2, BillingCycle: models.BillingYearly})
	require.NoError(t, err)
	require.Len(t, h.proc.schedules, 1)

	require.NoError(t, h.svc.CancelPendingBillingChange(ctx, "user-1"))

	assert.Equal(t, []string{h.proc.schedules[0].ID}, h.proc.released)
	pending, err := h.store.GetPendingBillingChange(ctx, "mem-1")
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Len(t, h.notifier.ofType(models.NotifyCycleChangeCanceled), 1)

	err = h.svc.CancelPendingBillingChange(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNoPendingChange)
	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNoPendingCycleChange, be.Code)
}
