package billing

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/PortNumber53/family-membership/internal/models"
)

// CancelPendingDowngrade restores the pre-downgrade seat count on the
// processor and marks the pending downgrade canceled.
func (s *Service) CancelPendingDowngrade(ctx context.Context, userID string) error {
	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		return err
	}
	pending, err := s.store.GetPendingDowngrade(ctx, acct.membership.ID)
	if err != nil {
		return fmt.Errorf("billing: load pending downgrade: %w", err)
	}
	if pending == nil {
		return newError(ErrNoPendingChange, CodeNoPendingDowngrade, "there is no scheduled downgrade to cancel", nil)
	}

	sub, err := s.processor.GetSubscription(ctx, acct.membership.StripeSubscriptionID)
	if err != nil {
		return newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not load subscription", err)
	}

	seats := acct.seats()
	if _, err := s.processor.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{
		Items:   s.planner.RestoreDelta(seats, acct.membership.BillingCycle, sub.Items),
		Prorate: false,
		Metadata: map[string]string{
			MetaChildrenCount:    strconv.Itoa(seats),
			MetaPendingDowngrade: "false",
			MetaChildrenToKeep:   "",
		},
		IdempotencyKey: "restore-downgrade-" + pending.ID,
	}); err != nil {
		return newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not restore subscription", err)
	}

	canceled, err := s.store.CancelPendingDowngrade(ctx, pending.ID)
	if err != nil {
		return fmt.Errorf("billing: cancel pending downgrade: %w", err)
	}
	if !canceled {
		log.Printf("[billing] pending downgrade %s was no longer pending", pending.ID)
		return nil
	}

	s.notify(ctx, acct.profile.ID, models.NotifyDowngradeCanceled, "Downgrade canceled",
		fmt.Sprintf("Your scheduled downgrade was canceled. Your membership keeps %s.", childrenLabel(seats)))
	return nil
}

// CancelPendingBillingChange releases the processor schedule and marks the
// pending billing change canceled.
func (s *Service) CancelPendingBillingChange(ctx context.Context, userID string) error {
	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		return err
	}
	pending, err := s.store.GetPendingBillingChange(ctx, acct.membership.ID)
	if err != nil {
		return fmt.Errorf("billing: load pending billing change: %w", err)
	}
	if pending == nil {
		return newError(ErrNoPendingChange, CodeNoPendingCycleChange, "there is no scheduled billing cycle change to cancel", nil)
	}

	schedules, err := s.processor.ListSchedules(ctx, acct.membership.StripeCustomerID)
	if err != nil {
		return newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not list schedules", err)
	}
	for _, sched := range schedules {
		if sched.Status != ScheduleActive && sched.Status != ScheduleNotStarted {
			continue
		}
		if err := s.processor.ReleaseSchedule(ctx, sched.ID); err != nil {
			return newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not release schedule", err)
		}
	}

	canceled, err := s.store.CancelPendingBillingChange(ctx, pending.ID)
	if err != nil {
		return fmt.Errorf("billing: cancel pending billing change: %w", err)
	}
	if !canceled {
		log.Printf("[billing] pending billing change %s was no longer pending", pending.ID)
		return nil
	}

	s.notify(ctx, acct.profile.ID, models.NotifyCycleChangeCanceled, "Billing cycle change canceled",
		fmt.Sprintf("Your scheduled switch to %s billing was canceled. You stay on %s billing.",
			cycleLabel(pending.NewBillingCycle), cycleLabel(acct.membership.BillingCycle)))
	return nil
}
