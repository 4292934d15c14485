package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/PortNumber53/family-membership/internal/models"
)

// CommitResult reports what a commit did.
type CommitResult struct {
	Kind          ChangeKind          `json:"kind"`
	ChildrenCount int                 `json:"childrenCount"`
	BillingCycle  models.BillingCycle `json:"billingCycle"`
	ScheduledFor  *time.Time          `json:"scheduledFor,omitempty"`
	Message       string              `json:"message"`
}

// Commit carries out in for userID. Processor failures leave local state untouched.
func (s *Service) Commit(ctx context.Context, userID string, in ChangeInput) (result *CommitResult, err error) {
	kind := "unknown"
	defer func() { commitsTotal.WithLabelValues(kind, outcome(err)).Inc() }()

	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.planChange(ctx, acct, in)
	if err != nil {
		return nil, err
	}
	kind = string(plan.Kind)

	if plan.Kind == ChangeDeferredDowngrade {
		if err := s.validateChildren(ctx, acct, plan, in.ChildrenToKeep); err != nil {
			return nil, err
		}
	}

	sub, err := s.processor.GetSubscription(ctx, acct.membership.StripeSubscriptionID)
	if err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not load subscription", err)
	}

	switch plan.Kind {
	case ChangeImmediateUpgrade:
		return s.commitUpgrade(ctx, acct, plan, sub)
	case ChangeDeferredDowngrade:
		return s.commitDowngrade(ctx, acct, plan, sub, in.ChildrenToKeep)
	default:
		return s.commitCycleChange(ctx, acct, plan, sub)
	}
}

func (s *Service) validateChildren(ctx context.Context, acct *account, plan ChangePlan, keep []string) error {
	if len(keep) != plan.RequestedSeats {
		return newError(ErrInvalidChildSelection, CodeInvalidChildSelection,
			fmt.Sprintf("select exactly %s to keep", childrenLabel(plan.RequestedSeats)), nil)
	}

	children, err := s.store.ListChildren(ctx, acct.membership.FamilyID)
	if err != nil {
		return fmt.Errorf("billing: list children: %w", err)
	}
	owned := make(map[string]bool, len(children))
	for _, c := range children {
		owned[c.ID] = true
	}

	seen := make(map[string]bool, len(keep))
	for _, id := range keep {
		if !owned[id] || seen[id] {
			return newError(ErrInvalidChildSelection, CodeInvalidChildSelection,
				"selected children must be distinct members of your family", nil)
		}
		seen[id] = true
	}
	return nil
}

func (s *Service) commitUpgrade(ctx context.Context, acct *account, plan ChangePlan, sub *Subscription) (*CommitResult, error) {
	updated, err := s.processor.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{
		Items:   s.planner.ItemDelta(plan, sub.Items),
		Prorate: true,
		Metadata: map[string]string{
			MetaChildrenCount:    strconv.Itoa(plan.RequestedSeats),
			MetaPendingDowngrade: "false",
		},
	})
	if err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not update subscription", err)
	}

	// The membership row is a cache of the processor; the webhook rewrites
	// the same fields, so a failure here is logged and left to it.
	newPlan, err := s.ensurePlan(ctx, plan.RequestedSeats)
	if err != nil {
		log.Printf("[billing] upgrade %s: %v", sub.ID, err)
	} else if err := s.store.SyncMembership(ctx, sub.ID, MembershipSync{
		PlanID:           newPlan.ID,
		BillingCycle:     plan.TargetCycle,
		CurrentPeriodEnd: updated.CurrentPeriodEnd,
	}); err != nil {
		log.Printf("[billing] upgrade %s: sync membership: %v", sub.ID, err)
	}

	s.notify(ctx, acct.profile.ID, models.NotifySubscriptionUpdated, "Membership updated",
		fmt.Sprintf("Your membership now covers %s.", childrenLabel(plan.RequestedSeats)))

	return &CommitResult{
		Kind:          plan.Kind,
		ChildrenCount: plan.RequestedSeats,
		BillingCycle:  plan.TargetCycle,
		Message:       changeMessage(plan, updated.CurrentPeriodEnd),
	}, nil
}

func (s *Service) commitDowngrade(ctx context.Context, acct *account, plan ChangePlan, sub *Subscription, keep []string) (*CommitResult, error) {
	keepJSON, err := json.Marshal(keep)
	if err != nil {
		return nil, fmt.Errorf("billing: encode children to keep: %w", err)
	}

	if _, err := s.processor.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{
		Items:   s.planner.ItemDelta(plan, sub.Items),
		Prorate: false,
		Metadata: map[string]string{
			MetaChildrenCount:    strconv.Itoa(plan.RequestedSeats),
			MetaPendingDowngrade: "true",
			MetaChildrenToKeep:   string(keepJSON),
		},
	}); err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not schedule downgrade", err)
	}

	scheduledFor := sub.CurrentPeriodEnd
	pending := &models.PendingDowngrade{
		MembershipID:     acct.membership.ID,
		NewChildrenCount: plan.RequestedSeats,
		ChildrenToKeep:   keep,
		ScheduledFor:     scheduledFor,
		Status:           models.PendingStatusPending,
	}
	if err := s.store.ReplacePendingDowngrade(ctx, pending); err != nil {
		return nil, fmt.Errorf("billing: record pending downgrade: %w", err)
	}

	s.notify(ctx, acct.profile.ID, models.NotifyDowngradeScheduled, "Downgrade scheduled",
		fmt.Sprintf("Your membership will change to %s on %s. You keep all current seats until then.",
			childrenLabel(plan.RequestedSeats), formatDate(scheduledFor)))

	return &CommitResult{
		Kind:          plan.Kind,
		ChildrenCount: plan.RequestedSeats,
		BillingCycle:  plan.TargetCycle,
		ScheduledFor:  &scheduledFor,
		Message:       changeMessage(plan, scheduledFor),
	}, nil
}

func (s *Service) commitCycleChange(ctx context.Context, acct *account, plan ChangePlan, sub *Subscription) (*CommitResult, error) {
	if err := s.clearSchedules(ctx, sub.CustomerID); err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not clear existing schedules", err)
	}

	current := make([]LineItem, 0, len(sub.Items))
	for _, item := range sub.Items {
		current = append(current, LineItem{PriceID: item.PriceID, Quantity: max(item.Quantity, 1)})
	}

	if _, err := s.processor.CreateSchedule(ctx, ScheduleRequest{
		SubscriptionID: sub.ID,
		EndBehavior:    "release",
		Phases: []SchedulePhase{
			{Items: current, EndDate: sub.CurrentPeriodEnd},
			{
				Items:      s.prices.Items(plan.RequestedSeats, plan.TargetCycle),
				Iterations: 1,
				Metadata: map[string]string{
					MetaChildrenCount: strconv.Itoa(plan.RequestedSeats),
					MetaBillingCycle:  string(plan.TargetCycle),
				},
			},
		},
	}); err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not schedule billing cycle change", err)
	}

	scheduledFor := sub.CurrentPeriodEnd
	pending := &models.PendingBillingChange{
		MembershipID:     acct.membership.ID,
		NewBillingCycle:  plan.TargetCycle,
		NewChildrenCount: plan.RequestedSeats,
		ScheduledFor:     scheduledFor,
		Status:           models.PendingStatusPending,
	}
	if err := s.store.ReplacePendingBillingChange(ctx, pending); err != nil {
		return nil, fmt.Errorf("billing: record pending billing change: %w", err)
	}

	s.notify(ctx, acct.profile.ID, models.NotifyCycleChangeScheduled, "Billing cycle change scheduled",
		fmt.Sprintf("Your billing will switch from %s to %s on %s, covering %s.",
			cycleLabel(plan.CurrentCycle), cycleLabel(plan.TargetCycle), formatDate(scheduledFor),
			childrenLabel(plan.RequestedSeats)))

	return &CommitResult{
		Kind:          plan.Kind,
		ChildrenCount: plan.RequestedSeats,
		BillingCycle:  plan.TargetCycle,
		ScheduledFor:  &scheduledFor,
		Message:       changeMessage(plan, scheduledFor),
	}, nil
}

// clearSchedules releases live schedules so the subscription continues
// standalone, and cancels ones that have not started yet.
func (s *Service) clearSchedules(ctx context.Context, customerID string) error {
	schedules, err := s.processor.ListSchedules(ctx, customerID)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		switch sched.Status {
		case ScheduleActive:
			err = s.processor.ReleaseSchedule(ctx, sched.ID)
		case ScheduleNotStarted:
			err = s.processor.CancelSchedule(ctx, sched.ID)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		log.Printf("[billing] cleared %s schedule %s for customer %s", sched.Status, sched.ID, customerID)
	}
	return nil
}
