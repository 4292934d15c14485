package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/family-membership/internal/models"
)

// HandleEvent reconciles one verified processor event into the local store.
// Every write is conditional on current state, so redelivery is harmless.
func (s *Service) HandleEvent(ctx context.Context, ev *Event) (err error) {
	defer func() { webhookEventsTotal.WithLabelValues(ev.Type, outcome(err)).Inc() }()

	if s.events != nil && ev.ID != "" {
		seen, serr := s.events.Seen(ctx, ev.ID)
		if serr != nil {
			log.Printf("[webhook] event log lookup %s: %v", ev.ID, serr)
		} else if seen {
			log.Printf("[webhook] event %s already processed", ev.ID)
			return nil
		}
	}

	switch ev.Type {
	case EventSubscriptionUpdated:
		err = s.reconcileSubscription(ctx, ev.Subscription)
	case EventSubscriptionDeleted:
		err = s.handleSubscriptionDeleted(ctx, ev.Subscription)
	case EventInvoicePaymentSucceeded:
		err = s.handlePaymentSucceeded(ctx, ev.Invoice)
	case EventInvoicePaymentFailed:
		err = s.handlePaymentFailed(ctx, ev.Invoice)
	case EventCheckoutCompleted:
		err = s.handleCheckoutCompleted(ctx, ev.Checkout)
	default:
		log.Printf("[webhook] unhandled event type: %s", ev.Type)
		return nil
	}
	if err != nil {
		return err
	}

	if s.events != nil && ev.ID != "" {
		if merr := s.events.Mark(ctx, ev.ID); merr != nil {
			log.Printf("[webhook] event log mark %s: %v", ev.ID, merr)
		}
	}
	return nil
}

// ResyncSubscription fetches a subscription from the processor and
// reconciles it as if a subscription.updated event had arrived. It recovers
// pending changes whose webhook was missed.
func (s *Service) ResyncSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.processor.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("billing: resync %s: %w", subscriptionID, err)
	}
	return s.reconcileSubscription(ctx, sub)
}

func (s *Service) reconcileSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return errors.New("billing: subscription event without subscription")
	}
	m, err := s.store.GetMembershipBySubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("billing: load membership for %s: %w", sub.ID, err)
	}
	if m == nil {
		log.Printf("[webhook] no membership for subscription %s", sub.ID)
		return nil
	}
	if m.Status.Terminal() {
		log.Printf("[webhook] membership %s is %s, ignoring subscription %s update", m.ID, m.Status, sub.ID)
		return nil
	}
	parentID := s.parentOf(ctx, m.FamilyID)

	flipped, err := s.store.SetCancelAtPeriodEnd(ctx, sub.ID, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("billing: update cancel flag: %w", err)
	}
	if flipped {
		if sub.CancelAtPeriodEnd {
			s.notify(ctx, parentID, models.NotifyCancelScheduled, "Cancellation scheduled",
				fmt.Sprintf("Your membership will end on %s. You can reactivate it any time before then.",
					formatDate(sub.CurrentPeriodEnd)))
		} else {
			s.notify(ctx, parentID, models.NotifyReactivated, "Membership reactivated",
				"Your membership will renew automatically.")
		}
	}

	holdSeats := false
	pd, err := s.store.GetPendingDowngrade(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("billing: load pending downgrade: %w", err)
	}
	if pd != nil {
		if periodRolled(sub, pd.ScheduledFor) {
			if err := s.applyDowngrade(ctx, m, pd, parentID); err != nil {
				return err
			}
		} else {
			// Processor metadata already carries the future seat count.
			holdSeats = true
		}
	}

	cycle := s.cycleOf(sub)
	pbc, err := s.store.GetPendingBillingChange(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("billing: load pending billing change: %w", err)
	}
	if pbc != nil && periodRolled(sub, pbc.ScheduledFor) && cycle == pbc.NewBillingCycle {
		applied, err := s.store.ApplyPendingBillingChange(ctx, pbc.ID)
		if err != nil {
			return fmt.Errorf("billing: apply pending billing change: %w", err)
		}
		if applied {
			s.notify(ctx, parentID, models.NotifyCycleChangeApplied, "Billing cycle changed",
				fmt.Sprintf("You are now billed %s for %s.", cycleLabel(cycle), childrenLabel(pbc.NewChildrenCount)))
		}
	}

	sync := MembershipSync{
		BillingCycle:      cycle,
		Status:            membershipStatus(sub.Status),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
	}

	if !holdSeats {
		seats := s.seatsFromSubscription(sub)
		current, err := s.store.GetPlan(ctx, m.PlanID)
		if err != nil {
			return fmt.Errorf("billing: load plan: %w", err)
		}
		if current == nil || current.MaxChildren != seats {
			plan, err := s.ensurePlan(ctx, s.pricing.Clamp(seats))
			if err != nil {
				return err
			}
			sync.PlanID = plan.ID
		}
	}

	if err := s.store.SyncMembership(ctx, sub.ID, sync); err != nil {
		return fmt.Errorf("billing: sync membership: %w", err)
	}
	return nil
}

// applyDowngrade revokes access codes of children that were not kept and
// moves the downgrade to applied. Only the delivery that wins the pending to
// applied transition clears metadata and notifies.
func (s *Service) applyDowngrade(ctx context.Context, m *models.Membership, pd *models.PendingDowngrade, parentID string) error {
	children, err := s.store.ListChildren(ctx, m.FamilyID)
	if err != nil {
		return fmt.Errorf("billing: list children: %w", err)
	}
	keep := make(map[string]bool, len(pd.ChildrenToKeep))
	for _, id := range pd.ChildrenToKeep {
		keep[id] = true
	}
	var revoke []string
	for _, c := range children {
		if !keep[c.ID] && c.FamilyCodeID != nil {
			revoke = append(revoke, *c.FamilyCodeID)
		}
	}
	if len(revoke) > 0 {
		n, err := s.store.RevokeFamilyCodes(ctx, revoke)
		if err != nil {
			return fmt.Errorf("billing: revoke family codes: %w", err)
		}
		log.Printf("[webhook] revoked %d family codes for family %s", n, m.FamilyID)
	}

	applied, err := s.store.ApplyPendingDowngrade(ctx, pd.ID)
	if err != nil {
		return fmt.Errorf("billing: apply pending downgrade: %w", err)
	}
	if !applied {
		log.Printf("[webhook] pending downgrade %s already applied", pd.ID)
		return nil
	}

	if _, err := s.processor.UpdateSubscription(ctx, m.StripeSubscriptionID, SubscriptionUpdate{
		Metadata: map[string]string{
			MetaPendingDowngrade: "false",
			MetaChildrenToKeep:   "",
		},
	}); err != nil {
		log.Printf("[webhook] clear downgrade metadata on %s: %v", m.StripeSubscriptionID, err)
	}

	s.notify(ctx, parentID, models.NotifyDowngradeApplied, "Downgrade applied",
		fmt.Sprintf("Your membership now covers %s. Access was removed for %s.",
			childrenLabel(pd.NewChildrenCount), childrenLabel(len(revoke))))
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return errors.New("billing: subscription event without subscription")
	}
	m, err := s.store.GetMembershipBySubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("billing: load membership for %s: %w", sub.ID, err)
	}
	if m == nil {
		log.Printf("[webhook] no membership for deleted subscription %s", sub.ID)
		return nil
	}

	changed, err := s.store.SetMembershipStatus(ctx, sub.ID, models.MembershipCanceled)
	if err != nil {
		return fmt.Errorf("billing: cancel membership: %w", err)
	}
	if changed {
		s.notify(ctx, s.parentOf(ctx, m.FamilyID), models.NotifySubscriptionCanceled, "Membership canceled",
			"Your family membership has ended. You can subscribe again at any time.")
	}
	return nil
}

func (s *Service) invoiceMembership(ctx context.Context, inv *Invoice) (*models.Membership, error) {
	if inv == nil {
		return nil, errors.New("billing: invoice event without invoice")
	}
	if inv.SubscriptionID == "" {
		log.Printf("[webhook] invoice %s is not linked to a subscription", inv.ID)
		return nil, nil
	}
	m, err := s.store.GetMembershipBySubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("billing: load membership for %s: %w", inv.SubscriptionID, err)
	}
	if m == nil {
		log.Printf("[webhook] no membership for invoice %s subscription %s", inv.ID, inv.SubscriptionID)
		return nil, nil
	}
	if m.Status.Terminal() {
		log.Printf("[webhook] membership %s is %s, ignoring invoice %s", m.ID, m.Status, inv.ID)
		return nil, nil
	}
	return m, nil
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, inv *Invoice) error {
	m, err := s.invoiceMembership(ctx, inv)
	if err != nil || m == nil {
		return err
	}
	// The first invoice is confirmed by the checkout flow.
	if inv.BillingReason == "subscription_create" {
		return nil
	}
	s.notify(ctx, s.parentOf(ctx, m.FamilyID), models.NotifyRenewed, "Membership renewed",
		fmt.Sprintf("We received your payment of %s. Thank you!", formatCents(inv.AmountPaid)))
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, inv *Invoice) error {
	m, err := s.invoiceMembership(ctx, inv)
	if err != nil || m == nil {
		return err
	}
	changed, err := s.store.SetMembershipStatus(ctx, inv.SubscriptionID, models.MembershipPastDue)
	if err != nil {
		return fmt.Errorf("billing: mark membership past due: %w", err)
	}
	if !changed {
		log.Printf("[webhook] membership %s already past due", m.ID)
		return nil
	}
	s.notify(ctx, s.parentOf(ctx, m.FamilyID), models.NotifyPaymentFailed, "Payment failed",
		"We could not process your membership payment. Please update your payment method.")
	return nil
}

// periodRolled reports whether the processor has moved past scheduledFor.
func periodRolled(sub *Subscription, scheduledFor time.Time) bool {
	if !sub.CurrentPeriodStart.IsZero() && !sub.CurrentPeriodStart.Before(scheduledFor) {
		return true
	}
	return sub.CurrentPeriodEnd.After(scheduledFor)
}

func membershipStatus(processorStatus string) models.MembershipStatus {
	if processorStatus == "active" {
		return models.MembershipActive
	}
	return models.MembershipPastDue
}
