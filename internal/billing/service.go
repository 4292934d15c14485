// Package billing implements the family membership subscription engine:
// planning seat and billing cycle changes, previewing and committing them
// against the payment processor, and reconciling processor webhooks into the
// local store.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/PortNumber53/family-membership/internal/models"
	"github.com/PortNumber53/family-membership/internal/pricing"
)

// Deps are the collaborators of a Service. Events is optional.
type Deps struct {
	Store     Store
	Processor Processor
	Notifier  Notifier
	Codes     CodeGenerator
	Events    EventLog
	Pricing   pricing.Config
	Prices    PriceCatalog
	AppURL    string
}

// Service runs previews, commits, reversals, checkout and webhook reconciliation.
type Service struct {
	store     Store
	processor Processor
	notifier  Notifier
	codes     CodeGenerator
	events    EventLog
	pricing   pricing.Config
	prices    PriceCatalog
	planner   Planner
	appURL    string
}

// New validates deps and returns a Service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("billing: store is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("billing: processor is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("billing: notifier is required")
	}
	if deps.Codes == nil {
		return nil, errors.New("billing: code generator is required")
	}
	return &Service{
		store:     deps.Store,
		processor: deps.Processor,
		notifier:  deps.Notifier,
		codes:     deps.Codes,
		events:    deps.Events,
		pricing:   deps.Pricing,
		prices:    deps.Prices,
		planner:   Planner{Pricing: deps.Pricing, Prices: deps.Prices},
		appURL:    deps.AppURL,
	}, nil
}

// ChangeInput is a user's requested membership shape.
type ChangeInput struct {
	ChildrenCount  int                 `json:"childrenCount"`
	BillingCycle   models.BillingCycle `json:"billingCycle,omitempty"`
	ChildrenToKeep []string            `json:"childrenToKeep,omitempty"`
}

type account struct {
	profile    *models.Profile
	membership *models.Membership
	plan       *models.Plan
}

func (a *account) seats() int {
	return a.plan.MaxChildren
}

func (s *Service) loadAccount(ctx context.Context, userID string) (*account, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: load profile: %w", err)
	}
	if profile == nil || profile.FamilyID == nil {
		return nil, newError(ErrNoMembership, CodeNoMembership, "no family membership found", nil)
	}

	membership, err := s.store.GetMembershipByFamily(ctx, *profile.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("billing: load membership: %w", err)
	}
	if membership == nil || membership.StripeSubscriptionID == "" || membership.Status.Terminal() {
		return nil, newError(ErrNoMembership, CodeNoMembership, "no active membership found", nil)
	}

	plan, err := s.store.GetPlan(ctx, membership.PlanID)
	if err != nil {
		return nil, fmt.Errorf("billing: load plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("billing: membership %s references missing plan %s", membership.ID, membership.PlanID)
	}

	return &account{profile: profile, membership: membership, plan: plan}, nil
}

// planChange classifies in against the account and rejects combinations
// that would conflict with a change already scheduled.
func (s *Service) planChange(ctx context.Context, acct *account, in ChangeInput) (ChangePlan, error) {
	plan, err := s.planner.Plan(ChangeRequest{
		CurrentSeats:   acct.seats(),
		CurrentCycle:   acct.membership.BillingCycle,
		RequestedSeats: in.ChildrenCount,
		RequestedCycle: in.BillingCycle,
	})
	if err != nil {
		return ChangePlan{}, err
	}

	pd, err := s.store.GetPendingDowngrade(ctx, acct.membership.ID)
	if err != nil {
		return ChangePlan{}, fmt.Errorf("billing: load pending downgrade: %w", err)
	}
	pbc, err := s.store.GetPendingBillingChange(ctx, acct.membership.ID)
	if err != nil {
		return ChangePlan{}, fmt.Errorf("billing: load pending billing change: %w", err)
	}

	switch plan.Kind {
	case ChangeImmediateUpgrade:
		if pd != nil || pbc != nil {
			return ChangePlan{}, validationError(CodePendingChangeConflict,
				"cancel the scheduled change before adding children")
		}
	case ChangeDeferredDowngrade:
		if pbc != nil {
			return ChangePlan{}, validationError(CodePendingChangeConflict,
				"cancel the scheduled billing cycle change before removing children")
		}
	case ChangeDeferredCycleChange:
		if pd != nil {
			return ChangePlan{}, validationError(CodePendingChangeConflict,
				"cancel the scheduled downgrade before changing the billing cycle")
		}
	}
	return plan, nil
}

// PlanFor returns the plan row for a seat count under rules.
func PlanFor(rules pricing.Config, seats int) models.Plan {
	return models.Plan{
		Name:         fmt.Sprintf("Familiar %d", seats),
		MaxChildren:  seats,
		PriceMonthly: rules.MonthlyPrice(seats),
		PriceYearly:  rules.YearlyPrice(seats),
	}
}

func (s *Service) ensurePlan(ctx context.Context, seats int) (*models.Plan, error) {
	plan, err := s.store.EnsurePlan(ctx, PlanFor(s.pricing, seats))
	if err != nil {
		return nil, fmt.Errorf("billing: ensure plan for %d children: %w", seats, err)
	}
	return plan, nil
}

// seatsFromSubscription prefers the childrenCount metadata and falls back to
// one plus the additional-seat quantity.
func (s *Service) seatsFromSubscription(sub *Subscription) int {
	if v, ok := sub.Metadata[MetaChildrenCount]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	seats := 1
	for _, item := range sub.Items {
		if s.prices.IsSeat(item.PriceID) {
			seats += int(item.Quantity)
		}
	}
	return seats
}

func (s *Service) cycleOf(sub *Subscription) models.BillingCycle {
	for _, item := range sub.Items {
		if s.prices.IsBase(item.PriceID) {
			if cycle, ok := s.prices.CycleOf(item.PriceID); ok {
				return cycle
			}
		}
	}
	return sub.Interval
}

func (s *Service) notify(ctx context.Context, profileID, kind, title, message string) {
	if profileID == "" {
		log.Printf("[billing] no recipient for %s notification", kind)
		return
	}
	s.notifier.Notify(ctx, models.Notification{
		ProfileID: profileID,
		Type:      kind,
		Title:     title,
		Message:   message,
	})
}

func (s *Service) parentOf(ctx context.Context, familyID string) string {
	id, err := s.store.GetParentProfileID(ctx, familyID)
	if err != nil {
		log.Printf("[billing] lookup parent for family %s: %v", familyID, err)
		return ""
	}
	return id
}
