package billing

import (
	"fmt"

	"github.com/PortNumber53/family-membership/internal/models"
	"github.com/PortNumber53/family-membership/internal/pricing"
)

// ChangeKind classifies a requested membership change.
type ChangeKind string

const (
	ChangeImmediateUpgrade    ChangeKind = "immediate_upgrade"
	ChangeDeferredDowngrade   ChangeKind = "deferred_downgrade"
	ChangeDeferredCycleChange ChangeKind = "deferred_cycle_change"
)

// Deferred reports whether the change waits for the end of the period.
func (k ChangeKind) Deferred() bool {
	return k == ChangeDeferredDowngrade || k == ChangeDeferredCycleChange
}

// ChangeRequest is the planner input. An empty RequestedCycle keeps the
// current cycle.
type ChangeRequest struct {
	CurrentSeats   int
	CurrentCycle   models.BillingCycle
	RequestedSeats int
	RequestedCycle models.BillingCycle
}

// ChangePlan is the planner's decision.
type ChangePlan struct {
	Kind           ChangeKind
	CurrentSeats   int
	RequestedSeats int
	CurrentCycle   models.BillingCycle
	TargetCycle    models.BillingCycle
	IsDowngrade    bool
	IsCycleChange  bool
	// CycleChangeOverridesDowngrade is set when fewer seats were requested
	// together with a new cycle. The seat reduction then rides on the cycle
	// change schedule instead of a downgrade with child selection.
	CycleChangeOverridesDowngrade bool
	AdditionalSeats               int64
}

// Planner decides how a seat or cycle change is carried out.
type Planner struct {
	Pricing pricing.Config
	Prices  PriceCatalog
}

// Plan classifies req. It is a pure function of its input.
func (p Planner) Plan(req ChangeRequest) (ChangePlan, error) {
	target := req.RequestedCycle
	if target == "" {
		target = req.CurrentCycle
	}
	if !target.Valid() {
		return ChangePlan{}, validationError(CodeInvalidBillingCycle,
			fmt.Sprintf("billing cycle must be %q or %q", models.BillingMonthly, models.BillingYearly))
	}
	if !p.Pricing.InRange(req.RequestedSeats) {
		return ChangePlan{}, validationError(CodeSeatsOutOfRange,
			fmt.Sprintf("children count must be between %d and %d", p.Pricing.MinChildren, p.Pricing.MaxChildren))
	}

	isDowngrade := req.RequestedSeats < req.CurrentSeats
	isCycleChange := target != req.CurrentCycle
	if req.RequestedSeats == req.CurrentSeats && !isCycleChange {
		return ChangePlan{}, validationError(CodeNoChanges, "no changes to apply")
	}

	plan := ChangePlan{
		CurrentSeats:    req.CurrentSeats,
		RequestedSeats:  req.RequestedSeats,
		CurrentCycle:    req.CurrentCycle,
		TargetCycle:     target,
		IsDowngrade:     isDowngrade,
		IsCycleChange:   isCycleChange,
		AdditionalSeats: int64(max(0, req.RequestedSeats-1)),
	}

	switch {
	case isCycleChange:
		plan.Kind = ChangeDeferredCycleChange
		plan.CycleChangeOverridesDowngrade = isDowngrade
	case isDowngrade:
		plan.Kind = ChangeDeferredDowngrade
	default:
		plan.Kind = ChangeImmediateUpgrade
	}
	return plan, nil
}

// ItemDelta computes the line item changes that move items to plan's target.
func (p Planner) ItemDelta(plan ChangePlan, items []LineItem) []ItemChange {
	var changes []ItemChange
	if plan.IsCycleChange {
		if base := p.baseItem(items); base != nil {
			changes = append(changes, ItemChange{ID: base.ID, PriceID: p.Prices.Base(plan.TargetCycle)})
		}
	}
	return append(changes, p.seatDelta(plan.AdditionalSeats, plan.TargetCycle, plan.IsCycleChange, items)...)
}

// RestoreDelta returns the changes that put the additional-seat item back to
// seats children on the current cycle.
func (p Planner) RestoreDelta(seats int, cycle models.BillingCycle, items []LineItem) []ItemChange {
	return p.seatDelta(int64(max(0, seats-1)), cycle, false, items)
}

func (p Planner) seatDelta(additional int64, cycle models.BillingCycle, repriced bool, items []LineItem) []ItemChange {
	seat := p.seatItem(items)
	switch {
	case seat != nil && additional == 0:
		return []ItemChange{{ID: seat.ID, Deleted: true}}
	case seat != nil:
		change := ItemChange{ID: seat.ID, Quantity: additional}
		if repriced {
			change.PriceID = p.Prices.Seat(cycle)
		}
		return []ItemChange{change}
	case additional > 0:
		return []ItemChange{{PriceID: p.Prices.Seat(cycle), Quantity: additional}}
	}
	return nil
}

func (p Planner) seatItem(items []LineItem) *LineItem {
	for i := range items {
		if p.Prices.IsSeat(items[i].PriceID) {
			return &items[i]
		}
	}
	return nil
}

func (p Planner) baseItem(items []LineItem) *LineItem {
	for i := range items {
		if p.Prices.IsBase(items[i].PriceID) {
			return &items[i]
		}
	}
	for i := range items {
		if !p.Prices.IsSeat(items[i].PriceID) {
			return &items[i]
		}
	}
	return nil
}
