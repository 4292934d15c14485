package billing

import (
	"context"
	"time"

	"github.com/PortNumber53/family-membership/internal/models"
)

// Preview describes what committing a change would do. Prices are whole
// currency units; AmountDueNowCents is what the processor would charge today.
type Preview struct {
	Kind                          ChangeKind          `json:"kind"`
	CurrentChildrenCount          int                 `json:"currentChildrenCount"`
	NewChildrenCount              int                 `json:"newChildrenCount"`
	CurrentBillingCycle           models.BillingCycle `json:"currentBillingCycle"`
	BillingCycle                  models.BillingCycle `json:"billingCycle"`
	CurrentMonthlyPrice           int                 `json:"currentMonthlyPrice"`
	NewMonthlyPrice               int                 `json:"newMonthlyPrice"`
	CurrentTotalPrice             int                 `json:"currentTotalPrice"`
	NewTotalPrice                 int                 `json:"newTotalPrice"`
	PriceDifference               int                 `json:"priceDifference"`
	AmountDueNowCents             int64               `json:"amountDueNowCents"`
	IsDowngrade                   bool                `json:"isDowngrade"`
	IsBillingCycleChange          bool                `json:"isBillingCycleChange"`
	CycleChangeOverridesDowngrade bool                `json:"cycleChangeOverridesDowngrade"`
	ScheduledFor                  *time.Time          `json:"scheduledFor,omitempty"`
	ChildrenToSelectCount         int                 `json:"childrenToSelectCount,omitempty"`
	PeriodEnd                     time.Time           `json:"periodEnd"`
	Message                       string              `json:"message"`
}

// Preview plans in for userID and prices it without mutating anything.
func (s *Service) Preview(ctx context.Context, userID string, in ChangeInput) (preview *Preview, err error) {
	kind := "unknown"
	defer func() { previewsTotal.WithLabelValues(kind, outcome(err)).Inc() }()

	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.planChange(ctx, acct, in)
	if err != nil {
		return nil, err
	}
	kind = string(plan.Kind)

	sub, err := s.processor.GetSubscription(ctx, acct.membership.StripeSubscriptionID)
	if err != nil {
		return nil, newError(ErrQuoteUnavailable, CodeQuoteUnavailable, "could not load subscription", err)
	}

	p := s.describe(plan, sub.CurrentPeriodEnd)

	switch plan.Kind {
	case ChangeImmediateUpgrade:
		lines, err := s.processor.PreviewInvoice(ctx, InvoicePreviewRequest{
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			Items:          s.planner.ItemDelta(plan, sub.Items),
		})
		if err != nil {
			return nil, newError(ErrQuoteUnavailable, CodeQuoteUnavailable, "could not quote the upgrade", err)
		}
		for _, line := range lines {
			if line.Proration {
				p.AmountDueNowCents += line.Amount
			}
		}
	case ChangeDeferredDowngrade:
		p.ChildrenToSelectCount = plan.RequestedSeats
	}

	return p, nil
}

func (s *Service) describe(plan ChangePlan, periodEnd time.Time) *Preview {
	p := &Preview{
		Kind:                          plan.Kind,
		CurrentChildrenCount:          plan.CurrentSeats,
		NewChildrenCount:              plan.RequestedSeats,
		CurrentBillingCycle:           plan.CurrentCycle,
		BillingCycle:                  plan.TargetCycle,
		CurrentMonthlyPrice:           s.pricing.MonthlyEquivalent(plan.CurrentSeats, plan.CurrentCycle),
		NewMonthlyPrice:               s.pricing.MonthlyEquivalent(plan.RequestedSeats, plan.TargetCycle),
		CurrentTotalPrice:             s.pricing.Price(plan.CurrentSeats, plan.CurrentCycle),
		NewTotalPrice:                 s.pricing.Price(plan.RequestedSeats, plan.TargetCycle),
		IsDowngrade:                   plan.Kind == ChangeDeferredDowngrade,
		IsBillingCycleChange:          plan.IsCycleChange,
		CycleChangeOverridesDowngrade: plan.CycleChangeOverridesDowngrade,
		PeriodEnd:                     periodEnd,
		Message:                       changeMessage(plan, periodEnd),
	}
	p.PriceDifference = p.NewMonthlyPrice - p.CurrentMonthlyPrice
	if plan.Kind.Deferred() {
		at := periodEnd
		p.ScheduledFor = &at
	}
	return p
}
