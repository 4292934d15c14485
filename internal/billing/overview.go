package billing

import (
	"context"
	"fmt"

	"github.com/PortNumber53/family-membership/internal/models"
)

// Overview is the membership state shown on the dashboard.
type Overview struct {
	Membership           *models.Membership           `json:"membership"`
	Plan                 *models.Plan                 `json:"plan,omitempty"`
	MonthlyPrice         int                          `json:"monthlyPrice,omitempty"`
	PendingDowngrade     *models.PendingDowngrade     `json:"pendingDowngrade,omitempty"`
	PendingBillingChange *models.PendingBillingChange `json:"pendingBillingChange,omitempty"`
}

// PriceList is the public price table.
type PriceList struct {
	MinChildren    int                `json:"minChildren"`
	MaxChildren    int                `json:"maxChildren"`
	AnnualDiscount float64            `json:"annualDiscount"`
	Prices         []models.PlanPrice `json:"prices"`
}

// Overview returns the user's membership with any scheduled changes. A user
// without a membership gets an empty Overview.
func (s *Service) Overview(ctx context.Context, userID string) (*Overview, error) {
	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		if be, ok := AsError(err); ok && be.Kind == ErrNoMembership {
			return &Overview{}, nil
		}
		return nil, err
	}

	out := &Overview{
		Membership:   acct.membership,
		Plan:         acct.plan,
		MonthlyPrice: s.pricing.MonthlyEquivalent(acct.seats(), acct.membership.BillingCycle),
	}
	if out.PendingDowngrade, err = s.store.GetPendingDowngrade(ctx, acct.membership.ID); err != nil {
		return nil, fmt.Errorf("billing: load pending downgrade: %w", err)
	}
	if out.PendingBillingChange, err = s.store.GetPendingBillingChange(ctx, acct.membership.ID); err != nil {
		return nil, fmt.Errorf("billing: load pending billing change: %w", err)
	}
	return out, nil
}

// Prices returns the price table for every allowed seat count.
func (s *Service) Prices() PriceList {
	return PriceList{
		MinChildren:    s.pricing.MinChildren,
		MaxChildren:    s.pricing.MaxChildren,
		AnnualDiscount: s.pricing.AnnualDiscount,
		Prices:         s.pricing.Table(),
	}
}
