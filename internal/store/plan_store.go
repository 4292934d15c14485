package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/family-membership/internal/models"
)

// GetPlan returns a plan by id, or nil when it does not exist.
func (s *Store) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	const query = `
		SELECT id, name, max_children, price_monthly, price_yearly, created_at
		FROM plans
		WHERE id = $1
	`

	var p models.Plan
	err := s.db.QueryRowContext(ctx, query, planID).Scan(
		&p.ID, &p.Name, &p.MaxChildren, &p.PriceMonthly, &p.PriceYearly, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get plan: %w", err)
	}
	return &p, nil
}

// EnsurePlan returns the plan for plan.MaxChildren, creating it on first use.
// An existing row keeps its name and prices.
func (s *Store) EnsurePlan(ctx context.Context, plan models.Plan) (*models.Plan, error) {
	const query = `
		INSERT INTO plans (name, max_children, price_monthly, price_yearly)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (max_children) DO UPDATE SET
			max_children = EXCLUDED.max_children
		RETURNING id, name, max_children, price_monthly, price_yearly, created_at
	`

	var p models.Plan
	err := s.db.QueryRowContext(ctx, query, plan.Name, plan.MaxChildren, plan.PriceMonthly, plan.PriceYearly).Scan(
		&p.ID, &p.Name, &p.MaxChildren, &p.PriceMonthly, &p.PriceYearly, &p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: ensure plan for %d children: %w", plan.MaxChildren, err)
	}
	return &p, nil
}

// ListPlans returns every plan ordered by seat count.
func (s *Store) ListPlans(ctx context.Context) ([]models.Plan, error) {
	const query = `
		SELECT id, name, max_children, price_monthly, price_yearly, created_at
		FROM plans
		ORDER BY max_children ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxChildren, &p.PriceMonthly, &p.PriceYearly, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate plans: %w", err)
	}
	return plans, nil
}
