package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

const membershipColumns = `
	id, family_id, plan_id, status, billing_cycle,
	stripe_subscription_id, stripe_customer_id,
	current_period_end, cancel_at_period_end, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*models.Membership, error) {
	var (
		m         models.Membership
		periodEnd sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.FamilyID, &m.PlanID, &m.Status, &m.BillingCycle,
		&m.StripeSubscriptionID, &m.StripeCustomerID,
		&periodEnd, &m.CancelAtPeriodEnd, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if periodEnd.Valid {
		m.CurrentPeriodEnd = periodEnd.Time
	}
	return &m, nil
}

// GetMembershipByFamily returns the family's live membership, falling back to
// its most recent one. It returns nil when the family never subscribed.
func (s *Store) GetMembershipByFamily(ctx context.Context, familyID string) (*models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE family_id = $1
		ORDER BY (status IN ('active', 'past_due')) DESC, created_at DESC
		LIMIT 1
	`

	m, err := scanMembership(s.db.QueryRowContext(ctx, query, familyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get membership by family: %w", err)
	}
	return m, nil
}

// GetMembershipBySubscription returns the membership bound to a processor
// subscription, or nil.
func (s *Store) GetMembershipBySubscription(ctx context.Context, subscriptionID string) (*models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE stripe_subscription_id = $1
	`

	m, err := scanMembership(s.db.QueryRowContext(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get membership by subscription: %w", err)
	}
	return m, nil
}

// SyncMembership writes processor-derived fields. Empty fields keep the
// stored value, so replaying the same sync is harmless. Canceled and expired
// rows are left untouched.
func (s *Store) SyncMembership(ctx context.Context, subscriptionID string, sync billing.MembershipSync) error {
	const query = `
		UPDATE memberships SET
			plan_id = COALESCE(NULLIF($2, '')::uuid, plan_id),
			billing_cycle = COALESCE(NULLIF($3, ''), billing_cycle),
			status = COALESCE(NULLIF($4, ''), status),
			current_period_end = COALESCE($5, current_period_end),
			cancel_at_period_end = COALESCE($6, cancel_at_period_end),
			updated_at = now()
		WHERE stripe_subscription_id = $1 AND status NOT IN ('canceled', 'expired')
	`

	var cancel sql.NullBool
	if sync.CancelAtPeriodEnd != nil {
		cancel = sql.NullBool{Bool: *sync.CancelAtPeriodEnd, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, query,
		subscriptionID,
		sync.PlanID,
		string(sync.BillingCycle),
		string(sync.Status),
		nullTime(sync.CurrentPeriodEnd),
		cancel,
	); err != nil {
		return fmt.Errorf("store: sync membership: %w", err)
	}
	return nil
}

// SetCancelAtPeriodEnd flips the cancellation flag and reports whether it
// actually changed.
func (s *Store) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (bool, error) {
	const query = `
		UPDATE memberships
		SET cancel_at_period_end = $2, updated_at = now()
		WHERE stripe_subscription_id = $1 AND cancel_at_period_end IS DISTINCT FROM $2
	`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, cancel)
	if err != nil {
		return false, fmt.Errorf("store: set cancel_at_period_end: %w", err)
	}
	return rowsChanged(res, "set cancel_at_period_end")
}

// SetMembershipStatus updates the status and reports whether it changed. A
// canceled or expired membership keeps its status.
func (s *Store) SetMembershipStatus(ctx context.Context, subscriptionID string, status models.MembershipStatus) (bool, error) {
	const query = `
		UPDATE memberships
		SET status = $2, updated_at = now()
		WHERE stripe_subscription_id = $1 AND status <> $2
			AND status NOT IN ('canceled', 'expired')
	`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, string(status))
	if err != nil {
		return false, fmt.Errorf("store: set membership status: %w", err)
	}
	return rowsChanged(res, "set membership status")
}
