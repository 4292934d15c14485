package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/family-membership/internal/models"
)

// GetPendingDowngrade returns the membership's pending downgrade, or nil.
func (s *Store) GetPendingDowngrade(ctx context.Context, membershipID string) (*models.PendingDowngrade, error) {
	const query = `
		SELECT id, membership_id, new_children_count, children_to_keep,
			scheduled_for, status, created_at, updated_at
		FROM pending_downgrades
		WHERE membership_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var d models.PendingDowngrade
	err := s.db.QueryRowContext(ctx, query, membershipID).Scan(
		&d.ID, &d.MembershipID, &d.NewChildrenCount, pq.Array(&d.ChildrenToKeep),
		&d.ScheduledFor, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get pending downgrade: %w", err)
	}
	return &d, nil
}

// ReplacePendingDowngrade cancels any pending downgrade of the membership and
// inserts d in the same transaction. d is updated with its generated id.
func (s *Store) ReplacePendingDowngrade(ctx context.Context, d *models.PendingDowngrade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin pending downgrade tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_downgrades
		SET status = 'canceled', updated_at = now()
		WHERE membership_id = $1 AND status = 'pending'
	`, d.MembershipID); err != nil {
		return fmt.Errorf("store: supersede pending downgrade: %w", err)
	}

	keep := d.ChildrenToKeep
	if keep == nil {
		keep = []string{}
	}

	const insert = `
		INSERT INTO pending_downgrades (membership_id, new_children_count, children_to_keep, scheduled_for, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id, status, created_at, updated_at
	`
	if err := tx.QueryRowContext(ctx, insert, d.MembershipID, d.NewChildrenCount, pq.Array(keep), d.ScheduledFor).
		Scan(&d.ID, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return fmt.Errorf("store: insert pending downgrade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit pending downgrade tx: %w", err)
	}
	return nil
}

// CancelPendingDowngrade moves a pending downgrade to canceled. It reports
// false when the row was no longer pending.
func (s *Store) CancelPendingDowngrade(ctx context.Context, id string) (bool, error) {
	return s.transitionPending(ctx, "pending_downgrades", id, models.PendingStatusCanceled)
}

// ApplyPendingDowngrade moves a pending downgrade to applied. Only one
// concurrent caller observes true.
func (s *Store) ApplyPendingDowngrade(ctx context.Context, id string) (bool, error) {
	return s.transitionPending(ctx, "pending_downgrades", id, models.PendingStatusApplied)
}

// GetPendingBillingChange returns the membership's pending cycle change, or nil.
func (s *Store) GetPendingBillingChange(ctx context.Context, membershipID string) (*models.PendingBillingChange, error) {
	const query = `
		SELECT id, membership_id, new_billing_cycle, new_children_count,
			scheduled_for, status, created_at, updated_at
		FROM pending_billing_changes
		WHERE membership_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`

	var c models.PendingBillingChange
	err := s.db.QueryRowContext(ctx, query, membershipID).Scan(
		&c.ID, &c.MembershipID, &c.NewBillingCycle, &c.NewChildrenCount,
		&c.ScheduledFor, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get pending billing change: %w", err)
	}
	return &c, nil
}

// ReplacePendingBillingChange cancels any pending cycle change of the
// membership and inserts c in the same transaction.
func (s *Store) ReplacePendingBillingChange(ctx context.Context, c *models.PendingBillingChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin pending billing change tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		UPDATE pending_billing_changes
		SET status = 'canceled', updated_at = now()
		WHERE membership_id = $1 AND status = 'pending'
	`, c.MembershipID); err != nil {
		return fmt.Errorf("store: supersede pending billing change: %w", err)
	}

	const insert = `
		INSERT INTO pending_billing_changes (membership_id, new_billing_cycle, new_children_count, scheduled_for, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id, status, created_at, updated_at
	`
	if err := tx.QueryRowContext(ctx, insert, c.MembershipID, string(c.NewBillingCycle), c.NewChildrenCount, c.ScheduledFor).
		Scan(&c.ID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("store: insert pending billing change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit pending billing change tx: %w", err)
	}
	return nil
}

// CancelPendingBillingChange moves a pending cycle change to canceled.
func (s *Store) CancelPendingBillingChange(ctx context.Context, id string) (bool, error) {
	return s.transitionPending(ctx, "pending_billing_changes", id, models.PendingStatusCanceled)
}

// ApplyPendingBillingChange moves a pending cycle change to applied.
func (s *Store) ApplyPendingBillingChange(ctx context.Context, id string) (bool, error) {
	return s.transitionPending(ctx, "pending_billing_changes", id, models.PendingStatusApplied)
}

// transitionPending is a compare-and-set out of the pending state. table is
// always one of the two fixed table names above.
func (s *Store) transitionPending(ctx context.Context, table, id string, to models.PendingStatus) (bool, error) {
	query := `UPDATE ` + table + ` SET status = $2, updated_at = now() WHERE id = $1 AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query, id, string(to))
	if err != nil {
		return false, fmt.Errorf("store: mark %s %s: %w", table, to, err)
	}
	return rowsChanged(res, "mark "+table)
}

// ListDueSubscriptions returns subscription ids of live memberships that
// have a pending change scheduled at or before asOf.
func (s *Store) ListDueSubscriptions(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	const query = `
		SELECT DISTINCT m.stripe_subscription_id
		FROM memberships m
		JOIN (
			SELECT membership_id, scheduled_for FROM pending_downgrades WHERE status = 'pending'
			UNION ALL
			SELECT membership_id, scheduled_for FROM pending_billing_changes WHERE status = 'pending'
		) p ON p.membership_id = m.id
		WHERE p.scheduled_for <= $1 AND m.status IN ('active', 'past_due')
		ORDER BY m.stripe_subscription_id
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan due subscription: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate due subscriptions: %w", err)
	}
	return ids, nil
}
