package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

const defaultPageSize = 200

// ErrProfileNotFound is returned when a write targets a profile that does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

var _ billing.Store = (*Store)(nil)

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// GetProfile returns the profile with the given id, or nil when it does not exist.
func (s *Store) GetProfile(ctx context.Context, profileID string) (*models.Profile, error) {
	const query = `
		SELECT id, email, first_name, last_name, role, family_id, created_at
		FROM profiles
		WHERE id = $1
	`

	var (
		p        models.Profile
		familyID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, profileID).Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Role, &familyID, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get profile: %w", err)
	}
	p.FamilyID = nullStringPtr(familyID)
	return &p, nil
}

// GetParentProfileID returns the earliest parent profile of a family, or an
// empty string when the family has none.
func (s *Store) GetParentProfileID(ctx context.Context, familyID string) (string, error) {
	const query = `
		SELECT id
		FROM profiles
		WHERE family_id = $1 AND role = 'parent'
		ORDER BY created_at ASC
		LIMIT 1
	`

	var id string
	if err := s.db.QueryRowContext(ctx, query, familyID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("store: get parent profile: %w", err)
	}
	return id, nil
}

// RevokeFamilyCodes marks the given codes revoked and returns how many changed.
func (s *Store) RevokeFamilyCodes(ctx context.Context, codeIDs []string) (int64, error) {
	if len(codeIDs) == 0 {
		return 0, nil
	}

	const query = `
		UPDATE family_codes
		SET status = 'revoked', updated_at = now()
		WHERE id = ANY($1) AND status <> 'revoked'
	`

	res, err := s.db.ExecContext(ctx, query, pq.Array(codeIDs))
	if err != nil {
		return 0, fmt.Errorf("store: revoke family codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: revoke family codes rows: %w", err)
	}
	return n, nil
}

// ProvisionFamily creates a family for a profile together with its membership
// and parent code. It returns false when the profile already belongs to a
// family, which makes repeated checkout deliveries a no-op.
func (s *Store) ProvisionFamily(ctx context.Context, p billing.Provisioning) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin provision tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT family_id FROM profiles WHERE id = $1 FOR UPDATE`, p.ProfileID).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrProfileNotFound
		}
		return false, fmt.Errorf("store: lock profile: %w", err)
	}
	if existing.Valid {
		log.Printf("[store] profile %s already in family %s; skipping provisioning", p.ProfileID, existing.String)
		return false, nil
	}

	var familyID string
	if err := tx.QueryRowContext(ctx, `INSERT INTO families (name) VALUES ($1) RETURNING id`, p.FamilyName).Scan(&familyID); err != nil {
		return false, fmt.Errorf("store: insert family: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET family_id = $1, role = 'parent' WHERE id = $2`, familyID, p.ProfileID); err != nil {
		return false, fmt.Errorf("store: attach profile to family: %w", err)
	}

	const membershipInsert = `
		INSERT INTO memberships (
			family_id, plan_id, status, billing_cycle,
			stripe_subscription_id, stripe_customer_id,
			current_period_end, cancel_at_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stripe_subscription_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, membershipInsert,
		familyID,
		p.PlanID,
		string(p.Status),
		string(p.BillingCycle),
		p.StripeSubscriptionID,
		p.StripeCustomerID,
		nullTime(p.CurrentPeriodEnd),
		p.CancelAtPeriodEnd,
	); err != nil {
		return false, fmt.Errorf("store: insert membership: %w", err)
	}

	const codeInsert = `
		INSERT INTO family_codes (code, code_type, family_id, profile_id, status)
		VALUES ($1, 'parent', $2, $3, 'active')
	`
	if _, err := tx.ExecContext(ctx, codeInsert, p.ParentCode, familyID, p.ProfileID); err != nil {
		return false, fmt.Errorf("store: insert parent code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit provision tx: %w", err)
	}
	return true, nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func rowsChanged(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: %s rows: %w", op, err)
	}
	return n > 0, nil
}
