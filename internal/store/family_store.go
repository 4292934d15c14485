package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

const uniqueViolation = "23505"

// ListChildren returns the children of a family ordered by creation time,
// together with their access code and its status.
func (s *Store) ListChildren(ctx context.Context, familyID string) ([]models.Child, error) {
	const query = `
		SELECT c.id, c.family_id, c.first_name, c.last_name, c.birth_date, c.city, c.country,
			c.family_code_id, COALESCE(fc.code, ''), COALESCE(fc.status, ''), c.created_at
		FROM children c
		LEFT JOIN family_codes fc ON fc.id = c.family_code_id
		WHERE c.family_id = $1
		ORDER BY c.created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("store: list children: %w", err)
	}
	defer rows.Close()

	var children []models.Child
	for rows.Next() {
		var (
			c         models.Child
			birthDate sql.NullTime
			codeID    sql.NullString
			status    string
		)
		if err := rows.Scan(
			&c.ID, &c.FamilyID, &c.FirstName, &c.LastName, &birthDate, &c.City, &c.Country,
			&codeID, &c.Code, &status, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan child: %w", err)
		}
		if birthDate.Valid {
			c.BirthDate = &birthDate.Time
		}
		c.FamilyCodeID = nullStringPtr(codeID)
		c.CodeStatus = models.FamilyCodeStatus(status)
		children = append(children, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate children: %w", err)
	}
	return children, nil
}

// ListFamilyCodes returns every access code of a family, parent code first.
func (s *Store) ListFamilyCodes(ctx context.Context, familyID string) ([]models.FamilyCode, error) {
	const query = `
		SELECT id, code, code_type, family_id, profile_id, status, created_at
		FROM family_codes
		WHERE family_id = $1
		ORDER BY (code_type = 'parent') DESC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("store: list family codes: %w", err)
	}
	defer rows.Close()

	var list []models.FamilyCode
	for rows.Next() {
		var (
			fc        models.FamilyCode
			profileID sql.NullString
		)
		if err := rows.Scan(&fc.ID, &fc.Code, &fc.CodeType, &fc.FamilyID, &profileID, &fc.Status, &fc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan family code: %w", err)
		}
		fc.ProfileID = nullStringPtr(profileID)
		list = append(list, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate family codes: %w", err)
	}
	return list, nil
}

// FindTakenCodes returns the candidates that already exist in any family.
func (s *Store) FindTakenCodes(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT code FROM family_codes WHERE code = ANY($1)`, pq.Array(candidates))
	if err != nil {
		return nil, fmt.Errorf("store: find taken codes: %w", err)
	}
	defer rows.Close()

	var taken []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("store: scan taken code: %w", err)
		}
		taken = append(taken, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate taken codes: %w", err)
	}
	return taken, nil
}

// AddChildren inserts children and their child codes in one transaction.
// The family row is locked so concurrent registrations see each other's
// seat usage.
func (s *Store) AddChildren(ctx context.Context, familyID string, maxSeats int, children []models.Child) ([]models.Child, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin add children tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM families WHERE id = $1 FOR UPDATE`, familyID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: family %s not found", familyID)
		}
		return nil, fmt.Errorf("store: lock family: %w", err)
	}

	const seatQuery = `
		SELECT COUNT(*)
		FROM children c
		LEFT JOIN family_codes fc ON fc.id = c.family_code_id
		WHERE c.family_id = $1 AND (fc.status IS NULL OR fc.status <> 'revoked')
	`
	var held int
	if err := tx.QueryRowContext(ctx, seatQuery, familyID).Scan(&held); err != nil {
		return nil, fmt.Errorf("store: count seats: %w", err)
	}
	if held+len(children) > maxSeats {
		return nil, fmt.Errorf("store: family %s holds %d of %d seats: %w", familyID, held, maxSeats, billing.ErrNoSeatsAvailable)
	}

	const codeInsert = `
		INSERT INTO family_codes (code, code_type, family_id, status)
		VALUES ($1, 'child', $2, 'active')
		RETURNING id
	`
	const childInsert = `
		INSERT INTO children (family_id, first_name, last_name, birth_date, city, country, family_code_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	out := make([]models.Child, 0, len(children))
	for _, c := range children {
		var codeID string
		if err := tx.QueryRowContext(ctx, codeInsert, c.Code, familyID).Scan(&codeID); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return nil, fmt.Errorf("store: insert child code %s: %w", c.Code, billing.ErrCodeTaken)
			}
			return nil, fmt.Errorf("store: insert child code: %w", err)
		}

		var birthDate sql.NullTime
		if c.BirthDate != nil {
			birthDate = sql.NullTime{Time: *c.BirthDate, Valid: true}
		}
		if err := tx.QueryRowContext(ctx, childInsert,
			familyID, c.FirstName, c.LastName, birthDate, c.City, c.Country, codeID,
		).Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: insert child: %w", err)
		}
		c.FamilyID = familyID
		c.FamilyCodeID = &codeID
		c.CodeStatus = models.FamilyCodeActive
		out = append(out, c)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit add children tx: %w", err)
	}
	return out, nil
}
