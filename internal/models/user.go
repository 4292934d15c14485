package models

import "time"

// Profile is the identity provider's user row extended with family data.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	FamilyID  *string   `json:"family_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Family groups a parent profile with its children.
type Family struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Child is a minor profile inside a family. Code and CodeStatus are read
// from the child's family code when listed.
type Child struct {
	ID           string           `json:"id"`
	FamilyID     string           `json:"family_id"`
	FirstName    string           `json:"first_name"`
	LastName     string           `json:"last_name"`
	BirthDate    *time.Time       `json:"birth_date,omitempty"`
	City         string           `json:"city"`
	Country      string           `json:"country"`
	FamilyCodeID *string          `json:"family_code_id,omitempty"`
	Code         string           `json:"code,omitempty"`
	CodeStatus   FamilyCodeStatus `json:"code_status,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// HoldsSeat reports whether the child still counts against the plan.
// Children whose code was revoked by a downgrade do not.
func (c Child) HoldsSeat() bool {
	return c.CodeStatus != FamilyCodeRevoked
}

// FamilyCodeStatus tracks whether an access code can still be used.
type FamilyCodeStatus string

const (
	FamilyCodeActive    FamilyCodeStatus = "active"
	FamilyCodeSuspended FamilyCodeStatus = "suspended"
	FamilyCodeRevoked   FamilyCodeStatus = "revoked"
)

// FamilyCode is an access code handed to a parent or a child.
type FamilyCode struct {
	ID        string           `json:"id"`
	Code      string           `json:"code"`
	CodeType  string           `json:"code_type"`
	FamilyID  string           `json:"family_id"`
	ProfileID *string          `json:"profile_id,omitempty"`
	Status    FamilyCodeStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
