package billing

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/models"
)

// MembershipSync is an absolute write of processor-derived fields keyed by
// subscription id. Zero values leave the column unchanged.
type MembershipSync struct {
	PlanID            string
	BillingCycle      models.BillingCycle
	Status            models.MembershipStatus
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd *bool
}

// Provisioning creates the family, its membership and the parent access code
// for a completed checkout.
type Provisioning struct {
	ProfileID            string
	FamilyName           string
	PlanID               string
	BillingCycle         models.BillingCycle
	Status               models.MembershipStatus
	StripeSubscriptionID string
	StripeCustomerID     string
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	ParentCode           string
}

// Sentinels returned by Store.AddChildren.
var (
	ErrNoSeatsAvailable = errors.New("no seats available")
	ErrCodeTaken        = errors.New("family code already taken")
)

// Store is the relational store contract. Single-row lookups return (nil, nil)
// when the row does not exist. Methods returning a bool report whether the
// call changed a row.
type Store interface {
	GetProfile(ctx context.Context, profileID string) (*models.Profile, error)
	GetParentProfileID(ctx context.Context, familyID string) (string, error)

	GetMembershipByFamily(ctx context.Context, familyID string) (*models.Membership, error)
	GetMembershipBySubscription(ctx context.Context, subscriptionID string) (*models.Membership, error)
	SyncMembership(ctx context.Context, subscriptionID string, sync MembershipSync) error
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (bool, error)
	SetMembershipStatus(ctx context.Context, subscriptionID string, status models.MembershipStatus) (bool, error)

	GetPlan(ctx context.Context, planID string) (*models.Plan, error)
	EnsurePlan(ctx context.Context, plan models.Plan) (*models.Plan, error)

	ListChildren(ctx context.Context, familyID string) ([]models.Child, error)
	ListFamilyCodes(ctx context.Context, familyID string) ([]models.FamilyCode, error)
	FindTakenCodes(ctx context.Context, candidates []string) ([]string, error)
	// AddChildren inserts each child with a new active child code taken from
	// child.Code. It fails with ErrNoSeatsAvailable when the family would hold
	// more than maxSeats children with unrevoked codes, and with ErrCodeTaken
	// when a code collides. Nothing is written on failure.
	AddChildren(ctx context.Context, familyID string, maxSeats int, children []models.Child) ([]models.Child, error)
	RevokeFamilyCodes(ctx context.Context, codeIDs []string) (int64, error)

	GetPendingDowngrade(ctx context.Context, membershipID string) (*models.PendingDowngrade, error)
	ReplacePendingDowngrade(ctx context.Context, d *models.PendingDowngrade) error
	CancelPendingDowngrade(ctx context.Context, id string) (bool, error)
	ApplyPendingDowngrade(ctx context.Context, id string) (bool, error)

	GetPendingBillingChange(ctx context.Context, membershipID string) (*models.PendingBillingChange, error)
	ReplacePendingBillingChange(ctx context.Context, c *models.PendingBillingChange) error
	CancelPendingBillingChange(ctx context.Context, id string) (bool, error)
	ApplyPendingBillingChange(ctx context.Context, id string) (bool, error)

	ProvisionFamily(ctx context.Context, p Provisioning) (bool, error)
}

// Notifier records user-facing notifications. Implementations handle their
// own failures; Notify never blocks a state transition.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// EventLog remembers webhook events that were fully processed.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// CodeGenerator issues family access codes.
type CodeGenerator interface {
	GenerateUnique(t codes.Type, count int, existing map[string]struct{}) ([]string, error)
}
