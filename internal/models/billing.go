package models

import "time"

// BillingCycle is the recurring interval of a membership.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingYearly
}

// MembershipStatus mirrors the processor subscription status locally.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipPastDue  MembershipStatus = "past_due"
	MembershipCanceled MembershipStatus = "canceled"
	MembershipExpired  MembershipStatus = "expired"
)

// Terminal reports whether the membership has ended. Terminal memberships
// are never moved back to a live status by processor events.
func (s MembershipStatus) Terminal() bool {
	return s == MembershipCanceled || s == MembershipExpired
}

// Membership is the local cache of one family's subscription.
type Membership struct {
	ID                   string           `json:"id"`
	FamilyID             string           `json:"family_id"`
	PlanID               string           `json:"plan_id"`
	Status               MembershipStatus `json:"status"`
	BillingCycle         BillingCycle     `json:"billing_cycle"`
	StripeSubscriptionID string           `json:"stripe_subscription_id"`
	StripeCustomerID     string           `json:"stripe_customer_id"`
	CurrentPeriodEnd     time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd    bool             `json:"cancel_at_period_end"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// PendingStatus is the lifecycle of a scheduled change.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApplied  PendingStatus = "applied"
	PendingStatusCanceled PendingStatus = "canceled"
)

// PendingDowngrade is a seat reduction that takes effect at ScheduledFor.
type PendingDowngrade struct {
	ID               string        `json:"id"`
	MembershipID     string        `json:"membership_id"`
	NewChildrenCount int           `json:"new_children_count"`
	ChildrenToKeep   []string      `json:"children_to_keep"`
	ScheduledFor     time.Time     `json:"scheduled_for"`
	Status           PendingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PendingBillingChange is a monthly/yearly switch that takes effect at ScheduledFor.
type PendingBillingChange struct {
	ID               string        `json:"id"`
	MembershipID     string        `json:"membership_id"`
	NewBillingCycle  BillingCycle  `json:"new_billing_cycle"`
	NewChildrenCount int           `json:"new_children_count"`
	ScheduledFor     time.Time     `json:"scheduled_for"`
	Status           PendingStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
