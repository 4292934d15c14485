package models

import "time"

// Notification types written on membership transitions.
const (
	NotifySubscriptionCreated  = "subscription_created"
	NotifySubscriptionUpdated  = "subscription_updated"
	NotifyDowngradeScheduled   = "subscription_downgrade_scheduled"
	NotifyDowngradeApplied     = "subscription_downgrade_applied"
	NotifyDowngradeCanceled    = "subscription_downgrade_canceled"
	NotifyCycleChangeScheduled = "subscription_cycle_change_scheduled"
	NotifyCycleChangeApplied   = "subscription_cycle_change_applied"
	NotifyCycleChangeCanceled  = "subscription_cycle_change_canceled"
	NotifyCancelScheduled      = "subscription_cancel_scheduled"
	NotifyReactivated          = "subscription_reactivated"
	NotifyRenewed              = "subscription_renewed"
	NotifyPaymentFailed        = "payment_failed"
	NotifySubscriptionCanceled = "subscription_canceled"
	NotifyChildRegistered      = "child_registered"
)

// Notification is an append-only, user-facing event.
type Notification struct {
	ID        string     `json:"id"`
	ProfileID string     `json:"profile_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
