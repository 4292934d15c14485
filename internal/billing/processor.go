package billing

import (
	"context"
	"time"

	"github.com/PortNumber53/family-membership/internal/models"
)

// Subscription metadata keys kept on the processor side so the subscription
// describes its own pending state.
const (
	MetaChildrenCount    = "childrenCount"
	MetaPendingDowngrade = "pendingDowngrade"
	MetaChildrenToKeep   = "childrenToKeep"
	MetaUserID           = "userId"
	MetaBillingCycle     = "billingCycle"
)

// Processor event types handled by the reconciler.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Schedule statuses that count as live.
const (
	ScheduleActive     = "active"
	ScheduleNotStarted = "not_started"
)

// LineItem is one priced line of a subscription.
type LineItem struct {
	ID       string
	PriceID  string
	Quantity int64
}

// Subscription is the processor-side subscription as seen by the engine.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Interval           models.BillingCycle
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Items              []LineItem
	Metadata           map[string]string
}

// ItemChange adds, updates or removes a subscription line item.
// An empty ID adds a new item; a zero Quantity leaves the quantity untouched.
type ItemChange struct {
	ID       string
	PriceID  string
	Quantity int64
	Deleted  bool
}

// SubscriptionUpdate is applied by Processor.UpdateSubscription.
// Metadata values that are empty strings remove the key. A non-empty
// IdempotencyKey makes a retried call return the first call's result.
type SubscriptionUpdate struct {
	Items          []ItemChange
	Prorate        bool
	Metadata       map[string]string
	IdempotencyKey string
}

// InvoicePreviewRequest asks for the upcoming invoice after applying Items.
type InvoicePreviewRequest struct {
	CustomerID     string
	SubscriptionID string
	Items          []ItemChange
}

// InvoiceLine is one line of a quoted invoice. Amount is in cents.
type InvoiceLine struct {
	Amount    int64
	Proration bool
}

// Schedule is a processor-side subscription schedule.
type Schedule struct {
	ID             string
	Status         string
	SubscriptionID string
}

// SchedulePhase is one phase of a schedule. A zero EndDate leaves the end
// open; Iterations of zero is omitted.
type SchedulePhase struct {
	Items      []LineItem
	EndDate    time.Time
	Iterations int64
	Metadata   map[string]string
}

// ScheduleRequest creates a schedule from an existing subscription. The first
// phase starts at the schedule's current phase start.
type ScheduleRequest struct {
	SubscriptionID string
	Phases         []SchedulePhase
	EndBehavior    string
}

// CheckoutRequest opens a hosted subscription checkout.
type CheckoutRequest struct {
	CustomerEmail     string
	ClientReferenceID string
	Items             []LineItem
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}

// CheckoutSession is a hosted checkout as returned by the processor.
type CheckoutSession struct {
	ID                string
	URL               string
	SubscriptionID    string
	CustomerID        string
	PaymentStatus     string
	ClientReferenceID string
	Metadata          map[string]string
}

// Invoice carries the invoice fields the reconciler needs.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	AmountPaid     int64
	Currency       string
	BillingReason  string
}

// Event is a verified processor webhook event. Exactly one of the object
// fields is set for handled types.
type Event struct {
	ID           string
	Type         string
	Subscription *Subscription
	Invoice      *Invoice
	Checkout     *CheckoutSession
}

// Processor is the payment processor contract used by the engine.
type Processor interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error)
	PreviewInvoice(ctx context.Context, req InvoicePreviewRequest) ([]InvoiceLine, error)
	ListSchedules(ctx context.Context, customerID string) ([]Schedule, error)
	CreateSchedule(ctx context.Context, req ScheduleRequest) (*Schedule, error)
	ReleaseSchedule(ctx context.Context, id string) error
	CancelSchedule(ctx context.Context, id string) error
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
