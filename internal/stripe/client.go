package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	stripeapi "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

// ErrMissingSecret is returned by NewClient when no API key is configured.
var ErrMissingSecret = errors.New("stripe secret key is required")

// Client adapts the Stripe SDK to the billing.Processor contract.
type Client struct {
	api           *client.API
	webhookSecret string
}

var _ billing.Processor = (*Client)(nil)

// NewClient creates a Stripe client. backends may be nil to use the live API.
func NewClient(secretKey, webhookSecret string, backends *stripeapi.Backends) (*Client, error) {
	if secretKey == "" {
		return nil, ErrMissingSecret
	}
	return &Client{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}, nil
}

// GetSubscription fetches a subscription with its line items.
func (c *Client) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return toSubscription(sub), nil
}

// UpdateSubscription applies item and metadata changes to a subscription.
func (c *Client) UpdateSubscription(ctx context.Context, id string, update billing.SubscriptionUpdate) (*billing.Subscription, error) {
	params := &stripeapi.SubscriptionParams{
		Items:             toSubscriptionItems(update.Items),
		ProrationBehavior: stripeapi.String(prorationBehavior(update.Prorate)),
	}
	params.Context = ctx
	for k, v := range update.Metadata {
		params.AddMetadata(k, v)
	}
	if update.IdempotencyKey != "" {
		params.SetIdempotencyKey(update.IdempotencyKey)
	}

	sub, err := c.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: update subscription %s: %w", id, err)
	}
	log.Printf("[stripe] updated subscription %s (items=%d prorate=%t)", id, len(update.Items), update.Prorate)
	return toSubscription(sub), nil
}

// PreviewInvoice quotes the upcoming invoice as if the item changes were applied now.
func (c *Client) PreviewInvoice(ctx context.Context, req billing.InvoicePreviewRequest) ([]billing.InvoiceLine, error) {
	params := &stripeapi.InvoiceUpcomingParams{
		Customer:                      stripeapi.String(req.CustomerID),
		Subscription:                  stripeapi.String(req.SubscriptionID),
		SubscriptionProrationBehavior: stripeapi.String(string(stripeapi.SubscriptionSchedulePhaseProrationBehaviorCreateProrations)),
	}
	params.Context = ctx
	for _, ch := range req.Items {
		item := &stripeapi.SubscriptionItemsParams{}
		if ch.ID != "" {
			item.ID = stripeapi.String(ch.ID)
		}
		if ch.PriceID != "" {
			item.Price = stripeapi.String(ch.PriceID)
		}
		if ch.Quantity > 0 {
			item.Quantity = stripeapi.Int64(ch.Quantity)
		}
		if ch.Deleted {
			item.Deleted = stripeapi.Bool(true)
		}
		params.SubscriptionItems = append(params.SubscriptionItems, item)
	}

	inv, err := c.api.Invoices.Upcoming(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: preview invoice for %s: %w", req.SubscriptionID, err)
	}

	var lines []billing.InvoiceLine
	if inv.Lines != nil {
		for _, l := range inv.Lines.Data {
			lines = append(lines, billing.InvoiceLine{Amount: l.Amount, Proration: l.Proration})
		}
	}
	return lines, nil
}

// ListSchedules returns every subscription schedule of a customer.
func (c *Client) ListSchedules(ctx context.Context, customerID string) ([]billing.Schedule, error) {
	params := &stripeapi.SubscriptionScheduleListParams{
		Customer: stripeapi.String(customerID),
	}
	params.Context = ctx

	var schedules []billing.Schedule
	iter := c.api.SubscriptionSchedules.List(params)
	for iter.Next() {
		schedules = append(schedules, toSchedule(iter.SubscriptionSchedule()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list schedules for %s: %w", customerID, err)
	}
	return schedules, nil
}

// CreateSchedule attaches a schedule to an existing subscription and then
// writes its phases. Stripe rejects phases on a from_subscription create, so
// the first phase reuses the start date Stripe assigned.
func (c *Client) CreateSchedule(ctx context.Context, req billing.ScheduleRequest) (*billing.Schedule, error) {
	createParams := &stripeapi.SubscriptionScheduleParams{
		FromSubscription: stripeapi.String(req.SubscriptionID),
	}
	createParams.Context = ctx

	sched, err := c.api.SubscriptionSchedules.New(createParams)
	if err != nil {
		return nil, fmt.Errorf("stripe: create schedule for %s: %w", req.SubscriptionID, err)
	}

	var start int64
	if len(sched.Phases) > 0 {
		start = sched.Phases[0].StartDate
	}

	updateParams := &stripeapi.SubscriptionScheduleParams{
		Phases: toPhases(req.Phases, start),
	}
	if req.EndBehavior != "" {
		updateParams.EndBehavior = stripeapi.String(req.EndBehavior)
	}
	updateParams.Context = ctx

	updated, err := c.api.SubscriptionSchedules.Update(sched.ID, updateParams)
	if err != nil {
		// Leave no half-configured schedule behind.
		if _, rerr := c.api.SubscriptionSchedules.Release(sched.ID, &stripeapi.SubscriptionScheduleReleaseParams{}); rerr != nil {
			log.Printf("[stripe] failed to release schedule %s after phase update error: %v", sched.ID, rerr)
		}
		return nil, fmt.Errorf("stripe: set phases on schedule %s: %w", sched.ID, err)
	}

	log.Printf("[stripe] created schedule %s for subscription %s (%d phases)", updated.ID, req.SubscriptionID, len(req.Phases))
	out := toSchedule(updated)
	return &out, nil
}

// ReleaseSchedule detaches a schedule and leaves the subscription as is.
func (c *Client) ReleaseSchedule(ctx context.Context, id string) error {
	params := &stripeapi.SubscriptionScheduleReleaseParams{}
	params.Context = ctx
	if _, err := c.api.SubscriptionSchedules.Release(id, params); err != nil {
		return fmt.Errorf("stripe: release schedule %s: %w", id, err)
	}
	return nil
}

// CancelSchedule cancels a schedule that has not started yet.
func (c *Client) CancelSchedule(ctx context.Context, id string) error {
	params := &stripeapi.SubscriptionScheduleCancelParams{}
	params.Context = ctx
	if _, err := c.api.SubscriptionSchedules.Cancel(id, params); err != nil {
		return fmt.Errorf("stripe: cancel schedule %s: %w", id, err)
	}
	return nil
}

// CreateCheckoutSession opens a hosted subscription checkout.
func (c *Client) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		SuccessURL: stripeapi.String(req.SuccessURL),
		CancelURL:  stripeapi.String(req.CancelURL),
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripeapi.String(req.ClientReferenceID)
	}
	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripeapi.CheckoutSessionLineItemParams{
			Price:    stripeapi.String(item.PriceID),
			Quantity: stripeapi.Int64(item.Quantity),
		})
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return toCheckoutSession(sess), nil
}

// GetCheckoutSession fetches a checkout session by id.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*billing.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session %s: %w", id, err)
	}
	return toCheckoutSession(sess), nil
}

// CreatePortalSession returns a billing portal URL for a customer.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripeapi.BillingPortalSessionParams{
		Customer:  stripeapi.String(customerID),
		ReturnURL: stripeapi.String(returnURL),
	}
	params.Context = ctx

	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event
// object for the types the reconciler handles. Other types come back with
// only ID and Type set.
func (c *Client) ParseWebhook(payload []byte, signature string) (*billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: verify webhook: %w", err)
	}

	out := &billing.Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription event: %w", err)
		}
		out.Subscription = toSubscription(&sub)
	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice event: %w", err)
		}
		out.Invoice = toInvoice(&inv)
	case billing.EventCheckoutCompleted:
		var sess stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout event: %w", err)
		}
		out.Checkout = toCheckoutSession(&sess)
	}
	return out, nil
}

func prorationBehavior(prorate bool) string {
	if prorate {
		return string(stripeapi.SubscriptionSchedulePhaseProrationBehaviorAlwaysInvoice)
	}
	return string(stripeapi.SubscriptionSchedulePhaseProrationBehaviorNone)
}

func toSubscriptionItems(changes []billing.ItemChange) []*stripeapi.SubscriptionItemsParams {
	items := make([]*stripeapi.SubscriptionItemsParams, 0, len(changes))
	for _, ch := range changes {
		item := &stripeapi.SubscriptionItemsParams{}
		if ch.ID != "" {
			item.ID = stripeapi.String(ch.ID)
		}
		if ch.PriceID != "" {
			item.Price = stripeapi.String(ch.PriceID)
		}
		if ch.Quantity > 0 {
			item.Quantity = stripeapi.Int64(ch.Quantity)
		}
		if ch.Deleted {
			item.Deleted = stripeapi.Bool(true)
		}
		items = append(items, item)
	}
	return items
}

func toPhases(phases []billing.SchedulePhase, start int64) []*stripeapi.SubscriptionSchedulePhaseParams {
	out := make([]*stripeapi.SubscriptionSchedulePhaseParams, 0, len(phases))
	for i, p := range phases {
		phase := &stripeapi.SubscriptionSchedulePhaseParams{
			ProrationBehavior: stripeapi.String(string(stripeapi.SubscriptionSchedulePhaseProrationBehaviorNone)),
		}
		if len(p.Metadata) > 0 {
			phase.Metadata = p.Metadata
		}
		for _, item := range p.Items {
			phase.Items = append(phase.Items, &stripeapi.SubscriptionSchedulePhaseItemParams{
				Price:    stripeapi.String(item.PriceID),
				Quantity: stripeapi.Int64(item.Quantity),
			})
		}
		if i == 0 && start > 0 {
			phase.StartDate = stripeapi.Int64(start)
		}
		if !p.EndDate.IsZero() {
			phase.EndDate = stripeapi.Int64(p.EndDate.Unix())
		}
		if p.Iterations > 0 {
			phase.Iterations = stripeapi.Int64(p.Iterations)
		}
		out = append(out, phase)
	}
	return out
}

func toSubscription(sub *stripeapi.Subscription) *billing.Subscription {
	if sub == nil {
		return nil
	}
	out := &billing.Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			li := billing.LineItem{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				li.PriceID = item.Price.ID
				if out.Interval == "" && item.Price.Recurring != nil {
					out.Interval = intervalCycle(item.Price.Recurring.Interval)
				}
			}
			out.Items = append(out.Items, li)
		}
	}
	return out
}

func intervalCycle(interval stripeapi.PriceRecurringInterval) models.BillingCycle {
	switch interval {
	case stripeapi.PriceRecurringIntervalYear:
		return models.BillingYearly
	case stripeapi.PriceRecurringIntervalMonth:
		return models.BillingMonthly
	}
	return ""
}

func toSchedule(s *stripeapi.SubscriptionSchedule) billing.Schedule {
	out := billing.Schedule{ID: s.ID, Status: string(s.Status)}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

func toCheckoutSession(s *stripeapi.CheckoutSession) *billing.CheckoutSession {
	out := &billing.CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out
}

func toInvoice(inv *stripeapi.Invoice) *billing.Invoice {
	out := &billing.Invoice{
		ID:            inv.ID,
		AmountPaid:    inv.AmountPaid,
		Currency:      string(inv.Currency),
		BillingReason: string(inv.BillingReason),
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
