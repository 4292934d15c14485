package billing

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/models"
)

// CheckoutInput is the membership a new customer wants to buy.
type CheckoutInput struct {
	ChildrenCount int                 `json:"childrenCount"`
	BillingCycle  models.BillingCycle `json:"billingCycle"`
}

// VerifyResult reports the outcome of a checkout verification.
type VerifyResult struct {
	Provisioned bool   `json:"provisioned"`
	Status      string `json:"status"`
}

// CreateCheckout opens a hosted checkout for a user without a membership.
func (s *Service) CreateCheckout(ctx context.Context, userID string, in CheckoutInput) (*CheckoutSession, error) {
	if in.BillingCycle == "" {
		in.BillingCycle = models.BillingMonthly
	}
	if !in.BillingCycle.Valid() {
		return nil, validationError(CodeInvalidBillingCycle, "billing cycle must be monthly or yearly")
	}
	if !s.pricing.InRange(in.ChildrenCount) {
		return nil, validationError(CodeSeatsOutOfRange,
			fmt.Sprintf("children count must be between %d and %d", s.pricing.MinChildren, s.pricing.MaxChildren))
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: load profile: %w", err)
	}
	if profile == nil {
		return nil, newError(ErrForbidden, CodeForbidden, "profile not found", nil)
	}
	if profile.FamilyID != nil {
		m, err := s.store.GetMembershipByFamily(ctx, *profile.FamilyID)
		if err != nil {
			return nil, fmt.Errorf("billing: load membership: %w", err)
		}
		if m != nil && m.Status != models.MembershipCanceled && m.Status != models.MembershipExpired {
			return nil, validationError(CodeMembershipExists, "your family already has a membership")
		}
	}

	metadata := map[string]string{
		MetaUserID:        userID,
		MetaChildrenCount: strconv.Itoa(in.ChildrenCount),
		MetaBillingCycle:  string(in.BillingCycle),
	}
	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerEmail:     profile.Email,
		ClientReferenceID: userID,
		Items:             s.prices.Items(in.ChildrenCount, in.BillingCycle),
		SuccessURL:        s.appURL + "/dashboard/membership?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:         s.appURL + "/pricing",
		Metadata:          metadata,
	})
	if err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not create checkout session", err)
	}
	return session, nil
}

// VerifyCheckout provisions the family for a paid checkout session owned by
// userID. It shares the idempotent provisioning path with the webhook.
func (s *Service) VerifyCheckout(ctx context.Context, userID, sessionID string) (*VerifyResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, validationError(CodeInvalidRequest, "session id is required")
	}
	session, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not load checkout session", err)
	}
	if checkoutOwner(session) != userID {
		return nil, newError(ErrForbidden, CodeForbidden, "checkout session belongs to another user", nil)
	}
	if session.PaymentStatus != "paid" {
		return nil, validationError(CodePaymentIncomplete, "payment has not completed")
	}

	created, err := s.provisionFromSession(ctx, userID, session)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Provisioned: created, Status: session.PaymentStatus}, nil
}

// CreatePortal returns a billing portal URL for the user's customer.
func (s *Service) CreatePortal(ctx context.Context, userID string) (string, error) {
	acct, err := s.loadAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	url, err := s.processor.CreatePortalSession(ctx, acct.membership.StripeCustomerID, s.appURL+"/dashboard/membership")
	if err != nil {
		return "", newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not open billing portal", err)
	}
	return url, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, session *CheckoutSession) error {
	if session == nil {
		return fmt.Errorf("billing: checkout event without session")
	}
	userID := checkoutOwner(session)
	if userID == "" || session.SubscriptionID == "" {
		log.Printf("[webhook] checkout %s has no user or subscription; skipping", session.ID)
		return nil
	}
	_, err := s.provisionFromSession(ctx, userID, session)
	return err
}

func (s *Service) provisionFromSession(ctx context.Context, userID string, session *CheckoutSession) (bool, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("billing: load profile: %w", err)
	}
	if profile == nil {
		return false, fmt.Errorf("billing: profile %s not found", userID)
	}
	if profile.FamilyID != nil {
		return false, nil
	}

	sub, err := s.processor.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return false, newError(ErrProcessorUpdateFailed, CodeProcessorUpdateFailed, "could not load subscription", err)
	}
	seats := s.pricing.Clamp(s.seatsFromSubscription(sub))
	cycle := s.cycleOf(sub)
	if !cycle.Valid() {
		cycle = models.BillingCycle(session.Metadata[MetaBillingCycle])
	}
	if !cycle.Valid() {
		cycle = models.BillingMonthly
	}

	plan, err := s.ensurePlan(ctx, seats)
	if err != nil {
		return false, err
	}
	parentCodes, err := s.freshCodes(ctx, codes.Parent, 1, nil)
	if err != nil {
		return false, err
	}

	created, err := s.store.ProvisionFamily(ctx, Provisioning{
		ProfileID:            profile.ID,
		FamilyName:           familyName(profile),
		PlanID:               plan.ID,
		BillingCycle:         cycle,
		Status:               membershipStatus(sub.Status),
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     firstNonEmpty(sub.CustomerID, session.CustomerID),
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		ParentCode:           parentCodes[0],
	})
	if err != nil {
		return false, fmt.Errorf("billing: provision family: %w", err)
	}
	if !created {
		return false, nil
	}

	log.Printf("[billing] provisioned family for profile %s on subscription %s", profile.ID, sub.ID)
	s.notify(ctx, profile.ID, models.NotifySubscriptionCreated, "Welcome to your family membership",
		fmt.Sprintf("Your %s membership for %s is active. Your parent access code is %s.",
			cycleLabel(cycle), childrenLabel(seats), parentCodes[0]))
	return true, nil
}

func checkoutOwner(session *CheckoutSession) string {
	return firstNonEmpty(session.Metadata[MetaUserID], session.ClientReferenceID)
}

func familyName(p *models.Profile) string {
	if last := strings.TrimSpace(p.LastName); last != "" {
		return last + " Family"
	}
	if first := strings.TrimSpace(p.FirstName); first != "" {
		return first + "'s Family"
	}
	return "My Family"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
