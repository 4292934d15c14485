package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/models"
)

// codeRounds bounds how often fresh codes are drawn after collisions with
// codes already stored.
const codeRounds = 3

const birthDateLayout = "2006-01-02"

// ChildInput is one child submitted for registration.
type ChildInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	BirthDate string `json:"birthDate,omitempty"`
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Children lists the caller's family children with their access codes.
func (s *Service) Children(ctx context.Context, userID string) ([]models.Child, error) {
	profile, err := s.familyProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildren(ctx, *profile.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("billing: list children: %w", err)
	}
	if children == nil {
		children = []models.Child{}
	}
	return children, nil
}

// FamilyCodes lists every access code of the caller's family. Only parents
// may read them.
func (s *Service) FamilyCodes(ctx context.Context, userID string) ([]models.FamilyCode, error) {
	profile, err := s.familyProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.Role != "parent" {
		return nil, newError(ErrForbidden, CodeForbidden, "only parents can view family codes", nil)
	}
	list, err := s.store.ListFamilyCodes(ctx, *profile.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("billing: list family codes: %w", err)
	}
	if list == nil {
		list = []models.FamilyCode{}
	}
	return list, nil
}

// RegisterChildren adds children to the caller's family, each with a new
// child access code. The family may not hold more children with unrevoked
// codes than its plan covers.
func (s *Service) RegisterChildren(ctx context.Context, userID string, in []ChildInput) ([]models.Child, error) {
	profile, err := s.familyProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.Role != "parent" {
		return nil, newError(ErrForbidden, CodeForbidden, "only parents can register children", nil)
	}
	familyID := *profile.FamilyID

	children, err := childrenFromInput(familyID, in)
	if err != nil {
		return nil, err
	}

	membership, err := s.store.GetMembershipByFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("billing: load membership: %w", err)
	}
	if membership == nil || membership.Status.Terminal() {
		return nil, newError(ErrNoMembership, CodeNoMembership, "no active membership found", nil)
	}
	plan, err := s.store.GetPlan(ctx, membership.PlanID)
	if err != nil {
		return nil, fmt.Errorf("billing: load plan: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("billing: membership %s references missing plan %s", membership.ID, membership.PlanID)
	}

	pending, err := s.store.GetPendingDowngrade(ctx, membership.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: load pending downgrade: %w", err)
	}
	if pending != nil {
		return nil, validationError(CodePendingChangeConflict,
			"cancel the scheduled downgrade before registering more children")
	}

	existing, err := s.familyCodeSet(ctx, familyID)
	if err != nil {
		return nil, err
	}

	var created []models.Child
	for attempt := 0; ; attempt++ {
		fresh, err := s.freshCodes(ctx, codes.Child, len(children), existing)
		if err != nil {
			return nil, err
		}
		for i := range children {
			children[i].Code = fresh[i]
		}

		created, err = s.store.AddChildren(ctx, familyID, plan.MaxChildren, children)
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, ErrNoSeatsAvailable):
			return nil, newError(ErrValidation, CodeSeatLimitReached,
				fmt.Sprintf("your plan covers %s; upgrade it to register more", childrenLabel(plan.MaxChildren)), err)
		case errors.Is(err, ErrCodeTaken) && attempt+1 < codeRounds:
			log.Printf("[billing] family %s: child code collided on insert, drawing again", familyID)
			for _, c := range fresh {
				existing[c] = struct{}{}
			}
		case errors.Is(err, ErrCodeTaken):
			return nil, fmt.Errorf("billing: register children: %w", codes.ErrGenerationExhausted)
		default:
			return nil, fmt.Errorf("billing: register children: %w", err)
		}
	}

	log.Printf("[billing] registered %d children in family %s", len(created), familyID)
	for _, c := range created {
		s.notify(ctx, profile.ID, models.NotifyChildRegistered, c.FirstName+" registered",
			fmt.Sprintf("%s can now sign in with access code %s.", c.FirstName, c.Code))
	}
	return created, nil
}

func (s *Service) familyProfile(ctx context.Context, userID string) (*models.Profile, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: load profile: %w", err)
	}
	if profile == nil {
		return nil, newError(ErrForbidden, CodeForbidden, "profile not found", nil)
	}
	if profile.FamilyID == nil {
		return nil, newError(ErrNoMembership, CodeNoMembership, "no family found", nil)
	}
	return profile, nil
}

func (s *Service) familyCodeSet(ctx context.Context, familyID string) (map[string]struct{}, error) {
	list, err := s.store.ListFamilyCodes(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("billing: list family codes: %w", err)
	}
	existing := make(map[string]struct{}, len(list))
	for _, c := range list {
		existing[c.Code] = struct{}{}
	}
	return existing, nil
}

// freshCodes draws n codes that are neither in existing nor stored. Codes
// found taken are added to existing.
func (s *Service) freshCodes(ctx context.Context, t codes.Type, n int, existing map[string]struct{}) ([]string, error) {
	if existing == nil {
		existing = make(map[string]struct{})
	}
	for round := 0; round < codeRounds; round++ {
		candidates, err := s.codes.GenerateUnique(t, n, existing)
		if err != nil {
			return nil, fmt.Errorf("billing: generate %s codes: %w", t, err)
		}
		taken, err := s.store.FindTakenCodes(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("billing: check %s codes: %w", t, err)
		}
		if len(taken) == 0 {
			return candidates, nil
		}
		for _, c := range taken {
			existing[c] = struct{}{}
		}
	}
	return nil, fmt.Errorf("billing: %s codes still taken after %d rounds: %w", t, codeRounds, codes.ErrGenerationExhausted)
}

func childrenFromInput(familyID string, in []ChildInput) ([]models.Child, error) {
	if len(in) == 0 {
		return nil, validationError(CodeInvalidRequest, "no children provided")
	}
	out := make([]models.Child, 0, len(in))
	for i, c := range in {
		first := strings.TrimSpace(c.FirstName)
		if first == "" {
			return nil, validationError(CodeInvalidRequest, fmt.Sprintf("child %d: first name is required", i+1))
		}
		child := models.Child{
			FamilyID:  familyID,
			FirstName: first,
			LastName:  strings.TrimSpace(c.LastName),
			City:      strings.TrimSpace(c.City),
			Country:   strings.TrimSpace(c.Country),
		}
		if raw := strings.TrimSpace(c.BirthDate); raw != "" {
			born, err := time.Parse(birthDateLayout, raw)
			if err != nil {
				return nil, validationError(CodeInvalidRequest,
					fmt.Sprintf("child %d: birth date must look like 2015-06-30", i+1))
			}
			child.BirthDate = &born
		}
		out = append(out, child)
	}
	return out, nil
}
