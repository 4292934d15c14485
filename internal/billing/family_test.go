package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/models"
)

// countingCodes makes child codes E-00000001, E-00000002 and so on.
func countingCodes() CodeGenerator {
	var n int64
	return codes.NewGeneratorWithSource(func() int64 {
		n++
		return n
	})
}

// withFreeSeat widens the harness family to three seats so one more child fits.
func withFreeSeat(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, 2)
	h.store.memberships["mem-1"].PlanID = h.store.planFor(3).ID
	h.svc.codes = countingCodes()
	return h
}

func TestRegisterChildrenIssuesCodes(t *testing.T) {
	h := withFreeSeat(t)

	created, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{
		{FirstName: " Carla ", LastName: "Rivera", BirthDate: "2016-04-12", City: "Lima", Country: "PE"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	c := created[0]
	assert.Equal(t, "Carla", c.FirstName)
	assert.Equal(t, "fam-1", c.FamilyID)
	require.NotNil(t, c.BirthDate)
	assert.Equal(t, "2016-04-12", c.BirthDate.Format("2006-01-02"))
	// E-00000001 and E-00000002 already belong to the family.
	assert.Equal(t, "E-00000003", c.Code)
	require.NotNil(t, c.FamilyCodeID)
	assert.Equal(t, models.FamilyCodeActive, h.store.codes[*c.FamilyCodeID].Status)

	registered := h.notifier.ofType(models.NotifyChildRegistered)
	require.Len(t, registered, 1)
	assert.Equal(t, "user-1", registered[0].ProfileID)
	assert.Contains(t, registered[0].Message, "E-00000003")

	children, err := h.svc.Children(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestRegisterChildrenSkipsCodesTakenByOtherFamilies(t *testing.T) {
	h := withFreeSeat(t)
	h.store.codes["other"] = &models.FamilyCode{ID: "other", Code: "E-00000003", CodeType: "child", FamilyID: "fam-9", Status: models.FamilyCodeActive}

	created, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "E-00000004", created[0].Code)
}

func TestRegisterChildrenRedrawsAfterInsertCollision(t *testing.T) {
	h := withFreeSeat(t)
	h.store.addErrs = []error{ErrCodeTaken}

	created, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "E-00000004", created[0].Code)
}

func TestRegisterChildrenGivesUpAfterRepeatedCollisions(t *testing.T) {
	h := withFreeSeat(t)
	h.store.addErrs = []error{ErrCodeTaken, ErrCodeTaken, ErrCodeTaken}

	_, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}})
	assert.ErrorIs(t, err, codes.ErrGenerationExhausted)
	assert.Empty(t, h.notifier.ofType(models.NotifyChildRegistered))
}

func TestRegisterChildrenEnforcesPlanSeats(t *testing.T) {
	h := withFreeSeat(t)

	_, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}, {FirstName: "Dani"}})
	require.ErrorIs(t, err, ErrValidation)
	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeSeatLimitReached, be.Code)
	assert.Contains(t, be.Message, "3 children")
	assert.Len(t, h.store.children["fam-1"], 2)
}

func TestRegisterChildrenReusesRevokedSeats(t *testing.T) {
	h := newHarness(t, 2)
	h.svc.codes = countingCodes()
	h.store.codes["code-b"].Status = models.FamilyCodeRevoked

	created, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestRegisterChildrenRejectsWhileDowngradePending(t *testing.T) {
	h := withFreeSeat(t)
	h.store.downgrades = append(h.store.downgrades, &models.PendingDowngrade{
		ID: "pd-1", MembershipID: "mem-1", NewChildrenCount: 2, ScheduledFor: periodEnd, Status: models.PendingStatusPending,
	})

	_, err := h.svc.RegisterChildren(context.Background(), "user-1", []ChildInput{{FirstName: "Carla"}})
	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodePendingChangeConflict, be.Code)
}

func TestRegisterChildrenValidation(t *testing.T) {
	h := withFreeSeat(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   []ChildInput
	}{
		{name: "empty", in: nil},
		{name: "blank first name", in: []ChildInput{{FirstName: "  "}}},
		{name: "bad birth date", in: []ChildInput{{FirstName: "Carla", BirthDate: "12/04/2016"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RegisterChildren(ctx, "user-1", tt.in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestRegisterChildrenAccessRules(t *testing.T) {
	h := withFreeSeat(t)
	ctx := context.Background()
	familyID := "fam-1"
	h.store.profiles["kid-1"] = &models.Profile{ID: "kid-1", Role: "child", FamilyID: &familyID}
	h.store.profiles["loner"] = &models.Profile{ID: "loner", Role: "parent"}

	_, err := h.svc.RegisterChildren(ctx, "kid-1", []ChildInput{{FirstName: "Carla"}})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.RegisterChildren(ctx, "loner", []ChildInput{{FirstName: "Carla"}})
	assert.ErrorIs(t, err, ErrNoMembership)

	_, err = h.svc.RegisterChildren(ctx, "ghost", []ChildInput{{FirstName: "Carla"}})
	assert.ErrorIs(t, err, ErrForbidden)

	h.store.memberships["mem-1"].Status = models.MembershipCanceled
	_, err = h.svc.RegisterChildren(ctx, "user-1", []ChildInput{{FirstName: "Carla"}})
	assert.ErrorIs(t, err, ErrNoMembership)
}

func TestFamilyCodesRequiresParent(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	familyID := "fam-1"
	h.store.profiles["kid-1"] = &models.Profile{ID: "kid-1", Role: "child", FamilyID: &familyID}

	list, err := h.svc.FamilyCodes(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = h.svc.FamilyCodes(ctx, "kid-1")
	assert.ErrorIs(t, err, ErrForbidden)

	children, err := h.svc.Children(ctx, "kid-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.NotEmpty(t, children[0].Code)
}

func TestCheckoutFailsWhenParentCodeStaysTaken(t *testing.T) {
	h := newProspect(t)
	h.store.codes["taken"] = &models.FamilyCode{ID: "taken", Code: "P-12345678", CodeType: "parent", FamilyID: "fam-9", Status: models.FamilyCodeActive}

	err := h.svc.HandleEvent(context.Background(), &Event{ID: "evt_1", Type: EventCheckoutCompleted, Checkout: h.proc.checkout})
	assert.ErrorIs(t, err, codes.ErrGenerationExhausted)

	profile, err := h.store.GetProfile(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Nil(t, profile.FamilyID)
}
