package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/family-membership/internal/codes"
	"github.com/PortNumber53/family-membership/internal/models"
	"github.com/PortNumber53/family-membership/internal/pricing"
)

var testPrices = PriceCatalog{
	BaseMonthly: "price_base_m",
	BaseYearly:  "price_base_y",
	SeatMonthly: "price_seat_m",
	SeatYearly:  "price_seat_y",
}

var periodEnd = time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu             sync.Mutex
	seq            int
	profiles       map[string]*models.Profile
	memberships    map[string]*models.Membership
	plans          map[string]*models.Plan
	children       map[string][]models.Child
	codes          map[string]*models.FamilyCode
	downgrades     []*models.PendingDowngrade
	billingChanges []*models.PendingBillingChange
	syncErr        error
	// addErrs are returned by successive AddChildren calls before any insert.
	addErrs []error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:    map[string]*models.Profile{},
		memberships: map[string]*models.Membership{},
		plans:       map[string]*models.Plan{},
		children:    map[string][]models.Child{},
		codes:       map[string]*models.FamilyCode{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetParentProfileID(ctx context.Context, familyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.FamilyID != nil && *p.FamilyID == familyID && p.Role == "parent" {
			return p.ID, nil
		}
	}
	return "", nil
}

func (f *fakeStore) membershipBy(match func(*models.Membership) bool) *models.Membership {
	for _, m := range f.memberships {
		if match(m) {
			cp := *m
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) GetMembershipByFamily(ctx context.Context, familyID string) (*models.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.membershipBy(func(m *models.Membership) bool { return m.FamilyID == familyID }), nil
}

func (f *fakeStore) GetMembershipBySubscription(ctx context.Context, subID string) (*models.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.membershipBy(func(m *models.Membership) bool { return m.StripeSubscriptionID == subID }), nil
}

func (f *fakeStore) bySubscription(subID string) *models.Membership {
	for _, m := range f.memberships {
		if m.StripeSubscriptionID == subID {
			return m
		}
	}
	return nil
}

func (f *fakeStore) SyncMembership(ctx context.Context, subID string, sync MembershipSync) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return f.syncErr
	}
	m := f.bySubscription(subID)
	if m == nil || m.Status.Terminal() {
		return nil
	}
	if sync.PlanID != "" {
		m.PlanID = sync.PlanID
	}
	if sync.BillingCycle != "" {
		m.BillingCycle = sync.BillingCycle
	}
	if sync.Status != "" {
		m.Status = sync.Status
	}
	if !sync.CurrentPeriodEnd.IsZero() {
		m.CurrentPeriodEnd = sync.CurrentPeriodEnd
	}
	if sync.CancelAtPeriodEnd != nil {
		m.CancelAtPeriodEnd = *sync.CancelAtPeriodEnd
	}
	return nil
}

func (f *fakeStore) SetCancelAtPeriodEnd(ctx context.Context, subID string, cancel bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.bySubscription(subID)
	if m == nil || m.CancelAtPeriodEnd == cancel {
		return false, nil
	}
	m.CancelAtPeriodEnd = cancel
	return true, nil
}

func (f *fakeStore) SetMembershipStatus(ctx context.Context, subID string, status models.MembershipStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.bySubscription(subID)
	if m == nil || m.Status == status || m.Status.Terminal() {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (f *fakeStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) EnsurePlan(ctx context.Context, plan models.Plan) (*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.plans {
		if p.MaxChildren == plan.MaxChildren {
			cp := *p
			return &cp, nil
		}
	}
	plan.ID = f.nextID("plan")
	f.plans[plan.ID] = &plan
	cp := plan
	return &cp, nil
}

func (f *fakeStore) planFor(seats int) *models.Plan {
	p, _ := f.EnsurePlan(context.Background(), models.Plan{Name: fmt.Sprintf("Familiar %d", seats), MaxChildren: seats})
	return p
}

func (f *fakeStore) ListChildren(ctx context.Context, familyID string) ([]models.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]models.Child(nil), f.children[familyID]...)
	for i, c := range out {
		if c.FamilyCodeID == nil {
			continue
		}
		if code, ok := f.codes[*c.FamilyCodeID]; ok {
			out[i].Code = code.Code
			out[i].CodeStatus = code.Status
		}
	}
	return out, nil
}

func (f *fakeStore) ListFamilyCodes(ctx context.Context, familyID string) ([]models.FamilyCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.FamilyCode
	for _, c := range f.codes {
		if c.FamilyID == familyID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) FindTakenCodes(ctx context.Context, candidates []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var taken []string
	for _, cand := range candidates {
		for _, c := range f.codes {
			if c.Code == cand {
				taken = append(taken, cand)
				break
			}
		}
	}
	return taken, nil
}

func (f *fakeStore) AddChildren(ctx context.Context, familyID string, maxSeats int, children []models.Child) ([]models.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.addErrs) > 0 {
		err := f.addErrs[0]
		f.addErrs = f.addErrs[1:]
		return nil, err
	}
	held := 0
	for _, c := range f.children[familyID] {
		if c.FamilyCodeID != nil {
			c.CodeStatus = f.codes[*c.FamilyCodeID].Status
		}
		if c.HoldsSeat() {
			held++
		}
	}
	if held+len(children) > maxSeats {
		return nil, ErrNoSeatsAvailable
	}
	out := make([]models.Child, 0, len(children))
	for _, c := range children {
		codeID := f.nextID("code")
		f.codes[codeID] = &models.FamilyCode{ID: codeID, Code: c.Code, CodeType: string(codes.Child), FamilyID: familyID, Status: models.FamilyCodeActive}
		c.ID = f.nextID("child")
		c.FamilyID = familyID
		c.FamilyCodeID = &codeID
		c.CodeStatus = models.FamilyCodeActive
		f.children[familyID] = append(f.children[familyID], c)
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) RevokeFamilyCodes(ctx context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if c, ok := f.codes[id]; ok && c.Status == models.FamilyCodeActive {
			c.Status = models.FamilyCodeRevoked
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetPendingDowngrade(ctx context.Context, membershipID string) (*models.PendingDowngrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.downgrades {
		if d.MembershipID == membershipID && d.Status == models.PendingStatusPending {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ReplacePendingDowngrade(ctx context.Context, d *models.PendingDowngrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, old := range f.downgrades {
		if old.MembershipID == d.MembershipID && old.Status == models.PendingStatusPending {
			old.Status = models.PendingStatusCanceled
		}
	}
	cp := *d
	cp.ID = f.nextID("pd")
	d.ID = cp.ID
	f.downgrades = append(f.downgrades, &cp)
	return nil
}

func (f *fakeStore) transitionDowngrade(id string, to models.PendingStatus) bool {
	for _, d := range f.downgrades {
		if d.ID == id && d.Status == models.PendingStatusPending {
			d.Status = to
			return true
		}
	}
	return false
}

func (f *fakeStore) CancelPendingDowngrade(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionDowngrade(id, models.PendingStatusCanceled), nil
}

func (f *fakeStore) ApplyPendingDowngrade(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionDowngrade(id, models.PendingStatusApplied), nil
}

func (f *fakeStore) GetPendingBillingChange(ctx context.Context, membershipID string) (*models.PendingBillingChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.billingChanges {
		if c.MembershipID == membershipID && c.Status == models.PendingStatusPending {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ReplacePendingBillingChange(ctx context.Context, c *models.PendingBillingChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, old := range f.billingChanges {
		if old.MembershipID == c.MembershipID && old.Status == models.PendingStatusPending {
			old.Status = models.PendingStatusCanceled
		}
	}
	cp := *c
	cp.ID = f.nextID("pbc")
	c.ID = cp.ID
	f.billingChanges = append(f.billingChanges, &cp)
	return nil
}

func (f *fakeStore) transitionBillingChange(id string, to models.PendingStatus) bool {
	for _, c := range f.billingChanges {
		if c.ID == id && c.Status == models.PendingStatusPending {
			c.Status = to
			return true
		}
	}
	return false
}

func (f *fakeStore) CancelPendingBillingChange(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionBillingChange(id, models.PendingStatusCanceled), nil
}

func (f *fakeStore) ApplyPendingBillingChange(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionBillingChange(id, models.PendingStatusApplied), nil
}

func (f *fakeStore) ProvisionFamily(ctx context.Context, p Provisioning) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[p.ProfileID]
	if !ok {
		return false, fmt.Errorf("profile %s not found", p.ProfileID)
	}
	if profile.FamilyID != nil {
		return false, nil
	}
	familyID := f.nextID("fam")
	profile.FamilyID = &familyID
	profile.Role = "parent"
	m := &models.Membership{
		ID:                   f.nextID("mem"),
		FamilyID:             familyID,
		PlanID:               p.PlanID,
		Status:               p.Status,
		BillingCycle:         p.BillingCycle,
		StripeSubscriptionID: p.StripeSubscriptionID,
		StripeCustomerID:     p.StripeCustomerID,
		CurrentPeriodEnd:     p.CurrentPeriodEnd,
		CancelAtPeriodEnd:    p.CancelAtPeriodEnd,
	}
	f.memberships[m.ID] = m
	codeID := f.nextID("code")
	f.codes[codeID] = &models.FamilyCode{
		ID:        codeID,
		Code:      p.ParentCode,
		CodeType:  string(codes.Parent),
		FamilyID:  familyID,
		ProfileID: &profile.ID,
		Status:    models.FamilyCodeActive,
	}
	return true, nil
}

func (f *fakeStore) pendingDowngrades(status models.PendingStatus) []*models.PendingDowngrade {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PendingDowngrade
	for _, d := range f.downgrades {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeStore) membership(id string) models.Membership {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.memberships[id]
}

type fakeProcessor struct {
	mu           sync.Mutex
	seq          int
	sub          *Subscription
	getErr       error
	updateErr    error
	previewErr   error
	scheduleErr  error
	previewLines []InvoiceLine
	updates      []SubscriptionUpdate
	previews     []InvoicePreviewRequest
	schedules    []Schedule
	released     []string
	canceled     []string
	created      []ScheduleRequest
	checkout     *CheckoutSession
	checkoutReqs []CheckoutRequest
	portalURL    string
}

func cloneSubscription(s *Subscription) *Subscription {
	cp := *s
	cp.Items = append([]LineItem(nil), s.Items...)
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (p *fakeProcessor) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	if p.sub == nil || p.sub.ID != id {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return cloneSubscription(p.sub), nil
}

func (p *fakeProcessor) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	p.updates = append(p.updates, update)

	for _, change := range update.Items {
		switch {
		case change.Deleted:
			kept := p.sub.Items[:0]
			for _, item := range p.sub.Items {
				if item.ID != change.ID {
					kept = append(kept, item)
				}
			}
			p.sub.Items = kept
		case change.ID != "":
			for i := range p.sub.Items {
				if p.sub.Items[i].ID == change.ID {
					if change.PriceID != "" {
						p.sub.Items[i].PriceID = change.PriceID
					}
					if change.Quantity > 0 {
						p.sub.Items[i].Quantity = change.Quantity
					}
				}
			}
		default:
			p.seq++
			p.sub.Items = append(p.sub.Items, LineItem{
				ID:       fmt.Sprintf("si_new_%d", p.seq),
				PriceID:  change.PriceID,
				Quantity: change.Quantity,
			})
		}
	}
	for k, v := range update.Metadata {
		if v == "" {
			delete(p.sub.Metadata, k)
			continue
		}
		p.sub.Metadata[k] = v
	}
	return cloneSubscription(p.sub), nil
}

func (p *fakeProcessor) PreviewInvoice(ctx context.Context, req InvoicePreviewRequest) ([]InvoiceLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previews = append(p.previews, req)
	if p.previewErr != nil {
		return nil, p.previewErr
	}
	return p.previewLines, nil
}

func (p *fakeProcessor) ListSchedules(ctx context.Context, customerID string) ([]Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Schedule(nil), p.schedules...), nil
}

func (p *fakeProcessor) CreateSchedule(ctx context.Context, req ScheduleRequest) (*Schedule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduleErr != nil {
		return nil, p.scheduleErr
	}
	p.created = append(p.created, req)
	p.seq++
	sched := Schedule{ID: fmt.Sprintf("sub_sched_%d", p.seq), Status: ScheduleActive, SubscriptionID: req.SubscriptionID}
	p.schedules = append(p.schedules, sched)
	return &sched, nil
}

func (p *fakeProcessor) setScheduleStatus(id, status string) {
	for i := range p.schedules {
		if p.schedules[i].ID == id {
			p.schedules[i].Status = status
		}
	}
}

func (p *fakeProcessor) ReleaseSchedule(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	p.setScheduleStatus(id, "released")
	return nil
}

func (p *fakeProcessor) CancelSchedule(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	p.setScheduleStatus(id, "canceled")
	return nil
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkoutReqs = append(p.checkoutReqs, req)
	return &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.test/cs_test_1"}, nil
}

func (p *fakeProcessor) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkout == nil || p.checkout.ID != id {
		return nil, fmt.Errorf("no such checkout session: %s", id)
	}
	cp := *p.checkout
	return &cp, nil
}

func (p *fakeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return p.portalURL + "?customer=" + customerID, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) ofType(kind string) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, msg := range n.sent {
		if msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

type memEventLog struct {
	seen map[string]bool
}

func (l *memEventLog) Seen(ctx context.Context, id string) (bool, error) {
	return l.seen[id], nil
}

func (l *memEventLog) Mark(ctx context.Context, id string) error {
	l.seen[id] = true
	return nil
}

type harness struct {
	svc      *Service
	store    *fakeStore
	proc     *fakeProcessor
	notifier *recordingNotifier
}

// newHarness seeds a parent "user-1" whose family "fam-1" holds a membership
// "mem-1" for the given seats on a monthly cycle ending at periodEnd, with
// children child-a and child-b holding active codes.
func newHarness(t *testing.T, seats int) *harness {
	t.Helper()

	st := newFakeStore()
	familyID := "fam-1"
	st.profiles["user-1"] = &models.Profile{ID: "user-1", Email: "parent@example.com", LastName: "Rivera", Role: "parent", FamilyID: &familyID}
	plan := st.planFor(seats)
	st.memberships["mem-1"] = &models.Membership{
		ID:                   "mem-1",
		FamilyID:             familyID,
		PlanID:               plan.ID,
		Status:               models.MembershipActive,
		BillingCycle:         models.BillingMonthly,
		StripeSubscriptionID: "sub_1",
		StripeCustomerID:     "cus_1",
		CurrentPeriodEnd:     periodEnd,
	}
	codeA, codeB := "code-a", "code-b"
	st.codes[codeA] = &models.FamilyCode{ID: codeA, Code: "E-00000001", CodeType: "child", FamilyID: familyID, Status: models.FamilyCodeActive}
	st.codes[codeB] = &models.FamilyCode{ID: codeB, Code: "E-00000002", CodeType: "child", FamilyID: familyID, Status: models.FamilyCodeActive}
	st.children[familyID] = []models.Child{
		{ID: "child-a", FamilyID: familyID, FirstName: "Ana", FamilyCodeID: &codeA},
		{ID: "child-b", FamilyID: familyID, FirstName: "Ben", FamilyCodeID: &codeB},
	}

	items := []LineItem{{ID: "si_base", PriceID: testPrices.BaseMonthly, Quantity: 1}}
	if seats > 1 {
		items = append(items, LineItem{ID: "si_seat", PriceID: testPrices.SeatMonthly, Quantity: int64(seats - 1)})
	}
	proc := &fakeProcessor{
		sub: &Subscription{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			Status:             "active",
			Interval:           models.BillingMonthly,
			CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
			CurrentPeriodEnd:   periodEnd,
			Items:              items,
			Metadata:           map[string]string{MetaChildrenCount: fmt.Sprint(seats)},
		},
		portalURL: "https://billing.test/portal",
	}
	notifier := &recordingNotifier{}

	svc, err := New(Deps{
		Store:     st,
		Processor: proc,
		Notifier:  notifier,
		Codes:     codes.NewGeneratorWithSource(func() int64 { return 12345678 }),
		Pricing:   pricing.Default(),
		Prices:    testPrices,
		AppURL:    "https://app.test",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &harness{svc: svc, store: st, proc: proc, notifier: notifier}
}

// rolledSubscription returns the processor subscription as it looks after
// the period ending at periodEnd has renewed.
func (h *harness) rolledSubscription() *Subscription {
	h.proc.mu.Lock()
	defer h.proc.mu.Unlock()
	sub := cloneSubscription(h.proc.sub)
	sub.CurrentPeriodStart = periodEnd
	sub.CurrentPeriodEnd = periodEnd.AddDate(0, 1, 0)
	return sub
}
