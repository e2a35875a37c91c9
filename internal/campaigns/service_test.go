package campaigns

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dialer-platform/internal/audit"
)

type campFixture struct {
	svc       *Service
	repo      *MemoryRepo
	auditRepo *audit.MemoryRepo
}

func newCampFixture(t *testing.T) *campFixture {
	t.Helper()
	f := &campFixture{
		repo:      NewMemoryRepo(),
		auditRepo: audit.NewMemoryRepo(),
	}
	f.svc = NewService(f.repo, audit.NewService(f.auditRepo))
	return f
}

func (f *campFixture) running(t *testing.T, budget int) Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), "w", CreateRequest{
		Name:              "june-collections",
		ConcurrencyBudget: budget,
		PacingMode:        PacingFixed,
		CallerID:          "+15550009999",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err = f.svc.Start(context.Background(), "w", c.CampaignID, "admin1", "owner")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return c
}

func TestCreate_ValidatesInput(t *testing.T) {
	f := newCampFixture(t)

	cases := []CreateRequest{
		{Name: "", ConcurrencyBudget: 3, PacingMode: PacingFixed, CallerID: "+15550009999"},
		{Name: "c", ConcurrencyBudget: 0, PacingMode: PacingFixed, CallerID: "+15550009999"},
		{Name: "c", ConcurrencyBudget: 3, PacingMode: "adaptive", CallerID: "+15550009999"},
		{Name: "c", ConcurrencyBudget: 3, PacingMode: PacingFixed, CallerID: ""},
	}
	for i, req := range cases {
		if _, err := f.svc.Create(context.Background(), "w", req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}

	c, err := f.svc.Create(context.Background(), "w", CreateRequest{
		Name:              "c",
		ConcurrencyBudget: 3,
		PacingMode:        PacingProgressive,
		CallerID:          "+15550009999",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.State != StateDraft || c.PacingRatio != 1.0 || c.MaxAttemptsPerTarget != 3 {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 2)

	// running -> paused -> running -> stopped.
	if _, err := f.svc.Pause(context.Background(), "w", c.CampaignID, "admin1", "owner"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.svc.Start(context.Background(), "w", c.CampaignID, "admin1", "owner"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := f.svc.Stop(context.Background(), "w", c.CampaignID, "admin1", "owner"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// stopped is terminal.
	if _, err := f.svc.Start(context.Background(), "w", c.CampaignID, "admin1", "owner"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of stopped, got %v", err)
	}

	// Every transition left an audit record with prior/new snapshots.
	n := 0
	for _, e := range f.auditRepo.Entries() {
		if e.Action == audit.ActionAdminAction && e.ResourceID == c.CampaignID {
			if e.PriorValue == "" || e.NewValue == "" {
				t.Fatalf("audit entry missing snapshots: %+v", e)
			}
			n++
		}
	}
	if n != 4 {
		t.Fatalf("expected 4 audited transitions, got %d", n)
	}
}

func TestLifecycle_PauseRequiresNonDraft(t *testing.T) {
	f := newCampFixture(t)
	c, err := f.svc.Create(context.Background(), "w", CreateRequest{
		Name:              "c",
		ConcurrencyBudget: 1,
		PacingMode:        PacingFixed,
		CallerID:          "+15550009999",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Pause(context.Background(), "w", c.CampaignID, "admin1", "owner"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestReserveSlot_BudgetNeverOversubscribed(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 3)

	// Five concurrent reservations against a budget of three.
	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.ReserveSlot(context.Background(), "w", c.CampaignID, "t1")
		}(i)
	}
	wg.Wait()

	ok, exhausted := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBudgetExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if ok != 3 || exhausted != 2 {
		t.Fatalf("expected 3 reserved / 2 exhausted, got %d / %d", ok, exhausted)
	}

	active, err := f.repo.ActiveSlotCount(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("active count: %v", err)
	}
	if active != 3 {
		t.Fatalf("expected 3 active slots, got %d", active)
	}
}

func TestReleaseForCall_IdempotentAndFreesBudget(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 1)

	slot, err := f.svc.ReserveSlot(context.Background(), "w", c.CampaignID, "t1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.svc.ReserveSlot(context.Background(), "w", c.CampaignID, "t2"); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected exhausted budget, got %v", err)
	}

	if err := f.svc.ReleaseForCall(context.Background(), "w", c.CampaignID, slot.SlotID, "call1", true); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Duplicate terminal event: no second decrement, no second audit entry.
	if err := f.svc.ReleaseForCall(context.Background(), "w", c.CampaignID, slot.SlotID, "call1", true); err != nil {
		t.Fatalf("duplicate release: %v", err)
	}

	releases := 0
	for _, e := range f.auditRepo.Entries() {
		if e.Action == audit.ActionSlotReleased && e.ResourceID == slot.SlotID {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected one release audit entry, got %d", releases)
	}

	if _, err := f.svc.ReserveSlot(context.Background(), "w", c.CampaignID, "t2"); err != nil {
		t.Fatalf("expected freed budget, got %v", err)
	}
}

func TestResume_RevalidatesBudget(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 2)

	for _, target := range []string{"t1", "t2"} {
		if _, err := f.svc.ReserveSlot(context.Background(), "w", c.CampaignID, target); err != nil {
			t.Fatalf("reserve %s: %v", target, err)
		}
	}
	if _, err := f.svc.Pause(context.Background(), "w", c.CampaignID, "admin1", "owner"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Full but not over budget: resume succeeds.
	if _, err := f.svc.Start(context.Background(), "w", c.CampaignID, "admin1", "owner"); err != nil {
		t.Fatalf("resume at budget: %v", err)
	}
}

func TestAddTargets_QueueOrderFIFOWithinTier(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 2)

	err := f.svc.AddTargets(context.Background(), "w", c.CampaignID, []Target{
		{PhoneNumber: "+15550000001", PriorityTier: 2},
		{PhoneNumber: "+15550000002", PriorityTier: 1},
		{PhoneNumber: "+15550000003", PriorityTier: 1},
	})
	if err != nil {
		t.Fatalf("add targets: %v", err)
	}

	// Lower tier dials first; within a tier, insertion order.
	want := []string{"+15550000002", "+15550000003", "+15550000001"}
	for _, phone := range want {
		next, err := f.repo.NextPendingTarget(context.Background(), "w", c.CampaignID)
		if err != nil {
			t.Fatalf("next target: %v", err)
		}
		if next.PhoneNumber != phone {
			t.Fatalf("expected %s next, got %s", phone, next.PhoneNumber)
		}
		if err := f.repo.MarkTarget(context.Background(), "w", c.CampaignID, next.TargetID, TargetInFlight, true); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if _, err := f.repo.NextPendingTarget(context.Background(), "w", c.CampaignID); !errors.Is(err, ErrNoEligibleTargets) {
		t.Fatalf("expected drained queue, got %v", err)
	}
}

func TestResetSkippedTargets_ReentersQueue(t *testing.T) {
	f := newCampFixture(t)
	c := f.running(t, 2)

	if err := f.svc.AddTargets(context.Background(), "w", c.CampaignID, []Target{
		{PhoneNumber: "+15550000001"},
	}); err != nil {
		t.Fatalf("add targets: %v", err)
	}
	next, err := f.repo.NextPendingTarget(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := f.repo.MarkTarget(context.Background(), "w", c.CampaignID, next.TargetID, TargetSkipped, false); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if _, err := f.repo.NextPendingTarget(context.Background(), "w", c.CampaignID); !errors.Is(err, ErrNoEligibleTargets) {
		t.Fatalf("expected empty queue, got %v", err)
	}

	n, err := f.repo.ResetSkippedTargets(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	if _, err := f.repo.NextPendingTarget(context.Background(), "w", c.CampaignID); err != nil {
		t.Fatalf("expected re-entered target, got %v", err)
	}
}
