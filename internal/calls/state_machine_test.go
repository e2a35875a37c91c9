package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dialer-platform/internal/audit"
)

type stubSlots struct {
	mu       sync.Mutex
	released []string
}

func (s *stubSlots) ReleaseForCall(ctx context.Context, workspaceID, campaignID, slotID, callID string, answered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, slotID)
	return nil
}

type stubPacer struct {
	mu    sync.Mutex
	ticks []string
}

func (s *stubPacer) RequestTick(ctx context.Context, workspaceID, campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, campaignID)
}

type stubAgents struct {
	onCall []string
	wrapUp []string
}

func (s *stubAgents) MarkOnCall(ctx context.Context, workspaceID, agentID string) error {
	s.onCall = append(s.onCall, agentID)
	return nil
}

func (s *stubAgents) MarkWrapUp(ctx context.Context, workspaceID, agentID string) error {
	s.wrapUp = append(s.wrapUp, agentID)
	return nil
}

type smFixture struct {
	sm        *StateMachine
	repo      *MemoryRepo
	auditRepo *audit.MemoryRepo
	slots     *stubSlots
	pacer     *stubPacer
	agents    *stubAgents
}

func newFixture(t *testing.T) *smFixture {
	t.Helper()
	f := &smFixture{
		repo:      NewMemoryRepo(),
		auditRepo: audit.NewMemoryRepo(),
		slots:     &stubSlots{},
		pacer:     &stubPacer{},
		agents:    &stubAgents{},
	}
	f.sm = NewStateMachine(f.repo, audit.NewService(f.auditRepo), f.slots, f.pacer, f.agents)
	return f
}

func (f *smFixture) createDialing(t *testing.T) Call {
	t.Helper()
	c, err := f.sm.CreateOutbound(context.Background(), "w", "camp1", "slot1", "+15550001111", "+15552220000")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.sm.AttachCarrierCallID(context.Background(), "w", c.CallID, "CA100"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusDialing}); err != nil {
		t.Fatalf("dialing: %v", err)
	}
	c, err = f.repo.GetByID(context.Background(), "w", c.CallID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return c
}

func TestApplyEvent_RejectsUnknownCarrierCallID(t *testing.T) {
	f := newFixture(t)

	_, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA404", Status: StatusRinging})
	if !errors.Is(err, ErrUnknownCarrierCallID) {
		t.Fatalf("expected unknown carrier call id, got %v", err)
	}
}

func TestApplyEvent_AdvancesThroughLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.createDialing(t)

	for _, st := range []Status{StatusRinging, StatusAnswered} {
		tr, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: st})
		if err != nil {
			t.Fatalf("apply %s: %v", st, err)
		}
		if !tr.Applied || tr.Next != st {
			t.Fatalf("expected applied transition to %s, got %+v", st, tr)
		}
	}

	got, _ := f.repo.GetByID(context.Background(), "w", c.CallID)
	if got.Status != StatusAnswered {
		t.Fatalf("expected answered, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at set on answer")
	}
}

func TestApplyEvent_OutOfOrderDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	c := f.createDialing(t)

	if _, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusRinging}); err != nil {
		t.Fatalf("ringing: %v", err)
	}

	// Late-arriving dialing event: recorded, not applied.
	tr, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusDialing})
	if err != nil {
		t.Fatalf("late dialing: %v", err)
	}
	if tr.Applied {
		t.Fatalf("expected event recorded without mutation")
	}
	if tr.IgnoredReason != IgnoredOutOfOrder {
		t.Fatalf("expected out_of_order, got %q", tr.IgnoredReason)
	}

	got, _ := f.repo.GetByID(context.Background(), "w", c.CallID)
	if got.Status != StatusRinging {
		t.Fatalf("stored status regressed to %s", got.Status)
	}

	// The ignored event still left an audit record.
	found := false
	for _, e := range f.auditRepo.Entries() {
		if e.Action == audit.ActionCallEventIgnored && e.ResourceID == c.CallID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected audit entry for ignored event")
	}
}

func TestApplyEvent_TerminalIsFinal(t *testing.T) {
	f := newFixture(t)
	c := f.createDialing(t)

	tr, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusCompleted, Disposition: "contacted"})
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if !tr.Terminal {
		t.Fatalf("expected terminal transition")
	}

	// Later events: audited, no mutation, no second slot release.
	for _, st := range []Status{StatusFailed, StatusAnswered} {
		tr, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: st})
		if err != nil {
			t.Fatalf("post-terminal %s: %v", st, err)
		}
		if tr.Applied || tr.IgnoredReason != IgnoredPostTerminal {
			t.Fatalf("expected post_terminal ignore, got %+v", tr)
		}
	}

	got, _ := f.repo.GetByID(context.Background(), "w", c.CallID)
	if got.Status != StatusCompleted || got.Disposition != "contacted" {
		t.Fatalf("terminal state mutated: %s %s", got.Status, got.Disposition)
	}
	if len(f.slots.released) != 1 {
		t.Fatalf("expected exactly one slot release, got %d", len(f.slots.released))
	}
	if len(f.pacer.ticks) != 1 || f.pacer.ticks[0] != "camp1" {
		t.Fatalf("expected one pacer signal for camp1, got %v", f.pacer.ticks)
	}
}

func TestApplyEvent_BridgeTracksAgent(t *testing.T) {
	f := newFixture(t)
	f.createDialing(t)

	if _, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusAnswered}); err != nil {
		t.Fatalf("answered: %v", err)
	}
	if _, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusBridged, AgentID: "agent7"}); err != nil {
		t.Fatalf("bridged: %v", err)
	}
	if len(f.agents.onCall) != 1 || f.agents.onCall[0] != "agent7" {
		t.Fatalf("expected agent marked on_call")
	}

	if _, err := f.sm.ApplyEvent(context.Background(), Event{CarrierCallID: "CA100", Status: StatusCompleted}); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(f.agents.wrapUp) != 1 || f.agents.wrapUp[0] != "agent7" {
		t.Fatalf("expected agent marked wrap_up")
	}
}

func TestForceTerminate_FinalizesAndAudits(t *testing.T) {
	f := newFixture(t)
	c := f.createDialing(t)

	tr, err := f.sm.ForceTerminate(context.Background(), "w", c.CallID, "admin1", "super_admin")
	if err != nil {
		t.Fatalf("force terminate: %v", err)
	}
	if !tr.Terminal || tr.Next != StatusFailed {
		t.Fatalf("expected failed terminal, got %+v", tr)
	}

	// Idempotent: a second force-terminate is a no-op.
	tr, err = f.sm.ForceTerminate(context.Background(), "w", c.CallID, "admin1", "super_admin")
	if err != nil {
		t.Fatalf("second force terminate: %v", err)
	}
	if tr.Applied {
		t.Fatalf("expected no-op on terminal call")
	}
	if len(f.slots.released) != 1 {
		t.Fatalf("expected single slot release")
	}
}

func TestListStale_FlagsQuietNonTerminalCalls(t *testing.T) {
	f := newFixture(t)
	c := f.createDialing(t)

	// Nothing stale yet.
	out, err := f.sm.ListStale(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no stale calls, got %d", len(out))
	}

	// Age the call beyond the threshold.
	old, _ := f.repo.GetByID(context.Background(), "w", c.CallID)
	prior := old.Status
	old.LastEventAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := f.repo.UpdateStatus(context.Background(), old, prior); err != nil {
		t.Fatalf("age call: %v", err)
	}

	out, err = f.sm.ListStale(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(out) != 1 || out[0].CallID != c.CallID {
		t.Fatalf("expected stale call flagged")
	}
}
