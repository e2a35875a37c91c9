package dialer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/campaigns"
	"dialer-platform/internal/compliance"
	"dialer-platform/internal/config"
	"dialer-platform/internal/telephony"
)

// 17:00 UTC is 11:00 in America/Chicago: inside the 08-21 calling window.
var tickNow = time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)

type fakeCarrier struct {
	err        error
	originated []telephony.OriginateRequest
	hangups    []string
}

func (f *fakeCarrier) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	if f.err != nil {
		return telephony.OriginateResult{}, f.err
	}
	f.originated = append(f.originated, req)
	return telephony.OriginateResult{CarrierCallID: fmt.Sprintf("CA%d", len(f.originated))}, nil
}

func (f *fakeCarrier) Hangup(ctx context.Context, carrierCallID string) error {
	f.hangups = append(f.hangups, carrierCallID)
	return nil
}

func (f *fakeCarrier) HealthCheck(ctx context.Context) error { return nil }

type fixedAgents struct{ n int }

func (a fixedAgents) CountAvailable(ctx context.Context, workspaceID string) (int, error) {
	return a.n, nil
}

type stubOriginationRetries struct {
	targets []string
}

func (s *stubOriginationRetries) ScheduleOriginationRetry(ctx context.Context, workspaceID, campaignID, targetID, cause string) error {
	s.targets = append(s.targets, targetID)
	return nil
}

type pacerFixture struct {
	pacer    *Pacer
	campSvc  *campaigns.Service
	campRepo *campaigns.MemoryRepo
	callRepo *calls.MemoryRepo
	profiles *compliance.MemoryProfiles
	decRepo  *compliance.MemoryRepo
	carrier  *fakeCarrier
	retries  *stubOriginationRetries
	agents   *fixedAgents
}

func testRules() compliance.Rules {
	return compliance.Rules{
		CallingWindowStart: 8,
		CallingWindowEnd:   21,
		FrequencyCapWindow: 7 * 24 * time.Hour,
		FrequencyCapMax:    7,
		RequireConsent:     true,
		Version:            "test-v1",
	}
}

func newPacerFixture(t *testing.T, availableAgents int) *pacerFixture {
	t.Helper()

	auditSvc := audit.NewService(audit.NewMemoryRepo())
	f := &pacerFixture{
		campRepo: campaigns.NewMemoryRepo(),
		callRepo: calls.NewMemoryRepo(),
		profiles: compliance.NewMemoryProfiles(),
		decRepo:  compliance.NewMemoryRepo(),
		carrier:  &fakeCarrier{},
		retries:  &stubOriginationRetries{},
		agents:   &fixedAgents{n: availableAgents},
	}
	f.campSvc = campaigns.NewService(f.campRepo, auditSvc)

	gate := compliance.NewGate(testRules(), f.decRepo, auditSvc)
	gate.SetClock(func() time.Time { return tickNow })

	notifier := NewDeferredNotifier()
	releaser := &SlotReleaser{Campaigns: f.campSvc}
	sm := calls.NewStateMachine(f.callRepo, auditSvc, releaser, notifier, nil)

	cfg := config.DialerConfig{
		DefaultConcurrency: 3,
		MinPacingRatio:     1.0,
		MaxPacingRatio:     3.0,
		AnswerRateWindow:   15 * time.Minute,
		SlotTTL:            10 * time.Minute,
	}
	f.pacer = NewPacer(cfg, PacerDeps{
		Campaigns: f.campSvc,
		CampRepo:  f.campRepo,
		Gate:      gate,
		Profiles:  f.profiles,
		Agents:    f.agents,
		Calls:     sm,
		Carrier:   f.carrier,
		Retries:   f.retries,
		Rules:     testRules(),
	})
	f.pacer.clock = func() time.Time { return tickNow }
	notifier.Bind(f.pacer)
	return f
}

func (f *pacerFixture) campaign(t *testing.T, budget int, mode campaigns.PacingMode) campaigns.Campaign {
	t.Helper()
	c, err := f.campSvc.Create(context.Background(), "w", campaigns.CreateRequest{
		Name:              "collections",
		ConcurrencyBudget: budget,
		PacingMode:        mode,
		CallerID:          "+15550009999",
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	c, err = f.campSvc.Start(context.Background(), "w", c.CampaignID, "admin1", "owner")
	if err != nil {
		t.Fatalf("start campaign: %v", err)
	}
	return c
}

func (f *pacerFixture) addCleanTargets(t *testing.T, campaignID string, phones ...string) {
	t.Helper()
	targets := make([]campaigns.Target, 0, len(phones))
	for _, phone := range phones {
		targets = append(targets, campaigns.Target{PhoneNumber: phone})
		if err := f.profiles.Upsert(context.Background(), compliance.Profile{
			WorkspaceID:      "w",
			PhoneNumber:      phone,
			TimeZone:         "America/Chicago",
			ConsentGrantedAt: tickNow.Add(-24 * time.Hour),
			ConsentExpiresAt: tickNow.Add(365 * 24 * time.Hour),
		}); err != nil {
			t.Fatalf("seed profile: %v", err)
		}
	}
	if err := f.campSvc.AddTargets(context.Background(), "w", campaignID, targets); err != nil {
		t.Fatalf("add targets: %v", err)
	}
}

func TestTick_RequiresRunningCampaign(t *testing.T) {
	f := newPacerFixture(t, 3)
	c, err := f.campSvc.Create(context.Background(), "w", campaigns.CreateRequest{
		Name:              "draft",
		ConcurrencyBudget: 2,
		PacingMode:        campaigns.PacingFixed,
		CallerID:          "+15550009999",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Waiting != WaitingCampaignNotRunning || res.Dialed != 0 {
		t.Fatalf("expected campaign_not_running, got %+v", res)
	}
}

func TestTick_WaitsWithoutAgents(t *testing.T) {
	f := newPacerFixture(t, 0)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Waiting != WaitingNoAvailableAgents {
		t.Fatalf("expected no_available_agents, got %+v", res)
	}
}

func TestTick_DialsUpToBudgetNeverBeyond(t *testing.T) {
	f := newPacerFixture(t, 5)
	c := f.campaign(t, 3, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID,
		"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005")

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dialed != 3 {
		t.Fatalf("expected 3 dials under budget 3, got %+v", res)
	}
	if len(f.carrier.originated) != 3 {
		t.Fatalf("carrier saw %d originations", len(f.carrier.originated))
	}
	active, _ := f.campRepo.ActiveSlotCount(context.Background(), "w", c.CampaignID)
	if active != 3 {
		t.Fatalf("expected 3 active slots, got %d", active)
	}

	// At capacity: another tick places nothing.
	res, err = f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if res.Dialed != 0 || res.Waiting != WaitingAtCapacity {
		t.Fatalf("expected at_capacity, got %+v", res)
	}
}

func TestTick_ComplianceDenySkipsWithoutConsumingSlot(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001", "+15550000002")

	// First target in queue order is on the do-not-contact list.
	if err := f.profiles.Upsert(context.Background(), compliance.Profile{
		WorkspaceID:  "w",
		PhoneNumber:  "+15550000001",
		TimeZone:     "America/Chicago",
		DoNotContact: true,
	}); err != nil {
		t.Fatalf("seed dnc profile: %v", err)
	}

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dialed != 1 || res.Skipped != 1 {
		t.Fatalf("expected 1 dialed / 1 skipped, got %+v", res)
	}
	if len(f.carrier.originated) != 1 || f.carrier.originated[0].To != "+15550000002" {
		t.Fatalf("expected only the clean target dialed, got %+v", f.carrier.originated)
	}

	// The deny consumed no budget and left a decision record.
	active, _ := f.campRepo.ActiveSlotCount(context.Background(), "w", c.CampaignID)
	if active != 1 {
		t.Fatalf("expected 1 active slot, got %d", active)
	}
	denies, err := f.decRepo.Query(context.Background(), "w", compliance.HistoryFilter{Outcome: compliance.OutcomeDeny, Limit: 10})
	if err != nil || len(denies) != 1 {
		t.Fatalf("expected one deny decision, got %v err=%v", denies, err)
	}
	if denies[0].ReasonCode != compliance.ReasonDoNotContact {
		t.Fatalf("expected do_not_contact, got %s", denies[0].ReasonCode)
	}
}

func TestTick_RetryableOriginationFailure(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")
	f.carrier.err = &telephony.CarrierError{StatusCode: 503, Code: "unavailable", Message: "down", Retryable: true}

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dialed != 0 {
		t.Fatalf("expected no successful dials, got %+v", res)
	}

	// Slot released, target back in the queue, retry scheduled. The request
	// never reached a prospect, so no attempt was consumed.
	active, _ := f.campRepo.ActiveSlotCount(context.Background(), "w", c.CampaignID)
	if active != 0 {
		t.Fatalf("expected released slot, got %d active", active)
	}
	target, err := f.campRepo.NextPendingTarget(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("expected target back in queue: %v", err)
	}
	if target.Attempts != 0 {
		t.Fatalf("synchronous failure must not consume an attempt, got %d", target.Attempts)
	}
	if len(f.retries.targets) != 1 || f.retries.targets[0] != target.TargetID {
		t.Fatalf("expected origination retry scheduled, got %v", f.retries.targets)
	}
}

func TestTick_PlacedDialCountsAttempt(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")
	target, err := f.campRepo.NextPendingTarget(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("peek target: %v", err)
	}

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil || res.Dialed != 1 {
		t.Fatalf("expected one dial, got %+v err=%v", res, err)
	}

	// Re-queue without bumping so the counter is observable.
	if err := f.campRepo.MarkTarget(context.Background(), "w", c.CampaignID, target.TargetID, campaigns.TargetPending, false); err != nil {
		t.Fatalf("requeue target: %v", err)
	}
	got, err := f.campRepo.NextPendingTarget(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("placed dial must count one attempt, got %d", got.Attempts)
	}
}

type failingTargetMarkRepo struct {
	campaigns.Repository
}

func (r *failingTargetMarkRepo) MarkTarget(ctx context.Context, workspaceID, campaignID, targetID string, state campaigns.TargetState, bumpAttempts bool) error {
	if state == campaigns.TargetInFlight {
		return errors.New("targets table unavailable")
	}
	return r.Repository.MarkTarget(ctx, workspaceID, campaignID, targetID, state, bumpAttempts)
}

func TestTick_StoreFailureAfterReserveReleasesSlot(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")
	f.pacer.campRepo = &failingTargetMarkRepo{Repository: f.campRepo}

	if _, err := f.pacer.Tick(context.Background(), "w", c.CampaignID); err == nil {
		t.Fatalf("expected store failure to surface")
	}
	active, _ := f.campRepo.ActiveSlotCount(context.Background(), "w", c.CampaignID)
	if active != 0 {
		t.Fatalf("reservation leaked: %d active slots", active)
	}
}

func TestTick_PermanentOriginationFailureExhaustsTarget(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")
	f.carrier.err = &telephony.CarrierError{StatusCode: 400, Code: "invalid_number", Message: "bad number", Retryable: false}

	if _, err := f.pacer.Tick(context.Background(), "w", c.CampaignID); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if _, err := f.campRepo.NextPendingTarget(context.Background(), "w", c.CampaignID); !errors.Is(err, campaigns.ErrNoEligibleTargets) {
		t.Fatalf("expected exhausted target out of queue, got %v", err)
	}
	if len(f.retries.targets) != 0 {
		t.Fatalf("permanent failure must not schedule a retry")
	}
}

func TestDesiredInFlight_ProgressiveAdaptsToAnswerRate(t *testing.T) {
	f := newPacerFixture(t, 2)
	c := f.campaign(t, 10, campaigns.PacingProgressive)

	// Seed the trailing window: 4 attempts, 1 answered -> 25% answer rate ->
	// 4 dials per agent, clamped to the 3.0 ceiling.
	for i := 0; i < 4; i++ {
		slot, err := f.campSvc.ReserveSlot(context.Background(), "w", c.CampaignID, fmt.Sprintf("seed%d", i))
		if err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		if _, err := f.campRepo.ReleaseSlot(context.Background(), "w", slot.SlotID, i == 0); err != nil {
			t.Fatalf("seed release: %v", err)
		}
	}

	// ReleasedAt is wall-clock; look back far enough to cover the seeds.
	f.pacer.clock = time.Now
	got, err := f.pacer.desiredInFlight(context.Background(), mustCampaign(t, f, c.CampaignID), 2)
	if err != nil {
		t.Fatalf("desired: %v", err)
	}
	if got != 6 {
		t.Fatalf("expected ceil(2 agents x 3.0 clamped) = 6, got %d", got)
	}

	// No sample keeps the configured ratio.
	empty := f.campaign(t, 10, campaigns.PacingProgressive)
	got, err = f.pacer.desiredInFlight(context.Background(), mustCampaign(t, f, empty.CampaignID), 2)
	if err != nil {
		t.Fatalf("desired: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected configured ratio 1.0 -> 2, got %d", got)
	}
}

func mustCampaign(t *testing.T, f *pacerFixture, id string) campaigns.Campaign {
	t.Helper()
	c, err := f.campRepo.GetCampaign(context.Background(), "w", id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

func TestTick_ExhaustsTargetAtMaxAttempts(t *testing.T) {
	f := newPacerFixture(t, 1)
	c := f.campaign(t, 2, campaigns.PacingFixed)
	f.addCleanTargets(t, c.CampaignID, "+15550000001")

	target, _ := f.campRepo.NextPendingTarget(context.Background(), "w", c.CampaignID)
	for i := 0; i < 3; i++ {
		if err := f.campRepo.MarkTarget(context.Background(), "w", c.CampaignID, target.TargetID, campaigns.TargetPending, true); err != nil {
			t.Fatalf("bump attempts: %v", err)
		}
	}

	res, err := f.pacer.Tick(context.Background(), "w", c.CampaignID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Dialed != 0 || res.Waiting != WaitingNoEligibleTargets {
		t.Fatalf("expected exhausted queue, got %+v", res)
	}
	if len(f.carrier.originated) != 0 {
		t.Fatalf("exhausted target must not be dialed")
	}
}
