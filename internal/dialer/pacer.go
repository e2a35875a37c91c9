package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/campaigns"
	"dialer-platform/internal/compliance"
	"dialer-platform/internal/config"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// AgentCounter answers how many agents can take a bridge right now.
type AgentCounter interface {
	CountAvailable(ctx context.Context, workspaceID string) (int, error)
}

// OriginationRetryScheduler defers a dial that failed with a retryable
// carrier error.
type OriginationRetryScheduler interface {
	ScheduleOriginationRetry(ctx context.Context, workspaceID, campaignID, targetID, cause string) error
}

// Waiting reasons reported by a tick that placed fewer dials than desired.
const (
	WaitingCampaignNotRunning = "campaign_not_running"
	WaitingNoAvailableAgents  = "no_available_agents"
	WaitingAtCapacity         = "at_capacity"
	WaitingBudgetExhausted    = "budget_exhausted"
	WaitingNoEligibleTargets  = "no_eligible_targets"
)

// TickResult summarizes one pacing pass.
type TickResult struct {
	Dialed  int    `json:"dialed"`
	Skipped int    `json:"skipped"`
	Waiting string `json:"waiting,omitempty"`
}

// Pacer decides, per tick, how many dials to place and places them.
//
// Every tick is a stateless unit of work: desired in-flight is recomputed
// from durable state, the budget is claimed through atomic slot reservation,
// and nothing is remembered between ticks. Any number of processes can tick
// the same campaign concurrently without oversubscribing.
type Pacer struct {
	cfg       config.DialerConfig
	campaigns *campaigns.Service
	campRepo  campaigns.Repository
	gate      *compliance.Gate
	profiles  compliance.ProfileRepo
	agents    AgentCounter
	sm        *calls.StateMachine
	carrier   telephony.CarrierClient
	retries   OriginationRetryScheduler
	audit     *audit.Service
	rdb       *redis.Client
	rules     compliance.Rules
	log       *slog.Logger
	clock     func() time.Time
}

type PacerDeps struct {
	Campaigns *campaigns.Service
	CampRepo  campaigns.Repository
	Gate      *compliance.Gate
	Profiles  compliance.ProfileRepo
	Agents    AgentCounter
	Calls     *calls.StateMachine
	Carrier   telephony.CarrierClient
	Retries   OriginationRetryScheduler
	Audit     *audit.Service
	Redis     *redis.Client
	Rules     compliance.Rules
	Log       *slog.Logger
}

func NewPacer(cfg config.DialerConfig, d PacerDeps) *Pacer {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pacer{
		cfg:       cfg,
		campaigns: d.Campaigns,
		campRepo:  d.CampRepo,
		gate:      d.Gate,
		profiles:  d.Profiles,
		agents:    d.Agents,
		sm:        d.Calls,
		carrier:   d.Carrier,
		retries:   d.Retries,
		audit:     d.Audit,
		rdb:       d.Redis,
		rules:     d.Rules,
		log:       log,
		clock:     time.Now,
	}
}

// RequestTick implements calls.PacerNotifier. Terminal call events request a
// follow-up pass without blocking the webhook path.
func (p *Pacer) RequestTick(ctx context.Context, workspaceID, campaignID string) {
	go func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := p.Tick(tickCtx, workspaceID, campaignID); err != nil {
			p.log.Error("follow-up tick failed", "workspace_id", workspaceID, "campaign_id", campaignID, "error", err)
		}
	}()
}

// Tick runs one pacing pass for a campaign.
func (p *Pacer) Tick(ctx context.Context, workspaceID, campaignID string) (TickResult, error) {
	c, err := p.campRepo.GetCampaign(ctx, workspaceID, campaignID)
	if err != nil {
		return TickResult{}, err
	}
	if c.State != campaigns.StateRunning {
		return TickResult{Waiting: WaitingCampaignNotRunning}, nil
	}

	available, err := p.agents.CountAvailable(ctx, workspaceID)
	if err != nil {
		return TickResult{}, err
	}
	if available == 0 {
		return TickResult{Waiting: WaitingNoAvailableAgents}, nil
	}

	desired, err := p.desiredInFlight(ctx, c, available)
	if err != nil {
		return TickResult{}, err
	}
	inFlight, err := p.campRepo.ActiveSlotCount(ctx, workspaceID, campaignID)
	if err != nil {
		return TickResult{}, err
	}
	toDial := desired - inFlight
	if toDial <= 0 {
		return TickResult{Waiting: WaitingAtCapacity}, nil
	}

	var res TickResult
	for i := 0; i < toDial; i++ {
		outcome, err := p.dialNext(ctx, c)
		if err != nil {
			return res, err
		}
		switch outcome {
		case dialPlaced:
			res.Dialed++
		case dialSkipped:
			// Compliance deny consumed no budget; try the next target in the
			// same pass.
			res.Skipped++
			i--
		case dialNoTargets:
			if res.Dialed == 0 {
				res.Waiting = WaitingNoEligibleTargets
			}
			return res, nil
		case dialBudgetFull:
			if res.Dialed == 0 {
				res.Waiting = WaitingBudgetExhausted
			}
			return res, nil
		case dialFailed:
			// Origination failure released its slot; move on within the pass.
		}
	}
	return res, nil
}

// desiredInFlight computes ceil(available agents x pacing ratio), clamped by
// the configured ratio bounds and the campaign budget.
func (p *Pacer) desiredInFlight(ctx context.Context, c campaigns.Campaign, available int) (int, error) {
	ratio := c.PacingRatio
	if c.PacingMode == campaigns.PacingProgressive {
		stats, err := p.campRepo.AnswerStatsSince(ctx, c.WorkspaceID, c.CampaignID, p.clock().UTC().Add(-p.cfg.AnswerRateWindow))
		if err != nil {
			return 0, err
		}
		// Dials per agent is the inverse of the observed answer rate: at a 50%
		// answer rate two dials produce one conversation. An empty sample keeps
		// the configured ratio.
		if rate := stats.Rate(); rate > 0 {
			ratio = 1 / rate
		}
	}
	if ratio < p.cfg.MinPacingRatio {
		ratio = p.cfg.MinPacingRatio
	}
	if ratio > p.cfg.MaxPacingRatio {
		ratio = p.cfg.MaxPacingRatio
	}

	desired := int(math.Ceil(float64(available) * ratio))
	if desired > c.ConcurrencyBudget {
		desired = c.ConcurrencyBudget
	}
	return desired, nil
}

type dialOutcome int

const (
	dialPlaced dialOutcome = iota
	dialSkipped
	dialNoTargets
	dialBudgetFull
	dialFailed
)

func (p *Pacer) dialNext(ctx context.Context, c campaigns.Campaign) (dialOutcome, error) {
	target, err := p.campRepo.NextPendingTarget(ctx, c.WorkspaceID, c.CampaignID)
	if err != nil {
		if errors.Is(err, campaigns.ErrNoEligibleTargets) {
			return dialNoTargets, nil
		}
		return 0, err
	}

	if target.Attempts >= c.MaxAttemptsPerTarget {
		if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetExhausted, false); err != nil {
			return 0, err
		}
		return dialSkipped, nil
	}

	decision, err := p.evaluateCompliance(ctx, c, target)
	if err != nil {
		return 0, err
	}
	if decision.Outcome == compliance.OutcomeDeny {
		// Denied targets leave the queue for this pass. No slot was consumed,
		// so the caller moves on to the next target.
		if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetSkipped, false); err != nil {
			return 0, err
		}
		return dialSkipped, nil
	}

	return p.originate(ctx, c, target)
}

// evaluateCompliance merges the stored contact profile with the live attempt
// count and runs the gate. A missing profile still goes through the gate and
// fails closed there.
func (p *Pacer) evaluateCompliance(ctx context.Context, c campaigns.Campaign, target campaigns.Target) (compliance.Decision, error) {
	ct := compliance.Target{
		TargetID:    target.TargetID,
		WorkspaceID: c.WorkspaceID,
		PhoneNumber: target.PhoneNumber,
	}
	profile, err := p.profiles.Get(ctx, c.WorkspaceID, target.PhoneNumber)
	if err != nil && !errors.Is(err, compliance.ErrProfileNotFound) {
		return compliance.Decision{}, err
	}
	if err == nil {
		ct.TimeZone = profile.TimeZone
		ct.DoNotContact = profile.DoNotContact
		ct.AttorneyRepresented = profile.AttorneyRepresented
		ct.ConsentGrantedAt = profile.ConsentGrantedAt
		ct.ConsentExpiresAt = profile.ConsentExpiresAt
		ct.JurisdictionBlocks = profile.JurisdictionBlocks
	}
	attempts, err := p.profiles.AttemptsSince(ctx, c.WorkspaceID, target.PhoneNumber, p.clock().UTC().Add(-p.rules.FrequencyCapWindow))
	if err != nil {
		return compliance.Decision{}, err
	}
	ct.AttemptsInWindow = attempts

	return p.gate.Evaluate(ctx, c.WorkspaceID, c.CampaignID, ct)
}

func (p *Pacer) originate(ctx context.Context, c campaigns.Campaign, target campaigns.Target) (dialOutcome, error) {
	// Redis fast gate in front of the durable reservation. It sheds load
	// under contention; the conditional UPDATE below remains authoritative.
	key := capKey(c.WorkspaceID, c.CampaignID)
	if p.rdb != nil {
		ok, err := utils.AcquireConcurrencyCap(ctx, p.rdb, key, c.ConcurrencyBudget, p.cfg.SlotTTL)
		if err != nil {
			p.log.WarnContext(ctx, "redis concurrency gate unavailable", "campaign_id", c.CampaignID, "error", err)
		} else if !ok {
			return dialBudgetFull, nil
		}
	}

	slot, err := p.campaigns.ReserveSlot(ctx, c.WorkspaceID, c.CampaignID, target.TargetID)
	if err != nil {
		p.releaseCap(ctx, key)
		if errors.Is(err, campaigns.ErrBudgetExhausted) {
			return dialBudgetFull, nil
		}
		return 0, err
	}

	if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetInFlight, false); err != nil {
		p.unwindSlot(ctx, c, slot.SlotID, key)
		return 0, err
	}

	call, err := p.sm.CreateOutbound(ctx, c.WorkspaceID, c.CampaignID, slot.SlotID, c.CallerID, target.PhoneNumber)
	if err != nil {
		p.unwindSlot(ctx, c, slot.SlotID, key)
		return 0, err
	}

	res, err := p.carrier.Originate(ctx, telephony.OriginateRequest{
		From:      c.CallerID,
		To:        target.PhoneNumber,
		ClientRef: call.CallID,
	})
	if err != nil {
		return p.failOrigination(ctx, c, target, call, err)
	}

	// The dial reached the carrier; only now does it count against the
	// target's attempt budget.
	if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetInFlight, true); err != nil {
		return 0, p.abandonCall(ctx, c, call, err)
	}

	if err := p.sm.AttachCarrierCallID(ctx, c.WorkspaceID, call.CallID, res.CarrierCallID); err != nil {
		return 0, p.abandonCall(ctx, c, call, err)
	}
	if err := p.campaigns.BindSlotCall(ctx, c.WorkspaceID, slot.SlotID, call.CallID); err != nil {
		return 0, p.abandonCall(ctx, c, call, err)
	}
	if p.audit != nil {
		meta, _ := json.Marshal(map[string]string{"carrier_call_id": res.CarrierCallID, "target_id": target.TargetID})
		if err := p.audit.LogDialAttempt(ctx, c.WorkspaceID, call.CallID, "originated", string(meta)); err != nil {
			return 0, err
		}
	}
	return dialPlaced, nil
}

// failOrigination unwinds a dial whose carrier request failed synchronously.
func (p *Pacer) failOrigination(ctx context.Context, c campaigns.Campaign, target campaigns.Target, call calls.Call, cause error) (dialOutcome, error) {
	// The forced terminal releases the slot (and the redis cap) through the
	// normal finalize path, exactly once.
	if _, err := p.sm.ForceTerminate(ctx, c.WorkspaceID, call.CallID, audit.SystemActor, "system"); err != nil {
		return 0, err
	}

	if p.audit != nil {
		meta, _ := json.Marshal(map[string]string{"target_id": target.TargetID, "error": cause.Error()})
		if err := p.audit.LogDialAttempt(ctx, c.WorkspaceID, call.CallID, "origination_failed", string(meta)); err != nil {
			return 0, err
		}
	}

	if telephony.IsRetryable(cause) {
		// Back in the queue; the retry task re-ticks the campaign after
		// backoff. The failed request consumed no attempt.
		if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetPending, false); err != nil {
			return 0, err
		}
		if p.retries != nil {
			if err := p.retries.ScheduleOriginationRetry(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, cause.Error()); err != nil {
				return 0, err
			}
		}
	} else {
		if err := p.campRepo.MarkTarget(ctx, c.WorkspaceID, c.CampaignID, target.TargetID, campaigns.TargetExhausted, false); err != nil {
			return 0, err
		}
	}
	return dialFailed, nil
}

// unwindSlot returns a reservation that never produced a call.
func (p *Pacer) unwindSlot(ctx context.Context, c campaigns.Campaign, slotID, key string) {
	if err := p.campaigns.ReleaseForCall(ctx, c.WorkspaceID, c.CampaignID, slotID, "", false); err != nil {
		p.log.ErrorContext(ctx, "slot unwind failed", "campaign_id", c.CampaignID, "slot_id", slotID, "error", err)
	}
	p.releaseCap(ctx, key)
}

// abandonCall finalizes a call whose bookkeeping failed after origination.
// The forced terminal releases the slot and the redis cap exactly once.
func (p *Pacer) abandonCall(ctx context.Context, c campaigns.Campaign, call calls.Call, cause error) error {
	if _, err := p.sm.ForceTerminate(ctx, c.WorkspaceID, call.CallID, audit.SystemActor, "system"); err != nil {
		p.log.ErrorContext(ctx, "call unwind failed", "call_id", call.CallID, "error", err)
	}
	return cause
}

func (p *Pacer) releaseCap(ctx context.Context, key string) {
	if p.rdb == nil {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, p.rdb, key); err != nil {
		p.log.WarnContext(ctx, "redis concurrency release failed", "key", key, "error", err)
	}
}

// capKey names the per-campaign redis counter behind the fast gate.
func capKey(workspaceID, campaignID string) string {
	return fmt.Sprintf("dialer:slots:%s:%s", workspaceID, campaignID)
}
