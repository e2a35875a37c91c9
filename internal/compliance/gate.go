package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"dialer-platform/internal/audit"

	"github.com/google/uuid"
)

// DecisionRepo persists decisions. Append-only; decisions are never mutated.
type DecisionRepo interface {
	Append(ctx context.Context, d Decision) error
	Query(ctx context.Context, workspaceID string, f HistoryFilter) ([]Decision, error)
}

type HistoryFilter struct {
	TargetID   string
	CampaignID string
	Outcome    Outcome
	Since      time.Time
	Limit      int
}

// Gate answers, synchronously and before any telephony action, whether a
// target may be dialed right now.
//
// Checks run in order, short-circuiting on the first deny:
//  1. internal do-not-contact list
//  2. attorney representation
//  3. permitted calling window in the target's time zone
//  4. contact-frequency cap over the trailing window
//  5. required consent present and unexpired
//  6. jurisdiction-specific blocks
//
// Denial is fail-closed: missing or ambiguous required input denies, never
// allows. The gate has no side effects beyond persisting the Decision and
// its audit entry.

type Gate struct {
	rules Rules
	repo  DecisionRepo
	audit *audit.Service
	clock func() time.Time

	// zoneCache avoids repeated tzdata lookups. Zones are reference data;
	// an unknown name is a deny, not a fetch.
	zoneMu    sync.RWMutex
	zoneCache map[string]*time.Location
}

func NewGate(rules Rules, repo DecisionRepo, auditSvc *audit.Service) *Gate {
	return &Gate{
		rules:     rules,
		repo:      repo,
		audit:     auditSvc,
		clock:     time.Now,
		zoneCache: make(map[string]*time.Location),
	}
}

var ErrInvalidInput = errors.New("compliance: invalid input")

// SetClock overrides the gate's time source. Test hook; the calling-window
// check is meaningless against a wall clock in tests.
func (g *Gate) SetClock(fn func() time.Time) { g.clock = fn }

// Evaluate runs the rule chain and persists the resulting decision.
func (g *Gate) Evaluate(ctx context.Context, workspaceID, campaignID string, target Target) (Decision, error) {
	if workspaceID == "" {
		return Decision{}, ErrInvalidInput
	}

	now := g.clock().UTC()
	d := Decision{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		CampaignID:  campaignID,
		TargetID:    target.TargetID,
		RuleSet:     g.rules.Version,
		EvaluatedAt: now,
	}

	outcome, reason := g.decide(target, now)
	d.Outcome = outcome
	d.ReasonCode = reason

	if err := g.persist(ctx, d, target); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (g *Gate) decide(t Target, now time.Time) (Outcome, ReasonCode) {
	if t.TargetID == "" || t.PhoneNumber == "" {
		return OutcomeDeny, ReasonMissingTarget
	}

	// (1) internal do-not-contact list
	if t.DoNotContact {
		return OutcomeDeny, ReasonDoNotContact
	}

	// (2) attorney representation
	if t.AttorneyRepresented {
		return OutcomeDeny, ReasonAttorneyRepresented
	}

	// (3) calling window in the target's local time
	if t.TimeZone == "" {
		return OutcomeDeny, ReasonMissingTimeZone
	}
	loc, err := g.loadZone(t.TimeZone)
	if err != nil {
		return OutcomeDeny, ReasonUnknownTimeZone
	}
	local := now.In(loc)
	if local.Hour() < g.rules.CallingWindowStart || local.Hour() >= g.rules.CallingWindowEnd {
		return OutcomeDeny, ReasonOutsideCallingWindow
	}

	// (4) contact-frequency cap
	if t.AttemptsInWindow >= g.rules.FrequencyCapMax {
		return OutcomeDeny, ReasonFrequencyCapExceeded
	}

	// (5) required consent
	if g.rules.RequireConsent {
		if t.ConsentGrantedAt.IsZero() {
			return OutcomeDeny, ReasonConsentMissing
		}
		if !t.ConsentExpiresAt.IsZero() && !t.ConsentExpiresAt.After(now) {
			return OutcomeDeny, ReasonConsentExpired
		}
	}

	// (6) jurisdiction blocks
	if len(t.JurisdictionBlocks) > 0 {
		return OutcomeDeny, ReasonJurisdictionBlock
	}

	return OutcomeAllow, ""
}

func (g *Gate) persist(ctx context.Context, d Decision, t Target) error {
	if g.repo != nil {
		if err := g.repo.Append(ctx, d); err != nil {
			return err
		}
	}
	if g.audit != nil {
		meta, _ := json.Marshal(map[string]string{"target_id": t.TargetID, "campaign_id": d.CampaignID})
		if err := g.audit.LogComplianceDecision(ctx, d.WorkspaceID, d.ID, string(d.Outcome), string(d.ReasonCode), string(meta)); err != nil {
			return err
		}
	}
	return nil
}

// History returns the tenant-scoped decision history for the admin surface.
func (g *Gate) History(ctx context.Context, workspaceID string, f HistoryFilter) ([]Decision, error) {
	if g.repo == nil {
		return nil, errors.New("compliance: repository not configured")
	}
	if workspaceID == "" {
		return nil, ErrInvalidInput
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 200
	}
	return g.repo.Query(ctx, workspaceID, f)
}

func (g *Gate) loadZone(name string) (*time.Location, error) {
	g.zoneMu.RLock()
	loc, ok := g.zoneCache[name]
	g.zoneMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	g.zoneMu.Lock()
	g.zoneCache[name] = loc
	g.zoneMu.Unlock()
	return loc, nil
}
