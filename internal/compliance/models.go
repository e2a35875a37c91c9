package compliance

import "time"

// Target is the snapshot of a contact evaluated by the gate.
//
// All fields must be loaded before Evaluate is called; the gate itself never
// touches the network or the store on the hot path. Determinism depends on it.
type Target struct {
	TargetID    string `json:"target_id"`
	WorkspaceID string `json:"workspace_id"`

	PhoneNumber string `json:"phone_number"`

	// TimeZone is an IANA zone name (e.g., "America/Chicago").
	// Empty or unknown zones fail closed.
	TimeZone string `json:"time_zone"`

	DoNotContact        bool `json:"do_not_contact"`
	AttorneyRepresented bool `json:"attorney_represented"`

	// Consent covers autodialed-contact consent. Zero expiry means no consent.
	ConsentGrantedAt time.Time `json:"consent_granted_at,omitempty"`
	ConsentExpiresAt time.Time `json:"consent_expires_at,omitempty"`

	// JurisdictionBlocks are active jurisdiction-specific flags, e.g.
	// "employer_prohibited" or "statute_of_limitations".
	JurisdictionBlocks []string `json:"jurisdiction_blocks,omitempty"`

	// AttemptsInWindow is the contact-attempt count over the trailing
	// frequency-cap window, preloaded by the caller.
	AttemptsInWindow int `json:"attempts_in_window"`
}

// Decision is the immutable record of one pre-dial evaluation.
// Created once per dial attempt, never mutated.
type Decision struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	CampaignID  string `json:"campaign_id,omitempty" db:"campaign_id"`
	TargetID    string `json:"target_id" db:"target_id"`

	Outcome Outcome `json:"outcome" db:"outcome"`

	// ReasonCode is set on deny; empty on allow.
	ReasonCode ReasonCode `json:"reason_code,omitempty" db:"reason_code"`

	// RuleSet names the rule configuration the decision was made under,
	// for audit provenance.
	RuleSet string `json:"rule_set" db:"rule_set"`

	EvaluatedAt time.Time `json:"evaluated_at" db:"evaluated_at"`
}

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

type ReasonCode string

const (
	ReasonDoNotContact         ReasonCode = "do_not_contact"
	ReasonAttorneyRepresented  ReasonCode = "attorney_represented"
	ReasonOutsideCallingWindow ReasonCode = "outside_calling_window"
	ReasonFrequencyCapExceeded ReasonCode = "frequency_cap_exceeded"
	ReasonConsentMissing       ReasonCode = "consent_missing"
	ReasonConsentExpired       ReasonCode = "consent_expired"
	ReasonJurisdictionBlock    ReasonCode = "jurisdiction_block"

	// Fail-closed input problems. Never mapped to allow.
	ReasonMissingTimeZone ReasonCode = "missing_time_zone"
	ReasonUnknownTimeZone ReasonCode = "unknown_time_zone"
	ReasonMissingTarget   ReasonCode = "missing_target"
)

// Rules is the preloaded rule context for one evaluation.
type Rules struct {
	// CallingWindowStart/End are local-time hours in the target's zone.
	CallingWindowStart int
	CallingWindowEnd   int

	FrequencyCapWindow time.Duration
	FrequencyCapMax    int

	// RequireConsent gates check (5); collection campaigns using an
	// autodialer must keep this on.
	RequireConsent bool

	// Version identifies this rule configuration in decisions.
	Version string
}
