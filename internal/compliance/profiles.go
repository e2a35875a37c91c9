package compliance

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrProfileNotFound = errors.New("compliance: contact profile not found")

// Profile is the stored compliance posture of one phone number. The pacer
// loads it, overlays the live attempt count, and hands the merged Target to
// the gate. A number with no profile fails closed downstream.
type Profile struct {
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	TimeZone string `json:"time_zone" db:"time_zone"`

	DoNotContact        bool `json:"do_not_contact" db:"do_not_contact"`
	AttorneyRepresented bool `json:"attorney_represented" db:"attorney_represented"`

	ConsentGrantedAt time.Time `json:"consent_granted_at,omitempty" db:"consent_granted_at"`
	ConsentExpiresAt time.Time `json:"consent_expires_at,omitempty" db:"consent_expires_at"`

	JurisdictionBlocks []string `json:"jurisdiction_blocks,omitempty" db:"jurisdiction_blocks"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProfileRepo stores contact profiles and answers the trailing attempt count
// used by the frequency cap.
type ProfileRepo interface {
	Upsert(ctx context.Context, p Profile) error
	Get(ctx context.Context, workspaceID, phoneNumber string) (Profile, error)
	AttemptsSince(ctx context.Context, workspaceID, phoneNumber string, since time.Time) (int, error)
}

// MemoryProfiles is the test implementation.

type MemoryProfiles struct {
	mu       sync.Mutex
	profiles map[string]Profile // key: workspace|phone
	attempts map[string]int
}

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		profiles: make(map[string]Profile),
		attempts: make(map[string]int),
	}
}

func profileKey(workspaceID, phone string) string { return workspaceID + "|" + phone }

func (r *MemoryProfiles) Upsert(ctx context.Context, p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profileKey(p.WorkspaceID, p.PhoneNumber)] = p
	return nil
}

func (r *MemoryProfiles) Get(ctx context.Context, workspaceID, phoneNumber string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileKey(workspaceID, phoneNumber)]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (r *MemoryProfiles) AttemptsSince(ctx context.Context, workspaceID, phoneNumber string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[profileKey(workspaceID, phoneNumber)], nil
}

// SetAttempts seeds the trailing attempt count for tests.
func (r *MemoryProfiles) SetAttempts(workspaceID, phoneNumber string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[profileKey(workspaceID, phoneNumber)] = n
}

// PostgresProfiles stores profiles in contact_profiles and counts attempts
// from the immutable calls table.

type PostgresProfiles struct {
	db *sql.DB
}

func NewPostgresProfiles(db *sql.DB) *PostgresProfiles { return &PostgresProfiles{db: db} }

func (r *PostgresProfiles) Upsert(ctx context.Context, p Profile) error {
	const q = `
INSERT INTO contact_profiles (
  workspace_id, phone_number, time_zone, do_not_contact, attorney_represented,
  consent_granted_at, consent_expires_at, jurisdiction_blocks, updated_at
) VALUES ($1,$2,$3,$4,$5,NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz),NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz),$8,$9)
ON CONFLICT (workspace_id, phone_number) DO UPDATE
SET time_zone = EXCLUDED.time_zone,
    do_not_contact = EXCLUDED.do_not_contact,
    attorney_represented = EXCLUDED.attorney_represented,
    consent_granted_at = EXCLUDED.consent_granted_at,
    consent_expires_at = EXCLUDED.consent_expires_at,
    jurisdiction_blocks = EXCLUDED.jurisdiction_blocks,
    updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		p.WorkspaceID, p.PhoneNumber, p.TimeZone, p.DoNotContact, p.AttorneyRepresented,
		p.ConsentGrantedAt, p.ConsentExpiresAt, joinBlocks(p.JurisdictionBlocks), p.UpdatedAt)
	return err
}

func (r *PostgresProfiles) Get(ctx context.Context, workspaceID, phoneNumber string) (Profile, error) {
	const q = `
SELECT workspace_id, phone_number, time_zone, do_not_contact, attorney_represented,
       COALESCE(consent_granted_at, '0001-01-01T00:00:00Z'::timestamptz),
       COALESCE(consent_expires_at, '0001-01-01T00:00:00Z'::timestamptz),
       COALESCE(jurisdiction_blocks, ''), updated_at
FROM contact_profiles
WHERE workspace_id = $1 AND phone_number = $2
`
	var p Profile
	var blocks string
	if err := r.db.QueryRowContext(ctx, q, workspaceID, phoneNumber).Scan(
		&p.WorkspaceID, &p.PhoneNumber, &p.TimeZone, &p.DoNotContact, &p.AttorneyRepresented,
		&p.ConsentGrantedAt, &p.ConsentExpiresAt, &blocks, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, err
	}
	p.JurisdictionBlocks = splitBlocks(blocks)
	return p, nil
}

func (r *PostgresProfiles) AttemptsSince(ctx context.Context, workspaceID, phoneNumber string, since time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM calls
WHERE workspace_id = $1 AND to_number = $2 AND direction = 'outbound' AND created_at >= $3
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, workspaceID, phoneNumber, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func joinBlocks(blocks []string) string {
	return strings.Join(blocks, ",")
}

func splitBlocks(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
