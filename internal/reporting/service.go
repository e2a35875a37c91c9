package reporting

import (
	"context"
	"errors"
	"time"

	"dialer-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce workspace filtering.
// - Reads run against the immutable call records; reporting never mutates.

type Repository interface {
	ListCalls(ctx context.Context, workspaceID string, from, to time.Time, campaignID string) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	rows, err := s.list(ctx, req.WorkspaceID, req.Range, req.CampaignID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{WorkspaceID: req.WorkspaceID, CampaignID: req.CampaignID}
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusBusy:
			out.BusyCalls++
		case calls.StatusVoicemail:
			out.VoicemailCalls++
		default:
			out.InFlightCalls++
		}
		if c.StartedAt != nil {
			out.AnsweredCalls++
			if c.EndedAt != nil {
				out.TotalTalkSeconds += int(c.EndedAt.Sub(*c.StartedAt) / time.Second)
			}
		}
		if c.AgentID != "" && c.Status.Rank() >= calls.StatusBridged.Rank() {
			out.BridgedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	if out.AnsweredCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.AnsweredCalls
	}
	return out, nil
}

func (s *Service) DispositionBreakdown(ctx context.Context, req DispositionBreakdownRequest) (DispositionBreakdown, error) {
	if req.CampaignID == "" {
		return DispositionBreakdown{}, ErrInvalidRequest
	}
	rows, err := s.list(ctx, req.WorkspaceID, req.Range, req.CampaignID)
	if err != nil {
		return DispositionBreakdown{}, err
	}

	out := DispositionBreakdown{
		WorkspaceID:   req.WorkspaceID,
		CampaignID:    req.CampaignID,
		ByDisposition: map[string]int{},
	}
	for _, c := range rows {
		if !c.Status.IsTerminal() {
			continue
		}
		out.TotalFinalized++
		d := c.Disposition
		if d == "" {
			d = string(c.Status)
		}
		out.ByDisposition[d]++
	}
	return out, nil
}

func (s *Service) list(ctx context.Context, workspaceID string, r TimeRange, campaignID string) ([]calls.Call, error) {
	if workspaceID == "" {
		return nil, ErrInvalidRequest
	}
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("reporting: repository not configured")
	}
	return s.repo.ListCalls(ctx, workspaceID, r.From, r.To, campaignID)
}
