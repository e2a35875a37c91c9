package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dialer-platform/internal/agents"
	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/campaigns"
	"dialer-platform/internal/compliance"
	"dialer-platform/internal/dialer"
	"dialer-platform/internal/rbac"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Campaigns *campaigns.Service
	Agents    *agents.Service
	Calls     *calls.StateMachine
	Gate      *compliance.Gate
	Profiles  compliance.ProfileRepo
	Audit     *audit.Service
	Retries   *retry.Coordinator
	Pacer     *dialer.Pacer
	Reports   *reporting.Service
	Carrier   telephony.CarrierClient

	// StaleCallThreshold bounds the stuck-call report.
	StaleCallThreshold time.Duration
}

// abortErr maps service errors onto HTTP status codes. Unknown errors are
// never echoed to the client.
func abortErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, agents.ErrNotFound),
		errors.Is(err, retry.ErrNotFound),
		errors.Is(err, compliance.ErrProfileNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, campaigns.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, agents.ErrInvalidArgument),
		errors.Is(err, calls.ErrInvalidEvent),
		errors.Is(err, compliance.ErrInvalidInput):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, campaigns.ErrInvalidTransition),
		errors.Is(err, campaigns.ErrConflict),
		errors.Is(err, campaigns.ErrBudgetExhausted),
		errors.Is(err, calls.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// identity pulls the authenticated principal from the request context.
// authMW ran before any protected handler; empty values mean a broken chain.
func identity(c *gin.Context) (workspaceID, userID, role string, ok bool) {
	workspaceID, err := auth.WorkspaceID(c.Request.Context())
	if err != nil || workspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", "", "", false
	}
	userID, _ = auth.UserID(c.Request.Context())
	role, _ = auth.Role(c.Request.Context())
	return workspaceID, userID, role, true
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

func (h Handlers) CreateCampaign(c *gin.Context) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req campaigns.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	camp, err := h.Campaigns.Create(c.Request.Context(), workspaceID, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		_ = h.Audit.LogAdminAction(c.Request.Context(), workspaceID, userID, role, c.ClientIP(),
			audit.ResourceCampaign, camp.CampaignID, "campaign created", "")
	}
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	camp, err := h.Campaigns.Get(c.Request.Context(), workspaceID, c.Param("campaign_id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h Handlers) StartCampaign(c *gin.Context) { h.transitionCampaign(c, h.Campaigns.Start) }
func (h Handlers) PauseCampaign(c *gin.Context) { h.transitionCampaign(c, h.Campaigns.Pause) }
func (h Handlers) StopCampaign(c *gin.Context)  { h.transitionCampaign(c, h.Campaigns.Stop) }

type transitionFunc func(ctx context.Context, workspaceID, campaignID, actorUserID, actorRole string) (campaigns.Campaign, error)

func (h Handlers) transitionCampaign(c *gin.Context, fn transitionFunc) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	camp, err := fn(c.Request.Context(), workspaceID, c.Param("campaign_id"), userID, role)
	if err != nil {
		abortErr(c, err)
		return
	}
	// A freshly running campaign should start dialing without waiting for the
	// next terminal event.
	if camp.State == campaigns.StateRunning && h.Pacer != nil {
		h.Pacer.RequestTick(c.Request.Context(), workspaceID, camp.CampaignID)
	}
	c.JSON(http.StatusOK, camp)
}

type addTargetsRequest struct {
	Targets []campaigns.Target `json:"targets"`
}

func (h Handlers) AddTargets(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	var req addTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Campaigns.AddTargets(c.Request.Context(), workspaceID, c.Param("campaign_id"), req.Targets); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(req.Targets)})
}

func (h Handlers) ResetSkippedTargets(c *gin.Context) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	campaignID := c.Param("campaign_id")
	n, err := h.Campaigns.ResetSkippedTargets(c.Request.Context(), workspaceID, campaignID)
	if err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		_ = h.Audit.LogAdminAction(c.Request.Context(), workspaceID, userID, role, c.ClientIP(),
			audit.ResourceCampaign, campaignID, "skipped targets reset", "")
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// TickCampaign runs one synchronous pacing pass. Operational escape hatch;
// the pacer normally runs off terminal-call signals and retry tasks.
func (h Handlers) TickCampaign(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	res, err := h.Pacer.Tick(c.Request.Context(), workspaceID, c.Param("campaign_id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Agents ---

type registerAgentRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
}

func (h Handlers) RegisterAgent(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	a, err := h.Agents.Register(c.Request.Context(), workspaceID, req.AgentID, req.DisplayName)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type setAvailabilityRequest struct {
	Availability agents.Availability `json:"availability"`
}

func (h Handlers) SetAgentAvailability(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	var req setAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	agentID := c.Param("agent_id")
	if err := h.Agents.SetAvailability(c.Request.Context(), workspaceID, agentID, req.Availability); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "availability": req.Availability})
}

func (h Handlers) ListAgents(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	list, err := h.Agents.List(c.Request.Context(), workspaceID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

// --- Calls ---

func (h Handlers) GetCall(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), workspaceID, c.Param("call_id"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// ForceTerminateCall is the supervisor hangup.
func (h Handlers) ForceTerminateCall(c *gin.Context) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	tr, err := h.Calls.ForceTerminate(c.Request.Context(), workspaceID, c.Param("call_id"), userID, role)
	if err != nil {
		abortErr(c, err)
		return
	}
	// A failed hangup reconciles through the carrier's own terminal webhook,
	// which lands as a post-terminal audit record.
	if h.Carrier != nil && tr.Applied && tr.Call.CarrierCallID != "" {
		_ = h.Carrier.Hangup(c.Request.Context(), tr.Call.CarrierCallID)
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": tr.Call.CallID,
		"status":  tr.Call.Status,
		"applied": tr.Applied,
	})
}

// ListStaleCalls reports non-terminal calls with no webhook activity past the
// configured threshold. Read-only; reconciliation stays with the operator.
func (h Handlers) ListStaleCalls(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	stale, err := h.Calls.ListStale(c.Request.Context(), h.StaleCallThreshold, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	// ListStale scans across workspaces; scope the response to the caller.
	scoped := make([]calls.Call, 0, len(stale))
	for _, call := range stale {
		if call.WorkspaceID == workspaceID {
			scoped = append(scoped, call)
		}
	}
	c.JSON(http.StatusOK, gin.H{"calls": scoped, "threshold": h.StaleCallThreshold.String()})
}

// --- Compliance ---

func (h Handlers) ComplianceHistory(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	f := compliance.HistoryFilter{
		TargetID:   c.Query("target_id"),
		CampaignID: c.Query("campaign_id"),
		Outcome:    compliance.Outcome(c.Query("outcome")),
		Limit:      limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = t
	}
	decisions, err := h.Gate.History(c.Request.Context(), workspaceID, f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (h Handlers) GetContactProfile(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	p, err := h.Profiles.Get(c.Request.Context(), workspaceID, c.Param("phone_number"))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpsertContactProfile manages the compliance posture of one number: DNC,
// attorney representation, consent, time zone. Every write is audited.
func (h Handlers) UpsertContactProfile(c *gin.Context) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	var p compliance.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if p.PhoneNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number required"})
		return
	}
	p.WorkspaceID = workspaceID
	p.UpdatedAt = time.Now().UTC()
	if err := h.Profiles.Upsert(c.Request.Context(), p); err != nil {
		abortErr(c, err)
		return
	}
	if h.Audit != nil {
		_ = h.Audit.LogAdminAction(c.Request.Context(), workspaceID, userID, role, c.ClientIP(),
			audit.ResourceContactProfile, p.PhoneNumber, "contact profile updated", "")
	}
	c.JSON(http.StatusOK, p)
}

// --- Audit export ---

// ExportAudit is the tenant-scoped read path over the append-only trail.
func (h Handlers) ExportAudit(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	f := audit.QueryFilter{
		ResourceType: audit.ResourceType(c.Query("resource_type")),
		ResourceID:   c.Query("resource_id"),
		Action:       audit.Action(c.Query("action")),
		Limit:        limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "until must be RFC3339"})
			return
		}
		f.Until = t
	}
	entries, err := h.Audit.Query(c.Request.Context(), workspaceID, f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// --- Reports ---

// reportRange parses the from/to query pair shared by the report endpoints.
func reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return reporting.TimeRange{}, false
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return reporting.TimeRange{}, false
	}
	return reporting.TimeRange{From: from, To: to}, true
}

func (h Handlers) CallsSummary(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	r, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		WorkspaceID: workspaceID,
		Range:       r,
		CampaignID:  c.Query("campaign_id"),
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) DispositionBreakdown(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	r, ok := reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.DispositionBreakdown(c.Request.Context(), reporting.DispositionBreakdownRequest{
		WorkspaceID: workspaceID,
		Range:       r,
		CampaignID:  c.Query("campaign_id"),
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Dead letters ---

func (h Handlers) ListDeadLetters(c *gin.Context) {
	workspaceID, _, _, ok := identity(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	tasks, err := h.Retries.ListDead(c.Request.Context(), workspaceID, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h Handlers) RequeueDeadLetter(c *gin.Context) {
	workspaceID, userID, role, ok := identity(c)
	if !ok {
		return
	}
	taskID := c.Param("task_id")
	if err := h.Retries.Requeue(c.Request.Context(), workspaceID, taskID, userID, role); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "requeued"})
}

// Convenience middleware bundles.

func RequireWorkspaceAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireWorkspace(), rbac.RequireAnyRole(roles...)}
}
