package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dialer-platform/internal/agents"
	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/campaigns"
	"dialer-platform/internal/compliance"
	"dialer-platform/internal/config"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

type stubCarrier struct {
	hangups []string
}

func (s *stubCarrier) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	return telephony.OriginateResult{}, nil
}

func (s *stubCarrier) Hangup(ctx context.Context, carrierCallID string) error {
	s.hangups = append(s.hangups, carrierCallID)
	return nil
}

func (s *stubCarrier) HealthCheck(ctx context.Context) error { return nil }

type apiFixture struct {
	r         *gin.Engine
	auditRepo *audit.MemoryRepo
	calls     *calls.StateMachine
	carrier   *stubCarrier
}

// newAPIFixture wires the handlers against memory repositories, with a test
// identity injected where the JWT middleware would normally run.
func newAPIFixture(t *testing.T, role string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	stateMachine := calls.NewStateMachine(calls.NewMemoryRepo(), auditSvc, nil, nil, nil)
	carrier := &stubCarrier{}

	h := Handlers{
		Campaigns: campaigns.NewService(campaigns.NewMemoryRepo(), auditSvc),
		Agents:    agents.NewService(agents.NewMemoryRepo()),
		Calls:     stateMachine,
		Carrier:   carrier,
		Gate:      compliance.NewGate(compliance.Rules{Version: "test"}, compliance.NewMemoryRepo(), auditSvc),
		Profiles:  compliance.NewMemoryProfiles(),
		Audit:     auditSvc,
		Retries: retry.NewCoordinator(retry.NewMemoryRepo(), auditSvc, config.RetryConfig{
			MaxAttempts:  3,
			BaseBackoff:  time.Second,
			MaxBackoff:   time.Minute,
			PollInterval: time.Second,
			BatchSize:    10,
		}, nil),
		Reports:            reporting.NewService(reporting.NewMemoryRepo()),
		StaleCallThreshold: 30 * time.Minute,
	}

	r := gin.New()
	if role != "" {
		r.Use(func(c *gin.Context) {
			ctx := auth.WithIdentity(c.Request.Context(), "u1", "w1", role)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}

	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns/:campaign_id", h.GetCampaign)
	r.POST("/campaigns/:campaign_id/start", h.StartCampaign)
	r.POST("/campaigns/:campaign_id/pause", h.PauseCampaign)
	r.POST("/campaigns/:campaign_id/stop", h.StopCampaign)
	r.POST("/campaigns/:campaign_id/targets", h.AddTargets)
	r.POST("/agents", h.RegisterAgent)
	r.PUT("/agents/:agent_id/availability", h.SetAgentAvailability)
	r.GET("/agents", h.ListAgents)
	r.POST("/calls/:call_id/terminate", h.ForceTerminateCall)
	r.PUT("/compliance/profiles", h.UpsertContactProfile)
	r.GET("/compliance/profiles/:phone_number", h.GetContactProfile)
	r.GET("/audit/entries", h.ExportAudit)
	r.GET("/reports/calls", h.CallsSummary)

	return &apiFixture{r: r, auditRepo: auditRepo, calls: stateMachine, carrier: carrier}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func createCampaign(t *testing.T, f *apiFixture) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/campaigns", gin.H{
		"name":               "june-collections",
		"concurrency_budget": 2,
		"pacing_mode":        "fixed",
		"caller_id":          "+15550009999",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d body %s", w.Code, w.Body.String())
	}
	var out campaigns.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	return out.CampaignID
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t, "owner")
	id := createCampaign(t, f)

	for _, step := range []struct {
		path string
		want int
	}{
		{"/campaigns/" + id + "/start", http.StatusOK},
		{"/campaigns/" + id + "/pause", http.StatusOK},
		{"/campaigns/" + id + "/stop", http.StatusOK},
		// stopped is terminal.
		{"/campaigns/" + id + "/start", http.StatusConflict},
	} {
		if w := f.do(t, http.MethodPost, step.path, nil); w.Code != step.want {
			t.Fatalf("%s: status %d, want %d (body %s)", step.path, w.Code, step.want, w.Body.String())
		}
	}
}

func TestCreateCampaign_InvalidInput(t *testing.T) {
	f := newAPIFixture(t, "owner")
	w := f.do(t, http.MethodPost, "/campaigns", gin.H{
		"name":               "no-budget",
		"concurrency_budget": 0,
		"pacing_mode":        "fixed",
		"caller_id":          "+15550009999",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestAddTargetsEndpoint(t *testing.T) {
	f := newAPIFixture(t, "owner")
	id := createCampaign(t, f)

	w := f.do(t, http.MethodPost, "/campaigns/"+id+"/targets", gin.H{
		"targets": []gin.H{
			{"phone_number": "+15550000001"},
			{"phone_number": "+15550000002", "priority_tier": 1},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	// Empty list is rejected.
	if w := f.do(t, http.MethodPost, "/campaigns/"+id+"/targets", gin.H{"targets": []gin.H{}}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty targets: status %d, want 400", w.Code)
	}
}

func TestAgentAvailabilityEndpoints(t *testing.T) {
	f := newAPIFixture(t, "agent")

	if w := f.do(t, http.MethodPost, "/agents", gin.H{"agent_id": "a1", "display_name": "Sam"}); w.Code != http.StatusCreated {
		t.Fatalf("register: status %d", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/agents/a1/availability", gin.H{"availability": "available"}); w.Code != http.StatusOK {
		t.Fatalf("set available: status %d body %s", w.Code, w.Body.String())
	}
	// on_call belongs to the call state machine, not the API.
	if w := f.do(t, http.MethodPut, "/agents/a1/availability", gin.H{"availability": "on_call"}); w.Code != http.StatusBadRequest {
		t.Fatalf("set on_call: status %d, want 400", w.Code)
	}
}

func TestForceTerminate_UnknownCall(t *testing.T) {
	f := newAPIFixture(t, "supervisor")
	if w := f.do(t, http.MethodPost, "/calls/nope/terminate", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestForceTerminate_HangsUpAtCarrier(t *testing.T) {
	f := newAPIFixture(t, "supervisor")

	c, err := f.calls.CreateOutbound(context.Background(), "w1", "camp1", "slot1", "+15550009999", "+15550000001")
	if err != nil {
		t.Fatalf("create outbound: %v", err)
	}
	if err := f.calls.AttachCarrierCallID(context.Background(), "w1", c.CallID, "CA900"); err != nil {
		t.Fatalf("attach carrier id: %v", err)
	}

	if w := f.do(t, http.MethodPost, "/calls/"+c.CallID+"/terminate", nil); w.Code != http.StatusOK {
		t.Fatalf("terminate: status %d body %s", w.Code, w.Body.String())
	}
	if len(f.carrier.hangups) != 1 || f.carrier.hangups[0] != "CA900" {
		t.Fatalf("expected carrier hangup for CA900, got %v", f.carrier.hangups)
	}
}

func TestContactProfileUpsertIsAudited(t *testing.T) {
	f := newAPIFixture(t, "compliance_officer")

	w := f.do(t, http.MethodPut, "/compliance/profiles", gin.H{
		"phone_number":   "+15550000001",
		"time_zone":      "America/Chicago",
		"do_not_contact": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert: status %d body %s", w.Code, w.Body.String())
	}

	if w := f.do(t, http.MethodGet, "/compliance/profiles/+15550000001", nil); w.Code != http.StatusOK {
		t.Fatalf("get profile: status %d", w.Code)
	}

	found := false
	for _, e := range f.auditRepo.Entries() {
		if e.ResourceType == audit.ResourceContactProfile && e.ResourceID == "+15550000001" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected contact profile audit entry")
	}
}

func TestAuditExport_FiltersByAction(t *testing.T) {
	f := newAPIFixture(t, "owner")
	id := createCampaign(t, f)
	f.do(t, http.MethodPost, "/campaigns/"+id+"/start", nil)

	w := f.do(t, http.MethodGet, "/audit/entries?action=admin_action", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d", w.Code)
	}
	var out struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) == 0 {
		t.Fatalf("expected audited transitions in export")
	}
	for _, e := range out.Entries {
		if e.WorkspaceID != "w1" {
			t.Fatalf("export leaked workspace %q", e.WorkspaceID)
		}
	}
}

func TestReportsEndpoint_ValidatesRange(t *testing.T) {
	f := newAPIFixture(t, "supervisor")
	if w := f.do(t, http.MethodGet, "/reports/calls?from=bogus&to=2024-06-01T00:00:00Z", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/reports/calls?from=2024-06-01T00:00:00Z&to=2024-06-02T00:00:00Z", nil); w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	f := newAPIFixture(t, "")
	if w := f.do(t, http.MethodGet, "/agents", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}
