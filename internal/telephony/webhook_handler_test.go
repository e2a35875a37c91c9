package telephony

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dialer-platform/internal/calls"

	"github.com/gin-gonic/gin"
)

func webhookRouter(applier EventApplier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ing := NewIngestor(testSecret, NewMemoryLedger(), applier, nil, nil, 0, nil)
	r := gin.New()
	r.POST("/webhooks/carrier", WebhookHandler(ing))
	return r
}

func postWebhook(r *gin.Engine, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_StatusCodes(t *testing.T) {
	applier := &stubApplier{tr: calls.Transition{Applied: true}}
	r := webhookRouter(applier)

	body, sig := signedBody(t, "evt_1", "call.ringing", "CA100")

	if w := postWebhook(r, body, "bad"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", w.Code)
	}
	if w := postWebhook(r, body, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", w.Code)
	}

	malformed := []byte(`{"event_type":"call.ringing"}`)
	if w := postWebhook(r, malformed, Sign(testSecret, malformed)); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed: expected 400, got %d", w.Code)
	}

	if w := postWebhook(r, body, sig); w.Code != http.StatusOK {
		t.Fatalf("valid delivery: expected 200, got %d", w.Code)
	}
	// Redelivery acknowledges without reprocessing.
	if w := postWebhook(r, body, sig); w.Code != http.StatusOK {
		t.Fatalf("duplicate delivery: expected 200, got %d", w.Code)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected one state machine call, got %d", len(applier.calls))
	}
}

func TestWebhookHandler_BadSignatureLogged(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	ing := NewIngestor(testSecret, NewMemoryLedger(), &stubApplier{}, nil, nil, 0, log)
	r := gin.New()
	r.POST("/webhooks/carrier", WebhookHandler(ing))

	body, _ := signedBody(t, "evt_1", "call.ringing", "CA100")
	if w := postWebhook(r, body, "bad"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "webhook signature rejected") || !strings.Contains(out, "remote_addr") {
		t.Fatalf("expected rejection log with remote address, got %q", out)
	}
}
