package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/enrich"
	"callbridge/internal/resultcache"
	"callbridge/internal/voice"
)

type stubExecutor struct{}

func (stubExecutor) Method() calls.ExecutionMethod { return calls.ExecutionDirect }

func (stubExecutor) Execute(ctx context.Context, req calls.CallRequest) calls.CallResult {
	return calls.CallResult{
		Status:          calls.CallStatusCompleted,
		CallID:          "call-" + req.ProviderName,
		ExecutionMethod: calls.ExecutionDirect,
		Request:         req,
	}
}

type completeReader struct{}

func (completeReader) GetCall(ctx context.Context, callID string) (voice.CallRecord, error) {
	rec := voice.CallRecord{
		ID:          callID,
		Status:      "ended",
		EndedReason: "customer-ended-call",
		Transcript:  strings.Repeat("a long enough transcript ", 4),
	}
	rec.Analysis.Summary = "booked for Monday"
	return rec, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, Handlers, *enrich.Poller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := resultcache.New(time.Minute, time.Hour, nil)
	t.Cleanup(cache.Shutdown)

	poller := enrich.NewPoller(cache, enrich.NewFetcher(completeReader{}, 50, nil), nil, time.Millisecond, 3, nil)

	router := calls.NewRouter(stubExecutor{}, nil, false, nil, 0, nil)
	svc := calls.NewService(router, calls.NewBatchExecutor(nil, nil), nil, calls.BatchOptions{}, nil)

	h := Handlers{
		Calls:     svc,
		Cache:     cache,
		Poller:    poller,
		EnrichCtx: context.Background(),
	}

	r := gin.New()
	r.POST("/v1/calls", h.InitiateCall)
	r.POST("/v1/calls/batch", h.RunBatch)
	r.GET("/v1/calls/:call_id/result", h.GetCallResult)
	r.POST("/webhooks/voice", h.VoiceWebhook)
	r.GET("/healthz", h.Healthz)
	return r, h, poller
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInitiateCall_RejectsMissingFields(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"provider_name":"Ace"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInitiateCall_RejectsBadPhoneNumber(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"provider_name":"Ace","phone_number":"not-a-number"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInitiateCall_ReturnsSettledResult(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"provider_name":"Ace","phone_number":"+15551234567"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"call_id":"call-Ace"`) {
		t.Fatalf("expected settled result, got %s", w.Body.String())
	}
}

func TestRunBatch_CapsTargets(t *testing.T) {
	r, _, _ := newTestRouter(t)

	var targets []string
	for i := 0; i <= MaxBatchTargets; i++ {
		targets = append(targets, `{"provider_name":"p","phone_number":"+15551234567"}`)
	}
	body := `{"targets":[` + strings.Join(targets, ",") + `]}`
	w := doJSON(r, http.MethodPost, "/v1/calls/batch", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", w.Code)
	}
}

func TestRunBatch_SettlesAllTargets(t *testing.T) {
	r, _, _ := newTestRouter(t)

	body := `{"targets":[
		{"provider_name":"a","phone_number":"+15551234567"},
		{"provider_name":"b","phone_number":"invalid"}
	]}`
	w := doJSON(r, http.MethodPost, "/v1/calls/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	out := w.Body.String()
	if !strings.Contains(out, `"preflight_errors"`) {
		t.Fatalf("expected preflight errors in response, got %s", out)
	}
	if !strings.Contains(out, `"call_id":"call-a"`) {
		t.Fatalf("expected dialable target to settle, got %s", out)
	}
}

func TestVoiceWebhook_IgnoresStatusUpdates(t *testing.T) {
	r, h, _ := newTestRouter(t)

	body := `{"message":{"type":"status-update","status":"ringing","call":{"id":"c9"}}}`
	w := doJSON(r, http.MethodPost, "/webhooks/voice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := h.Cache.Get("c9"); ok {
		t.Fatalf("status updates must not be cached")
	}
}

func TestVoiceWebhook_CachesEndOfCallAndEnriches(t *testing.T) {
	r, h, poller := newTestRouter(t)

	body := `{"message":{"type":"end-of-call-report","call":{"id":"c1"},"status":"ended","endedReason":"customer-ended-call","transcript":"hi"}}`
	w := doJSON(r, http.MethodPost, "/webhooks/voice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	poller.Wait()

	res, ok := h.Cache.Get("c1")
	if !ok {
		t.Fatalf("end-of-call report must be cached")
	}
	if res.DataStatus != calls.DataStatusComplete {
		t.Fatalf("expected enrichment to complete, got %q", res.DataStatus)
	}
	if len(res.Transcript) < 50 {
		t.Fatalf("expected enriched transcript, got %q", res.Transcript)
	}
}

func TestVoiceWebhook_RejectsBadSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := Handlers{WebhookSecret: "expected"}
	g := gin.New()
	g.POST("/webhooks/voice", h.VoiceWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func newTokenRouter(t *testing.T, bootstrapSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	h := Handlers{Auth: mgr, BootstrapSecret: bootstrapSecret}
	r := gin.New()
	r.POST("/v1/auth/token", h.IssueToken)
	return r
}

func TestIssueToken_DisabledWithoutBootstrapSecret(t *testing.T) {
	r := newTokenRouter(t, "")

	w := doJSON(r, http.MethodPost, "/v1/auth/token", `{"client_id":"dispatch-svc"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when issuance is disabled, got %d", w.Code)
	}
}

func TestIssueToken_RejectsBadBootstrapSecret(t *testing.T) {
	r := newTokenRouter(t, "bootstrap")

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{"client_id":"dispatch-svc"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bootstrap-Secret", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestIssueToken_MintsWithBootstrapSecret(t *testing.T) {
	r := newTokenRouter(t, "bootstrap")

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{"client_id":"dispatch-svc","role":"dispatcher"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bootstrap-Secret", "bootstrap")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"access_token"`) {
		t.Fatalf("expected token in body, got %s", w.Body.String())
	}
}

func TestGetCallResult_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/calls/absent/result", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetCallResult_ReturnsCached(t *testing.T) {
	r, h, _ := newTestRouter(t)

	h.Cache.Set("c7", calls.CallResult{CallID: "c7", Status: calls.CallStatusCompleted, DataStatus: calls.DataStatusPartial}, 0)

	w := doJSON(r, http.MethodGet, "/v1/calls/c7/result", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"data_status":"partial"`) {
		t.Fatalf("expected data_status in body, got %s", w.Body.String())
	}
}
