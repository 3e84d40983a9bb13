package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/nexus/internal/adminauth"
	"github.com/jordanhubbard/nexus/internal/budget"
	"github.com/jordanhubbard/nexus/internal/registry"
	"github.com/jordanhubbard/nexus/internal/stats"
)

func newTestRouter(d Dependencies) chi.Router {
	r := chi.NewRouter()
	MountRoutes(r, d)
	return r
}

func testAdminLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httpBody(s string) io.Reader {
	return strings.NewReader(s)
}

func TestHealthzHandler_ReportsOK(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
}

func TestBackendsHandler_ReflectsRegisteredBackends(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.BackendConfig{ID: "cloud-1", Type: "cloud", Models: []string{"gpt-4"}})

	r := newTestRouter(Dependencies{Registry: reg})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/backends", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Backends []map[string]any `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if len(body.Backends) != 1 || body.Backends[0]["id"] != "cloud-1" {
		t.Errorf("expected the registered backend to be reflected, got %+v", body.Backends)
	}
}

func TestBudgetHandler_ReportsDisabledWithoutTracker(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/budget", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["enabled"] != false {
		t.Errorf("expected enabled=false with a nil Tracker, got %v", body["enabled"])
	}
}

func TestBudgetHandler_ReportsSnapshotWithTracker(t *testing.T) {
	limit := 100.0
	tr := budget.NewTracker(budget.Config{MonthlyLimitUSD: &limit, SoftLimitPercent: 75, HardLimitAction: budget.ActionWarn})
	tr.RecordSpending(42)

	r := newTestRouter(Dependencies{Tracker: tr})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/budget", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["enabled"] != true {
		t.Errorf("expected enabled=true with a configured Tracker, got %v", body["enabled"])
	}
	if spending, ok := body["current_month_spending"].(float64); !ok || spending != 42 {
		t.Errorf("expected current_month_spending=42, got %v", body["current_month_spending"])
	}
}

func TestStatsHandler_ReportsDisabledWithoutCollector(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["enabled"] != false {
		t.Errorf("expected enabled=false with a nil Stats collector, got %v", body["enabled"])
	}
}

func TestStatsHandler_ReportsSummaryWithCollector(t *testing.T) {
	c := stats.NewCollector()
	c.Record(stats.Snapshot{ModelID: "gpt-4", AgentID: "cloud-1", LatencyMs: 100, Success: true})

	r := newTestRouter(Dependencies{Stats: c})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["enabled"] != true {
		t.Errorf("expected enabled=true with a configured Stats collector, got %v", body["enabled"])
	}
}

func TestAuditHandler_ReportsEmptyWithoutSink(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 0 {
		t.Errorf("expected an empty entries list without an audit sink, got %v", body["entries"])
	}
}

func TestMountRoutes_AdminSurfaceRequiresConfiguredAuth(t *testing.T) {
	hash, err := adminauth.Hash("admin-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger := testAdminLogger()
	r := newTestRouter(Dependencies{
		Registry:  registry.New(),
		AdminAuth: adminauth.Middleware(hash, logger),
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/backends", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/v1/backends", nil)
	req2.Header.Set("Authorization", "Bearer admin-secret")
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct token, got %d", rec2.Code)
	}
}

func TestChatCompletionsHandler_RejectsMissingModelOrMessages(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", httpBody(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a request missing model/messages, got %d", rec.Code)
	}
}

func TestChatCompletionsHandler_RejectsMalformedJSON(t *testing.T) {
	r := newTestRouter(Dependencies{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", httpBody(`not json`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}
