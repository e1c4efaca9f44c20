package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/delverhq/delver/config"
	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/agent/telemetry"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	return cfg
}

func TestHealthz(t *testing.T) {
	e := New(Deps{Config: testConfig(), Agent: &stubAgent{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsServesPrometheus(t *testing.T) {
	e := New(Deps{Config: testConfig(), Agent: &stubAgent{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Fatalf("expected prometheus exposition output")
	}
}

func TestStatusReportsTelemetry(t *testing.T) {
	tel := telemetry.NewTelemetry(config.TelemetryConfig{})
	defer tel.Shutdown()
	e := New(Deps{Config: testConfig(), Agent: &stubAgent{}, Telemetry: tel})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("unexpected status: %+v", resp)
	}

	// without telemetry the route does not exist
	e2 := New(Deps{Config: testConfig(), Agent: &stubAgent{}})
	rec2 := httptest.NewRecorder()
	e2.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without telemetry, got %d", rec2.Code)
	}
}

func TestErrorResponsesUseJSONEnvelope(t *testing.T) {
	e := New(Deps{Config: testConfig(), Agent: &stubAgent{}})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "kettle")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	var resp HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "kettle" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestResearchThroughRouterAnonymous(t *testing.T) {
	agent := &stubAgent{result: stubResult()}
	e := New(Deps{Config: testConfig(), Agent: agent})

	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if agent.gotOpts.UserID != "" {
		t.Fatalf("anonymous request must not carry a user id, got %q", agent.gotOpts.UserID)
	}
}

func TestAuthGatesResearchRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Server.JWTSecret = "secret-123"
	agent := &stubAgent{result: stubResult()}
	e := New(Deps{Config: cfg, Agent: agent, Users: &stubUsers{}})

	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, err := SignJWT("user-9", []byte(cfg.Server.JWTSecret), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req2 := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"hello"}`))
	req2.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req2.Header.Set("Authorization", "Bearer "+tok)
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if agent.gotOpts.UserID != "user-9" {
		t.Fatalf("expected runs attributed to the caller, got %q", agent.gotOpts.UserID)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req3.Header.Set("Authorization", "Bearer "+tok)
	rec3 := httptest.NewRecorder()
	e.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200 from /api/me, got %d", rec3.Code)
	}
	var me MeResponse
	if err := json.Unmarshal(rec3.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.UserID != "user-9" {
		t.Fatalf("unexpected subject: %+v", me)
	}
}

func TestRoutesFollowConfiguredStores(t *testing.T) {
	// no store: run reads and schedules are absent
	e := New(Deps{Config: testConfig(), Agent: &stubAgent{}})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for runs without store, got %d", rec.Code)
	}
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/schedules", nil))
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for schedules without store, got %d", rec2.Code)
	}

	// with stores both families appear
	e2 := New(Deps{
		Config:    testConfig(),
		Agent:     &stubAgent{},
		Runs:      &stubRuns{},
		Schedules: &stubScheduleStore{},
	})
	rec3 := httptest.NewRecorder()
	e2.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected 200 for runs with store, got %d", rec3.Code)
	}
	rec4 := httptest.NewRecorder()
	e2.ServeHTTP(rec4, httptest.NewRequest(http.MethodGet, "/api/schedules", nil))
	if rec4.Code != http.StatusOK {
		t.Fatalf("expected 200 for schedules with store, got %d", rec4.Code)
	}
}

func stubResult() core.ResearchResult {
	return core.ResearchResult{
		ID:      "run-1",
		Query:   "hello",
		Report:  core.Report{Markdown: "# Hello", Success: true},
		Success: true,
	}
}
