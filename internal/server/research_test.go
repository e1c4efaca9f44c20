package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/store"
)

type stubAgent struct {
	result core.ResearchResult
	err    error
	delay  time.Duration
	events []core.Event

	gotQuery string
	gotOpts  core.ResearchOptions
}

func (s *stubAgent) Research(ctx context.Context, query string, opts core.ResearchOptions) (core.ResearchResult, error) {
	s.gotQuery = query
	s.gotOpts = opts
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result, s.err
}

func (s *stubAgent) ResearchStream(ctx context.Context, query string, opts core.ResearchOptions, emit func(core.Event) error) (core.ResearchResult, error) {
	s.gotQuery = query
	s.gotOpts = opts
	for _, ev := range s.events {
		if err := emit(ev); err != nil {
			return core.ResearchResult{}, err
		}
	}
	return s.result, s.err
}

type stubRuns struct {
	records   map[string]core.RunRecord
	summaries []store.RunSummary

	gotUser  string
	gotLimit int
}

func (s *stubRuns) GetRun(ctx context.Context, id string) (core.RunRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return core.RunRecord{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

func (s *stubRuns) ListRuns(ctx context.Context, userID string, limit int) ([]store.RunSummary, error) {
	s.gotUser = userID
	s.gotLimit = limit
	return s.summaries, nil
}

type stubRenderer struct {
	path string
	err  error
	got  string
}

func (s *stubRenderer) RenderPDF(ctx context.Context, markdown string) (string, error) {
	s.got = markdown
	return s.path, s.err
}

func TestResearchSyncReturnsResult(t *testing.T) {
	agent := &stubAgent{result: core.ResearchResult{
		ID:      "run-1",
		Query:   "solid state batteries",
		Report:  core.Report{Markdown: "# Batteries", Success: true},
		Success: true,
	}}
	h := &ResearchHandler{Agent: agent}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"solid state batteries"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.research(ctx); err != nil {
		t.Fatalf("research: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp core.ResearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "run-1" || !resp.Success || resp.Report.Markdown != "# Batteries" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !agent.gotOpts.UseCache {
		t.Fatalf("expected use_cache to default to true")
	}
	if agent.gotOpts.GeneratePDF {
		t.Fatalf("expected generate_pdf to default to false")
	}
}

func TestResearchHonorsRequestOptions(t *testing.T) {
	agent := &stubAgent{}
	h := &ResearchHandler{Agent: agent}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"q","use_cache":false,"generate_pdf":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.research(ctx); err != nil {
		t.Fatalf("research: %v", err)
	}
	if agent.gotOpts.UseCache {
		t.Fatalf("expected use_cache false")
	}
	if !agent.gotOpts.GeneratePDF {
		t.Fatalf("expected generate_pdf true")
	}
}

func TestResearchRejectsEmptyQuery(t *testing.T) {
	h := &ResearchHandler{Agent: &stubAgent{}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"   "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.research(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 http error, got %#v", err)
	}
}

func TestResearchSyncTimesOut(t *testing.T) {
	agent := &stubAgent{delay: 200 * time.Millisecond}
	h := &ResearchHandler{Agent: agent, SyncTimeout: 20 * time.Millisecond}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"slow"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.research(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 http error, got %#v", err)
	}
	if msg, _ := httpErr.Message.(string); !strings.Contains(msg, "timed out") {
		t.Fatalf("unexpected message: %v", httpErr.Message)
	}
}

func TestResearchSyncReportsAgentError(t *testing.T) {
	agent := &stubAgent{err: fmt.Errorf("provider exploded")}
	h := &ResearchHandler{Agent: agent}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"q"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h.research(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 http error, got %#v", err)
	}
	if msg, _ := httpErr.Message.(string); !strings.HasPrefix(msg, "Research error:") {
		t.Fatalf("unexpected message: %v", httpErr.Message)
	}
}

// parseSSE splits an event-stream body into its data payloads.
func parseSSE(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if !strings.HasPrefix(chunk, "data: ") {
			t.Fatalf("frame without data prefix: %q", chunk)
		}
		frames = append(frames, strings.TrimPrefix(chunk, "data: "))
	}
	return frames
}

func TestResearchStreamEmitsEventFrames(t *testing.T) {
	agent := &stubAgent{
		events: []core.Event{
			{Step: "planning", Status: "started"},
			{Step: "synthesis", Status: "completed"},
		},
		result: core.ResearchResult{
			Query:   "q",
			Report:  core.Report{Markdown: "# R", Success: true},
			Success: true,
		},
	}
	h := &ResearchHandler{Agent: agent}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"q","stream":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.research(ctx); err != nil {
		t.Fatalf("research: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("expected proxy buffering disabled")
	}

	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("expected 2 events + complete + [DONE], got %d: %v", len(frames), frames)
	}
	if frames[3] != "[DONE]" {
		t.Fatalf("expected terminal [DONE], got %q", frames[3])
	}

	var first core.Event
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if first.Step != "planning" || first.Status != "started" {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	var complete map[string]interface{}
	if err := json.Unmarshal([]byte(frames[2]), &complete); err != nil {
		t.Fatalf("decode complete frame: %v", err)
	}
	if complete["step"] != "complete" || complete["success"] != true || complete["query"] != "q" {
		t.Fatalf("unexpected complete frame: %v", complete)
	}
	if _, ok := complete["report"]; !ok {
		t.Fatalf("complete frame missing report")
	}
}

func TestResearchStreamReportsError(t *testing.T) {
	agent := &stubAgent{err: fmt.Errorf("planner down")}
	h := &ResearchHandler{Agent: agent}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"query":"q","stream":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.research(ctx); err != nil {
		t.Fatalf("research: %v", err)
	}

	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 2 || frames[1] != "[DONE]" {
		t.Fatalf("expected error frame + [DONE], got %v", frames)
	}
	var errFrame map[string]interface{}
	if err := json.Unmarshal([]byte(frames[0]), &errFrame); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errFrame["step"] != "error" || !strings.Contains(errFrame["error"].(string), "planner down") {
		t.Fatalf("unexpected error frame: %v", errFrame)
	}
}

func TestGetRunReturnsStoredRun(t *testing.T) {
	runID := uuid.New().String()
	runs := &stubRuns{records: map[string]core.RunRecord{runID: {
		ID:        runID,
		Query:     "fusion power",
		Markdown:  "# Fusion",
		Success:   true,
		Duration:  1500 * time.Millisecond,
		CreatedAt: time.Unix(1700000000, 0),
	}}}
	h := &ResearchHandler{Runs: runs}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+runID, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(runID)

	if err := h.getRun(ctx); err != nil {
		t.Fatalf("getRun: %v", err)
	}
	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != runID || resp.Query != "fusion power" || resp.DurationMS != 1500 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Markdown != "# Fusion" {
		t.Fatalf("expected markdown in response, got %q", resp.Markdown)
	}
}

func TestGetRunRejectsMalformedID(t *testing.T) {
	h := &ResearchHandler{Runs: &stubRuns{}}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("not-a-uuid")

	err := h.getRun(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 http error, got %#v", err)
	}
}

func TestGetRunHidesForeignRuns(t *testing.T) {
	runID := uuid.New().String()
	runs := &stubRuns{records: map[string]core.RunRecord{runID: {
		ID:     runID,
		UserID: "owner-1",
		Query:  "private research",
	}}}
	h := &ResearchHandler{Runs: runs}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+runID, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(runID)
	ctx.Set("user_id", "someone-else")

	err := h.getRun(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected foreign run hidden behind 404, got %#v", err)
	}

	// anonymous records stay visible to any caller
	rec2 := httptest.NewRecorder()
	ctx2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/research/"+runID, nil), rec2)
	ctx2.SetParamNames("id")
	ctx2.SetParamValues(runID)
	runs.records[runID] = core.RunRecord{ID: runID, Query: "public"}
	ctx2.Set("user_id", "someone-else")
	if err := h.getRun(ctx2); err != nil {
		t.Fatalf("anonymous run should be visible: %v", err)
	}
}

func TestGetReportMarkdown(t *testing.T) {
	runID := uuid.New().String()
	runs := &stubRuns{records: map[string]core.RunRecord{runID: {
		ID:       runID,
		Markdown: "# Report\n\nbody",
	}}}
	h := &ResearchHandler{Runs: runs}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+runID+"/report.md", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(runID)

	if err := h.getReportMarkdown(ctx); err != nil {
		t.Fatalf("getReportMarkdown: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/markdown") {
		t.Fatalf("expected markdown content type, got %q", ct)
	}
	if rec.Body.String() != "# Report\n\nbody" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestGetReportPDFRendersMarkdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report_abc12345.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	runID := uuid.New().String()
	runs := &stubRuns{records: map[string]core.RunRecord{runID: {ID: runID, Markdown: "# Doc"}}}
	renderer := &stubRenderer{path: path}
	h := &ResearchHandler{Runs: runs, Renderer: renderer}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+runID+"/report.pdf", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(runID)

	if err := h.getReportPDF(ctx); err != nil {
		t.Fatalf("getReportPDF: %v", err)
	}
	if renderer.got != "# Doc" {
		t.Fatalf("renderer received %q", renderer.got)
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "report_abc12345.pdf") {
		t.Fatalf("unexpected disposition: %q", rec.Header().Get(echo.HeaderContentDisposition))
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF-1.4") {
		t.Fatalf("expected pdf bytes, got %q", rec.Body.String())
	}
}

func TestGetReportPDFWithoutRenderer(t *testing.T) {
	runID := uuid.New().String()
	runs := &stubRuns{records: map[string]core.RunRecord{runID: {ID: runID}}}
	h := &ResearchHandler{Runs: runs}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/research/"+runID+"/report.pdf", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues(runID)

	err := h.getReportPDF(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 http error, got %#v", err)
	}
}

func TestListRunsParsesLimit(t *testing.T) {
	runs := &stubRuns{summaries: []store.RunSummary{
		{ID: "a", Query: "one", Success: true, DurationMS: 10},
		{ID: "b", Query: "two", Success: false, DurationMS: 20},
	}}
	h := &ResearchHandler{Runs: runs}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-7")

	if err := h.listRuns(ctx); err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if runs.gotLimit != 5 {
		t.Fatalf("expected limit 5, got %d", runs.gotLimit)
	}
	if runs.gotUser != "user-7" {
		t.Fatalf("expected user scope, got %q", runs.gotUser)
	}
	var resp []RunSummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[0].ID != "a" || resp[1].Query != "two" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

var (
	_ ResearchRunner      = (*stubAgent)(nil)
	_ RunReader           = (*stubRuns)(nil)
	_ core.ReportRenderer = (*stubRenderer)(nil)
)
