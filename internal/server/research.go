package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/store"
)

const syncTimeoutMessage = "Research request timed out. The query is too complex or the system is overloaded."

// ResearchRunner is the slice of the agent the handlers need.
type ResearchRunner interface {
	Research(ctx context.Context, query string, opts core.ResearchOptions) (core.ResearchResult, error)
	ResearchStream(ctx context.Context, query string, opts core.ResearchOptions, emit func(core.Event) error) (core.ResearchResult, error)
}

// RunReader is the slice of the store the handlers need.
type RunReader interface {
	GetRun(ctx context.Context, id string) (core.RunRecord, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]store.RunSummary, error)
}

type ResearchHandler struct {
	Agent    ResearchRunner
	Runs     RunReader
	Renderer core.ReportRenderer

	// SyncTimeout bounds non-streaming research requests. Zero means
	// the default of nine minutes.
	SyncTimeout time.Duration
}

func (h *ResearchHandler) Register(research, runs *echo.Group) {
	research.POST("", h.research)
	if h.Runs == nil {
		// Without a database there is nothing to read back.
		return
	}
	research.GET("/:id", h.getRun)
	research.GET("/:id/report.md", h.getReportMarkdown)
	research.GET("/:id/report.pdf", h.getReportPDF)
	runs.GET("", h.listRuns)
}

func (h *ResearchHandler) research(c echo.Context) error {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	opts := core.ResearchOptions{
		UseCache:    req.UseCache == nil || *req.UseCache,
		GeneratePDF: req.GeneratePDF,
		UserID:      userID(c),
	}
	if req.Stream {
		return h.stream(c, req.Query, opts)
	}
	return h.sync(c, req.Query, opts)
}

// sync races the run against the deadline so an overlong query becomes
// a 504 even though the agent itself degrades instead of failing.
func (h *ResearchHandler) sync(c echo.Context, query string, opts core.ResearchOptions) error {
	timeout := h.SyncTimeout
	if timeout <= 0 {
		timeout = 9 * time.Minute
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	type outcome struct {
		result core.ResearchResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Agent.Research(ctx, query, opts)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Research error: %v", out.err))
		}
		return c.JSON(http.StatusOK, out.result)
	case <-ctx.Done():
		return echo.NewHTTPError(http.StatusGatewayTimeout, syncTimeoutMessage)
	}
}

func (h *ResearchHandler) stream(c echo.Context, query string, opts core.ResearchOptions) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	write := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		res.Flush()
		return nil
	}
	finish := func() {
		_, _ = fmt.Fprint(res, "data: [DONE]\n\n")
		res.Flush()
	}

	result, err := h.Agent.ResearchStream(c.Request().Context(), query, opts, func(ev core.Event) error {
		return write(ev)
	})
	if err != nil {
		// the client may already be gone; best effort
		_ = write(map[string]interface{}{"step": "error", "error": err.Error()})
		finish()
		return nil
	}
	if err := write(completeFrame(result)); err != nil {
		return nil
	}
	finish()
	return nil
}

// completeFrame is the flat terminal event of a streamed run.
func completeFrame(result core.ResearchResult) map[string]interface{} {
	return map[string]interface{}{
		"step":         "complete",
		"query":        result.Query,
		"plan":         result.Plan,
		"tool_results": result.ToolResults,
		"report":       result.Report,
		"success":      result.Success,
	}
}

func (h *ResearchHandler) getRun(c echo.Context) error {
	rec, err := h.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RunResponse{
		ID:          rec.ID,
		Query:       rec.Query,
		Plan:        rec.Plan,
		ToolResults: rec.Results,
		Report:      rec.Report,
		Markdown:    rec.Markdown,
		Success:     rec.Success,
		DurationMS:  rec.Duration.Milliseconds(),
		CreatedAt:   rec.CreatedAt,
	})
}

func (h *ResearchHandler) getReportMarkdown(c echo.Context) error {
	rec, err := h.loadRun(c)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(rec.Markdown))
}

func (h *ResearchHandler) getReportPDF(c echo.Context) error {
	rec, err := h.loadRun(c)
	if err != nil {
		return err
	}
	if h.Renderer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "pdf rendering not configured")
	}
	path, err := h.Renderer.RenderPDF(c.Request().Context(), rec.Markdown)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Attachment(path, filepath.Base(path))
}

func (h *ResearchHandler) listRuns(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	summaries, err := h.Runs.ListRuns(c.Request().Context(), userID(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, RunSummaryResponse{
			ID:         s.ID,
			Query:      s.Query,
			Success:    s.Success,
			DurationMS: s.DurationMS,
			CreatedAt:  s.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// loadRun fetches the addressed run and hides runs owned by someone
// else behind the same 404 as a missing id.
func (h *ResearchHandler) loadRun(c echo.Context) (core.RunRecord, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return core.RunRecord{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	rec, err := h.Runs.GetRun(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.RunRecord{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return core.RunRecord{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if caller := userID(c); caller != "" && rec.UserID != "" && rec.UserID != caller {
		return core.RunRecord{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return rec, nil
}
