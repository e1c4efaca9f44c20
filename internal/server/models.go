package server

import (
	"time"

	core "github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/tools"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// ResearchRequest is the research endpoint payload. UseCache is a
// pointer so an omitted field defaults to true.
type ResearchRequest struct {
	Query       string `json:"query"`
	GeneratePDF bool   `json:"generate_pdf"`
	UseCache    *bool  `json:"use_cache"`
	Stream      bool   `json:"stream"`
}

// RunResponse is the detailed view of a stored run.
type RunResponse struct {
	ID          string         `json:"id"`
	Query       string         `json:"query"`
	Plan        core.Plan      `json:"plan"`
	ToolResults []tools.Result `json:"tool_results"`
	Report      core.Report    `json:"report"`
	Markdown    string         `json:"report_markdown"`
	Success     bool           `json:"success"`
	DurationMS  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RunSummaryResponse is the list projection of a stored run.
type RunSummaryResponse struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateScheduleRequest registers a recurring research query.
type CreateScheduleRequest struct {
	Query string `json:"query"`
	Cron  string `json:"cron"`
}

// ScheduleResponse is the API view of a stored schedule.
type ScheduleResponse struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	Cron      string     `json:"cron"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// StatusResponse surfaces telemetry counters for operators.
type StatusResponse struct {
	Status  string      `json:"status"`
	Metrics interface{} `json:"metrics"`
	Costs   interface{} `json:"costs"`
}
