package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/delverhq/delver/config"
	"github.com/delverhq/delver/internal/agent/core"
	"github.com/delverhq/delver/internal/agent/telemetry"
	"github.com/delverhq/delver/internal/cache"
	"github.com/delverhq/delver/internal/memory"
	"github.com/delverhq/delver/internal/render"
	"github.com/delverhq/delver/internal/store"
	"github.com/delverhq/delver/tools"
	"github.com/delverhq/delver/tools/analysis"
	"github.com/delverhq/delver/tools/calculator"
	"github.com/delverhq/delver/tools/scraper"
	"github.com/delverhq/delver/tools/summarizer"
	websearch "github.com/delverhq/delver/tools/web_search"
)

// Deps carries everything the HTTP layer serves. Runs, Users and
// Schedules may be nil when no database is configured; the routes that
// need them are simply not registered.
type Deps struct {
	Config    *config.Config
	Agent     ResearchRunner
	Runs      RunReader
	Users     UserStore
	Schedules ScheduleStore
	Renderer  core.ReportRenderer
	Telemetry *telemetry.Telemetry
}

// New assembles the echo application: middleware, error handling and
// every API route the configured dependencies can back.
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	origins := deps.Config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderCookie},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	if deps.Telemetry != nil {
		api.GET("/status", func(c echo.Context) error {
			return c.JSON(http.StatusOK, StatusResponse{
				Status:  "ok",
				Metrics: deps.Telemetry.GetMetrics(),
				Costs:   deps.Telemetry.GetCostSummary(),
			})
		})
	}

	var authed echo.MiddlewareFunc
	if deps.Config.Server.AuthEnabled() {
		secret := []byte(deps.Config.Server.JWTSecret)
		auth := &AuthHandler{Users: deps.Users, Secret: secret}
		auth.Register(api.Group("/auth"))
		authed = authMiddleware(secret)

		api.GET("/me", func(c echo.Context) error {
			return c.JSON(http.StatusOK, MeResponse{UserID: userID(c)})
		}, authed)
	}

	protect := func(g *echo.Group) *echo.Group {
		if authed != nil {
			g.Use(authed)
		}
		return g
	}

	rh := &ResearchHandler{
		Agent:       deps.Agent,
		Runs:        deps.Runs,
		Renderer:    deps.Renderer,
		SyncTimeout: deps.Config.Server.SyncTimeout,
	}
	rh.Register(protect(api.Group("/research")), protect(api.Group("/runs")))

	if deps.Schedules != nil {
		sh := &SchedulesHandler{Store: deps.Schedules}
		sh.Register(protect(api.Group("/schedules")))
	}

	return e
}

// BuildAgent wires a ready research agent from config: provider, tool
// registry, optional memory index, optional postgres store and the PDF
// renderer. The returned cleanup closes whatever got opened and is
// safe to defer even when err is non-nil.
func BuildAgent(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*core.ResearchAgent, *store.Store, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	provider, err := core.NewProvider(cfg.LLM, tel)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("building llm provider: %w", err)
	}

	kv, err := cache.New(ctx, cfg)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("building cache: %w", err)
	}

	searcher, err := websearch.NewSearcher(websearch.Provider(cfg.Tools.WebSearch.Provider), cfg.Tools.WebSearch.APIKey(), cfg.Tools.WebSearch.Timeout)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("building searcher: %w", err)
	}

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		websearch.NewTool(searcher, kv, cfg.Cache.TTL, cfg.Research.MaxSearchResults),
		scraper.NewTool(scraper.Options{
			Timeout:    cfg.Tools.Scraper.Timeout,
			UserAgent:  cfg.Tools.Scraper.UserAgent,
			MaxChars:   cfg.Tools.Scraper.MaxContentLength,
			UseBrowser: cfg.Tools.Scraper.UseBrowser,
			CacheTTL:   cfg.Cache.TTL,
		}, kv),
		summarizer.NewTool(provider),
		analysis.NewTool(cfg.General.DataDir),
		calculator.NewTool(),
	} {
		if err := registry.Register(t); err != nil {
			return nil, nil, cleanup, fmt.Errorf("registering tool %q: %w", t.Name(), err)
		}
	}

	planner := core.NewPlanner(provider, cfg.Research.MaxSubQuestions)
	pipeline := core.NewPipeline(registry, core.PipelineConfig{
		MaxSubQuestions:     cfg.Research.MaxSubQuestions,
		MaxURLsToScrape:     cfg.Research.MaxURLsToScrape,
		ScrapeSuccessTarget: cfg.Research.ScrapeSuccessTarget,
		SummarizerSnippet:   cfg.Research.SummarizerPerText,
		SummarizerBudget:    cfg.Research.SummarizerTotal,
		SummaryMaxLength:    cfg.Research.SummaryMaxLength,
		SummaryStyle:        cfg.Research.SummaryStyle,
	})
	synthesizer := core.NewSynthesizer(provider, core.SynthesizerConfig{
		MaxSearchResults:  cfg.Research.MaxSearchResults,
		ContextSnippet:    cfg.Research.ContextSnippet,
		MaxResponseTokens: cfg.LLM.MaxResponseTokens,
	})

	agentDeps := core.AgentDeps{
		Renderer:            render.NewPDFRenderer(cfg.Cache.Dir),
		SimilarityThreshold: cfg.Research.SimilarityThreshold,
		SimilarityTopK:      cfg.Research.SimilarityTopK,
	}

	if cfg.Memory.Enabled {
		idx, err := memory.New(cfg.Memory, provider)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("building memory index: %w", err)
		}
		closers = append(closers, idx.Close)
		agentDeps.Memory = idx
	}

	var st *store.Store
	if cfg.Storage.Postgres.DSN() != "" {
		st, err = store.New(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("connecting to postgres: %w", err)
		}
		closers = append(closers, st.Close)
		agentDeps.Store = st
	}

	agent, err := core.NewResearchAgent(planner, pipeline, synthesizer, tel, agentDeps)
	if err != nil {
		return nil, nil, cleanup, err
	}
	return agent, st, cleanup, nil
}

// Run wires the whole stack from config and serves HTTP until the
// listener fails or the process is told to stop.
func Run(ctx context.Context, cfg *config.Config) error {
	tel := telemetry.NewTelemetry(cfg.Telemetry)
	defer tel.Shutdown()

	agent, st, cleanup, err := BuildAgent(ctx, cfg, tel)
	defer cleanup()
	if err != nil {
		return err
	}
	if cfg.Server.AuthEnabled() && st == nil {
		return fmt.Errorf("auth requires storage.postgres to be configured")
	}

	deps := Deps{
		Config:    cfg,
		Agent:     agent,
		Renderer:  render.NewPDFRenderer(cfg.Cache.Dir),
		Telemetry: tel,
	}
	if st != nil {
		deps.Runs = st
		deps.Users = st
		deps.Schedules = st
	}

	if cfg.Scheduler.Enabled {
		if st == nil {
			return fmt.Errorf("scheduler requires storage.postgres to be configured")
		}
		var rdb *redis.Client
		if addr := cfg.Storage.Redis.Addr(); addr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis at %s: %w", addr, err)
			}
			defer func() { _ = rdb.Close() }()
		}
		sched := NewScheduler(st, agent, rdb, cfg.Scheduler.Interval)
		sched.Start()
		defer close(sched.Stop)
	}

	e := New(deps)
	log.Printf("[SERVER] listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}
