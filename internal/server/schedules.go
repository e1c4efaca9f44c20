package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/delverhq/delver/internal/store"
)

// ScheduleStore is the slice of the store the schedules handler needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, userID, query, cron string) (string, error)
	ListSchedules(ctx context.Context, userID string) ([]store.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id, userID string, enabled bool) error
	DeleteSchedule(ctx context.Context, id, userID string) error
}

type SchedulesHandler struct {
	Store ScheduleStore
}

func (h *SchedulesHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.PUT("/:id/enabled", h.setEnabled)
	g.DELETE("/:id", h.delete)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.Cron == "" {
		req.Cron = "@daily"
	}
	if _, err := cronexpr.Parse(req.Cron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression")
	}
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID(c), req.Query, req.Cron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *SchedulesHandler) list(c echo.Context) error {
	schedules, err := h.Store.ListSchedules(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, ScheduleResponse{
			ID:        s.ID,
			Query:     s.Query,
			Cron:      s.Cron,
			LastRunAt: s.LastRunAt,
			Enabled:   s.Enabled,
			CreatedAt: s.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SchedulesHandler) setEnabled(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Store.SetScheduleEnabled(c.Request().Context(), id, userID(c), req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SchedulesHandler) delete(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err := h.Store.DeleteSchedule(c.Request().Context(), id, userID(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
