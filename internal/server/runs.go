package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/events"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/runtime"
	"github.com/zianansar/proposal-writer-sub006/internal/store"
)

type RunsHandler struct {
	Store  *store.Store
	Orch   *pipeline.Orchestrator
	Bus    *events.Bus
	Cfg    *config.Config
	Logger *log.Logger
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.cancel)
	g.GET("/:id/events", h.stream)
}

func (h *RunsHandler) submit(c echo.Context) error {
	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	requester, _ := runtime.SubjectFromContext(c.Request().Context())

	runID, err := h.Orch.Submit(c.Request().Context(), pipeline.GenerationRequest{
		Requester:      requester,
		JobInput:       req.JobInput,
		TemplateID:     req.TemplateID,
		BudgetOverride: req.BudgetOverride,
		BreakerToken:   req.BreakerToken,
	})
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: runID})
}

func (h *RunsHandler) list(c echo.Context) error {
	requester, _ := runtime.SubjectFromContext(c.Request().Context())
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.Store.ListRuns(c.Request().Context(), requester, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []pipeline.PipelineRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// get serves live runs from the orchestrator and finished runs from the
// store.
func (h *RunsHandler) get(c echo.Context) error {
	id := c.Param("id")
	if run, ok := h.Orch.Run(id); ok {
		return c.JSON(http.StatusOK, run)
	}
	run, ok, err := h.Store.GetRun(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *RunsHandler) cancel(c echo.Context) error {
	if err := h.Orch.Cancel(c.Param("id")); err != nil {
		return mapPipelineError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// stream sends the run's events over SSE: batched token deltas, stage
// progress, then one terminal event.
func (h *RunsHandler) stream(c echo.Context) error {
	if !h.Cfg.Server.RunStreamEnabled {
		return echo.NewHTTPError(http.StatusNotFound, "run streaming disabled")
	}
	id := c.Param("id")

	// Subscribe before the snapshot check so no terminal event slips by.
	ch, cancel := h.Bus.Subscribe()
	defer cancel()

	run, ok := h.Orch.Run(id)
	if !ok {
		stored, found, err := h.Store.GetRun(c.Request().Context(), id)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !found {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		run = stored
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	writeEvent := func(name string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeEvent("snapshot", run); err != nil {
		return nil
	}
	if run.Status.Terminal() {
		return nil
	}

	reqCtx := c.Request().Context()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case ev, open := <-ch:
			if !open {
				return nil
			}
			if ev.Run() != id {
				continue
			}
			if err := writeEvent(ev.EventType(), ev); err != nil {
				return nil
			}
			switch ev.(type) {
			case events.RunCompleted, events.RunError:
				return nil
			}
		}
	}
}

// mapPipelineError translates taxonomy errors into HTTP responses.
func mapPipelineError(c echo.Context, err error) error {
	var (
		invalid  pipeline.ErrValidation
		cooldown pipeline.ErrCooldown
		open     pipeline.ErrCircuitOpen
		exceeded ledger.ErrExceeded
	)
	switch {
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &cooldown):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(cooldown.Wait.Seconds())+1))
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.As(err, &open):
		if open.RetryAfter > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(open.RetryAfter.Seconds())+1))
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &exceeded):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
