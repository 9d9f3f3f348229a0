package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/zianansar/proposal-writer-sub006/internal/runtime"
	"github.com/zianansar/proposal-writer-sub006/internal/store"
	"github.com/zianansar/proposal-writer-sub006/internal/style"
)

type StyleHandler struct {
	Engine *style.Engine
	Store  *store.Store
}

func (h *StyleHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/profile", h.profile)
	g.POST("/feedback", h.feedback)
	g.POST("/edits", h.edits)
	g.PUT("/golden-samples", h.goldenSamples)
	g.GET("/golden-samples", h.listGoldenSamples)
	g.POST("/recompute", h.recompute)
}

func (h *StyleHandler) profile(c echo.Context) error {
	p, _, err := h.Engine.LoadForGeneration(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *StyleHandler) feedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.Engine.RecordFeedback(c.Request().Context(), style.Feedback{
		ID:          uuid.NewString(),
		RunID:       req.RunID,
		Rating:      req.Rating,
		Preferences: req.Preferences,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *StyleHandler) edits(c echo.Context) error {
	var req EditsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ProposalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "proposal_id is required")
	}
	p, err := h.Engine.RecordEdits(c.Request().Context(), req.ProposalID, req.Section, req.Draft, req.Edited)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *StyleHandler) goldenSamples(c echo.Context) error {
	var req GoldenSamplesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	samples := make([]style.GoldenSample, 0, len(req.Samples))
	now := time.Now().UTC()
	for _, s := range req.Samples {
		samples = append(samples, style.GoldenSample{
			ID:         uuid.NewString(),
			Content:    s.Content,
			UploadedAt: now,
		})
	}
	p, err := h.Engine.SetGoldenSamples(c.Request().Context(), samples)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *StyleHandler) listGoldenSamples(c echo.Context) error {
	samples, err := h.Store.ListGoldenSamples(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if samples == nil {
		samples = []style.GoldenSample{}
	}
	return c.JSON(http.StatusOK, samples)
}

func (h *StyleHandler) recompute(c echo.Context) error {
	p, err := h.Engine.Recompute(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
