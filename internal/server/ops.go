package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zianansar/proposal-writer-sub006/internal/breaker"
	"github.com/zianansar/proposal-writer-sub006/internal/ledger"
	"github.com/zianansar/proposal-writer-sub006/internal/runtime"
	"github.com/zianansar/proposal-writer-sub006/internal/telemetry"
)

type OpsHandler struct {
	Ledger    *ledger.Ledger
	Breakers  *breaker.Set
	Telemetry *telemetry.Telemetry
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/costs", h.costs)
	g.GET("/breaker", h.breakerStatus)
	g.POST("/breaker/override", h.issueOverride)
}

func (h *OpsHandler) costs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ledger":    h.Ledger.Totals(),
		"telemetry": h.Telemetry.GetCostSummary(),
	})
}

func (h *OpsHandler) breakerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"global_paused": h.Breakers.Global().Paused(),
	})
}

// issueOverride mints a single-use token that lets one submission pass the
// global pause. Issuance is audited.
func (h *OpsHandler) issueOverride(c echo.Context) error {
	token := h.Breakers.Global().IssueOverride()
	return c.JSON(http.StatusOK, OverrideResponse{Token: token, IssuedAt: time.Now().UTC()})
}
