package mergedecision

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Handler records reviewer decisions on candidate pairs
type Handler struct {
	workflow *merging.Workflow
	logger   ectologger.Logger
}

func NewHandler(workflow *merging.Workflow, logger ectologger.Logger) *Handler {
	return &Handler{
		workflow: workflow,
		logger:   logger,
	}
}

// Register registers merge decision routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Decide)
	g.GET("/:primary_id/:duplicate_id", h.GetDecision)
}

// Decide records MERGE or REJECT for an ordered pair. The actor is the caller, never the body.
func (h *Handler) Decide(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.DecideRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Actor = context.GetActor(ctx)

	result, err := h.workflow.Decide(ctx, req)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if result.Revised {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

// GetDecision returns the decision recorded for an ordered pair
func (h *Handler) GetDecision(c echo.Context) error {
	ctx := c.Request().Context()

	decision, err := h.workflow.Get(ctx, c.Param("primary_id"), c.Param("duplicate_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decision)
}
