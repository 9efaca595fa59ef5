package mergecandidate

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Handler serves the merge review queue
type Handler struct {
	matcher *matching.Service
	logger  ectologger.Logger
}

func NewHandler(matcher *matching.Service, logger ectologger.Logger) *Handler {
	return &Handler{
		matcher: matcher,
		logger:  logger,
	}
}

// Register registers merge candidate routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListPending)
	g.POST("/refresh", h.RefreshBatch)
	g.POST("/:contact_id/refresh", h.Refresh)
}

// ListPending lists undecided candidates, highest score first
func (h *Handler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()

	limit := matching.DefaultPendingLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return apperror.NewValidationError("limit", raw, "limit must be between 1 and 1000")
		}
		limit = n
	}

	candidates, err := h.matcher.Pending(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidates)
}

// Refresh regenerates and rescores the candidates of one contact
func (h *Handler) Refresh(c echo.Context) error {
	ctx := c.Request().Context()

	result, err := h.matcher.Refresh(ctx, c.Param("contact_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// RefreshBatchRequest names the contacts to refresh
type RefreshBatchRequest struct {
	ContactIDs []string `json:"contact_ids" validate:"required,min=1,max=500,dive,required"`
}

// RefreshBatch refreshes several contacts concurrently
func (h *Handler) RefreshBatch(c echo.Context) error {
	ctx := c.Request().Context()

	var req RefreshBatchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := utils.Validate(req); err != nil {
		return err
	}

	if err := h.matcher.RefreshMany(ctx, req.ContactIDs); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithField("contacts", len(req.ContactIDs)).Info("Refreshed merge candidates")
	return c.JSON(http.StatusOK, map[string]int{"refreshed": len(req.ContactIDs)})
}
