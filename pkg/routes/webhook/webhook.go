package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/models"
)

// MaxBodyBytes caps a webhook body
const MaxBodyBytes = 1 << 20

// Handler receives ingestion events pushed by sources
type Handler struct {
	ingestion *ingestion.Service
	verifier  *ingestion.Verifier
	logger    ectologger.Logger
}

func NewHandler(ingestionService *ingestion.Service, verifier *ingestion.Verifier, logger ectologger.Logger) *Handler {
	return &Handler{
		ingestion: ingestionService,
		verifier:  verifier,
		logger:    logger,
	}
}

// Register registers webhook routes. Extra middleware (rate limiting) wraps the receive route.
func (h *Handler) Register(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.POST("/:source", h.Receive, m...)
}

// Receive authenticates the raw body, then ingests it. Replays answer 200 with status "duplicate".
func (h *Handler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	source := c.Param("source")
	log := h.logger.WithContext(ctx).WithField("source", source)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxBodyBytes+1))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > MaxBodyBytes {
		return httperror.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	if err := h.verifier.VerifyToken(source, c.Request().Header.Get(ingestion.HeaderToken)); err != nil {
		log.WithError(err).Warn("Webhook token rejected")
		return httperror.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
	}
	if err := h.verifier.VerifySignature(source, c.Request().Header.Get(ingestion.HeaderSignature), body); err != nil {
		log.WithError(err).Warn("Webhook signature rejected")
		return httperror.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}

	var event models.IngestionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if event.Source == "" {
		event.Source = source
	}
	if event.Source != source {
		return apperror.NewValidationErrorf("source", event.Source, "source does not match the webhook path %s", source)
	}
	if err := h.verifier.VerifyTimestamp(event.Timestamp); err != nil {
		return err
	}

	ack, err := h.ingestion.Ingest(ctx, event)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ack)
}
