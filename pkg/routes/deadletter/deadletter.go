package deadletter

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// Queue is the dead letter store. pkg/redis.DeadLetterQueue implements it.
type Queue interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Retry(ctx context.Context, messageID string, ingest func(ctx context.Context, event models.IngestionEvent) error) error
}

// Ingester re-runs ingestion for a retried entry
type Ingester interface {
	Ingest(ctx context.Context, event models.IngestionEvent) (*models.IngestionAck, error)
}

// Handler exposes dead lettered ingestion events for inspection and replay
type Handler struct {
	queue    Queue
	ingester Ingester
	logger   ectologger.Logger
}

func NewHandler(queue Queue, ingester Ingester, logger ectologger.Logger) *Handler {
	return &Handler{
		queue:    queue,
		ingester: ingester,
		logger:   logger,
	}
}

// Register registers dead letter routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.POST("/:id/retry", h.Retry)
}

// List returns the newest entries first
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()

	count := int64(100)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			return apperror.NewValidationError("limit", raw, "limit must be between 1 and 1000")
		}
		count = n
	}

	entries, err := h.queue.List(ctx, count)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []redis.DLQEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// RetryResponse is the acknowledgment of a successful retry
type RetryResponse struct {
	ID  string               `json:"id"`
	Ack *models.IngestionAck `json:"ack"`
}

// Retry ingests one entry again and deletes it once ingestion succeeds
func (h *Handler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	entry, err := h.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return apperror.NewNotFoundError("dead_letter", id)
	}

	var ack *models.IngestionAck
	err = h.queue.Retry(ctx, id, func(ctx context.Context, event models.IngestionEvent) error {
		var err error
		ack, err = h.ingester.Ingest(ctx, event)
		return err
	})
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"dlq_id": id,
		"source": entry.Event.Source,
		"status": ack.Status,
	}).Info("Retried dead lettered event")
	return c.JSON(http.StatusOK, RetryResponse{ID: id, Ack: ack})
}
