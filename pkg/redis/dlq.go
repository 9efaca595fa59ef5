package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DLQMaxLen caps the dead letter stream; the oldest entries are trimmed
const DLQMaxLen = 10000

// DeadLetterQueue keeps ingestion events that failed permanently, so they can be inspected and replayed
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, logger ectologger.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		client:     client,
		streamName: client.Key("ingestion", "dlq"),
		logger:     logger,
	}
}

// DLQEntry is a dead lettered ingestion event
type DLQEntry struct {
	ID           string                `json:"id"`
	MessageID    string                `json:"message_id,omitempty"`
	Event        models.IngestionEvent `json:"event"`
	Raw          string                `json:"raw,omitempty"`
	Reason       string                `json:"reason"`
	ErrorMessage string                `json:"error_message"`
	CreatedAt    time.Time             `json:"created_at"`
	TraceID      string                `json:"trace_id,omitempty"`
}

// Add appends an entry and returns its stream message id
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetterQueue.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":   string(data),
			"source": entry.Event.Source,
			"reason": entry.Reason,
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add ingestion event to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"source":     entry.Event.Source,
		"source_key": entry.Event.SourceKey,
		"reason":     entry.Reason,
	}).Warn("Ingestion event dead lettered")
	return messageID, nil
}

// List returns the newest entries first
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetterQueue.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Failed to decode DLQ entry: %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

// Get returns nil when the message id is unknown
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetterQueue.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return decodeEntry(messages[0])
}

func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetterQueue.Delete")
	defer span.End()

	if _, err := d.client.Redis().XDel(ctx, d.streamName, messageID).Result(); err != nil {
		return fmt.Errorf("failed to delete DLQ entry: %w", err)
	}
	return nil
}

// Retry hands the stored event back to ingest and removes the entry once it succeeds
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, ingest func(ctx context.Context, event models.IngestionEvent) error) error {
	ctx, span := tracing.StartSpan(ctx, "redis.DeadLetterQueue.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("DLQ entry not found: %s", messageID)
	}

	if err := ingest(ctx, entry.Event); err != nil {
		return err
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to delete DLQ entry after retry")
	}
	return nil
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid DLQ entry format")
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}
