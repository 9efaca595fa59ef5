package auditevent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{"seq", "actor", "action", "entity_type", "entity_id", "before", "after", "prev_hash", "hash", "created_at"}

// row scans nullable jsonb snapshots
type row struct {
	Seq        int64     `db:"seq"`
	Actor      string    `db:"actor"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Before     []byte    `db:"before"`
	After      []byte    `db:"after"`
	PrevHash   string    `db:"prev_hash"`
	Hash       string    `db:"hash"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r row) toModel() models.AuditEvent {
	return models.AuditEvent{
		Seq:        r.Seq,
		Actor:      r.Actor,
		Action:     r.Action,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Before:     json.RawMessage(r.Before),
		After:      json.RawMessage(r.After),
		PrevHash:   r.PrevHash,
		Hash:       r.Hash,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func snapshot(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Repository is the append-only audit event table
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ store.AuditStore = (*Repository)(nil)

// LastHash returns the hash at the tail of an entity's chain, or ""
func (r *Repository) LastHash(ctx context.Context, entityType, entityID string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "auditevent.Repository.LastHash")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("hash")
	sb.From("audit_events")
	sb.Where(sb.Equal("entity_type", entityType), sb.Equal("entity_id", entityID))
	sb.OrderBy("seq DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var hash string
	if err := r.db.Querier(ctx).GetContext(ctx, &hash, query, args...); err != nil {
		if database.IsNoRows(err) {
			return "", nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "entity_id": entityID}).Error("Failed to get audit chain tail")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to get audit chain")
	}
	return hash, nil
}

// Append inserts the event and sets its seq. A second successor of the same link is rejected by the chain constraint.
func (r *Repository) Append(ctx context.Context, event *models.AuditEvent) error {
	ctx, span := tracing.StartSpan(ctx, "auditevent.Repository.Append")
	defer span.End()

	ib := database.NewInsertBuilder("audit_events", columns[1:]...)
	ib.Values(event.Actor, event.Action, event.EntityType, event.EntityID, snapshot(event.Before), snapshot(event.After),
		event.PrevHash, event.Hash, event.CreatedAt)
	ib.SQL("RETURNING seq")

	query, args := ib.Build()
	if err := r.db.Querier(ctx).GetContext(ctx, &event.Seq, query, args...); err != nil {
		log := r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
			"action":      event.Action,
		})
		if database.IsUniqueViolation(err) {
			log.Error("Audit chain fork rejected")
			return httperror.NewHTTPError(http.StatusInternalServerError, "audit chain fork")
		}
		log.Error("Failed to append audit event")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit event")
	}
	return nil
}

// ListByEntity returns an entity's events newest first. A non-positive limit returns all of them.
func (r *Repository) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "auditevent.Repository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("audit_events")
	sb.Where(sb.Equal("entity_type", entityType), sb.Equal("entity_id", entityID))
	sb.OrderBy("seq DESC")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []row
	if err := r.db.Querier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": entityType, "entity_id": entityID}).Error("Failed to list audit events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit events")
	}

	events := make([]models.AuditEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toModel()
	}
	return events, nil
}
