package sourcerecord

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{"id", "source", "source_key", "version", "content_hash", "payload", "fetched_at"}

// Repository handles immutable source record versions and their contact links
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

var _ store.SourceRecordStore = (*Repository)(nil)

// Latest returns the highest version of (source, sourceKey), or nil
func (r *Repository) Latest(ctx context.Context, source, sourceKey string) (*models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Latest")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("source_records")
	sb.Where(sb.Equal("source", source), sb.Equal("source_key", sourceKey))
	sb.OrderBy("version DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var record models.SourceRecord
	if err := r.db.Querier(ctx).GetContext(ctx, &record, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": source, "source_key": sourceKey}).Error("Failed to get latest source record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get source record")
	}
	return &record, nil
}

// Insert stores a new version. A version that already exists is an error.
func (r *Repository) Insert(ctx context.Context, record *models.SourceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Insert")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	ib := database.NewInsertBuilder("source_records", columns...)
	ib.Values(record.ID, record.Source, record.SourceKey, record.Version, record.ContentHash, []byte(record.Payload), record.FetchedAt)

	query, args := ib.Build()
	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		log := r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source":     record.Source,
			"source_key": record.SourceKey,
			"version":    record.Version,
		})
		if database.IsUniqueViolation(err) {
			log.Warn("Source record version already exists")
			return httperror.NewHTTPError(http.StatusInternalServerError, "source record version already exists")
		}
		log.Error("Failed to insert source record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert source record")
	}
	return nil
}

// Versions returns every version of (source, sourceKey), oldest first
func (r *Repository) Versions(ctx context.Context, source, sourceKey string) ([]models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Versions")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("source_records")
	sb.Where(sb.Equal("source", source), sb.Equal("source_key", sourceKey))
	sb.OrderBy("version")

	query, args := sb.Build()
	var records []models.SourceRecord
	if err := r.db.Querier(ctx).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": source, "source_key": sourceKey}).Error("Failed to list source record versions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list source records")
	}
	return records, nil
}

// linkUpsert keeps the higher confidence when a link already exists
const linkUpsert = `ON CONFLICT (contact_id, source_record_id) DO UPDATE SET confidence = EXCLUDED.confidence, linked_at = EXCLUDED.linked_at
	WHERE contact_sources.confidence < EXCLUDED.confidence`

// Link attaches a source record to a contact
func (r *Repository) Link(ctx context.Context, link models.ContactSource) error {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Link")
	defer span.End()

	ib := database.NewInsertBuilder("contact_sources", "contact_id", "source_record_id", "confidence", "linked_at")
	ib.Values(link.ContactID, link.SourceRecordID, link.Confidence, link.LinkedAt)
	ib.SQL(linkUpsert)

	query, args := ib.Build()
	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id":       link.ContactID,
			"source_record_id": link.SourceRecordID,
		}).Error("Failed to link source record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to link source record")
	}
	return nil
}

// ReparentLinks moves every link of fromContactID to toContactID, keeping the higher confidence on overlap
func (r *Repository) ReparentLinks(ctx context.Context, fromContactID, toContactID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.ReparentLinks")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"from_contact_id": fromContactID, "to_contact_id": toContactID})

	var moved int64
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		copyQuery := `INSERT INTO contact_sources (contact_id, source_record_id, confidence, linked_at)
	SELECT $1, source_record_id, confidence, linked_at FROM contact_sources WHERE contact_id = $2
	` + linkUpsert
		if _, err := q.ExecContext(ctx, copyQuery, toContactID, fromContactID); err != nil {
			log.WithError(err).Error("Failed to copy source links")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reparent source links")
		}

		db := database.NewDeleteBuilder()
		db.DeleteFrom("contact_sources")
		db.Where(db.Equal("contact_id", fromContactID))
		query, args := db.Build()
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			log.WithError(err).Error("Failed to remove reparented source links")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reparent source links")
		}
		moved, err = result.RowsAffected()
		return err
	})
	return moved, err
}

// LinksForContact returns a contact's links ordered by source record id
func (r *Repository) LinksForContact(ctx context.Context, contactID string) ([]models.ContactSource, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.LinksForContact")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("contact_id", "source_record_id", "confidence", "linked_at")
	sb.From("contact_sources")
	sb.Where(sb.Equal("contact_id", contactID))
	sb.OrderBy("source_record_id")

	query, args := sb.Build()
	var links []models.ContactSource
	if err := r.db.Querier(ctx).SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contactID).Error("Failed to list source links")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list source links")
	}
	return links, nil
}

// LinkedContact returns the contact linked to the newest linked version of (source, sourceKey)
func (r *Repository) LinkedContact(ctx context.Context, source, sourceKey string) (*string, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.LinkedContact")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("cs.contact_id")
	sb.From("contact_sources cs")
	sb.Join("source_records sr", "sr.id = cs.source_record_id")
	sb.Where(sb.Equal("sr.source", source), sb.Equal("sr.source_key", sourceKey))
	sb.OrderBy("sr.version DESC", "cs.contact_id")
	sb.Limit(1)

	query, args := sb.Build()
	var contactID string
	if err := r.db.Querier(ctx).GetContext(ctx, &contactID, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": source, "source_key": sourceKey}).Error("Failed to get linked contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linked contact")
	}
	return &contactID, nil
}
