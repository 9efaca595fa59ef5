package contact

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{
	"id", "contact_type", "display_name", "normalized_name", "status", "unit_id", "department_id",
	"document", "duplicate_of", "fingerprint", "last_source_at", "created_at", "updated_at",
}

// Repository handles contact and channel persistence
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

var _ store.ContactStore = (*Repository)(nil)

func values(c *models.Contact) []any {
	return []any{
		c.ID, c.Type, c.DisplayName, c.NormalizedName, c.Status, c.UnitID, c.DepartmentID,
		c.Document, c.DuplicateOf, c.Fingerprint, c.LastSourceAt, c.CreatedAt, c.UpdatedAt,
	}
}

// ids are uuids; anything else cannot name a row and would abort an open transaction if sent
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Create inserts the contact with its channels
func (r *Repository) Create(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}

	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		ib := database.NewInsertBuilder("contacts", columns...)
		ib.Values(values(contact)...)

		query, args := ib.Build()
		if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contact.ID).Error("Failed to create contact")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create contact")
		}
		return r.insertChannels(ctx, contact)
	})
}

// Get returns a contact with its channels
func (r *Repository) Get(ctx context.Context, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Get")
	defer span.End()

	if !validID(id) {
		return nil, apperror.NewNotFoundError("contact", id)
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("contacts")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var contact models.Contact
	if err := r.db.Querier(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperror.NewNotFoundError("contact", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Error("Failed to get contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact")
	}

	if err := r.loadChannels(ctx, []*models.Contact{&contact}); err != nil {
		return nil, err
	}
	return &contact, nil
}

// GetMany returns the contacts that exist among ids, in id order
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetMany")
	defer span.End()

	return r.selectByIDs(ctx, ids, false)
}

// GetForUpdate locks the rows in id order so concurrent merges of overlapping pairs cannot deadlock
func (r *Repository) GetForUpdate(ctx context.Context, ids ...string) (map[string]*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetForUpdate")
	defer span.End()

	for _, id := range ids {
		if !validID(id) {
			return nil, apperror.NewNotFoundError("contact", id)
		}
	}

	contacts, err := r.selectByIDs(ctx, ids, true)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.Contact, len(contacts))
	for _, c := range contacts {
		out[c.ID] = c
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, apperror.NewNotFoundError("contact", id)
		}
	}
	return out, nil
}

func (r *Repository) selectByIDs(ctx context.Context, ids []string, lock bool) ([]*models.Contact, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("contacts")
	sb.Where(fmt.Sprintf("id = ANY(%s)", sb.Var(pq.Array(valid))))
	sb.OrderBy("id")
	if lock {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var rows []models.Contact
	if err := r.db.Querier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contacts", len(valid)).Error("Failed to get contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contacts")
	}

	out := make([]*models.Contact, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	if err := r.loadChannels(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes the contact and replaces its channels when the stored fingerprint still matches
func (r *Repository) Update(ctx context.Context, contact *models.Contact, expectedFingerprint string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Update")
	defer span.End()

	if !validID(contact.ID) {
		return apperror.NewNotFoundError("contact", contact.ID)
	}

	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		ub := database.NewUpdateBuilder()
		ub.Update("contacts")
		ub.Set(
			ub.Assign("contact_type", contact.Type),
			ub.Assign("display_name", contact.DisplayName),
			ub.Assign("normalized_name", contact.NormalizedName),
			ub.Assign("status", contact.Status),
			ub.Assign("unit_id", contact.UnitID),
			ub.Assign("department_id", contact.DepartmentID),
			ub.Assign("document", contact.Document),
			ub.Assign("duplicate_of", contact.DuplicateOf),
			ub.Assign("fingerprint", contact.Fingerprint),
			ub.Assign("last_source_at", contact.LastSourceAt),
			ub.Assign("updated_at", contact.UpdatedAt),
		)
		ub.Where(ub.Equal("id", contact.ID), ub.Equal("fingerprint", expectedFingerprint))

		query, args := ub.Build()
		result, err := r.db.Querier(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contact.ID).Error("Failed to update contact")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
		}
		if affected == 0 {
			if _, err := r.fingerprintOf(ctx, contact.ID); err != nil {
				return err
			}
			return apperror.NewStaleFingerprintError(contact.ID)
		}

		if err := r.deleteChannels(ctx, contact.ID); err != nil {
			return err
		}
		return r.insertChannels(ctx, contact)
	})
}

func (r *Repository) fingerprintOf(ctx context.Context, id string) (string, error) {
	sb := database.NewSelectBuilder()
	sb.Select("fingerprint")
	sb.From("contacts")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var fp string
	if err := r.db.Querier(ctx).GetContext(ctx, &fp, query, args...); err != nil {
		if database.IsNoRows(err) {
			return "", apperror.NewNotFoundError("contact", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Error("Failed to read contact fingerprint")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact")
	}
	return fp, nil
}

// ParentOf returns the duplicate-of pointer of a contact
func (r *Repository) ParentOf(ctx context.Context, id string) (*string, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.ParentOf")
	defer span.End()

	if !validID(id) {
		return nil, apperror.NewNotFoundError("contact", id)
	}

	sb := database.NewSelectBuilder()
	sb.Select("duplicate_of")
	sb.From("contacts")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var parent *string
	if err := r.db.Querier(ctx).GetContext(ctx, &parent, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, apperror.NewNotFoundError("contact", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", id).Error("Failed to get contact parent")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact")
	}
	return parent, nil
}

// RepointDuplicates moves every duplicate-of pointer aimed at fromID to toID and returns the moved contacts
func (r *Repository) RepointDuplicates(ctx context.Context, fromID, toID string, at time.Time) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.RepointDuplicates")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update("contacts")
	ub.Set(ub.Assign("duplicate_of", toID), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("duplicate_of", fromID))
	ub.SQL("RETURNING id")

	query, args := ub.Build()
	var ids []string
	if err := r.db.Querier(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"from_id": fromID, "to_id": toID}).Error("Failed to repoint duplicates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint duplicates")
	}
	sort.Strings(ids)
	return ids, nil
}

func matchable(sb *sqlbuilder.SelectBuilder, alias string) []string {
	return []string{
		sb.Equal(alias+"status", models.ContactStatusActive),
		sb.IsNull(alias + "duplicate_of"),
	}
}

func (r *Repository) selectIDs(ctx context.Context, sb *sqlbuilder.SelectBuilder, op string) ([]string, error) {
	query, args := sb.Build()
	var ids []string
	if err := r.db.Querier(ctx).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to find contacts by %s", op)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find contacts")
	}
	return ids, nil
}

// FindByDocument returns matchable contacts carrying document
func (r *Repository) FindByDocument(ctx context.Context, document string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByDocument")
	defer span.End()

	if document == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From("contacts")
	sb.Where(append(matchable(sb, ""), sb.Equal("document", document))...)
	sb.OrderBy("id")
	return r.selectIDs(ctx, sb, "document")
}

// FindByEmails returns matchable contacts owning any of addresses
func (r *Repository) FindByEmails(ctx context.Context, addresses []string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmails")
	defer span.End()

	if len(addresses) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT c.id")
	sb.From("contacts c")
	sb.Join("contact_emails e", "e.contact_id = c.id")
	sb.Where(append(matchable(sb, "c."), fmt.Sprintf("e.address = ANY(%s)", sb.Var(pq.Array(addresses))))...)
	sb.OrderBy("c.id")
	return r.selectIDs(ctx, sb, "email")
}

// FindByNationalNumbers returns matchable contacts owning any of numbers
func (r *Repository) FindByNationalNumbers(ctx context.Context, numbers []string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByNationalNumbers")
	defer span.End()

	if len(numbers) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT c.id")
	sb.From("contacts c")
	sb.Join("contact_phones p", "p.contact_id = c.id")
	sb.Where(append(matchable(sb, "c."), fmt.Sprintf("p.national_number = ANY(%s)", sb.Var(pq.Array(numbers))))...)
	sb.OrderBy("c.id")
	return r.selectIDs(ctx, sb, "phone")
}

// FindSimilarNames ranks matchable contacts other than excludeID by pg_trgm similarity to normalizedName.
// The % operator keeps the lookup on the gin_trgm_ops index; its threshold is set to floor for this transaction only.
func (r *Repository) FindSimilarNames(ctx context.Context, normalizedName, excludeID string, floor float64, limit int) ([]store.NameMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindSimilarNames")
	defer span.End()

	if normalizedName == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	similarity := fmt.Sprintf("similarity(normalized_name, %s)", sb.Var(normalizedName))
	sb.Select("id", similarity+" AS similarity")
	sb.From("contacts")
	where := append(matchable(sb, ""), fmt.Sprintf("normalized_name %% %s", sb.Var(normalizedName)))
	if excludeID != "" {
		where = append(where, sb.NotEqual("id", excludeID))
	}
	sb.Where(where...)
	sb.OrderBy("similarity DESC", "id")
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var matches []store.NameMatch
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		if _, err := q.ExecContext(ctx, "SELECT set_config('pg_trgm.similarity_threshold', $1, true)", strconv.FormatFloat(floor, 'f', -1, 64)); err != nil {
			return err
		}
		return q.SelectContext(ctx, &matches, query, args...)
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find similar names")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find contacts")
	}
	return matches, nil
}
