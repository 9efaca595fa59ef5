package mergecandidate

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{"contact_a_id", "contact_b_id", "score", "features", "auto_suggest", "activity_at", "created_at", "updated_at"}

// reviewOrder is the review-queue ordering: score, then most recent source activity, then ids
var reviewOrder = []string{"score DESC", "activity_at DESC", "contact_a_id", "contact_b_id"}

// Repository handles merge candidate persistence. Pairs are stored with contact_a_id < contact_b_id.
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

var _ store.CandidateStore = (*Repository)(nil)

// Upsert writes the scored pair, keeping the original created_at
func (r *Repository) Upsert(ctx context.Context, candidate *models.MergeCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Upsert")
	defer span.End()

	candidate.ContactAID, candidate.ContactBID = models.CanonicalPair(candidate.ContactAID, candidate.ContactBID)

	ib := database.NewInsertBuilder("merge_candidates", columns...)
	ib.Values(candidate.ContactAID, candidate.ContactBID, candidate.Score, candidate.Features, candidate.AutoSuggest,
		candidate.ActivityAt, candidate.CreatedAt, candidate.UpdatedAt)
	ib.OnConflictUpdate([]string{"contact_a_id", "contact_b_id"}, "score", "features", "auto_suggest", "activity_at", "updated_at")
	ib.SQL("RETURNING created_at")

	query, args := ib.Build()
	if err := r.db.Querier(ctx).GetContext(ctx, &candidate.CreatedAt, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_a_id": candidate.ContactAID,
			"contact_b_id": candidate.ContactBID,
		}).Error("Failed to upsert merge candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert merge candidate")
	}
	return nil
}

// Get returns the candidate for the pair in either ordering, or nil
func (r *Repository) Get(ctx context.Context, contactA, contactB string) (*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Get")
	defer span.End()

	a, b := models.CanonicalPair(contactA, contactB)
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("merge_candidates")
	sb.Where(sb.Equal("contact_a_id", a), sb.Equal("contact_b_id", b))

	query, args := sb.Build()
	var candidate models.MergeCandidate
	if err := r.db.Querier(ctx).GetContext(ctx, &candidate, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"contact_a_id": a, "contact_b_id": b}).Error("Failed to get merge candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge candidate")
	}
	return &candidate, nil
}

// Delete removes the pair in either ordering
func (r *Repository) Delete(ctx context.Context, contactA, contactB string) error {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.Delete")
	defer span.End()

	a, b := models.CanonicalPair(contactA, contactB)
	db := database.NewDeleteBuilder()
	db.DeleteFrom("merge_candidates")
	db.Where(db.Equal("contact_a_id", a), db.Equal("contact_b_id", b))

	query, args := db.Build()
	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"contact_a_id": a, "contact_b_id": b}).Error("Failed to delete merge candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete merge candidate")
	}
	return nil
}

func involves(cond *sqlbuilder.Cond, contactID string) string {
	return cond.Or(cond.Equal("contact_a_id", contactID), cond.Equal("contact_b_id", contactID))
}

// ListByContact returns the candidates involving contactID in review order
func (r *Repository) ListByContact(ctx context.Context, contactID string) ([]models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.ListByContact")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("merge_candidates")
	sb.Where(involves(&sb.Cond, contactID))
	sb.OrderBy(reviewOrder...)

	query, args := sb.Build()
	var candidates []models.MergeCandidate
	if err := r.db.Querier(ctx).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contactID).Error("Failed to list merge candidates by contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge candidates")
	}
	return candidates, nil
}

// DeleteByContact removes every candidate involving contactID
func (r *Repository) DeleteByContact(ctx context.Context, contactID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.DeleteByContact")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom("merge_candidates")
	db.Where(involves(&db.Cond, contactID))

	query, args := db.Build()
	result, err := r.db.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contactID).Error("Failed to delete merge candidates by contact")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete merge candidates")
	}
	return result.RowsAffected()
}

// undecided excludes pairs with a decision in either ordering
const undecided = `NOT EXISTS (
	SELECT 1 FROM merge_decisions d
	WHERE (d.primary_id = merge_candidates.contact_a_id AND d.duplicate_id = merge_candidates.contact_b_id)
	   OR (d.primary_id = merge_candidates.contact_b_id AND d.duplicate_id = merge_candidates.contact_a_id)
)`

// ListPending returns undecided candidates in review order. A non-positive limit returns all of them.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "mergecandidate.Repository.ListPending")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("merge_candidates")
	sb.Where(undecided)
	sb.OrderBy(reviewOrder...)
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var candidates []models.MergeCandidate
	if err := r.db.Querier(ctx).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pending merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending merge candidates")
	}
	return candidates, nil
}
