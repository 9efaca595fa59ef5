package mergedecision

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{"primary_id", "duplicate_id", "decision", "chosen_fields", "decided_by", "decided_at"}

// Repository handles decisions keyed by the ordered (primary, duplicate) pair
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

var _ store.DecisionStore = (*Repository)(nil)

// Get returns the decision for the ordered pair, or nil
func (r *Repository) Get(ctx context.Context, primaryID, duplicateID string) (*models.MergeDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "mergedecision.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From("merge_decisions")
	sb.Where(sb.Equal("primary_id", primaryID), sb.Equal("duplicate_id", duplicateID))

	query, args := sb.Build()
	var decision models.MergeDecision
	if err := r.db.Querier(ctx).GetContext(ctx, &decision, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"primary_id":   primaryID,
			"duplicate_id": duplicateID,
		}).Error("Failed to get merge decision")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge decision")
	}
	return &decision, nil
}

// Upsert records the decision, overwriting an earlier one for the same ordered pair
func (r *Repository) Upsert(ctx context.Context, decision *models.MergeDecision) error {
	ctx, span := tracing.StartSpan(ctx, "mergedecision.Repository.Upsert")
	defer span.End()

	ib := database.NewInsertBuilder("merge_decisions", columns...)
	ib.Values(decision.PrimaryID, decision.DuplicateID, decision.Decision, decision.ChosenFields, decision.DecidedBy, decision.DecidedAt)
	ib.OnConflictUpdate([]string{"primary_id", "duplicate_id"}, "decision", "chosen_fields", "decided_by", "decided_at")

	query, args := ib.Build()
	if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"primary_id":   decision.PrimaryID,
			"duplicate_id": decision.DuplicateID,
			"decision":     decision.Decision,
		}).Error("Failed to upsert merge decision")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record merge decision")
	}
	return nil
}
