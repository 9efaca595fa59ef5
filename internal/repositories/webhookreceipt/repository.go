package webhookreceipt

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository records (source, nonce) pairs that have been ingested
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

var _ store.ReceiptStore = (*Repository)(nil)

// Record inserts the receipt. ON CONFLICT keeps a replay from aborting the surrounding transaction.
func (r *Repository) Record(ctx context.Context, receipt models.WebhookReceipt) error {
	ctx, span := tracing.StartSpan(ctx, "webhookreceipt.Repository.Record")
	defer span.End()

	ib := database.NewInsertBuilder("webhook_receipts", "source", "nonce", "received_at")
	ib.Values(receipt.Source, receipt.Nonce, receipt.ReceivedAt)
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	result, err := r.db.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source": receipt.Source, "nonce": receipt.Nonce}).Error("Failed to record webhook receipt")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record webhook receipt")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record webhook receipt")
	}
	if affected == 0 {
		return apperror.NewDuplicateEventError(receipt.Source, receipt.Nonce)
	}
	return nil
}

// PruneBefore deletes receipts received before cutoff
func (r *Repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "webhookreceipt.Repository.PruneBefore")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom("webhook_receipts")
	db.Where(db.LessThan("received_at", cutoff))

	query, args := db.Build()
	result, err := r.db.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("cutoff", cutoff).Error("Failed to prune webhook receipts")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to prune webhook receipts")
	}
	return result.RowsAffected()
}
