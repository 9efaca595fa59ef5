package ingestion

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReceiptCache short-circuits replays of committed receipts. pkg/redis.ReceiptCache implements it.
type ReceiptCache interface {
	Seen(ctx context.Context, source, nonce string) (bool, error)
	Mark(ctx context.Context, source, nonce string) error
}

// Guard makes ingestion idempotent per (source, nonce). The receipt table is authoritative;
// the cache only answers replays early.
type Guard struct {
	receipts store.ReceiptStore
	cache    ReceiptCache
	logger   ectologger.Logger
	now      func() time.Time
}

func NewGuard(receipts store.ReceiptStore, cache ReceiptCache, logger ectologger.Logger) *Guard {
	return &Guard{
		receipts: receipts,
		cache:    cache,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Seen reports a cached replay. Cache failures count as a miss.
func (g *Guard) Seen(ctx context.Context, source, nonce string) bool {
	if g.cache == nil {
		return false
	}
	seen, err := g.cache.Seen(ctx, source, nonce)
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("Receipt cache lookup failed")
		return false
	}
	return seen
}

// Record inserts the receipt in the caller's transaction. A replay is an apperror.DuplicateEventError.
func (g *Guard) Record(ctx context.Context, source, nonce string) error {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Guard.Record")
	defer span.End()

	return g.receipts.Record(ctx, models.WebhookReceipt{Source: source, Nonce: nonce, ReceivedAt: g.now()})
}

// Committed caches a receipt once its transaction has committed
func (g *Guard) Committed(ctx context.Context, source, nonce string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Mark(ctx, source, nonce); err != nil {
		g.logger.WithContext(ctx).WithError(err).Warn("Failed to cache webhook receipt")
	}
}
