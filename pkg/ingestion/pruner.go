package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const pruneLockKey = "webhook-receipt-pruner"

// Locker serializes pruning across replicas. pkg/redis.Locker implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Pruner deletes webhook receipts older than the retention window.
// Retention must cover the replay window, or a replayed webhook would be accepted again.
type Pruner struct {
	receipts  store.ReceiptStore
	locker    Locker
	retention time.Duration
	interval  time.Duration
	logger    ectologger.Logger
	now       func() time.Time
}

func NewPruner(receipts store.ReceiptStore, locker Locker, retention, interval time.Duration, logger ectologger.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		receipts:  receipts,
		locker:    locker,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PruneOnce deletes expired receipts. Another replica holding the lock is not an error.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Pruner.PruneOnce")
	defer span.End()

	var pruned int64
	prune := func(ctx context.Context) error {
		n, err := p.receipts.PruneBefore(ctx, p.now().Add(-p.retention))
		pruned = n
		return err
	}

	var err error
	if p.locker == nil {
		err = prune(ctx)
	} else {
		err = p.locker.WithLock(ctx, pruneLockKey, p.interval, prune)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			p.logger.WithContext(ctx).Debug("Receipt pruning skipped, another replica holds the lock")
			return 0, nil
		}
	}
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to prune webhook receipts")
		return 0, err
	}

	metrics.ReceiptsPrunedTotal.Add(float64(pruned))
	if pruned > 0 {
		p.logger.WithContext(ctx).WithField("pruned", pruned).Info("Pruned webhook receipts")
	}
	return pruned, nil
}

// Run prunes on every interval until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.PruneOnce(ctx)
		}
	}
}
