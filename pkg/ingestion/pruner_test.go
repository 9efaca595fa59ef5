package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type stubLocker struct {
	err   error
	calls int
}

func (s *stubLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	return fn(ctx)
}

func TestPruner_PruneOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	tests := []struct {
		name       string
		locker     *stubLocker
		wantPruned int64
		wantLeft   int
	}{
		{name: "without a lock", wantPruned: 1, wantLeft: 1},
		{name: "holding the lock", locker: &stubLocker{}, wantPruned: 1, wantLeft: 1},
		{name: "lock held elsewhere", locker: &stubLocker{err: redis.ErrLockNotAcquired}, wantPruned: 0, wantLeft: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena := memory.New()
			receipts := arena.Bundle().Receipts
			require.NoError(t, receipts.Record(ctx, models.WebhookReceipt{Source: "hr", Nonce: "old", ReceivedAt: now.Add(-8 * 24 * time.Hour)}))
			require.NoError(t, receipts.Record(ctx, models.WebhookReceipt{Source: "hr", Nonce: "new", ReceivedAt: now.Add(-time.Hour)}))

			var locker Locker
			if tt.locker != nil {
				locker = tt.locker
			}
			pruner := NewPruner(receipts, locker, 7*24*time.Hour, time.Hour, logger)
			pruner.now = func() time.Time { return now }

			pruned, err := pruner.PruneOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPruned, pruned)
			assert.Equal(t, tt.wantLeft, arena.Stats().Receipts)
			if tt.locker != nil {
				assert.Equal(t, 1, tt.locker.calls)
			}
		})
	}
}
