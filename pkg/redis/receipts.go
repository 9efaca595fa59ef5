package redis

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReceiptCache remembers committed webhook receipts so replays are answered before touching Postgres.
// It is only a cache: a miss always falls through to the receipt table.
type ReceiptCache struct {
	client *Client
	ttl    time.Duration
}

func NewReceiptCache(client *Client, ttl time.Duration) *ReceiptCache {
	return &ReceiptCache{client: client, ttl: ttl}
}

func (r *ReceiptCache) key(source, nonce string) string {
	return r.client.Key("receipt", source, nonce)
}

// Seen reports whether (source, nonce) was committed before
func (r *ReceiptCache) Seen(ctx context.Context, source, nonce string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "redis.ReceiptCache.Seen")
	defer span.End()

	return r.client.Exists(ctx, r.key(source, nonce))
}

// Mark records a committed (source, nonce)
func (r *ReceiptCache) Mark(ctx context.Context, source, nonce string) error {
	ctx, span := tracing.StartSpan(ctx, "redis.ReceiptCache.Mark")
	defer span.End()

	return r.client.Set(ctx, r.key(source, nonce), "1", r.ttl)
}
