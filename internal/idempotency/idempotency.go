// Package idempotency implements the (endpoint_nsid, idempotency_key) to
// cached-response layer (C12): a 1-hour TTL cache collapsing concurrent
// duplicate requests via an ON CONFLICT DO NOTHING insert, with a periodic
// sweeper.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/catbird/mls-ds/internal/storage"
)

// TTL is how long a cached idempotent response remains valid.
const TTL = time.Hour

// Cache fronts the durable idempotency_cache table.
type Cache struct {
	store *storage.Store
}

// New constructs a Cache.
func New(store *storage.Store) *Cache {
	return &Cache{store: store}
}

// Lookup returns a previously cached response for (endpointNSID, key), if
// any and still fresh.
func (c *Cache) Lookup(ctx context.Context, endpointNSID, key string) (statusCode int, body []byte, hit bool, err error) {
	if key == "" {
		return 0, nil, false, nil
	}
	e, found, err := c.store.GetIdempotent(ctx, endpointNSID, key)
	if err != nil {
		return 0, nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !found {
		return 0, nil, false, nil
	}
	return e.StatusCode, e.ResponseBody, true, nil
}

// Store records the response for (endpointNSID, key), collapsing a
// concurrent duplicate insert: if another request already wrote a response
// for this key first, this call is a no-op and the caller should re-Lookup
// to serve the winner's response instead of its own.
func (c *Cache) Store(ctx context.Context, endpointNSID, key string, statusCode int, body []byte) error {
	if key == "" {
		return nil
	}
	entry := storage.IdempotencyEntry{
		EndpointNSID: endpointNSID, IdempotencyKey: key,
		StatusCode: statusCode, ResponseBody: body, ExpiresAt: time.Now().Add(TTL),
	}
	if err := c.store.PutIdempotent(ctx, entry); err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// RunSweeper periodically purges expired rows until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.PurgeExpiredIdempotency(ctx); err != nil {
				return
			}
		}
	}
}
