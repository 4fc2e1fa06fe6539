// Package replay implements the (issuer, jti) replay-defence store (C13):
// an in-process cache fronting the database table, with a periodic expiry
// sweep.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/catbird/mls-ds/internal/storage"
	"github.com/catbird/mls-ds/internal/ttlcache"
)

// Store implements servicetoken.JTIStore: a fast in-process negative/positive
// cache in front of the durable auth_jti_nonce table, so a hot replay of the
// same (issuer, jti) pair within the same process doesn't round-trip to the
// database twice.
type Store struct {
	db    *storage.Store
	cache *ttlcache.Cache[struct{}]
}

// New constructs a replay Store.
func New(db *storage.Store) *Store {
	return &Store{db: db, cache: ttlcache.New[struct{}](5 * time.Minute)}
}

// InsertIfAbsent records (issuer, jti) if it has not been seen, expiring the
// record at expiresAt. Returns false if the pair already existed — a replay.
func (s *Store) InsertIfAbsent(ctx context.Context, issuer, jti string, expiresAt time.Time) (bool, error) {
	key := issuer + "\x00" + jti
	if _, seen := s.cache.Get(key); seen {
		return false, nil
	}

	inserted, err := s.db.InsertJTI(ctx, issuer, jti, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert jti: %w", err)
	}
	if inserted {
		s.cache.SetWithTTL(key, struct{}{}, time.Until(expiresAt))
	}
	return inserted, nil
}

// RunSweeper periodically purges expired rows from both the in-process
// cache and the durable table, until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cache.Purge()
			_ = s.db.PurgeExpiredJTIs(ctx)
		}
	}
}
