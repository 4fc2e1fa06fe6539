// Package peers implements the federation peer table lookups and per-peer
// rate limiting used by the inbound federation handlers (C10): identity
// canonicalization, allow/throttle/block decisions, and a per-minute cap
// keyed on the canonicalized peer identity.
package peers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/ratelimit"
	"github.com/catbird/mls-ds/internal/storage"
)

// DefaultPerMinuteCap applies when a peer row has no explicit override.
const DefaultPerMinuteCap = 600

// Canonicalize strips any DID fragment (everything from '#' onward) so two
// service tokens whose issuer differs only by key fragment share one
// tracking bucket.
func Canonicalize(dsID string) string {
	if i := strings.IndexByte(dsID, '#'); i >= 0 {
		return dsID[:i]
	}
	return dsID
}

// Gate authorizes inbound federation calls per spec §4.10 step 2.
type Gate struct {
	store   *storage.Store
	limiter *ratelimit.Limiter

	localMu       sync.Mutex
	localLimiters map[string]*rate.Limiter
}

// New constructs a Gate. The Redis-backed limiter is the cross-process
// source of truth; a local in-process token bucket per peer rejects
// obviously-abusive callers without a Redis round trip.
func New(store *storage.Store, limiter *ratelimit.Limiter) *Gate {
	return &Gate{store: store, limiter: limiter, localLimiters: make(map[string]*rate.Limiter)}
}

// localLimiterFor returns (creating if needed) this process's token bucket
// for canonical: refill rate cap/60 per second, burst cap. The bucket is
// sized by the cap seen when it is first created and is not resized later.
// Unlike the Redis fixed window, it does not admit a second full burst right
// after a window boundary.
func (g *Gate) localLimiterFor(canonical string, cap int) *rate.Limiter {
	g.localMu.Lock()
	defer g.localMu.Unlock()
	l, ok := g.localLimiters[canonical]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(cap)/60), cap)
		g.localLimiters[canonical] = l
	}
	return l
}

// Authorize canonicalizes callerDSID, rejects blocked peers, and enforces
// the per-minute cap for throttled or unknown peers. Allowed peers bypass
// the cap entirely.
func (g *Gate) Authorize(ctx context.Context, callerDSID string) error {
	canonical := Canonicalize(callerDSID)

	peer, found, err := g.store.GetPeer(ctx, canonical)
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "peer lookup failed", err)
	}

	if found && peer.Status == "block" {
		return apierror.New(apierror.KindUnauthorized, "peer is blocked")
	}
	if found && peer.Status == "allow" {
		return nil
	}

	cap := DefaultPerMinuteCap
	if found && peer.PerMinuteCap != nil {
		cap = *peer.PerMinuteCap
	}

	if !g.localLimiterFor(canonical, cap).Allow() {
		return apierror.New(apierror.KindRateLimited, fmt.Sprintf("peer %s exceeded %d requests/minute", canonical, cap))
	}

	res, err := g.limiter.Allow(ctx, canonical, int64(cap), time.Minute)
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "peer rate limit check failed", err)
	}
	if !res.Allowed {
		return apierror.New(apierror.KindRateLimited, fmt.Sprintf("peer %s exceeded %d requests/minute", canonical, cap))
	}
	return nil
}
