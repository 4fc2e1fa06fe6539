// Package registry implements the conversation actor registry (C5): a map
// from conversation id to actor handle, with get-or-spawn semantics and idle
// shutdown. Spawning is serialized per conversation id so two concurrent
// get_or_spawn calls for the same id never produce two actors.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/catbird/mls-ds/internal/convoactor"
	"github.com/catbird/mls-ds/internal/cursor"
	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/storage"
)

// DefaultIdleTimeout is how long an actor may sit unused before the reaper
// shuts it down.
const DefaultIdleTimeout = 10 * time.Minute

// Registry owns the set of live conversation actors.
type Registry struct {
	store  *storage.Store
	events *eventlog.Log
	gen    *cursor.Generator
	logger *slog.Logger

	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	actor      *convoactor.Actor
	lastUsedAt time.Time
}

// New constructs a Registry bound to the given storage and event-log
// dependencies, which every spawned actor shares.
func New(store *storage.Store, events *eventlog.Log, gen *cursor.Generator, logger *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		events:      events,
		gen:         gen,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		entries:     make(map[string]*entry),
	}
}

// GetOrSpawn returns the live actor for convoID, spawning one (and loading
// its epoch from storage) if none exists. The map lock is held across the
// spawn-or-return decision so two concurrent callers never produce two
// actors for the same conversation.
func (r *Registry) GetOrSpawn(ctx context.Context, convoID string) (*convoactor.Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[convoID]; ok {
		select {
		case <-e.actor.Done():
			// Stale entry: the actor shut down (idle timeout or explicit
			// Shutdown) since it was last looked up. Fall through to respawn.
			delete(r.entries, convoID)
		default:
			e.lastUsedAt = time.Now()
			return e.actor, nil
		}
	}

	actor, err := convoactor.New(ctx, convoID, r.store, r.events, r.gen, r.logger)
	if err != nil {
		return nil, fmt.Errorf("spawn actor for %s: %w", convoID, err)
	}
	r.entries[convoID] = &entry{actor: actor, lastUsedAt: time.Now()}
	return actor, nil
}

// Touch refreshes a conversation's last-used timestamp, preventing the idle
// reaper from shutting it down while it is in active use. Call this around
// long-lived subscriptions (C3) that don't otherwise exercise GetOrSpawn.
func (r *Registry) Touch(convoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[convoID]; ok {
		e.lastUsedAt = time.Now()
	}
}

// RunIdleReaper blocks, periodically shutting down actors idle longer than
// the registry's idle timeout, until ctx is cancelled. Intended to run as a
// background goroutine started at process startup.
func (r *Registry) RunIdleReaper(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(ctx)
		}
	}
}

func (r *Registry) reapIdle(ctx context.Context) {
	r.mu.Lock()
	var stale []string
	now := time.Now()
	for convoID, e := range r.entries {
		if now.Sub(e.lastUsedAt) > r.idleTimeout {
			stale = append(stale, convoID)
		}
	}
	r.mu.Unlock()

	for _, convoID := range stale {
		r.mu.Lock()
		e, ok := r.entries[convoID]
		if !ok {
			r.mu.Unlock()
			continue
		}
		delete(r.entries, convoID)
		r.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := e.actor.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("idle actor shutdown failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// ShutdownAll stops every live actor, for use during graceful process
// shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.entries))
	for k, v := range r.entries {
		entries[k] = v
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for convoID, e := range entries {
		wg.Add(1)
		go func(convoID string, e *entry) {
			defer wg.Done()
			if err := e.actor.Shutdown(ctx); err != nil {
				r.logger.Warn("actor shutdown failed", slog.String("convo_id", convoID), slog.String("error", err.Error()))
			}
		}(convoID, e)
	}
	wg.Wait()
}
