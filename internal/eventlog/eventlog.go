// Package eventlog implements the per-conversation event log and realtime
// fan-out primitive (C3). Every emitted event is persisted with its cursor
// before being broadcast; subscribers arriving with a resume cursor get a
// deterministic replay of persisted events followed by a deduplicated live
// feed.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/catbird/mls-ds/internal/cursor"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/storage"
)

// DefaultBufferSize is the default per-subscriber broadcast channel buffer,
// per spec §4.3 ("buffer sized by configuration, default around 1,000
// events").
const DefaultBufferSize = 1000

// HeartbeatInterval is how often a live subscription emits a heartbeat.
const HeartbeatInterval = 15 * time.Second

// CrossProcessBus publishes locally-emitted events to other delivery-service
// processes. internal/fanout.Bus implements this over NATS; it is optional —
// a Log with no bus configured fans out only within its own process.
type CrossProcessBus interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Log owns one broadcast hub per conversation and persists every
// non-ephemeral event before fanning it out.
type Log struct {
	store      *storage.Store
	gen        *cursor.Generator
	logger     *slog.Logger
	bufferSize int
	bus        CrossProcessBus

	mu   sync.Mutex
	hubs map[string]*hub
}

// New constructs an event Log with no cross-process fan-out.
func New(store *storage.Store, gen *cursor.Generator, logger *slog.Logger) *Log {
	return &Log{
		store:      store,
		gen:        gen,
		logger:     logger,
		bufferSize: DefaultBufferSize,
		hubs:       make(map[string]*hub),
	}
}

// SetBus attaches a CrossProcessBus so events emitted on this process are
// published for other processes to pick up, and so ReceiveRemote can inject
// events published elsewhere into local hubs.
func (l *Log) SetBus(bus CrossProcessBus) {
	l.bus = bus
}

// ReceiveRemote delivers an event that originated on another DS process into
// this process's local hubs. It is not re-persisted — the originating
// process already appended it — and it is not re-published.
func (l *Log) ReceiveRemote(ev models.Event) {
	l.hubFor(ev.ConvoID).broadcast(ev)
}

// hub fans each event out to every currently-registered subscriber channel.
// Unlike a plain Go channel (which distributes one message to exactly one
// receiver), a hub duplicates each event to all of them.
type hub struct {
	mu   sync.Mutex
	subs map[int]chan models.Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan models.Event)}
}

func (h *hub) register(buf int) (int, chan models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan models.Event, buf)
	h.subs[id] = ch
	return id, ch
}

func (h *hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// broadcast delivers ev to every subscriber, non-blocking: a lagging
// subscriber has the event dropped for it (spec §4.3's backpressure rule)
// rather than stalling the emitter.
func (h *hub) broadcast(ev models.Event) (delivered int, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (l *Log) hubFor(convoID string) *hub {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hubs[convoID]
	if !ok {
		h = newHub()
		l.hubs[convoID] = h
	}
	return h
}

// Emit persists ev (assigning it a fresh cursor) and broadcasts it to live
// subscribers of its conversation. Typing events are never persisted (spec
// §4.3) — they are broadcast only.
func (l *Log) Emit(ctx context.Context, convoID string, evType models.EventType, payload interface{}, messageID *string) (models.Event, error) {
	ev := models.Event{
		Cursor:    string(l.gen.Next()),
		ConvoID:   convoID,
		Type:      evType,
		Payload:   payload,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	}

	if evType.Persisted() {
		if err := l.store.AppendEvent(ctx, ev); err != nil {
			return models.Event{}, fmt.Errorf("persist event: %w", err)
		}
	}

	if l.bus != nil {
		if err := l.bus.Publish(ctx, ev); err != nil {
			l.logger.Warn("fan-out: cross-process publish failed", slog.String("error", err.Error()))
		}
	}

	h := l.hubFor(convoID)
	_, dropped := h.broadcast(ev)
	if dropped > 0 {
		l.logger.Warn("event broadcast dropped for lagging subscribers",
			slog.String("convo_id", convoID), slog.Int("dropped", dropped))
		info := models.Event{
			Cursor:    ev.Cursor,
			ConvoID:   convoID,
			Type:      models.EventTypeInfo,
			Payload:   InfoPayload{Dropped: dropped, Reason: "lagging_subscriber"},
			CreatedAt: time.Now().UTC(),
		}
		h.broadcast(info)
	}
	return ev, nil
}

// InfoPayload is the payload of a synthetic InfoEvent emitted when a
// subscriber's lag causes dropped broadcast events.
type InfoPayload struct {
	Dropped int    `json:"dropped"`
	Reason  string `json:"reason"`
}

// Subscription is a live, deduplicated, optionally-resumed stream of events
// for one conversation.
type Subscription struct {
	Events <-chan models.Event
	cancel func()
}

// Close stops the subscription and releases its hub registration.
func (s *Subscription) Close() { s.cancel() }

// Subscribe returns a Subscription for convoID. If resumeFrom is non-empty,
// persisted commit-type and reaction events with cursor > resumeFrom are
// replayed first, in cursor order, before the feed switches to live events.
// Live events whose cursor was already replayed are dropped (dedup), and
// heartbeats are emitted every HeartbeatInterval. If the subscriber's
// inbound buffer overflows, a single InfoEvent reporting the drop count is
// emitted and the subscription continues.
func (l *Log) Subscribe(ctx context.Context, convoID string, resumeFrom string) (*Subscription, error) {
	h := l.hubFor(convoID)

	// Register for live events *before* replaying, so no event committed
	// during replay is missed — it will simply show up twice and be
	// deduplicated against the replayed-cursor set.
	subID, liveCh := h.register(l.bufferSize)

	out := make(chan models.Event, l.bufferSize)
	ctx, cancel := context.WithCancel(ctx)
	releaseOnce := sync.OnceFunc(func() { h.unregister(subID) })

	var replayEvents []models.Event
	if resumeFrom != "" && cursor.Valid(resumeFrom) {
		events, err := l.store.ListEventsSince(ctx, convoID, resumeFrom, 10000)
		if err != nil {
			releaseOnce()
			cancel()
			return nil, fmt.Errorf("replay events: %w", err)
		}
		replayEvents = events
	}

	replayed := make(map[string]struct{}, len(replayEvents))
	for i := range replayEvents {
		if raw, ok := replayEvents[i].Payload.([]byte); ok {
			var decoded interface{}
			if err := json.Unmarshal(raw, &decoded); err == nil {
				replayEvents[i].Payload = decoded
			}
		}
		replayed[replayEvents[i].Cursor] = struct{}{}
	}

	go func() {
		defer releaseOnce()
		defer close(out)

		for _, ev := range replayEvents {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		l.pump(ctx, liveCh, out, replayed)
	}()

	cancelAndRelease := func() {
		cancel()
	}
	return &Subscription{Events: out, cancel: cancelAndRelease}, nil
}

// pump forwards live events from liveCh to out, skipping any cursor already
// seen during replay, and injects periodic heartbeats. The InfoEvent that
// reports events dropped for lagging subscribers is broadcast by Emit and
// arrives here as an ordinary live event.
func (l *Log) pump(ctx context.Context, liveCh <-chan models.Event, out chan<- models.Event, replayed map[string]struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := models.Event{Type: models.EventTypeInfo, Payload: InfoPayload{Reason: "heartbeat"}, CreatedAt: time.Now().UTC()}
			select {
			case out <- hb:
			case <-ctx.Done():
				return
			}
		case ev, ok := <-liveCh:
			if !ok {
				return
			}
			if _, seen := replayed[ev.Cursor]; seen {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
