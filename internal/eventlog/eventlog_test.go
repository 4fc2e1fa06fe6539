package eventlog

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/catbird/mls-ds/internal/cursor"
	"github.com/catbird/mls-ds/internal/models"
)

func discardLogger() *Log {
	return &Log{
		gen:        cursor.NewGenerator(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		bufferSize: 1,
		hubs:       make(map[string]*hub),
	}
}

func TestHub_BroadcastCountsDelivredAndDropped(t *testing.T) {
	h := newHub()
	_, ch := h.register(1)

	delivered, dropped := h.broadcast(models.Event{Type: models.EventTypeTyping})
	if delivered != 1 || dropped != 0 {
		t.Fatalf("first broadcast: delivered=%d dropped=%d, want 1,0", delivered, dropped)
	}

	// ch's buffer of 1 is now full — the next broadcast must drop for it.
	delivered, dropped = h.broadcast(models.Event{Type: models.EventTypeTyping})
	if delivered != 0 || dropped != 1 {
		t.Fatalf("second broadcast: delivered=%d dropped=%d, want 0,1", delivered, dropped)
	}

	<-ch // the first event is still buffered; the dropped one never arrived
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	h := newHub()
	id, ch := h.register(1)
	h.unregister(id)

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unregister")
	}
}

// Dropped broadcast events do not stop the feed: a lagging subscriber
// with remaining buffer room receives a synthetic info event reporting
// the drop.
func TestLog_Emit_DroppedEventProducesInfoEvent(t *testing.T) {
	l := discardLogger()
	convoID := "convo-1"

	// Two subscribers: one with no spare room (laggy), one with room to
	// still receive the synthetic info event.
	h := l.hubFor(convoID)
	_, laggy := h.register(1)
	_, healthy := h.register(4)

	ctx := context.Background()
	// Typing events are never persisted, so Emit works without a store.
	// This first emit fills laggy's buffer (size 1); healthy is drained
	// immediately so it stays caught up.
	if _, err := l.Emit(ctx, convoID, models.EventTypeTyping, nil, nil); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	<-healthy

	// laggy's buffer is still full from the first emit, so this one drops
	// for it and should produce a synthetic info event for healthy.
	if _, err := l.Emit(ctx, convoID, models.EventTypeTyping, nil, nil); err != nil {
		t.Fatalf("second emit: %v", err)
	}

	// laggy still only holds the first emit's event — it was never able to
	// receive the second.
	if ev := <-laggy; ev.Type != models.EventTypeTyping {
		t.Fatalf("expected laggy's one buffered event to be the first typing event, got %v", ev.Type)
	}

	first := <-healthy
	if first.Type != models.EventTypeTyping {
		t.Fatalf("expected typing event first, got %v", first.Type)
	}
	second := <-healthy
	if second.Type != models.EventTypeInfo {
		t.Fatalf("expected synthetic info event reporting the drop, got %v", second.Type)
	}
	payload, ok := second.Payload.(InfoPayload)
	if !ok {
		t.Fatalf("expected InfoPayload, got %T", second.Payload)
	}
	if payload.Dropped < 1 {
		t.Errorf("expected dropped count >= 1, got %d", payload.Dropped)
	}
}

func TestLog_SetBus_PublishesAndReceivesRemote(t *testing.T) {
	l := discardLogger()
	fake := &fakeBus{}
	l.SetBus(fake)

	ctx := context.Background()
	if _, err := l.Emit(ctx, "convo-1", models.EventTypeTyping, nil, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(fake.published) != 1 {
		t.Fatalf("expected 1 event published to the cross-process bus, got %d", len(fake.published))
	}

	_, sub := l.hubFor("convo-2").register(1)
	l.ReceiveRemote(models.Event{ConvoID: "convo-2", Type: models.EventTypeMessage})
	select {
	case ev := <-sub:
		if ev.Type != models.EventTypeMessage {
			t.Errorf("expected message event, got %v", ev.Type)
		}
	default:
		t.Fatal("expected ReceiveRemote to broadcast into the local hub")
	}
}

type fakeBus struct {
	published []models.Event
}

func (f *fakeBus) Publish(_ context.Context, ev models.Event) error {
	f.published = append(f.published, ev)
	return nil
}
