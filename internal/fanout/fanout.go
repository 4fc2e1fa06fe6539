// Package fanout bridges the in-process event hub (internal/eventlog) across
// multiple delivery-service processes behind a load balancer, using NATS
// pub/sub. A conversation's actor (and its WithTx-committed events) live on
// whichever process happened to spawn it; subscribers of that same
// conversation connected to a different process still need the live feed.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/catbird/mls-ds/internal/models"
)

// subjectPrefix namespaces every conversation onto its own NATS subject.
// Each process subscribes the wildcard, so NATS delivers every publish to
// every process whether or not it has local subscribers for that
// conversation.
const subjectPrefix = "ds.convo."

// wireEvent is the payload published to NATS. Origin lets a process ignore
// its own publishes when it is also subscribed to the wildcard.
type wireEvent struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// Bus is a NATS-backed cross-process event bridge.
type Bus struct {
	conn   *nats.Conn
	origin string
	logger *slog.Logger
}

// New connects to the NATS server at natsURL. origin should be unique per DS
// process (e.g. a hostname or instance key) so this process can recognize
// and skip its own re-delivered publishes.
func New(natsURL, origin string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("mls-ds"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, origin: origin, logger: logger}, nil
}

// Publish sends ev to every other DS process subscribed to its conversation.
func (b *Bus) Publish(_ context.Context, ev models.Event) error {
	data, err := json.Marshal(wireEvent{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshaling fan-out event: %w", err)
	}
	if err := b.conn.Publish(subjectPrefix+ev.ConvoID, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subjectPrefix+ev.ConvoID, err)
	}
	return nil
}

// Subscribe registers handler for every event published by other DS
// processes (this process's own publishes are filtered out by origin). The
// returned func unsubscribes.
func (b *Bus) Subscribe(handler func(models.Event)) (func(), error) {
	sub, err := b.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			b.logger.Error("fan-out: failed to unmarshal event", slog.String("error", err.Error()))
			return
		}
		if we.Origin == b.origin {
			return
		}
		handler(we.Event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subjectPrefix+">", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
