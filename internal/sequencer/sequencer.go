// Package sequencer implements the sequencer-role binding (C7): for each
// conversation exactly one DS holds the sequencer role, bound at creation
// and changed only via an explicit transferSequencer federation call.
package sequencer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/storage"
)

// Binding resolves a conversation's sequencer role.
type Binding struct {
	store  *storage.Store
	events *eventlog.Log
	selfDID string
}

// New constructs a Binding for this DS's own identity.
func New(store *storage.Store, events *eventlog.Log, selfDID string) *Binding {
	return &Binding{store: store, events: events, selfDID: selfDID}
}

// IsLocalSequencer reports whether this DS is the sequencer for convoID.
func (b *Binding) IsLocalSequencer(ctx context.Context, convoID string) (bool, error) {
	convo, err := b.store.GetConversation(ctx, convoID)
	if err != nil {
		return false, fmt.Errorf("get conversation %s: %w", convoID, err)
	}
	return convo.IsLocalSequencer(), nil
}

// SequencerDID returns the DID of the conversation's sequencer DS, or this
// DS's own identity if it holds the role locally.
func (b *Binding) SequencerDID(ctx context.Context, convoID string) (string, error) {
	convo, err := b.store.GetConversation(ctx, convoID)
	if err != nil {
		return "", fmt.Errorf("get conversation %s: %w", convoID, err)
	}
	if convo.IsLocalSequencer() {
		return b.selfDID, nil
	}
	return *convo.SequencerDS, nil
}

// Transfer atomically rebinds convoID's sequencer to newSequencerDID.
// Callers of the transferSequencer federation RPC invoke this on the
// recipient side; the event log's existing persisted replay (C3) is what
// lets the new sequencer's subscribers catch up, so no separate buffered-
// event replay mechanism is needed.
func (b *Binding) Transfer(ctx context.Context, convoID, newSequencerDID string) error {
	var sequencerDS *string
	if newSequencerDID != b.selfDID {
		sequencerDS = &newSequencerDID
	}
	err := b.store.WithTx(ctx, func(tx pgx.Tx) error {
		return b.store.SetSequencer(ctx, tx, convoID, sequencerDS)
	})
	if err != nil {
		return apierror.Wrap(apierror.KindStorageError, "transfer sequencer", err)
	}
	return nil
}
