// Package convoactor implements the conversation actor (C4): one long-lived
// goroutine per active conversation that owns the epoch counter and
// serializes every mutating operation through a single inbox. Replies travel
// back on a per-call channel, so callers see an ordinary blocking method even
// though the work happens on the actor's own goroutine.
package convoactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/cursor"
	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/storage"
)

// unreadFlushThreshold batches in-memory unread increments to storage every
// N increments per recipient, per spec §4.4.
const unreadFlushThreshold = 10

// AddMembersInput is the payload of an AddMembers call.
type AddMembersInput struct {
	DIDs            []string
	Commit          []byte
	Welcome         []byte
	KeyPackageHash  map[string]string // did -> key package hash, required when Welcome is set
}

// AddMembersResult is returned on success.
type AddMembersResult struct {
	NewEpoch uint64
}

// RemoveMemberInput is the payload of a RemoveMember call.
type RemoveMemberInput struct {
	MemberID string
	Commit   []byte
}

// RemoveMemberResult is returned on success.
type RemoveMemberResult struct {
	NewEpoch uint64
}

// SendMessageInput is the payload of a SendMessage call.
type SendMessageInput struct {
	SenderDID      string
	Ciphertext     []byte
	ClientMsgID    string
	Epoch          uint64
	PaddedSize     int
	IdempotencyKey string
}

// SendMessageResult is returned on success.
type SendMessageResult struct {
	MessageID string
	CreatedAt time.Time
}

// message is the internal mailbox envelope. payload holds the input for the
// operation named by kind, and run switches on kind to dispatch it.
type message struct {
	kind    mkind
	reply   chan result
	payload interface{}
}

type mkind int

const (
	kindAddMembers mkind = iota
	kindRemoveMember
	kindSendMessage
	kindIncrementUnread
	kindResetUnread
	kindGetEpoch
	kindShutdown
)

type result struct {
	value interface{}
	err   error
}

// Actor owns one conversation's mutable state and inbox.
type Actor struct {
	convoID string
	store   *storage.Store
	events  *eventlog.Log
	gen     *cursor.Generator
	logger  *slog.Logger

	inbox chan message

	epoch       atomic.Uint64
	unreadMu    sync.Mutex
	unreadDelta map[string]int64 // user_did -> pending increment, flushed at unreadFlushThreshold

	done chan struct{}
}

// New constructs an Actor for convoID, loading its current epoch from
// storage (the actor's pre-start load), and starts its run loop. Callers
// normally reach this only through the registry (C5), which enforces
// one-actor-per-conversation.
func New(ctx context.Context, convoID string, store *storage.Store, events *eventlog.Log, gen *cursor.Generator, logger *slog.Logger) (*Actor, error) {
	epoch, err := store.GetCurrentEpoch(ctx, convoID)
	if err != nil {
		return nil, fmt.Errorf("load epoch for actor %s: %w", convoID, err)
	}

	a := &Actor{
		convoID:     convoID,
		store:       store,
		events:      events,
		gen:         gen,
		logger:      logger.With(slog.String("convo_id", convoID)),
		inbox:       make(chan message, 64),
		unreadDelta: make(map[string]int64),
		done:        make(chan struct{}),
	}
	a.epoch.Store(epoch)

	go a.run()
	return a, nil
}

// Done reports when the actor has shut down and can be reaped by the
// registry.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) run() {
	defer close(a.done)
	for m := range a.inbox {
		switch m.kind {
		case kindAddMembers:
			in := m.payload.(AddMembersInput)
			res, err := a.handleAddMembers(in)
			m.reply <- result{res, err}
		case kindRemoveMember:
			in := m.payload.(RemoveMemberInput)
			res, err := a.handleRemoveMember(in)
			m.reply <- result{res, err}
		case kindSendMessage:
			in := m.payload.(SendMessageInput)
			res, err := a.handleSendMessage(in)
			m.reply <- result{res, err}
		case kindIncrementUnread:
			a.handleIncrementUnread(m.payload.(string))
			// fire-and-forget: no reply channel
		case kindResetUnread:
			userDID := m.payload.(string)
			err := a.handleResetUnread(userDID)
			m.reply <- result{nil, err}
		case kindGetEpoch:
			m.reply <- result{a.epoch.Load(), nil}
		case kindShutdown:
			a.flushUnread(context.Background())
			m.reply <- result{nil, nil}
			return
		}
	}
}

// send delivers m to the inbox and blocks for a reply, or returns ctx's
// error if the actor can't accept or answer in time.
func (a *Actor) send(ctx context.Context, kind mkind, payload interface{}) (interface{}, error) {
	m := message{kind: kind, reply: make(chan result, 1), payload: payload}
	select {
	case a.inbox <- m:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cast delivers a fire-and-forget message without waiting for a reply.
func (a *Actor) cast(ctx context.Context, kind mkind, payload interface{}) {
	m := message{kind: kind, payload: payload}
	select {
	case a.inbox <- m:
	case <-ctx.Done():
	}
}

// AddMembers implements spec §4.4's AddMembers message. Callers at the API
// boundary are responsible for base64-decoding commit/welcome bytes before
// reaching the actor (spec §4.4's "InvalidWelcome on decoding failure" is a
// request-parsing concern, not a mailbox-time one).
func (a *Actor) AddMembers(ctx context.Context, in AddMembersInput) (AddMembersResult, error) {
	if in.Welcome != nil && len(in.KeyPackageHash) == 0 {
		return AddMembersResult{}, apierror.New(apierror.KindInvalidInput, "welcome supplied without key package hashes")
	}
	v, err := a.send(ctx, kindAddMembers, in)
	if err != nil {
		return AddMembersResult{}, err
	}
	return v.(AddMembersResult), nil
}

// RemoveMember implements spec §4.4's RemoveMember message.
func (a *Actor) RemoveMember(ctx context.Context, in RemoveMemberInput) (RemoveMemberResult, error) {
	v, err := a.send(ctx, kindRemoveMember, in)
	if err != nil {
		return RemoveMemberResult{}, err
	}
	return v.(RemoveMemberResult), nil
}

// SendMessage implements spec §4.4's SendMessage message.
func (a *Actor) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	v, err := a.send(ctx, kindSendMessage, in)
	if err != nil {
		return SendMessageResult{}, err
	}
	return v.(SendMessageResult), nil
}

// IncrementUnread is fire-and-forget, batched in memory.
func (a *Actor) IncrementUnread(ctx context.Context, senderDID string) {
	a.cast(ctx, kindIncrementUnread, senderDID)
}

// ResetUnread zeroes the unread counter for every device of userDID.
func (a *Actor) ResetUnread(ctx context.Context, userDID string) error {
	_, err := a.send(ctx, kindResetUnread, userDID)
	return err
}

// GetEpoch returns the in-memory epoch, no storage round-trip.
func (a *Actor) GetEpoch(ctx context.Context) (uint64, error) {
	v, err := a.send(ctx, kindGetEpoch, nil)
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Shutdown asks the actor to flush pending state and stop. The actor's run
// loop exits after replying.
func (a *Actor) Shutdown(ctx context.Context) error {
	_, err := a.send(ctx, kindShutdown, nil)
	return err
}

func (a *Actor) handleAddMembers(in AddMembersInput) (AddMembersResult, error) {
	var newEpoch uint64
	var insertedDIDs []string
	var msgID *string

	err := a.store.WithTx(context.Background(), func(tx pgx.Tx) error {
		if err := a.store.LockConversation(context.Background(), tx, a.convoID); err != nil {
			return err
		}
		current, err := a.store.GetCurrentEpoch(context.Background(), a.convoID)
		if err != nil {
			return err
		}
		newEpoch = current + 1

		if in.Commit != nil {
			seq, err := a.store.NextSeqForConvo(context.Background(), tx, a.convoID)
			if err != nil {
				return err
			}
			id := newMessageID()
			msgID = &id
			if err := a.store.InsertMessage(context.Background(), tx, models.Message{
				ID: id, ConvoID: a.convoID, SenderDID: "", Type: models.MessageTypeCommit,
				Epoch: newEpoch, Seq: seq, Ciphertext: in.Commit, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}

		if err := a.store.BumpEpoch(context.Background(), tx, a.convoID, newEpoch); err != nil {
			return err
		}

		for _, did := range in.DIDs {
			existing, found, err := a.store.GetActiveMember(context.Background(), tx, a.convoID, did)
			if err != nil {
				return err
			}
			if found && existing.Active() {
				continue
			}
			if err := a.store.InsertMember(context.Background(), tx, models.Member{
				ConvoID: a.convoID, MemberID: did, UserDID: did, JoinedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			insertedDIDs = append(insertedDIDs, did)
		}

		if in.Welcome != nil {
			for _, did := range insertedDIDs {
				hash := in.KeyPackageHash[did]
				if hash == "" {
					return apierror.New(apierror.KindInvalidInput, "missing key package hash for new member "+did)
				}
				if err := a.store.InsertWelcome(context.Background(), tx, models.Welcome{
					ID: newMessageID(), ConvoID: a.convoID, RecipientDID: did,
					Data: in.Welcome, KeyPackageHash: hash, CreatedAt: time.Now().UTC(),
				}); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		if _, ok := apierror.As(err); ok {
			return AddMembersResult{}, err
		}
		return AddMembersResult{}, apierror.Wrap(apierror.KindStorageError, "add members transaction failed", err)
	}

	a.epoch.Store(newEpoch)
	a.fanOutCommit(msgID, nil)
	return AddMembersResult{NewEpoch: newEpoch}, nil
}

func (a *Actor) handleRemoveMember(in RemoveMemberInput) (RemoveMemberResult, error) {
	var newEpoch uint64
	var msgID *string
	// Snapshot the pre-removal active member list, including the departing
	// member, before SetMemberLeft excludes them from future active-member
	// queries. Spec §4.4 requires the leaving device still be told of its
	// own removal.
	var recipients []string

	err := a.store.WithTx(context.Background(), func(tx pgx.Tx) error {
		if err := a.store.LockConversation(context.Background(), tx, a.convoID); err != nil {
			return err
		}
		current, err := a.store.GetCurrentEpoch(context.Background(), a.convoID)
		if err != nil {
			return err
		}
		newEpoch = current + 1

		if in.Commit != nil {
			seq, err := a.store.NextSeqForConvo(context.Background(), tx, a.convoID)
			if err != nil {
				return err
			}
			id := newMessageID()
			msgID = &id
			if err := a.store.InsertMessage(context.Background(), tx, models.Message{
				ID: id, ConvoID: a.convoID, Type: models.MessageTypeCommit,
				Epoch: newEpoch, Seq: seq, Ciphertext: in.Commit, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}

		if err := a.store.BumpEpoch(context.Background(), tx, a.convoID, newEpoch); err != nil {
			return err
		}

		members, err := a.store.ListActiveMembers(context.Background(), tx, a.convoID)
		if err != nil {
			return err
		}
		for _, m := range members {
			recipients = append(recipients, m.UserDID)
		}

		return a.store.SetMemberLeft(context.Background(), tx, a.convoID, in.MemberID, time.Now().UTC())
	})
	if err != nil {
		return RemoveMemberResult{}, apierror.Wrap(apierror.KindStorageError, "remove member transaction failed", err)
	}

	a.epoch.Store(newEpoch)
	a.fanOutCommit(msgID, recipients)
	return RemoveMemberResult{NewEpoch: newEpoch}, nil
}

func (a *Actor) handleSendMessage(in SendMessageInput) (SendMessageResult, error) {
	var msgID string
	var createdAt time.Time

	err := a.store.WithTx(context.Background(), func(tx pgx.Tx) error {
		if in.ClientMsgID != "" {
			if existing, found, err := a.store.FindMessageByClientID(context.Background(), tx, a.convoID, in.ClientMsgID); err != nil {
				return err
			} else if found {
				msgID, createdAt = existing.ID, existing.CreatedAt
				return nil
			}
		}
		if in.IdempotencyKey != "" {
			if existing, found, err := a.store.FindMessageByIdempotencyKey(context.Background(), tx, in.IdempotencyKey); err != nil {
				return err
			} else if found {
				msgID, createdAt = existing.ID, existing.CreatedAt
				return nil
			}
		}

		seq, err := a.store.NextSeqForConvo(context.Background(), tx, a.convoID)
		if err != nil {
			return err
		}

		id := newMessageID()
		now := time.Now().UTC()
		var clientMsgID, idemKey *string
		if in.ClientMsgID != "" {
			clientMsgID = &in.ClientMsgID
		}
		if in.IdempotencyKey != "" {
			idemKey = &in.IdempotencyKey
		}

		if err := a.store.InsertMessage(context.Background(), tx, models.Message{
			ID: id, ConvoID: a.convoID, SenderDID: in.SenderDID, Type: models.MessageTypeApplication,
			Epoch: in.Epoch, Seq: seq, Ciphertext: in.Ciphertext, PaddedSize: in.PaddedSize,
			CreatedAt: now, ClientMsgID: clientMsgID, IdempotencyKey: idemKey,
		}); err != nil {
			return err
		}
		msgID, createdAt = id, now
		return nil
	})
	if err != nil {
		return SendMessageResult{}, apierror.Wrap(apierror.KindStorageError, "send message transaction failed", err)
	}

	a.fanOutMessage(msgID, in.SenderDID)
	return SendMessageResult{MessageID: msgID, CreatedAt: createdAt}, nil
}

func (a *Actor) handleIncrementUnread(excludeDID string) {
	a.unreadMu.Lock()
	a.unreadDelta[excludeDID]++
	delta := a.unreadDelta[excludeDID]
	if delta >= unreadFlushThreshold {
		a.unreadDelta[excludeDID] = 0
	}
	a.unreadMu.Unlock()

	if delta >= unreadFlushThreshold {
		if err := a.store.IncrementUnread(context.Background(), a.convoID, excludeDID, delta); err != nil {
			a.logger.Warn("flush unread increment failed", slog.String("error", err.Error()))
		}
	}
}

func (a *Actor) handleResetUnread(userDID string) error {
	a.unreadMu.Lock()
	a.unreadDelta[userDID] = 0
	a.unreadMu.Unlock()

	if err := a.store.ResetUnread(context.Background(), a.convoID, userDID); err != nil {
		return apierror.Wrap(apierror.KindStorageError, "reset unread failed", err)
	}
	return nil
}

// flushUnread writes out any pending unread increments on shutdown, since
// batched deltas below unreadFlushThreshold would otherwise be lost.
func (a *Actor) flushUnread(ctx context.Context) {
	a.unreadMu.Lock()
	pending := a.unreadDelta
	a.unreadDelta = make(map[string]int64)
	a.unreadMu.Unlock()

	for did, delta := range pending {
		if delta <= 0 {
			continue
		}
		if err := a.store.IncrementUnread(ctx, a.convoID, did, delta); err != nil {
			a.logger.Warn("flush unread on shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// fanOutCommit performs the post-commit side effects for AddMembers and
// RemoveMember: envelope inserts for every recipient, then a
// membership-change event. Failures are logged, not surfaced — the
// transactional commit already happened (spec §4.4 failure policy).
//
// recipients, when non-nil, is used as-is instead of re-querying active
// members: RemoveMember passes a pre-removal snapshot so the departing
// member still receives the commit that removed them (spec §4.4).
func (a *Actor) fanOutCommit(msgID *string, recipients []string) {
	ctx := context.Background()
	members := recipients
	if members == nil {
		var err error
		members, err = a.activeMembersForFanOut(ctx)
		if err != nil {
			a.logger.Warn("fan-out: list active members failed", slog.String("error", err.Error()))
			return
		}
	}
	if msgID != nil {
		for _, did := range members {
			if err := a.store.InsertEnvelope(ctx, did, *msgID, a.convoID); err != nil {
				a.logger.Warn("fan-out: insert envelope failed", slog.String("error", err.Error()))
			}
		}
	}
	if _, err := a.events.Emit(ctx, a.convoID, models.EventTypeMembershipChange, map[string]interface{}{
		"epoch": a.epoch.Load(),
	}, msgID); err != nil {
		a.logger.Warn("fan-out: emit membership event failed", slog.String("error", err.Error()))
	}
}

// fanOutMessage performs SendMessage's post-commit side effects: per-
// recipient envelopes, unread increments, and a message event.
func (a *Actor) fanOutMessage(msgID, senderDID string) {
	ctx := context.Background()
	members, err := a.activeMembersForFanOut(ctx)
	if err != nil {
		a.logger.Warn("fan-out: list active members failed", slog.String("error", err.Error()))
		return
	}
	for _, did := range members {
		if err := a.store.InsertEnvelope(ctx, did, msgID, a.convoID); err != nil {
			a.logger.Warn("fan-out: insert envelope failed", slog.String("error", err.Error()))
		}
		if did != senderDID {
			a.handleIncrementUnread(did)
		}
	}
	if _, err := a.events.Emit(ctx, a.convoID, models.EventTypeMessage, map[string]interface{}{
		"message_id": msgID, "sender_did": senderDID,
	}, &msgID); err != nil {
		a.logger.Warn("fan-out: emit message event failed", slog.String("error", err.Error()))
	}
}

func (a *Actor) activeMembersForFanOut(ctx context.Context) ([]string, error) {
	var dids []string
	err := a.store.WithTx(ctx, func(tx pgx.Tx) error {
		members, err := a.store.ListActiveMembers(ctx, tx, a.convoID)
		if err != nil {
			return err
		}
		for _, m := range members {
			dids = append(dids, m.UserDID)
		}
		return nil
	})
	return dids, err
}

func newMessageID() string {
	return models.NewID().String()
}
