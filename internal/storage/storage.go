// Package storage is the durable state layer (C1): conversations, members,
// messages, key packages, welcomes, the event log, the outbound queue, the
// federation peer table, and JTI nonces, with transactional primitives. It
// does not embed business rules beyond the uniqueness/foreign-key invariants
// declared at schema level — the conversation actor (internal/convoactor) is
// the only caller that composes these primitives into multi-step operations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird/mls-ds/internal/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// Store wraps a pgx connection pool and exposes the data-access operations
// the rest of the core depends on.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// WithTx runs fn inside a database transaction on a fresh connection. It
// begins a transaction, calls fn, and commits if fn returns nil; on error or
// panic the transaction is rolled back. Fan-out side effects (envelope
// inserts, event emission) should happen after WithTx returns, on their own
// connections, per spec §5's shared-resource discipline.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// NextSeqForConvo computes max(seq)+1 for a conversation inside tx, per
// spec §4.1. Must be called inside the same transaction that inserts the
// message using the returned sequence number, so that the gap-free invariant
// (P1) holds even under concurrent writers (Postgres row locks on the
// conversation row — see LockConversation).
func (s *Store) NextSeqForConvo(ctx context.Context, tx pgx.Tx, convoID string) (int64, error) {
	var next int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE convo_id = $1`, convoID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next seq for convo %s: %w", convoID, err)
	}
	return next, nil
}

// LockConversation takes a row-level lock on the conversation for the
// duration of tx, serializing concurrent mutators so that NextSeqForConvo
// and the epoch bump below never race against each other.
func (s *Store) LockConversation(ctx context.Context, tx pgx.Tx, convoID string) error {
	var dummy string
	err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, convoID).Scan(&dummy)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock conversation %s: %w", convoID, err)
	}
	return nil
}

// InsertConversation creates a new conversation row.
func (s *Store) InsertConversation(ctx context.Context, tx pgx.Tx, c models.Conversation) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, creator, current_epoch, cipher_suite, sequencer_ds, allow_rejoin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Creator, c.CurrentEpoch, c.CipherSuite, c.SequencerDS, c.AllowRejoin, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id using the pool (no tx needed
// for a plain read).
func (s *Store) GetConversation(ctx context.Context, convoID string) (models.Conversation, error) {
	var c models.Conversation
	err := s.Pool.QueryRow(ctx,
		`SELECT id, creator, current_epoch, cipher_suite, sequencer_ds, allow_rejoin, created_at
		 FROM conversations WHERE id = $1`, convoID,
	).Scan(&c.ID, &c.Creator, &c.CurrentEpoch, &c.CipherSuite, &c.SequencerDS, &c.AllowRejoin, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get conversation %s: %w", convoID, err)
	}
	return c, nil
}

// GetCurrentEpoch reads just the epoch column — used by the conversation
// actor's pre-start load.
func (s *Store) GetCurrentEpoch(ctx context.Context, convoID string) (uint64, error) {
	var epoch uint64
	err := s.Pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE id = $1`, convoID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get current epoch for %s: %w", convoID, err)
	}
	return epoch, nil
}

// BumpEpoch sets the conversation's current_epoch to newEpoch inside tx.
func (s *Store) BumpEpoch(ctx context.Context, tx pgx.Tx, convoID string, newEpoch uint64) error {
	_, err := tx.Exec(ctx, `UPDATE conversations SET current_epoch = $2 WHERE id = $1`, convoID, newEpoch)
	if err != nil {
		return fmt.Errorf("bump epoch for %s: %w", convoID, err)
	}
	return nil
}

// SetSequencer atomically updates the sequencer binding for a conversation.
func (s *Store) SetSequencer(ctx context.Context, tx pgx.Tx, convoID string, sequencerDS *string) error {
	_, err := tx.Exec(ctx, `UPDATE conversations SET sequencer_ds = $2 WHERE id = $1`, convoID, sequencerDS)
	if err != nil {
		return fmt.Errorf("set sequencer for %s: %w", convoID, err)
	}
	return nil
}

// GetActiveMember looks up a member row if active (left_at IS NULL).
func (s *Store) GetActiveMember(ctx context.Context, tx pgx.Tx, convoID, memberID string) (models.Member, bool, error) {
	q := tx.QueryRow(ctx,
		`SELECT convo_id, member_id, user_did, device_id, device_name, joined_at, left_at,
		        unread_count, is_admin, is_moderator, leaf_index, needs_rejoin, rejoin_psk_hash
		 FROM members WHERE convo_id = $1 AND member_id = $2 AND left_at IS NULL`,
		convoID, memberID)
	m, err := scanMember(q)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Member{}, false, nil
	}
	if err != nil {
		return models.Member{}, false, fmt.Errorf("get active member: %w", err)
	}
	return m, true, nil
}

func scanMember(row pgx.Row) (models.Member, error) {
	var m models.Member
	err := row.Scan(&m.ConvoID, &m.MemberID, &m.UserDID, &m.DeviceID, &m.DeviceName,
		&m.JoinedAt, &m.LeftAt, &m.UnreadCount, &m.IsAdmin, &m.IsModerator,
		&m.LeafIndex, &m.NeedsRejoin, &m.RejoinPSKHash)
	return m, err
}

// InsertMember adds a new member row.
func (s *Store) InsertMember(ctx context.Context, tx pgx.Tx, m models.Member) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO members (convo_id, member_id, user_did, device_id, device_name, joined_at,
		                       unread_count, is_admin, is_moderator, leaf_index, needs_rejoin)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ConvoID, m.MemberID, m.UserDID, m.DeviceID, m.DeviceName, m.JoinedAt,
		m.UnreadCount, m.IsAdmin, m.IsModerator, m.LeafIndex, m.NeedsRejoin,
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// SetMemberLeft marks a member as departed (RemoveMember handler).
func (s *Store) SetMemberLeft(ctx context.Context, tx pgx.Tx, convoID, memberID string, leftAt interface{}) error {
	_, err := tx.Exec(ctx,
		`UPDATE members SET left_at = $3 WHERE convo_id = $1 AND member_id = $2 AND left_at IS NULL`,
		convoID, memberID, leftAt,
	)
	if err != nil {
		return fmt.Errorf("set member left: %w", err)
	}
	return nil
}

// ListActiveMembers returns every active member of a conversation.
func (s *Store) ListActiveMembers(ctx context.Context, tx pgx.Tx, convoID string) ([]models.Member, error) {
	rows, err := tx.Query(ctx,
		`SELECT convo_id, member_id, user_did, device_id, device_name, joined_at, left_at,
		        unread_count, is_admin, is_moderator, leaf_index, needs_rejoin, rejoin_psk_hash
		 FROM members WHERE convo_id = $1 AND left_at IS NULL`, convoID)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var out []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResetUnread zeroes the unread counter for every device of userDID in
// convoID.
func (s *Store) ResetUnread(ctx context.Context, convoID, userDID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE members SET unread_count = 0 WHERE convo_id = $1 AND user_did = $2`, convoID, userDID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

// IncrementUnread bumps the unread counter for every active member other
// than excludeDID, by delta.
func (s *Store) IncrementUnread(ctx context.Context, convoID, excludeDID string, delta int64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE members SET unread_count = unread_count + $3
		 WHERE convo_id = $1 AND user_did <> $2 AND left_at IS NULL`,
		convoID, excludeDID, delta)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// FindMessageByClientID implements the idempotent-send short-circuit: if a
// message with this (convo, client_msg_id) already exists, return it.
func (s *Store) FindMessageByClientID(ctx context.Context, tx pgx.Tx, convoID, clientMsgID string) (models.Message, bool, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, convo_id, sender_did, type, epoch, seq, ciphertext, padded_size, created_at, expires_at, client_msg_id, idempotency_key
		 FROM messages WHERE convo_id = $1 AND client_msg_id = $2`, convoID, clientMsgID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, fmt.Errorf("find message by client id: %w", err)
	}
	return m, true, nil
}

// FindMessageByIdempotencyKey implements the idempotency-key short-circuit.
func (s *Store) FindMessageByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (models.Message, bool, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, convo_id, sender_did, type, epoch, seq, ciphertext, padded_size, created_at, expires_at, client_msg_id, idempotency_key
		 FROM messages WHERE idempotency_key = $1`, key)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, fmt.Errorf("find message by idempotency key: %w", err)
	}
	return m, true, nil
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConvoID, &m.SenderDID, &m.Type, &m.Epoch, &m.Seq,
		&m.Ciphertext, &m.PaddedSize, &m.CreatedAt, &m.ExpiresAt, &m.ClientMsgID, &m.IdempotencyKey)
	return m, err
}

// InsertMessage inserts a new message row inside tx, using a sequence number
// already computed by NextSeqForConvo in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, tx pgx.Tx, m models.Message) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO messages (id, convo_id, sender_did, type, epoch, seq, ciphertext, padded_size,
		                        created_at, expires_at, client_msg_id, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.ConvoID, m.SenderDID, m.Type, m.Epoch, m.Seq, m.Ciphertext, m.PaddedSize,
		m.CreatedAt, m.ExpiresAt, m.ClientMsgID, m.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessagesSince returns up to limit messages with seq > sinceSeq, in
// seq order.
func (s *Store) ListMessagesSince(ctx context.Context, convoID string, sinceSeq int64, limit int) ([]models.Message, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, convo_id, sender_did, type, epoch, seq, ciphertext, padded_size, created_at, expires_at, client_msg_id, idempotency_key
		 FROM messages WHERE convo_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
		convoID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages since: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertEnvelope is an idempotent insert-or-skip keyed by (recipient,
// message id) — the "advisory" insert described in spec §4.1.
func (s *Store) InsertEnvelope(ctx context.Context, recipientDID, messageID, convoID string) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO envelopes (recipient_did, message_id, convo_id) VALUES ($1, $2, $3)
		 ON CONFLICT (recipient_did, message_id) DO NOTHING`,
		recipientDID, messageID, convoID)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

// AppendEvent persists an event keyed by cursor. Must be called with a
// cursor strictly greater than any previously appended for this
// conversation — enforced by the single-writer conversation actor, not by
// the storage layer.
func (s *Store) AppendEvent(ctx context.Context, ev models.Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO event_stream (cursor, convo_id, type, payload, message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Cursor, ev.ConvoID, ev.Type, payload, ev.MessageID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsSince returns persisted events for convoID with cursor > after,
// in cursor order. Used by the event log's replay path (C3) and the
// upstream multiplexer's catch-up on reconnect.
func (s *Store) ListEventsSince(ctx context.Context, convoID string, after string, limit int) ([]models.Event, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT cursor, convo_id, type, payload, message_id, created_at
		 FROM event_stream WHERE convo_id = $1 AND cursor > $2 ORDER BY cursor ASC LIMIT $3`,
		convoID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var rawPayload []byte
		if err := rows.Scan(&ev.Cursor, &ev.ConvoID, &ev.Type, &rawPayload, &ev.MessageID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = rawPayload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EnqueueOutbound appends a new outbound-queue row. Producers only insert;
// the outbound worker (C9) owns updates.
func (s *Store) EnqueueOutbound(ctx context.Context, item models.OutboundQueueItem) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO outbound_queue (id, target_ds, target_url, method_nsid, payload, convo_id,
		                              retry_count, next_retry_at, last_error, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.TargetDS, item.TargetURL, item.MethodNSID, item.Payload, item.ConvoID,
		item.RetryCount, item.NextRetryAt, item.LastError, item.Status, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue outbound: %w", err)
	}
	return nil
}

// InsertJTI inserts (issuer, jti) if absent. Returns false if the pair
// already existed (a replay).
func (s *Store) InsertJTI(ctx context.Context, issuer, jti string, expiresAt interface{}) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`INSERT INTO auth_jti_nonce (issuer, jti, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		issuer, jti, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert jti: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func marshalPayload(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}
