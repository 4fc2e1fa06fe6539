package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/models"
)

// ListConversationsForUser returns every conversation userDID currently
// belongs to (as an active member), newest first, for getConvos's "all"
// filter.
func (s *Store) ListConversationsForUser(ctx context.Context, userDID string) ([]models.Conversation, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT c.id, c.creator, c.current_epoch, c.cipher_suite, c.sequencer_ds, c.allow_rejoin, c.created_at
		 FROM conversations c JOIN members m ON m.convo_id = c.id
		 WHERE m.user_did = $1 AND m.left_at IS NULL
		 ORDER BY c.created_at DESC`,
		userDID)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Creator, &c.CurrentEpoch, &c.CipherSuite, &c.SequencerDS, &c.AllowRejoin, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConvoAllowRejoin updates a conversation's allow_rejoin flag, for
// updateConvo.
func (s *Store) SetConvoAllowRejoin(ctx context.Context, convoID string, allow bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE conversations SET allow_rejoin = $2 WHERE id = $1`, convoID, allow)
	if err != nil {
		return fmt.Errorf("set convo allow_rejoin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMemberNeedsRejoin flags a member row as needing a rejoin commit,
// emitted when a new device is registered that wasn't present at the
// member's last AddMembers commit.
func (s *Store) SetMemberNeedsRejoin(ctx context.Context, convoID, memberID string, needsRejoin bool) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE members SET needs_rejoin = $3 WHERE convo_id = $1 AND member_id = $2`,
		convoID, memberID, needsRejoin)
	if err != nil {
		return fmt.Errorf("set member needs_rejoin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertChatRequest records a pending invite into a conversation.
func (s *Store) InsertChatRequest(ctx context.Context, cr models.ChatRequest) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO chat_requests (id, convo_id, requester, target, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cr.ID, cr.ConvoID, cr.Requester, cr.Target, cr.Status, cr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat request: %w", err)
	}
	return nil
}

// ListPendingChatRequests returns the pending invites waiting on
// targetDID's response, for getConvos's "pending" filter.
func (s *Store) ListPendingChatRequests(ctx context.Context, targetDID string) ([]models.ChatRequest, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, convo_id, requester, target, status, created_at
		 FROM chat_requests WHERE target = $1 AND status = $2 ORDER BY created_at DESC`,
		targetDID, models.ChatRequestPending)
	if err != nil {
		return nil, fmt.Errorf("list pending chat requests: %w", err)
	}
	defer rows.Close()

	var out []models.ChatRequest
	for rows.Next() {
		var cr models.ChatRequest
		if err := rows.Scan(&cr.ID, &cr.ConvoID, &cr.Requester, &cr.Target, &cr.Status, &cr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat request: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// ResolveChatRequest marks a chat request accepted or declined, returning
// the row so the caller can act on the outcome.
func (s *Store) ResolveChatRequest(ctx context.Context, id string, status models.ChatRequestStatus) (models.ChatRequest, error) {
	var cr models.ChatRequest
	err := s.Pool.QueryRow(ctx,
		`UPDATE chat_requests SET status = $2 WHERE id = $1 AND status = $3
		 RETURNING id, convo_id, requester, target, status, created_at`,
		id, status, models.ChatRequestPending).
		Scan(&cr.ID, &cr.ConvoID, &cr.Requester, &cr.Target, &cr.Status, &cr.CreatedAt)
	if err == pgx.ErrNoRows {
		return models.ChatRequest{}, ErrNotFound
	}
	if err != nil {
		return models.ChatRequest{}, fmt.Errorf("resolve chat request: %w", err)
	}
	return cr, nil
}

// InsertPendingDeviceAddition records that userDID's new deviceID needs an
// AddMembers commit run against convoID before it can see new messages.
func (s *Store) InsertPendingDeviceAddition(ctx context.Context, p models.PendingDeviceAddition) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO pending_device_additions (id, convo_id, user_did, device_id, requested_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ConvoID, p.UserDID, p.DeviceID, p.RequestedBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending device addition: %w", err)
	}
	return nil
}

// ListPendingDeviceAdditions returns the conversations userDID's deviceID
// is still waiting to be added to, for getConvos's "expected" filter.
func (s *Store) ListPendingDeviceAdditions(ctx context.Context, userDID string) ([]models.PendingDeviceAddition, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, convo_id, user_did, device_id, requested_by, created_at
		 FROM pending_device_additions WHERE user_did = $1 ORDER BY created_at DESC`,
		userDID)
	if err != nil {
		return nil, fmt.Errorf("list pending device additions: %w", err)
	}
	defer rows.Close()

	var out []models.PendingDeviceAddition
	for rows.Next() {
		var p models.PendingDeviceAddition
		if err := rows.Scan(&p.ID, &p.ConvoID, &p.UserDID, &p.DeviceID, &p.RequestedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending device addition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingDeviceAddition clears a (convo, user, device) pending
// addition once the readdition commit has landed.
func (s *Store) DeletePendingDeviceAddition(ctx context.Context, convoID, userDID, deviceID string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM pending_device_additions WHERE convo_id = $1 AND user_did = $2 AND device_id = $3`,
		convoID, userDID, deviceID)
	if err != nil {
		return fmt.Errorf("delete pending device addition: %w", err)
	}
	return nil
}

// UpsertBlock records or refreshes a synced Bluesky actor block.
func (s *Store) UpsertBlock(ctx context.Context, b models.Block) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO bsky_blocks (user_did, blocked_did, synced_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_did, blocked_did) DO UPDATE SET synced_at = EXCLUDED.synced_at`,
		b.UserDID, b.BlockedDID, b.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	return nil
}

// DeleteBlock removes a synced block record once the PDS reports it lifted.
func (s *Store) DeleteBlock(ctx context.Context, userDID, blockedDID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM bsky_blocks WHERE user_did = $1 AND blocked_did = $2`, userDID, blockedDID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// IsBlocked reports whether either side of (a, b) has blocked the other.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM bsky_blocks WHERE (user_did = $1 AND blocked_did = $2) OR (user_did = $2 AND blocked_did = $1)
		 )`, a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check block status: %w", err)
	}
	return exists, nil
}

// ListBlocks returns every DID userDID has blocked.
func (s *Store) ListBlocks(ctx context.Context, userDID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT blocked_did FROM bsky_blocks WHERE user_did = $1`, userDID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

// InsertReport records a moderation report filed by reporter against target
// within convoID.
func (s *Store) InsertReport(ctx context.Context, r models.Report) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO reports (id, convo_id, reporter, target, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ConvoID, r.Reporter, r.Target, r.Reason, r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReportsForConvo returns every report filed within convoID, newest
// first, for getReports/getAdminStats.
func (s *Store) ListReportsForConvo(ctx context.Context, convoID string) ([]models.Report, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, convo_id, reporter, target, reason, status, created_at, resolved_at
		 FROM reports WHERE convo_id = $1 ORDER BY created_at DESC`,
		convoID)
	if err != nil {
		return nil, fmt.Errorf("list reports for convo: %w", err)
	}
	defer rows.Close()
	return scanReports(rows)
}

// ResolveReport marks an open report resolved at time now.
func (s *Store) ResolveReport(ctx context.Context, id string, now time.Time) (models.Report, error) {
	var r models.Report
	err := s.Pool.QueryRow(ctx,
		`UPDATE reports SET status = $2, resolved_at = $3 WHERE id = $1 AND status = $4
		 RETURNING id, convo_id, reporter, target, reason, status, created_at, resolved_at`,
		id, models.ReportResolved, now, models.ReportOpen).
		Scan(&r.ID, &r.ConvoID, &r.Reporter, &r.Target, &r.Reason, &r.Status, &r.CreatedAt, &r.ResolvedAt)
	if err == pgx.ErrNoRows {
		return models.Report{}, ErrNotFound
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("resolve report: %w", err)
	}
	return r, nil
}

func scanReports(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]models.Report, error) {
	var out []models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.ConvoID, &r.Reporter, &r.Target, &r.Reason, &r.Status, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
