package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PurgeExpiredJTIs deletes auth_jti_nonce rows whose expiry has passed.
// Invoked periodically by internal/replay's sweeper.
func (s *Store) PurgeExpiredJTIs(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM auth_jti_nonce WHERE expires_at <= now()`)
	if err != nil {
		return fmt.Errorf("purge expired jtis: %w", err)
	}
	return nil
}

// IdempotencyEntry is a cached response for a (endpoint, key) pair, per the
// idempotency cache (C12).
type IdempotencyEntry struct {
	EndpointNSID   string
	IdempotencyKey string
	StatusCode     int
	ResponseBody   []byte
	ExpiresAt      time.Time
}

// GetIdempotent looks up a cached response, returning (entry, true) on hit.
func (s *Store) GetIdempotent(ctx context.Context, endpointNSID, key string) (IdempotencyEntry, bool, error) {
	var e IdempotencyEntry
	err := s.Pool.QueryRow(ctx,
		`SELECT endpoint_nsid, idempotency_key, status_code, response_body, expires_at
		 FROM idempotency_cache WHERE endpoint_nsid = $1 AND idempotency_key = $2 AND expires_at > now()`,
		endpointNSID, key,
	).Scan(&e.EndpointNSID, &e.IdempotencyKey, &e.StatusCode, &e.ResponseBody, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return IdempotencyEntry{}, false, fmt.Errorf("get idempotent response: %w", err)
	}
	return e, true, nil
}

// PutIdempotent stores a response, collapsing a concurrent duplicate insert
// via ON CONFLICT DO NOTHING — the first writer wins, and callers should
// re-read on a losing insert to serve the winner's response.
func (s *Store) PutIdempotent(ctx context.Context, e IdempotencyEntry) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO idempotency_cache (endpoint_nsid, idempotency_key, status_code, response_body, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint_nsid, idempotency_key) DO NOTHING`,
		e.EndpointNSID, e.IdempotencyKey, e.StatusCode, e.ResponseBody, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put idempotent response: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes idempotency_cache rows past expiry.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM idempotency_cache WHERE expires_at <= now()`)
	if err != nil {
		return fmt.Errorf("purge expired idempotency cache: %w", err)
	}
	return nil
}

// GetPeer looks up a federation peer's trust status, canonicalized (no
// fragment) by the caller before lookup.
func (s *Store) GetPeer(ctx context.Context, dsID string) (PeerRow, bool, error) {
	var p PeerRow
	err := s.Pool.QueryRow(ctx,
		`SELECT ds_id, status, per_minute_cap, operator_note, updated_at FROM federation_peers WHERE ds_id = $1`,
		dsID,
	).Scan(&p.DSID, &p.Status, &p.PerMinuteCap, &p.OperatorNote, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PeerRow{}, false, nil
	}
	if err != nil {
		return PeerRow{}, false, fmt.Errorf("get peer: %w", err)
	}
	return p, true, nil
}

// PeerRow mirrors the federation_peers table.
type PeerRow struct {
	DSID         string
	Status       string
	PerMinuteCap *int
	OperatorNote string
	UpdatedAt    time.Time
}

// UpsertPeer writes or updates a peer's trust status (administrative path).
func (s *Store) UpsertPeer(ctx context.Context, p PeerRow) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO federation_peers (ds_id, status, per_minute_cap, operator_note, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (ds_id) DO UPDATE SET
		   status = EXCLUDED.status, per_minute_cap = EXCLUDED.per_minute_cap,
		   operator_note = EXCLUDED.operator_note, updated_at = now()`,
		p.DSID, p.Status, p.PerMinuteCap, p.OperatorNote)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// OutboundDue selects pending outbound-queue items due for retry, ordered
// by next_retry_at, used by the outbound worker's 5s tick (C9).
func (s *Store) OutboundDue(ctx context.Context, limit int) ([]OutboundRow, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, target_ds, target_url, method_nsid, payload, convo_id, retry_count, next_retry_at, last_error, status, created_at
		 FROM outbound_queue WHERE status = 'pending' AND next_retry_at <= now()
		 ORDER BY next_retry_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbound due: %w", err)
	}
	defer rows.Close()

	var out []OutboundRow
	for rows.Next() {
		var o OutboundRow
		if err := rows.Scan(&o.ID, &o.TargetDS, &o.TargetURL, &o.MethodNSID, &o.Payload, &o.ConvoID,
			&o.RetryCount, &o.NextRetryAt, &o.LastError, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbound row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OutboundRow mirrors the outbound_queue table.
type OutboundRow struct {
	ID          string
	TargetDS    string
	TargetURL   string
	MethodNSID  string
	Payload     []byte
	ConvoID     string
	RetryCount  int
	NextRetryAt time.Time
	LastError   *string
	Status      string
	CreatedAt   time.Time
}

// MarkOutboundRetry bumps retry_count and schedules the next attempt.
func (s *Store) MarkOutboundRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastErr string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE outbound_queue SET retry_count = $2, next_retry_at = $3, last_error = $4 WHERE id = $1`,
		id, retryCount, nextRetryAt, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbound retry: %w", err)
	}
	return nil
}

// MarkOutboundTerminal sets an outbound item to a terminal status
// ("delivered" or "failed").
func (s *Store) MarkOutboundTerminal(ctx context.Context, id, status, lastErr string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE outbound_queue SET status = $2, last_error = NULLIF($3, '') WHERE id = $1`,
		id, status, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbound terminal: %w", err)
	}
	return nil
}

// PurgeOldOutbound deletes terminal-state outbound items older than maxAge.
func (s *Store) PurgeOldOutbound(ctx context.Context, maxAge time.Duration) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM outbound_queue WHERE status IN ('delivered', 'failed') AND created_at <= now() - $1::interval`,
		maxAge.String())
	if err != nil {
		return fmt.Errorf("purge old outbound items: %w", err)
	}
	return nil
}
