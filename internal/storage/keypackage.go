package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/models"
)

// InsertKeyPackage inserts a new key package for an owner/device. Unique on
// (owner, hash).
func (s *Store) InsertKeyPackage(ctx context.Context, kp models.KeyPackage) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO key_packages (owner_did, hash, cipher_suite, data, device_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_did, hash) DO NOTHING`,
		kp.OwnerDID, kp.Hash, kp.CipherSuite, kp.Data, kp.DeviceID, kp.CreatedAt, kp.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert key package: %w", err)
	}
	return nil
}

// CountUnconsumed returns how many unconsumed key packages exist for an
// owner (or, if deviceID is non-empty, for that device specifically). Used
// to enforce the per-user/per-device upload caps in spec §4.6.
func (s *Store) CountUnconsumed(ctx context.Context, ownerDID, deviceID string) (int, error) {
	var n int
	var err error
	if deviceID == "" {
		err = s.Pool.QueryRow(ctx,
			`SELECT count(*) FROM key_packages WHERE owner_did = $1 AND consumed_at IS NULL`,
			ownerDID).Scan(&n)
	} else {
		err = s.Pool.QueryRow(ctx,
			`SELECT count(*) FROM key_packages WHERE owner_did = $1 AND device_id = $2 AND consumed_at IS NULL`,
			ownerDID, deviceID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count unconsumed key packages: %w", err)
	}
	return n, nil
}

// ReserveKeyPackage selects one available key package for ownerDID — unconsumed,
// unexpired, and not reserved within reservationGrace — preferring a match on
// deviceID when given, and marks it reserved_at = now. Returns ErrNotFound if
// none is available.
func (s *Store) ReserveKeyPackage(ctx context.Context, ownerDID, deviceID string, reservationGrace time.Duration) (models.KeyPackage, error) {
	var kp models.KeyPackage
	row := s.Pool.QueryRow(ctx,
		`UPDATE key_packages SET reserved_at = now()
		 WHERE (owner_did, hash) = (
		   SELECT owner_did, hash FROM key_packages
		   WHERE owner_did = $1
		     AND consumed_at IS NULL
		     AND expires_at > now()
		     AND (reserved_at IS NULL OR reserved_at < now() - $3::interval)
		   ORDER BY (device_id = $2) DESC NULLS LAST, created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING owner_did, hash, cipher_suite, data, device_id, created_at, expires_at, consumed_at, reserved_at`,
		ownerDID, deviceID, reservationGrace.String())
	err := row.Scan(&kp.OwnerDID, &kp.Hash, &kp.CipherSuite, &kp.Data, &kp.DeviceID,
		&kp.CreatedAt, &kp.ExpiresAt, &kp.ConsumedAt, &kp.ReservedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.KeyPackage{}, ErrNotFound
	}
	if err != nil {
		return models.KeyPackage{}, fmt.Errorf("reserve key package: %w", err)
	}
	return kp, nil
}

// ConsumeKeyPackage marks a package permanently consumed, called once the
// welcome sealed to it is confirmed.
func (s *Store) ConsumeKeyPackage(ctx context.Context, ownerDID, hash string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE key_packages SET consumed_at = now() WHERE owner_did = $1 AND hash = $2 AND consumed_at IS NULL`,
		ownerDID, hash)
	if err != nil {
		return fmt.Errorf("consume key package: %w", err)
	}
	return nil
}

// ReleaseKeyPackageReservation clears reserved_at, returning the package to
// the available pool (reservation lapse, or a lost welcome past grace).
func (s *Store) ReleaseKeyPackageReservation(ctx context.Context, ownerDID, hash string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE key_packages SET reserved_at = NULL WHERE owner_did = $1 AND hash = $2`,
		ownerDID, hash)
	if err != nil {
		return fmt.Errorf("release key package reservation: %w", err)
	}
	return nil
}

// InsertWelcome inserts a new unconsumed welcome, respecting the partial
// unique index on (convo, recipient, key_package_hash) for unconsumed rows.
// If a matching unconsumed welcome already exists the insert is skipped and
// nil is returned — spec §3 treats this as success-via-existing-row.
func (s *Store) InsertWelcome(ctx context.Context, tx pgx.Tx, w models.Welcome) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO welcome_messages (id, convo_id, recipient_did, data, key_package_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT DO NOTHING`,
		w.ID, w.ConvoID, w.RecipientDID, w.Data, w.KeyPackageHash, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert welcome: %w", err)
	}
	return nil
}

// FetchAndConsumeWelcomes returns every welcome visible to recipientDID
// (spec §4.6 two-phase fetch) and atomically marks each consumed=true,
// consumed_at=now if it was not already consumed. Visibility: not confirmed,
// and either never consumed or consumed within grace.
func (s *Store) FetchAndConsumeWelcomes(ctx context.Context, recipientDID string, grace time.Duration) ([]models.Welcome, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE welcome_messages
		 SET consumed = true, consumed_at = COALESCE(consumed_at, now())
		 WHERE recipient_did = $1
		   AND confirmed = false
		   AND (consumed = false OR consumed_at > now() - $2::interval)
		 RETURNING id, convo_id, recipient_did, data, key_package_hash, created_at, consumed, consumed_at, confirmed`,
		recipientDID, grace.String())
	if err != nil {
		return nil, fmt.Errorf("fetch and consume welcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Welcome
	for rows.Next() {
		var w models.Welcome
		if err := rows.Scan(&w.ID, &w.ConvoID, &w.RecipientDID, &w.Data, &w.KeyPackageHash,
			&w.CreatedAt, &w.Consumed, &w.ConsumedAt, &w.Confirmed); err != nil {
			return nil, fmt.Errorf("scan welcome: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ConfirmWelcome stamps a welcome as confirmed=true, suppressing further
// re-fetch, and returns the welcome's key-package hash and recipient so the
// caller can finalize key-package consumption.
func (s *Store) ConfirmWelcome(ctx context.Context, welcomeID string) (models.Welcome, error) {
	var w models.Welcome
	err := s.Pool.QueryRow(ctx,
		`UPDATE welcome_messages SET confirmed = true
		 WHERE id = $1 AND consumed = true AND confirmed = false
		 RETURNING id, convo_id, recipient_did, data, key_package_hash, created_at, consumed, consumed_at, confirmed`,
		welcomeID,
	).Scan(&w.ID, &w.ConvoID, &w.RecipientDID, &w.Data, &w.KeyPackageHash,
		&w.CreatedAt, &w.Consumed, &w.ConsumedAt, &w.Confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Welcome{}, ErrNotFound
	}
	if err != nil {
		return models.Welcome{}, fmt.Errorf("confirm welcome: %w", err)
	}
	return w, nil
}

// ReleaseExpiredWelcomes finds welcomes consumed more than grace ago and
// never confirmed (lost to a client crash) and releases their associated
// key-package reservation. Returns the count released — intended to be
// invoked periodically by a background sweeper.
func (s *Store) ReleaseExpiredWelcomes(ctx context.Context, grace time.Duration) (int, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT recipient_did, key_package_hash FROM welcome_messages
		 WHERE consumed = true AND confirmed = false AND consumed_at <= now() - $1::interval`,
		grace.String())
	if err != nil {
		return 0, fmt.Errorf("list lost welcomes: %w", err)
	}
	var toRelease [][2]string
	for rows.Next() {
		var recipient, hash string
		if err := rows.Scan(&recipient, &hash); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan lost welcome: %w", err)
		}
		toRelease = append(toRelease, [2]string{recipient, hash})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, pair := range toRelease {
		if err := s.ReleaseKeyPackageReservation(ctx, pair[0], pair[1]); err != nil {
			return 0, err
		}
	}
	return len(toRelease), nil
}
