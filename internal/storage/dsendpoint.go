package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CachedEndpoint mirrors the resolver's Record shape without importing
// internal/resolver, avoiding an import cycle (resolver depends on storage).
type CachedEndpoint struct {
	UserDID               string
	DSID                  string
	Endpoint              string
	SupportedCipherSuites []string
}

// GetCachedEndpoint reads the persisted resolver cache row for userDID.
func (s *Store) GetCachedEndpoint(ctx context.Context, userDID string) (CachedEndpoint, bool, error) {
	var e CachedEndpoint
	err := s.Pool.QueryRow(ctx,
		`SELECT user_did, ds_did, endpoint, supported_cipher_suites FROM ds_endpoints WHERE user_did = $1`,
		userDID,
	).Scan(&e.UserDID, &e.DSID, &e.Endpoint, &e.SupportedCipherSuites)
	if errors.Is(err, pgx.ErrNoRows) {
		return CachedEndpoint{}, false, nil
	}
	if err != nil {
		return CachedEndpoint{}, false, fmt.Errorf("get cached endpoint: %w", err)
	}
	return e, true, nil
}

// UpsertCachedEndpoint writes or refreshes the persisted resolver cache row
// for a user identity.
func (s *Store) UpsertCachedEndpoint(ctx context.Context, e CachedEndpoint) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO ds_endpoints (user_did, ds_did, endpoint, supported_cipher_suites, cached_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_did) DO UPDATE SET
		   ds_did = EXCLUDED.ds_did, endpoint = EXCLUDED.endpoint,
		   supported_cipher_suites = EXCLUDED.supported_cipher_suites, cached_at = now()`,
		e.UserDID, e.DSID, e.Endpoint, e.SupportedCipherSuites)
	if err != nil {
		return fmt.Errorf("upsert cached endpoint: %w", err)
	}
	return nil
}
