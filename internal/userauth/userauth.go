// Package userauth verifies the end-user bearer token client XRPC calls
// carry (spec §6's "Authentication: bearer token (user identity JWT)").
// The token is a DID-signed JWT of the same shape internal/servicetoken
// mints for service-to-service calls — iss is the calling user's own DID,
// aud is this DS, lxm is the called NSID — so verification reuses exactly
// the same signature/audience/lxm checks; only the jti replay requirement
// is dropped, since a user's own device retrying its own call is not the
// cross-DS replay spec §4.13 defends against.
package userauth

import (
	"context"
	"time"

	"github.com/catbird/mls-ds/internal/servicetoken"
)

// Verifier validates end-user service tokens.
type Verifier struct {
	inner *servicetoken.Verifier
}

// New constructs a Verifier. keys resolves a user DID's verifying key the
// same way internal/resolver resolves a DS's.
func New(selfDID string, keys servicetoken.KeyResolver) *Verifier {
	return &Verifier{inner: servicetoken.NewVerifier(selfDID, keys, noopJTIStore{}, false, 0)}
}

// Identity is the result of a successful Verify call.
type Identity struct {
	UserDID string
}

// Verify checks the bearer token's signature, audience, and lxm (expected
// NSID), returning the calling user's DID.
func (v *Verifier) Verify(ctx context.Context, tokenString, expectedNSID string) (Identity, error) {
	verified, err := v.inner.Verify(ctx, tokenString, expectedNSID, false)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserDID: verified.IssuerDID}, nil
}

// noopJTIStore satisfies servicetoken.JTIStore for a Verifier that never
// enforces jti (enforceJTI is always false above, so InsertIfAbsent is
// never actually called).
type noopJTIStore struct{}

func (noopJTIStore) InsertIfAbsent(ctx context.Context, issuer, jti string, expiresAt time.Time) (bool, error) {
	return true, nil
}
