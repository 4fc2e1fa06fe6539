// Package servicetoken mints and verifies the short-lived service JWTs used
// for DS-to-DS authentication (spec §6's "Service token format"): ES256
// (P-256) or ES256K (secp256k1), with iss/aud/exp/lxm/jti claims.
package servicetoken

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Claims is the service-token claim set from spec §6.
type Claims struct {
	jwt.RegisteredClaims
	LXM string `json:"lxm,omitempty"`
}

// TTL is how long a minted service token is valid for, per spec §4.9
// ("exp = now + ~2min").
const TTL = 2 * time.Minute

// Signer mints service tokens on behalf of this DS's own identity.
type Signer struct {
	issuerDID string
	key       *ecdsa.PrivateKey
	alg       jwt.SigningMethod
	kid       string
}

// NewSigner constructs a Signer. alg must be jwt.SigningMethodES256 (P-256)
// — ES256K (secp256k1) signers use the same shape but a different curve key
// type, which the stdlib ecdsa package also models once the secp256k1 curve
// is registered by the caller's crypto provider.
func NewSigner(issuerDID, kid string, key *ecdsa.PrivateKey, alg jwt.SigningMethod) *Signer {
	return &Signer{issuerDID: issuerDID, key: key, alg: alg, kid: kid}
}

// Mint produces a signed service token for a call to audienceDID's nsid
// endpoint.
func (s *Signer) Mint(audienceDID, nsid string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuerDID,
			Audience:  jwt.ClaimStrings{audienceDID},
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
		LXM: nsid,
	}
	token := jwt.NewWithClaims(s.alg, claims)
	if s.kid != "" {
		token.Header["kid"] = s.kid
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// KeyResolver locates the verifying key for a service token's issuer,
// implemented by internal/resolver (DID document → verificationMethod).
type KeyResolver interface {
	ResolveVerifyingKey(ctx context.Context, issuerDID, kid string) (crypto.PublicKey, error)
}

// JTIStore records (issuer, jti) pairs to defend against replay, per spec
// §4.13. InsertIfAbsent returns false if the pair was already present.
type JTIStore interface {
	InsertIfAbsent(ctx context.Context, issuer, jti string, expiresAt time.Time) (bool, error)
}

// Verifier validates inbound service tokens per spec §4.10 step 1.
type Verifier struct {
	selfDID    string
	keys       KeyResolver
	jti        JTIStore
	enforceJTI bool
	jtiTTL     time.Duration
}

// NewVerifier constructs a Verifier bound to this DS's own identity.
func NewVerifier(selfDID string, keys KeyResolver, jti JTIStore, enforceJTI bool, jtiTTL time.Duration) *Verifier {
	return &Verifier{selfDID: selfDID, keys: keys, jti: jti, enforceJTI: enforceJTI, jtiTTL: jtiTTL}
}

// Verified is the result of a successful Verify call.
type Verified struct {
	IssuerDID string
	LXM       string
	JTI       string
}

// Verify checks signature, aud=self, exp>now, lxm=expectedNSID, and (when
// requireJTI is true, e.g. for write endpoints) that jti is present and
// unseen. Any failure is reported as a plain error; callers map this to 401
// per spec §4.10.
func (v *Verifier) Verify(ctx context.Context, tokenString, expectedNSID string, requireJTI bool) (Verified, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		iss, _ := t.Claims.GetIssuer()
		if iss == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.ResolveVerifyingKey(ctx, iss, kid)
	}, jwt.WithValidMethods([]string{"ES256", "ES256K"}))
	if err != nil || !parsed.Valid {
		return Verified{}, fmt.Errorf("invalid service token: %w", err)
	}

	if !claims.VerifyAudience(v.selfDID, true) {
		return Verified{}, fmt.Errorf("token audience does not match self")
	}
	if claims.LXM != expectedNSID {
		return Verified{}, fmt.Errorf("token lxm %q does not match endpoint %q", claims.LXM, expectedNSID)
	}

	if requireJTI && v.enforceJTI {
		if claims.ID == "" {
			return Verified{}, fmt.Errorf("token missing required jti")
		}
		fresh, err := v.jti.InsertIfAbsent(ctx, claims.Issuer, claims.ID, time.Now().Add(v.jtiTTL))
		if err != nil {
			return Verified{}, fmt.Errorf("check jti replay: %w", err)
		}
		if !fresh {
			return Verified{}, fmt.Errorf("jti %q already used by issuer %q", claims.ID, claims.Issuer)
		}
	}

	return Verified{IssuerDID: claims.Issuer, LXM: claims.LXM, JTI: claims.ID}, nil
}
