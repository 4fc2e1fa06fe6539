// Package resolver implements the federation resolver (C8): given a user
// identity, resolve {ds_did, endpoint, supported_cipher_suites}, cache-first
// with an SSRF-guarded fallback to the identity's PDS, and finally to a
// configured default DS.
package resolver

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/ssrfguard"
	"github.com/catbird/mls-ds/internal/storage"
	"github.com/catbird/mls-ds/internal/ttlcache"
)

// Record is the resolved delivery-service binding for a user identity.
type Record struct {
	UserDID               string
	DSID                  string
	Endpoint              string
	SupportedCipherSuites []string
}

// DIDResolver fetches the PDS endpoint advertised by a user's DID document.
// Implemented concretely by HTTPDIDResolver; an interface here lets tests
// substitute a fake without touching the network.
type DIDResolver interface {
	ResolvePDSEndpoint(ctx context.Context, userDID string) (string, error)
}

// Config configures SSRF policy and cache/fallback behavior.
type Config struct {
	SSRF       ssrfguard.Policy
	CacheTTL   time.Duration
	DefaultDS  *Record // used when no record can be resolved, if set
}

// Resolver resolves user identities to delivery-service bindings.
type Resolver struct {
	cfg    Config
	store  *storage.Store
	did    DIDResolver
	cache  *ttlcache.Cache[Record]
	client *http.Client
	logger *slog.Logger
}

// New constructs a Resolver.
func New(cfg Config, store *storage.Store, did DIDResolver, logger *slog.Logger) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Resolver{
		cfg:    cfg,
		store:  store,
		did:    did,
		cache:  ttlcache.New[Record](cfg.CacheTTL),
		client: ssrfguard.Client(cfg.SSRF),
		logger: logger,
	}
}

// Resolve returns the delivery-service binding for userDID: in-memory cache,
// then the persisted ds_endpoints cache table, then a live PDS fetch, then
// the configured default DS.
func (r *Resolver) Resolve(ctx context.Context, userDID string) (Record, error) {
	if rec, ok := r.cache.Get(userDID); ok {
		return rec, nil
	}

	if cached, ok, err := r.store.GetCachedEndpoint(ctx, userDID); err != nil {
		r.logger.Warn("resolver: persisted cache lookup failed", slog.String("error", err.Error()))
	} else if ok {
		rec := Record{UserDID: cached.UserDID, DSID: cached.DSID, Endpoint: cached.Endpoint, SupportedCipherSuites: cached.SupportedCipherSuites}
		r.cache.Set(userDID, rec)
		return rec, nil
	}

	rec, err := r.fetchFromPDS(ctx, userDID)
	if err == nil {
		r.cache.Set(userDID, rec)
		if err := r.store.UpsertCachedEndpoint(ctx, storage.CachedEndpoint{
			UserDID: rec.UserDID, DSID: rec.DSID, Endpoint: rec.Endpoint, SupportedCipherSuites: rec.SupportedCipherSuites,
		}); err != nil {
			r.logger.Warn("resolver: persist cached endpoint failed", slog.String("error", err.Error()))
		}
		return rec, nil
	}

	if r.cfg.DefaultDS != nil {
		fallback := *r.cfg.DefaultDS
		fallback.UserDID = userDID
		return fallback, nil
	}

	return Record{}, apierror.Wrap(apierror.KindFederationUnavailable, "could not resolve delivery service for "+userDID, err)
}

// ResolveBatch resolves many identities; a failure for one identity never
// fails the batch — its slot in the returned map is simply absent, with the
// error recorded in errs.
func (r *Resolver) ResolveBatch(ctx context.Context, userDIDs []string) (map[string]Record, map[string]error) {
	results := make(map[string]Record, len(userDIDs))
	errs := make(map[string]error)
	for _, did := range userDIDs {
		rec, err := r.Resolve(ctx, did)
		if err != nil {
			errs[did] = err
			continue
		}
		results[did] = rec
	}
	return results, errs
}

func (r *Resolver) fetchFromPDS(ctx context.Context, userDID string) (Record, error) {
	endpoint, err := r.did.ResolvePDSEndpoint(ctx, userDID)
	if err != nil {
		return Record{}, fmt.Errorf("resolve PDS endpoint: %w", err)
	}

	recordURL := endpoint + "/xrpc/com.atproto.repo.getRecord?repo=" + userDID + "&collection=chat.mls.actor.declaration&rkey=self"
	u, err := ssrfguard.CheckURL(r.cfg.SSRF, recordURL)
	if err != nil {
		return Record{}, fmt.Errorf("ssrf guard rejected PDS record url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Record{}, fmt.Errorf("build PDS request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("fetch PDS record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("PDS record fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Record{}, fmt.Errorf("read PDS record body: %w", err)
	}

	var decl struct {
		Value struct {
			DSDID                 string   `json:"dsDid"`
			DSEndpoint            string   `json:"dsEndpoint"`
			SupportedCipherSuites []string `json:"supportedCipherSuites"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &decl); err != nil {
		return Record{}, fmt.Errorf("parse PDS record: %w", err)
	}
	if decl.Value.DSDID == "" || decl.Value.DSEndpoint == "" {
		return Record{}, fmt.Errorf("PDS record missing DS binding for %s", userDID)
	}

	return Record{
		UserDID:               userDID,
		DSID:                  decl.Value.DSDID,
		Endpoint:              decl.Value.DSEndpoint,
		SupportedCipherSuites: decl.Value.SupportedCipherSuites,
	}, nil
}

// HTTPDIDResolver resolves a did:web or did:plc identity to its PDS
// endpoint by fetching the DID document and reading its first
// AtprotoPersonalDataServer service entry.
type HTTPDIDResolver struct {
	Policy ssrfguard.Policy
	client *http.Client
}

// NewHTTPDIDResolver constructs an HTTPDIDResolver guarded by policy.
func NewHTTPDIDResolver(policy ssrfguard.Policy) *HTTPDIDResolver {
	return &HTTPDIDResolver{Policy: policy, client: ssrfguard.Client(policy)}
}

func (h *HTTPDIDResolver) ResolvePDSEndpoint(ctx context.Context, userDID string) (string, error) {
	docURL, err := didDocumentURL(userDID)
	if err != nil {
		return "", err
	}
	u, err := ssrfguard.CheckURL(h.Policy, docURL)
	if err != nil {
		return "", fmt.Errorf("ssrf guard rejected DID document url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build DID document request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch DID document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("DID document fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read DID document: %w", err)
	}

	var doc struct {
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse DID document: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("DID document for %s has no PDS service entry", userDID)
}

// verificationMethodDoc mirrors just enough of a DID document's
// verificationMethod entries to extract a P-256 JWK-encoded key, which is
// the only curve servicetoken.Signer mints with (ES256).
type verificationMethodDoc struct {
	VerificationMethod []struct {
		ID           string `json:"id"`
		PublicKeyJwk *struct {
			Crv string `json:"crv"`
			X   string `json:"x"`
			Y   string `json:"y"`
		} `json:"publicKeyJwk,omitempty"`
	} `json:"verificationMethod"`
}

func (h *HTTPDIDResolver) fetchVerificationMethods(ctx context.Context, issuerDID string) (verificationMethodDoc, error) {
	docURL, err := didDocumentURL(issuerDID)
	if err != nil {
		return verificationMethodDoc{}, err
	}
	u, err := ssrfguard.CheckURL(h.Policy, docURL)
	if err != nil {
		return verificationMethodDoc{}, fmt.Errorf("ssrf guard rejected DID document url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return verificationMethodDoc{}, fmt.Errorf("build DID document request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return verificationMethodDoc{}, fmt.Errorf("fetch DID document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return verificationMethodDoc{}, fmt.Errorf("DID document fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return verificationMethodDoc{}, fmt.Errorf("read DID document: %w", err)
	}
	var doc verificationMethodDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return verificationMethodDoc{}, fmt.Errorf("parse DID document: %w", err)
	}
	return doc, nil
}

func parseP256JWK(x, y string) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(x)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(y)
	if err != nil {
		return nil, fmt.Errorf("decode jwk y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}

// ResolveVerifyingKey implements servicetoken.KeyResolver: it fetches
// issuerDID's DID document and returns the P-256 public key of the
// verificationMethod entry whose id matches kid (or, if kid is empty or
// unmatched, the first P-256 entry found).
func (h *HTTPDIDResolver) ResolveVerifyingKey(ctx context.Context, issuerDID, kid string) (crypto.PublicKey, error) {
	doc, err := h.fetchVerificationMethods(ctx, issuerDID)
	if err != nil {
		return nil, err
	}
	var fallback *ecdsa.PublicKey
	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyJwk == nil || vm.PublicKeyJwk.Crv != "P-256" {
			continue
		}
		key, err := parseP256JWK(vm.PublicKeyJwk.X, vm.PublicKeyJwk.Y)
		if err != nil {
			continue
		}
		if kid != "" && vm.ID == kid {
			return key, nil
		}
		if fallback == nil {
			fallback = key
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no P-256 verification method found for %s", issuerDID)
}

// ResolveAckVerifyKey implements outbound.AckVerifyKeyResolver, returning
// the same P-256 key ResolveVerifyingKey would for an unspecified kid.
func (h *HTTPDIDResolver) ResolveAckVerifyKey(ctx context.Context, receiverDSDID string) (*ecdsa.PublicKey, error) {
	key, err := h.ResolveVerifyingKey(ctx, receiverDSDID, "")
	if err != nil {
		return nil, err
	}
	return key.(*ecdsa.PublicKey), nil
}

func didDocumentURL(did string) (string, error) {
	switch {
	case len(did) > 8 && did[:8] == "did:web:":
		return "https://" + did[8:] + "/.well-known/did.json", nil
	case len(did) > 8 && did[:8] == "did:plc:":
		return "https://plc.directory/" + did, nil
	default:
		return "", fmt.Errorf("unsupported DID method in %q", did)
	}
}
