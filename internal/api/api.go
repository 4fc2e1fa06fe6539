// Package api implements the client-facing XRPC surface (spec §6): device
// and key-package management, conversation lifecycle, messaging, join
// flows, and moderation. Every handler authenticates the caller's own
// identity (internal/userauth) rather than a service token, and — for any
// operation that mutates shared conversation state — dispatches into the
// same conversation-actor mailbox calls internal/inbound uses for federated
// delivery, then fans the result out to every other participant DS via
// internal/outbound.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/eventlog"
	"github.com/catbird/mls-ds/internal/idempotency"
	"github.com/catbird/mls-ds/internal/keypackage"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/outbound"
	"github.com/catbird/mls-ds/internal/peers"
	"github.com/catbird/mls-ds/internal/realtime"
	"github.com/catbird/mls-ds/internal/registry"
	"github.com/catbird/mls-ds/internal/resolver"
	"github.com/catbird/mls-ds/internal/sequencer"
	"github.com/catbird/mls-ds/internal/storage"
	"github.com/catbird/mls-ds/internal/upstream"
	"github.com/catbird/mls-ds/internal/userauth"
)

// NSIDs for the client RPC surface, per spec §6.
const (
	NSIDRegisterDevice       = "blue.catbird.mls.ds.registerDevice"
	NSIDPublishKeyPackages   = "blue.catbird.mls.ds.publishKeyPackages"
	NSIDGetKeyPackages       = "blue.catbird.mls.ds.getKeyPackages"
	NSIDGetKeyPackageStats   = "blue.catbird.mls.ds.getKeyPackageStats"
	NSIDCreateConvo          = "blue.catbird.mls.ds.createConvo"
	NSIDAddMembers           = "blue.catbird.mls.ds.addMembers"
	NSIDRemoveMember         = "blue.catbird.mls.ds.removeMember"
	NSIDGetConvos            = "blue.catbird.mls.ds.getConvos"
	NSIDUpdateConvo          = "blue.catbird.mls.ds.updateConvo"
	NSIDSendMessage          = "blue.catbird.mls.ds.sendMessage"
	NSIDGetMessages          = "blue.catbird.mls.ds.getMessages"
	NSIDUpdateCursor         = "blue.catbird.mls.ds.updateCursor"
	NSIDSubscribeConvoEvents = "blue.catbird.mls.ds.subscribeConvoEvents"
	NSIDProcessExternalCommit = "blue.catbird.mls.ds.processExternalCommit"
	NSIDFetchWelcome         = "blue.catbird.mls.ds.fetchWelcome"
	NSIDConfirmWelcome       = "blue.catbird.mls.ds.confirmWelcome"
	NSIDRejoin               = "blue.catbird.mls.ds.rejoin"
	NSIDReaddition           = "blue.catbird.mls.ds.readdition"
	NSIDInvalidateWelcome    = "blue.catbird.mls.ds.invalidateWelcome"
	NSIDReportMember         = "blue.catbird.mls.ds.reportMember"
	NSIDResolveReport        = "blue.catbird.mls.ds.resolveReport"
	NSIDWarnMember           = "blue.catbird.mls.ds.warnMember"
	NSIDGetReports           = "blue.catbird.mls.ds.getReports"
	NSIDGetAdminStats        = "blue.catbird.mls.ds.getAdminStats"
	NSIDCheckBlocks          = "blue.catbird.mls.ds.checkBlocks"
	NSIDGetBlockStatus       = "blue.catbird.mls.ds.getBlockStatus"
	NSIDHandleBlockChange    = "blue.catbird.mls.ds.handleBlockChange"
)

// Handler wires the client-facing XRPC surface to the same actor registry,
// storage, and federation infrastructure internal/inbound uses.
type Handler struct {
	Store         *storage.Store
	Registry      *registry.Registry
	Resolver      *resolver.Resolver
	Sequencer     *sequencer.Binding
	KeyPackages   *keypackage.Service
	Events        *eventlog.Log
	Realtime      *realtime.Transport
	Upstream      *upstream.Multiplexer
	UserAuth      *userauth.Verifier
	Idempotency   *idempotency.Cache
	OutboundQueue *outbound.Queue
	SelfDID       string
	Logger        *slog.Logger
}

// Router mounts the client XRPC surface under /xrpc.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/"+NSIDRegisterDevice, h.handleRegisterDevice)
	r.Post("/"+NSIDPublishKeyPackages, h.handlePublishKeyPackages)
	r.Get("/"+NSIDGetKeyPackages, h.handleGetKeyPackages)
	r.Get("/"+NSIDGetKeyPackageStats, h.handleGetKeyPackageStats)
	r.Post("/"+NSIDCreateConvo, h.handleCreateConvo)
	r.Post("/"+NSIDAddMembers, h.handleAddMembers)
	r.Post("/"+NSIDRemoveMember, h.handleRemoveMember)
	r.Get("/"+NSIDGetConvos, h.handleGetConvos)
	r.Post("/"+NSIDUpdateConvo, h.handleUpdateConvo)
	r.Post("/"+NSIDSendMessage, h.handleSendMessage)
	r.Get("/"+NSIDGetMessages, h.handleGetMessages)
	r.Post("/"+NSIDUpdateCursor, h.handleUpdateCursor)
	r.Get("/"+NSIDSubscribeConvoEvents, h.handleSubscribeConvoEvents)
	r.Post("/"+NSIDProcessExternalCommit, h.handleProcessExternalCommit)
	r.Get("/"+NSIDFetchWelcome, h.handleFetchWelcome)
	r.Post("/"+NSIDConfirmWelcome, h.handleConfirmWelcome)
	r.Post("/"+NSIDRejoin, h.handleRejoin)
	r.Post("/"+NSIDReaddition, h.handleReaddition)
	r.Post("/"+NSIDInvalidateWelcome, h.handleInvalidateWelcome)
	r.Post("/"+NSIDReportMember, h.handleReportMember)
	r.Post("/"+NSIDResolveReport, h.handleResolveReport)
	r.Post("/"+NSIDWarnMember, h.handleWarnMember)
	r.Get("/"+NSIDGetReports, h.handleGetReports)
	r.Get("/"+NSIDGetAdminStats, h.handleGetAdminStats)
	r.Get("/"+NSIDCheckBlocks, h.handleCheckBlocks)
	r.Get("/"+NSIDGetBlockStatus, h.handleGetBlockStatus)
	r.Post("/"+NSIDHandleBlockChange, h.handleBlockChange)
	return r
}

// authenticate verifies the caller's own bearer token (not a service
// token) and returns their DID. On failure it writes the response itself.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, nsid string) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		apiutil.WriteError(w, http.StatusUnauthorized, string(apierror.KindUnauthorized), "missing bearer token")
		return "", false
	}
	identity, err := h.UserAuth.Verify(r.Context(), token, nsid)
	if err != nil {
		apiutil.WriteError(w, http.StatusUnauthorized, string(apierror.KindUnauthorized), "invalid bearer token: "+err.Error())
		return "", false
	}
	return identity.UserDID, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// idempotent wraps fn with the (endpoint_nsid, idempotency_key) cache from
// spec §4.12: a repeated call with the same key returns the first call's
// response verbatim instead of re-running fn.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, nsid, key string, fn func() (int, interface{})) {
	if key != "" {
		if status, body, hit, err := h.Idempotency.Lookup(r.Context(), nsid, key); err == nil && hit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(body)
			return
		}
	}

	status, data := fn()
	body, err := json.Marshal(data)
	if err != nil {
		apiutil.WriteError(w, http.StatusInternalServerError, string(apierror.KindStorageError), "encode response failed")
		return
	}
	if key != "" {
		if err := h.Idempotency.Store(r.Context(), nsid, key, status, body); err != nil {
			h.Logger.Warn("idempotency store failed", slog.String("error", err.Error()))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// requireActiveMember checks that callerDID is an active member of convoID,
// returning the member row.
func (h *Handler) requireActiveMember(ctx context.Context, convoID, callerDID string) (models.Member, error) {
	var member models.Member
	var found bool
	err := h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		member, found, err = h.Store.GetActiveMember(ctx, tx, convoID, callerDID)
		return err
	})
	if err != nil {
		return models.Member{}, apierror.Wrap(apierror.KindStorageError, "look up membership", err)
	}
	if !found || !member.Active() {
		return models.Member{}, apierror.New(apierror.KindForbidden, "caller is not an active member of this conversation")
	}
	return member, nil
}

// requireModerator additionally checks admin/moderator standing.
func (h *Handler) requireModerator(ctx context.Context, convoID, callerDID string) (models.Member, error) {
	member, err := h.requireActiveMember(ctx, convoID, callerDID)
	if err != nil {
		return models.Member{}, err
	}
	if !member.IsAdmin && !member.IsModerator {
		return models.Member{}, apierror.New(apierror.KindForbidden, "caller is not an admin or moderator of this conversation")
	}
	return member, nil
}

// remoteParticipants resolves every other active member's home DS, returning
// a canonical-DS-id -> endpoint map that excludes this DS itself, for
// fanning a local mutation out over federation (spec §4.9).
func (h *Handler) remoteParticipants(ctx context.Context, convoID string) (map[string]string, error) {
	var members []models.Member
	err := h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		members, err = h.Store.ListActiveMembers(ctx, tx, convoID)
		return err
	})
	if err != nil {
		return nil, apierror.Wrap(apierror.KindStorageError, "list active members", err)
	}

	selfCanonical := peers.Canonicalize(h.SelfDID)
	dids := make([]string, 0, len(members))
	for _, m := range members {
		dids = append(dids, m.UserDID)
	}
	records, _ := h.Resolver.ResolveBatch(ctx, dids)

	out := make(map[string]string)
	for _, rec := range records {
		canonical := peers.Canonicalize(rec.DSID)
		if canonical == selfCanonical {
			continue
		}
		out[canonical] = rec.Endpoint
	}
	return out, nil
}

// fanOutFederation enqueues one outbound delivery per remote participant DS
// of convoID, all carrying the same payload, via the durable retry queue.
func (h *Handler) fanOutFederation(ctx context.Context, convoID, nsid string, payload []byte) {
	remotes, err := h.remoteParticipants(ctx, convoID)
	if err != nil {
		h.Logger.Warn("fan-out: resolve remote participants failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for dsID, endpoint := range remotes {
		item := models.OutboundQueueItem{
			ID: models.NewID().String(), TargetDS: dsID, TargetURL: endpoint, MethodNSID: nsid,
			Payload: payload, ConvoID: convoID, Status: models.OutboundPending,
			NextRetryAt: now, CreatedAt: now,
		}
		if err := h.OutboundQueue.Enqueue(ctx, item); err != nil {
			h.Logger.Warn("fan-out: enqueue outbound item failed", slog.String("target", dsID), slog.String("error", err.Error()))
		}
	}
}

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBytes(w http.ResponseWriter, field, s string) ([]byte, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid "+field+" encoding")
		return nil, false
	}
	return b, true
}
