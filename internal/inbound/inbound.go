// Package inbound implements the federation-facing XRPC handlers (C10):
// deliverMessage, deliverWelcome, submitCommit, transferSequencer,
// fetchKeyPackage, and getSubscriptionTicket. Every handler authenticates
// the caller's service token, applies the federation peer policy, and (for
// conversation-scoped calls) requires the caller to be a participant DS
// before handing the payload to the same conversation-actor mailbox calls
// used by local clients.
package inbound

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/convoactor"
	"github.com/catbird/mls-ds/internal/keypackage"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/peers"
	"github.com/catbird/mls-ds/internal/realtime"
	"github.com/catbird/mls-ds/internal/registry"
	"github.com/catbird/mls-ds/internal/resolver"
	"github.com/catbird/mls-ds/internal/sequencer"
	"github.com/catbird/mls-ds/internal/servicetoken"
	"github.com/catbird/mls-ds/internal/storage"
)

// NSIDs for the federation RPC surface, per spec §6.
const (
	NSIDDeliverMessage        = "blue.catbird.mls.ds.deliverMessage"
	NSIDDeliverWelcome        = "blue.catbird.mls.ds.deliverWelcome"
	NSIDSubmitCommit          = "blue.catbird.mls.ds.submitCommit"
	NSIDTransferSequencer     = "blue.catbird.mls.ds.transferSequencer"
	NSIDFetchKeyPackage       = "blue.catbird.mls.ds.fetchKeyPackage"
	NSIDGetSubscriptionTicket = "blue.catbird.mls.ds.getSubscriptionTicket"
	NSIDSubscribeConvoEvents  = "blue.catbird.mls.ds.subscribeConvoEvents"
)

// SubscriptionTicketTTL is how long a getSubscriptionTicket result remains
// usable to open the subscription WebSocket.
const SubscriptionTicketTTL = 2 * time.Minute

// Handler wires the federation-facing XRPC surface to the shared
// conversation actor registry and storage.
type Handler struct {
	Store       *storage.Store
	Registry    *registry.Registry
	Resolver    *resolver.Resolver
	Sequencer   *sequencer.Binding
	KeyPackages *keypackage.Service
	Verifier    *servicetoken.Verifier
	Signer      *servicetoken.Signer
	Peers       *peers.Gate
	Realtime    *realtime.Transport
	SelfDID     string
	Logger      *slog.Logger
}

// Router mounts the federation XRPC surface under /xrpc.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/"+NSIDDeliverMessage, h.handleDeliverMessage)
	r.Post("/"+NSIDDeliverWelcome, h.handleDeliverWelcome)
	r.Post("/"+NSIDSubmitCommit, h.handleSubmitCommit)
	r.Post("/"+NSIDTransferSequencer, h.handleTransferSequencer)
	r.Post("/"+NSIDFetchKeyPackage, h.handleFetchKeyPackage)
	r.Post("/"+NSIDGetSubscriptionTicket, h.handleGetSubscriptionTicket)
	r.Get("/"+NSIDSubscribeConvoEvents, h.handleSubscribeConvoEvents)
	return r
}

// handleSubscribeConvoEvents authenticates the subscription ticket minted
// by getSubscriptionTicket and streams the conversation's event log over
// WebSocket to the calling DS (spec §4.11's upstream multiplexer is the
// client of this endpoint on the remote side).
func (h *Handler) handleSubscribeConvoEvents(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDSubscribeConvoEvents, false)
	if !ok {
		return
	}
	convoID := r.URL.Query().Get("convoId")
	cursor := r.URL.Query().Get("cursor")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}

	if err := h.requireConvoParticipant(r.Context(), convoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	h.Realtime.ServeWS(w, r, convoID, cursor)
}

// authResult is what every handler gets once steps 1-2 of spec §4.10 pass.
type authResult struct {
	callerDID       string // raw issuer DID from the token
	callerCanonical string // fragment-stripped
}

// authenticate runs spec §4.10 steps 1-2: service-token verification
// (requiring a fresh jti for write endpoints) and the peer policy/rate cap.
// On failure it writes the response itself and returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, nsid string, requireJTI bool) (authResult, bool) {
	token := bearerToken(r)
	if token == "" {
		apiutil.WriteError(w, http.StatusUnauthorized, string(apierror.KindUnauthorized), "missing service token")
		return authResult{}, false
	}

	verified, err := h.Verifier.Verify(r.Context(), token, nsid, requireJTI)
	if err != nil {
		apiutil.WriteError(w, http.StatusUnauthorized, string(apierror.KindUnauthorized), "invalid service token: "+err.Error())
		return authResult{}, false
	}

	canonical := peers.Canonicalize(verified.IssuerDID)
	if err := h.Peers.Authorize(r.Context(), canonical); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return authResult{}, false
	}

	return authResult{callerDID: verified.IssuerDID, callerCanonical: canonical}, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// requireConvoParticipant enforces spec §4.10 step 3: the caller's
// canonical DS must be the home DS of at least one active member, unless
// allowSequencerBypass is set and the caller is the conversation's bound
// sequencer (deliverMessage's exemption).
func (h *Handler) requireConvoParticipant(ctx context.Context, convoID, callerCanonical string, allowSequencerBypass bool) error {
	if allowSequencerBypass {
		seqDID, err := h.Sequencer.SequencerDID(ctx, convoID)
		if err != nil {
			return err
		}
		if peers.Canonicalize(seqDID) == callerCanonical {
			return nil
		}
	}

	isParticipant, err := h.isParticipantDS(ctx, convoID, callerCanonical)
	if err != nil {
		return err
	}
	if !isParticipant {
		return apierror.New(apierror.KindForbidden, "caller is not a participant DS on this conversation")
	}
	return nil
}

// isParticipantDS resolves every active member's home DS and checks whether
// any of them canonicalizes to callerCanonical.
func (h *Handler) isParticipantDS(ctx context.Context, convoID, callerCanonical string) (bool, error) {
	var members []models.Member
	err := h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		members, err = h.Store.ListActiveMembers(ctx, tx, convoID)
		return err
	})
	if err != nil {
		return false, apierror.Wrap(apierror.KindStorageError, "list active members", err)
	}

	userDIDs := make([]string, 0, len(members))
	for _, m := range members {
		userDIDs = append(userDIDs, m.UserDID)
	}
	records, _ := h.Resolver.ResolveBatch(ctx, userDIDs)
	for _, rec := range records {
		if peers.Canonicalize(rec.DSID) == callerCanonical {
			return true, nil
		}
	}
	return false, nil
}

type deliverMessageReq struct {
	ConvoID        string `json:"convoId"`
	SenderDID      string `json:"senderDid"`
	Ciphertext     string `json:"ciphertext"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Epoch          uint64 `json:"epoch"`
	PaddedSize     int    `json:"paddedSize,omitempty"`
}

// handleDeliverMessage applies a federated fan-out of an already-sent
// message to this DS's local mirror. The bound sequencer is authoritative
// here and bypasses the participant check (spec §4.10 step 3).
func (h *Handler) handleDeliverMessage(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDDeliverMessage, true)
	if !ok {
		return
	}
	var req deliverMessageReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid ciphertext encoding")
		return
	}

	ctx := r.Context()
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, true); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}

	res, err := actor.SendMessage(ctx, convoactor.SendMessageInput{
		SenderDID: req.SenderDID, Ciphertext: ciphertext, ClientMsgID: req.ClientMsgID,
		IdempotencyKey: req.IdempotencyKey, Epoch: req.Epoch, PaddedSize: req.PaddedSize,
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": res.MessageID, "createdAt": res.CreatedAt,
	})
}

type deliverWelcomeReq struct {
	ConvoID        string `json:"convoId"`
	RecipientDID   string `json:"recipientDid"`
	Welcome        string `json:"welcome"`
	KeyPackageHash string `json:"keyPackageHash"`
}

// handleDeliverWelcome stores a welcome for a local recipient forwarded by
// the DS that ran the AddMembers commit. Welcomes don't mutate epoch state,
// so this writes directly to storage rather than through the actor mailbox.
func (h *Handler) handleDeliverWelcome(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDDeliverWelcome, true)
	if !ok {
		return
	}
	var req deliverWelcomeReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Welcome)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid welcome encoding")
		return
	}

	ctx := r.Context()
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	var found bool
	err = h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		member, ok, err := h.Store.GetActiveMember(ctx, tx, req.ConvoID, req.RecipientDID)
		if err != nil {
			return err
		}
		if !ok || !member.Active() {
			return nil
		}
		found = true
		return h.Store.InsertWelcome(ctx, tx, models.Welcome{
			ID: models.NewID().String(), ConvoID: req.ConvoID, RecipientDID: req.RecipientDID,
			Data: data, KeyPackageHash: req.KeyPackageHash, CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "store remote welcome", err))
		return
	}
	if !found {
		apiutil.WriteError(w, http.StatusNotFound, string(apierror.KindNotFound), "recipient is not a local active member")
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type submitCommitReq struct {
	ConvoID        string            `json:"convoId"`
	Action         string            `json:"action"` // "add" | "remove"
	Commit         string            `json:"commit"`
	AddDIDs        []string          `json:"addDids,omitempty"`
	Welcome        string            `json:"welcome,omitempty"`
	KeyPackageHash map[string]string `json:"keyPackageHash,omitempty"`
	RemoveMemberID string            `json:"removeMemberId,omitempty"`
}

// handleSubmitCommit lets a non-sequencer participant DS propose a commit,
// which this DS (the sequencer) applies via the same actor mailbox messages
// local clients use.
func (h *Handler) handleSubmitCommit(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDSubmitCommit, true)
	if !ok {
		return
	}
	var req submitCommitReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	isLocal, err := h.Sequencer.IsLocalSequencer(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if !isLocal {
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindForbidden), "this DS is not the sequencer for convoId")
		return
	}
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	commit, err := base64.StdEncoding.DecodeString(req.Commit)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid commit encoding")
		return
	}

	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}

	switch req.Action {
	case "add":
		var welcome []byte
		if req.Welcome != "" {
			welcome, err = base64.StdEncoding.DecodeString(req.Welcome)
			if err != nil {
				apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid welcome encoding")
				return
			}
		}
		res, err := actor.AddMembers(ctx, convoactor.AddMembersInput{
			DIDs: req.AddDIDs, Commit: commit, Welcome: welcome, KeyPackageHash: req.KeyPackageHash,
		})
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, err)
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
	case "remove":
		res, err := actor.RemoveMember(ctx, convoactor.RemoveMemberInput{MemberID: req.RemoveMemberID, Commit: commit})
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, err)
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
	default:
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "action must be \"add\" or \"remove\"")
	}
}

type transferSequencerReq struct {
	ConvoID         string `json:"convoId"`
	NewSequencerDID string `json:"newSequencerDid"`
}

// handleTransferSequencer lets a participant DS hand the sequencer role to
// this DS. Recipients atomically rebind and rely on C3's persisted-cursor
// replay for subscriber catch-up.
func (h *Handler) handleTransferSequencer(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDTransferSequencer, true)
	if !ok {
		return
	}
	var req transferSequencerReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if req.NewSequencerDID == "" {
		req.NewSequencerDID = h.SelfDID
	}
	if err := h.Sequencer.Transfer(ctx, req.ConvoID, req.NewSequencerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type fetchKeyPackageReq struct {
	ConvoID  string `json:"convoId"`
	OwnerDID string `json:"ownerDid"`
	DeviceID string `json:"deviceId,omitempty"`
}

// handleFetchKeyPackage requires true convoId participation (no sequencer
// bypass) per spec §4.10: "no membership, no package."
func (h *Handler) handleFetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDFetchKeyPackage, true)
	if !ok {
		return
	}
	var req fetchKeyPackageReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.ConvoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}

	ctx := r.Context()
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	kp, err := h.KeyPackages.Reserve(ctx, req.OwnerDID, req.DeviceID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ownerDid": kp.OwnerDID, "hash": kp.Hash, "cipherSuite": kp.CipherSuite,
		"data": base64.StdEncoding.EncodeToString(kp.Data),
	})
}

type getSubscriptionTicketReq struct {
	ConvoID string `json:"convoId"`
}

// handleGetSubscriptionTicket mints the short signed token a remote DS
// presents to open the subscribeConvoEvents WebSocket (spec §4.11).
func (h *Handler) handleGetSubscriptionTicket(w http.ResponseWriter, r *http.Request) {
	auth, ok := h.authenticate(w, r, NSIDGetSubscriptionTicket, true)
	if !ok {
		return
	}
	var req getSubscriptionTicketReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.requireConvoParticipant(ctx, req.ConvoID, auth.callerCanonical, false); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	ticket, err := h.Signer.Mint(auth.callerDID, NSIDSubscribeConvoEvents)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "mint subscription ticket", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ticket": ticket, "expiresIn": int(SubscriptionTicketTTL.Seconds()),
	})
}
