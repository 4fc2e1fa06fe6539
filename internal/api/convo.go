package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/convoactor"
	"github.com/catbird/mls-ds/internal/inbound"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/peers"
)

type createConvoReq struct {
	ConvoID        string            `json:"convoId,omitempty"` // client-supplied, or server-minted if empty
	CipherSuite    string            `json:"cipherSuite"`
	MemberDIDs     []string          `json:"memberDids"`
	Welcome        string            `json:"welcome,omitempty"`
	KeyPackageHash map[string]string `json:"keyPackageHash,omitempty"`
}

// handleCreateConvo creates a new conversation with the caller as its
// creator and sequencer, then applies the founding AddMembers commit through
// the conversation actor like any other membership change.
func (h *Handler) handleCreateConvo(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDCreateConvo)
	if !ok {
		return
	}
	var req createConvoReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.CipherSuite == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "cipherSuite is required")
		return
	}

	convoID := req.ConvoID
	if convoID == "" {
		convoID = models.NewID().String()
	}

	var welcome []byte
	if req.Welcome != "" {
		var decOK bool
		welcome, decOK = decodeBytes(w, "welcome", req.Welcome)
		if !decOK {
			return
		}
	}

	ctx := r.Context()
	err := h.Store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := h.Store.InsertConversation(ctx, tx, models.Conversation{
			ID: convoID, Creator: callerDID, CipherSuite: req.CipherSuite,
			AllowRejoin: true, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return h.Store.InsertMember(ctx, tx, models.Member{
			ConvoID: convoID, MemberID: callerDID, UserDID: callerDID,
			JoinedAt: time.Now().UTC(), IsAdmin: true,
		})
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "create conversation", err))
		return
	}

	actor, err := h.Registry.GetOrSpawn(ctx, convoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}

	var res convoactor.AddMembersResult
	if len(req.MemberDIDs) > 0 {
		res, err = actor.AddMembers(ctx, convoactor.AddMembersInput{
			DIDs: req.MemberDIDs, Welcome: welcome, KeyPackageHash: req.KeyPackageHash,
		})
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, err)
			return
		}
		h.fanOutWelcomes(ctx, convoID, req.MemberDIDs, welcome, req.KeyPackageHash)
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"convoId": convoID, "currentEpoch": res.NewEpoch,
	})
}

type addMembersReq struct {
	ConvoID        string            `json:"convoId"`
	MemberDIDs     []string          `json:"memberDids"`
	Commit         string            `json:"commit"`
	Welcome        string            `json:"welcome,omitempty"`
	KeyPackageHash map[string]string `json:"keyPackageHash,omitempty"`
}

// handleAddMembers runs an AddMembers commit on behalf of a caller who must
// be an active member of the conversation; this DS must be the
// conversation's sequencer (otherwise the request is rejected with 403 and
// the commit goes via submitCommit-equivalent federation instead).
func (h *Handler) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDAddMembers)
	if !ok {
		return
	}
	var req addMembersReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.requireActiveMember(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	isLocal, err := h.Sequencer.IsLocalSequencer(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if !isLocal {
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindForbidden), "this DS is not the sequencer for convoId; propose the commit via federation instead")
		return
	}

	commit, ok := decodeBytes(w, "commit", req.Commit)
	if !ok {
		return
	}
	var welcome []byte
	if req.Welcome != "" {
		welcome, ok = decodeBytes(w, "welcome", req.Welcome)
		if !ok {
			return
		}
	}

	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}
	res, err := actor.AddMembers(ctx, convoactor.AddMembersInput{
		DIDs: req.MemberDIDs, Commit: commit, Welcome: welcome, KeyPackageHash: req.KeyPackageHash,
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	h.fanOutWelcomes(ctx, req.ConvoID, req.MemberDIDs, welcome, req.KeyPackageHash)
	h.fanOutCommit(ctx, req.ConvoID, "add", req.Commit, req.MemberDIDs, req.Welcome, req.KeyPackageHash, "")

	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
}

type removeMemberReq struct {
	ConvoID  string `json:"convoId"`
	MemberID string `json:"memberId"`
	Commit   string `json:"commit"`
}

// handleRemoveMember runs a RemoveMember commit, requiring the caller to be
// a moderator (or admin) of the conversation.
func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDRemoveMember)
	if !ok {
		return
	}
	var req removeMemberReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.requireModerator(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	isLocal, err := h.Sequencer.IsLocalSequencer(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if !isLocal {
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindForbidden), "this DS is not the sequencer for convoId")
		return
	}

	commit, ok := decodeBytes(w, "commit", req.Commit)
	if !ok {
		return
	}
	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}
	res, err := actor.RemoveMember(ctx, convoactor.RemoveMemberInput{MemberID: req.MemberID, Commit: commit})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	h.fanOutCommit(ctx, req.ConvoID, "remove", req.Commit, nil, "", nil, req.MemberID)
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
}

// handleGetConvos lists the caller's conversations, filtered by "all"
// (active membership), "pending" (chat requests awaiting the caller's
// response), or "expected" (new devices awaiting a readdition commit).
func (h *Handler) handleGetConvos(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetConvos)
	if !ok {
		return
	}
	ctx := r.Context()
	switch filter := r.URL.Query().Get("filter"); filter {
	case "pending":
		reqs, err := h.Store.ListPendingChatRequests(ctx, callerDID)
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list pending chat requests", err))
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"pending": reqs})
	case "expected":
		pending, err := h.Store.ListPendingDeviceAdditions(ctx, callerDID)
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list pending device additions", err))
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"expected": pending})
	default:
		convos, err := h.Store.ListConversationsForUser(ctx, callerDID)
		if err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list conversations", err))
			return
		}
		apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"conversations": convos})
	}
}

type updateConvoReq struct {
	ConvoID     string `json:"convoId"`
	AllowRejoin *bool  `json:"allowRejoin,omitempty"`
}

// handleUpdateConvo updates conversation-level settings. Only allowRejoin
// is mutable today; the caller must be an admin.
func (h *Handler) handleUpdateConvo(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDUpdateConvo)
	if !ok {
		return
	}
	var req updateConvoReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	member, err := h.requireActiveMember(ctx, req.ConvoID, callerDID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if !member.IsAdmin {
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindForbidden), "caller is not an admin of this conversation")
		return
	}

	if req.AllowRejoin != nil {
		if err := h.Store.SetConvoAllowRejoin(ctx, req.ConvoID, *req.AllowRejoin); err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "update conversation", err))
			return
		}
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// fanOutWelcomes forwards each new member's sealed welcome to their home DS
// via deliverWelcome, skipping members who resolve to this DS (handled
// locally by the actor's own welcome insert).
func (h *Handler) fanOutWelcomes(ctx context.Context, convoID string, memberDIDs []string, welcome []byte, hashes map[string]string) {
	if len(welcome) == 0 {
		return
	}
	for _, did := range memberDIDs {
		hash := hashes[did]
		if hash == "" {
			continue
		}
		rec, err := h.Resolver.Resolve(ctx, did)
		if err != nil {
			h.Logger.Warn("fan-out welcome: resolve recipient failed", slog.String("did", did), slog.String("error", err.Error()))
			continue
		}
		if peers.Canonicalize(rec.DSID) == peers.Canonicalize(h.SelfDID) {
			continue
		}
		payload, err := json.Marshal(map[string]string{
			"convoId": convoID, "recipientDid": did, "welcome": encodeBytes(welcome), "keyPackageHash": hash,
		})
		if err != nil {
			continue
		}
		now := time.Now().UTC()
		if err := h.OutboundQueue.Enqueue(ctx, models.OutboundQueueItem{
			ID: models.NewID().String(), TargetDS: rec.DSID, TargetURL: rec.Endpoint,
			MethodNSID: inbound.NSIDDeliverWelcome, Payload: payload, ConvoID: convoID,
			Status: models.OutboundPending, NextRetryAt: now, CreatedAt: now,
		}); err != nil {
			h.Logger.Warn("fan-out welcome: enqueue failed", slog.String("did", did), slog.String("error", err.Error()))
		}
	}
}

// fanOutCommit forwards a just-applied commit to every other participant DS
// via submitCommit, so remote DSes see the same membership change.
func (h *Handler) fanOutCommit(ctx context.Context, convoID, action, commit string, addDIDs []string, welcome string, hashes map[string]string, removeMemberID string) {
	payload, err := json.Marshal(map[string]interface{}{
		"convoId": convoID, "action": action, "commit": commit,
		"addDids": addDIDs, "welcome": welcome, "keyPackageHash": hashes, "removeMemberId": removeMemberID,
	})
	if err != nil {
		h.Logger.Warn("fan-out commit: encode payload failed", slog.String("error", err.Error()))
		return
	}
	h.fanOutFederation(ctx, convoID, inbound.NSIDSubmitCommit, payload)
}
