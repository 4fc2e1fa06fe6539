package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/convoactor"
	"github.com/catbird/mls-ds/internal/inbound"
	"github.com/catbird/mls-ds/internal/storage"
)

type processExternalCommitReq struct {
	ConvoID string `json:"convoId"`
	Commit  string `json:"commit"`
}

// handleProcessExternalCommit lets a caller join a conversation on their own
// authority using group info they already hold, applying the external
// commit as an AddMembers of exactly themselves. No welcome is produced —
// an external join is how the joiner already reached the current epoch.
func (h *Handler) handleProcessExternalCommit(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDProcessExternalCommit)
	if !ok {
		return
	}
	var req processExternalCommitReq
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

	commit, ok := decodeBytes(w, "commit", req.Commit)
	if !ok {
		return
	}
	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}
	res, err := actor.AddMembers(ctx, convoactor.AddMembersInput{DIDs: []string{callerDID}, Commit: commit})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	h.fanOutCommit(ctx, req.ConvoID, "add", req.Commit, []string{callerDID}, "", nil, "")
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
}

// handleFetchWelcome returns every welcome currently available to the
// caller, marking each consumed per spec §4.6's two-phase fetch/confirm.
func (h *Handler) handleFetchWelcome(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDFetchWelcome)
	if !ok {
		return
	}
	welcomes, err := h.KeyPackages.FetchWelcomes(r.Context(), callerDID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(welcomes))
	for _, wm := range welcomes {
		out = append(out, map[string]interface{}{
			"id": wm.ID, "convoId": wm.ConvoID, "welcome": encodeBytes(wm.Data),
			"keyPackageHash": wm.KeyPackageHash, "createdAt": wm.CreatedAt,
		})
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"welcomes": out})
}

type confirmWelcomeReq struct {
	WelcomeID string `json:"welcomeId"`
}

// handleConfirmWelcome completes the two-phase welcome fetch: the client has
// processed the welcome locally and the key package it consumed can be
// finalized.
func (h *Handler) handleConfirmWelcome(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r, NSIDConfirmWelcome); !ok {
		return
	}
	var req confirmWelcomeReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.KeyPackages.ConfirmWelcome(r.Context(), req.WelcomeID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type invalidateWelcomeReq struct {
	WelcomeID string `json:"welcomeId"`
}

// handleInvalidateWelcome acknowledges a client that failed to process a
// fetched welcome (corrupt payload, stale epoch) and will not confirm it.
// It changes nothing in storage.
func (h *Handler) handleInvalidateWelcome(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r, NSIDInvalidateWelcome); !ok {
		return
	}
	var req invalidateWelcomeReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	// Invalidating is simply not confirming: the welcome-grace sweep
	// (internal/keypackage.ReleaseExpired) reclaims it once it ages out. The
	// welcome, its key package and any pending device addition are left as
	// they are by this call.
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type rejoinReq struct {
	ConvoID        string            `json:"convoId"`
	Commit         string            `json:"commit"`
	KeyPackageHash map[string]string `json:"keyPackageHash,omitempty"`
	Welcome        string            `json:"welcome,omitempty"`
}

// handleRejoin lets a caller who previously left (or was removed) rejoin a
// conversation that permits it, applying the commit as an AddMembers of
// themselves, gated on the conversation's allow_rejoin flag.
func (h *Handler) handleRejoin(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDRejoin)
	if !ok {
		return
	}
	var req rejoinReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	convo, err := h.Store.GetConversation(ctx, req.ConvoID)
	if err == storage.ErrNotFound {
		apiutil.WriteError(w, http.StatusNotFound, string(apierror.KindNotFound), "conversation not found")
		return
	}
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "load conversation", err))
		return
	}
	if !convo.AllowRejoin {
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindPolicyViolation), "this conversation does not allow rejoining")
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
		DIDs: []string{callerDID}, Commit: commit, Welcome: welcome, KeyPackageHash: req.KeyPackageHash,
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	h.fanOutCommit(ctx, req.ConvoID, "add", req.Commit, []string{callerDID}, req.Welcome, req.KeyPackageHash, "")
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
}

type readditionReq struct {
	ConvoID        string `json:"convoId"`
	DeviceID       string `json:"deviceId"`
	Commit         string `json:"commit"`
	KeyPackageHash string `json:"keyPackageHash"`
	Welcome        string `json:"welcome"`
}

// handleReaddition resolves a registerDevice fan-out: an existing device
// proposes the AddMembers commit that brings the caller's new device into
// scope, clearing the pending_device_additions row and the member's
// needs_rejoin flag once it lands.
func (h *Handler) handleReaddition(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDReaddition)
	if !ok {
		return
	}
	var req readditionReq
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
		apiutil.WriteError(w, http.StatusForbidden, string(apierror.KindForbidden), "this DS is not the sequencer for convoId")
		return
	}

	commit, ok := decodeBytes(w, "commit", req.Commit)
	if !ok {
		return
	}
	welcome, ok := decodeBytes(w, "welcome", req.Welcome)
	if !ok {
		return
	}

	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}
	res, err := actor.AddMembers(ctx, convoactor.AddMembersInput{
		DIDs: []string{callerDID}, Commit: commit, Welcome: welcome,
		KeyPackageHash: map[string]string{callerDID: req.KeyPackageHash},
	})
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	if err := h.Store.DeletePendingDeviceAddition(ctx, req.ConvoID, callerDID, req.DeviceID); err != nil {
		h.Logger.Warn("readdition: clear pending device addition failed", slog.String("error", err.Error()))
	}
	if err := h.Store.SetMemberNeedsRejoin(ctx, req.ConvoID, callerDID, false); err != nil {
		h.Logger.Warn("readdition: clear needs_rejoin failed", slog.String("error", err.Error()))
	}

	payload, err := json.Marshal(map[string]interface{}{
		"convoId": req.ConvoID, "action": "add", "commit": req.Commit,
		"addDids": []string{callerDID}, "welcome": req.Welcome,
		"keyPackageHash": map[string]string{callerDID: req.KeyPackageHash},
	})
	if err == nil {
		h.fanOutFederation(ctx, req.ConvoID, inbound.NSIDSubmitCommit, payload)
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"newEpoch": res.NewEpoch})
}
