package api

import (
	"net/http"
	"time"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/models"
	"github.com/catbird/mls-ds/internal/storage"
)

type reportMemberReq struct {
	ConvoID string `json:"convoId"`
	Target  string `json:"target"`
	Reason  string `json:"reason"`
}

// handleReportMember files a moderation report against another member of a
// shared conversation.
func (h *Handler) handleReportMember(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDReportMember)
	if !ok {
		return
	}
	var req reportMemberReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Target == "" || req.Reason == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "target and reason are required")
		return
	}

	ctx := r.Context()
	if _, err := h.requireActiveMember(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if _, err := h.requireActiveMember(ctx, req.ConvoID, req.Target); err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "target is not a member of this conversation")
		return
	}

	report := models.Report{
		ID: models.NewID().String(), ConvoID: req.ConvoID, Reporter: callerDID,
		Target: req.Target, Reason: req.Reason, Status: models.ReportOpen, CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.InsertReport(ctx, report); err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "insert report", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"reportId": report.ID})
}

type resolveReportReq struct {
	ReportID string `json:"reportId"`
}

// handleResolveReport marks an open report resolved. The caller must be a
// moderator or admin of the report's conversation.
func (h *Handler) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDResolveReport)
	if !ok {
		return
	}
	var req resolveReportReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	resolved, err := h.Store.ResolveReport(ctx, req.ReportID, time.Now().UTC())
	if err == storage.ErrNotFound {
		apiutil.WriteError(w, http.StatusNotFound, string(apierror.KindNotFound), "report not found or already resolved")
		return
	}
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "resolve report", err))
		return
	}
	if _, err := h.requireModerator(ctx, resolved.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"report": resolved})
}

type warnMemberReq struct {
	ConvoID string `json:"convoId"`
	Target  string `json:"target"`
	Reason  string `json:"reason,omitempty"`
}

// handleWarnMember issues a moderator warning against a member, emitted as
// a warning event on the conversation's event stream (naming the target)
// without mutating membership.
func (h *Handler) handleWarnMember(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDWarnMember)
	if !ok {
		return
	}
	var req warnMemberReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.requireModerator(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	if _, err := h.requireActiveMember(ctx, req.ConvoID, req.Target); err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "target is not a member of this conversation")
		return
	}

	if _, err := h.Events.Emit(ctx, req.ConvoID, models.EventTypeWarning, map[string]interface{}{
		"target": req.Target, "issuedBy": callerDID, "reason": req.Reason,
	}, nil); err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "emit warning event", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleGetReports lists every report filed within a conversation, for its
// moderators.
func (h *Handler) handleGetReports(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetReports)
	if !ok {
		return
	}
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}

	ctx := r.Context()
	if _, err := h.requireModerator(ctx, convoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	reports, err := h.Store.ListReportsForConvo(ctx, convoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list reports", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

// handleGetAdminStats reports a moderator-facing summary of a conversation's
// report volume: open vs. resolved counts.
func (h *Handler) handleGetAdminStats(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetAdminStats)
	if !ok {
		return
	}
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}

	ctx := r.Context()
	if _, err := h.requireModerator(ctx, convoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	reports, err := h.Store.ListReportsForConvo(ctx, convoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list reports", err))
		return
	}
	var open, resolved int
	for _, rep := range reports {
		if rep.Status == models.ReportOpen {
			open++
		} else {
			resolved++
		}
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"totalReports": len(reports), "open": open, "resolved": resolved,
	})
}

// handleCheckBlocks reports whether the caller and a given DID block each
// other, gating client-side UI before a sendMessage/addMembers attempt.
func (h *Handler) handleCheckBlocks(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDCheckBlocks)
	if !ok {
		return
	}
	other := r.URL.Query().Get("did")
	if other == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "did is required")
		return
	}
	blocked, err := h.Store.IsBlocked(r.Context(), callerDID, other)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "check blocks", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"blocked": blocked})
}

// handleGetBlockStatus returns every DID the caller has blocked.
func (h *Handler) handleGetBlockStatus(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetBlockStatus)
	if !ok {
		return
	}
	blocks, err := h.Store.ListBlocks(r.Context(), callerDID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list blocks", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"blocked": blocks})
}

type blockChangeReq struct {
	BlockedDID string `json:"blockedDid"`
	Blocked    bool   `json:"blocked"`
}

// handleBlockChange syncs a Bluesky actor block event from the caller's PDS
// into this DS's mirror, so future sendMessage/addMembers calls can gate on
// it without re-querying the PDS.
func (h *Handler) handleBlockChange(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDHandleBlockChange)
	if !ok {
		return
	}
	var req blockChangeReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.BlockedDID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "blockedDid is required")
		return
	}

	ctx := r.Context()
	if req.Blocked {
		if err := h.Store.UpsertBlock(ctx, models.Block{
			UserDID: callerDID, BlockedDID: req.BlockedDID, SyncedAt: time.Now().UTC(),
		}); err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "upsert block", err))
			return
		}
	} else {
		if err := h.Store.DeleteBlock(ctx, callerDID, req.BlockedDID); err != nil {
			apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "delete block", err))
			return
		}
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
