package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/convoactor"
	"github.com/catbird/mls-ds/internal/inbound"
)

// errorBody turns any error into the (status, body) pair idempotent's fn
// signature expects, using the same taxonomy apiutil.WriteAPIError applies
// to non-idempotent responses.
func errorBody(logger *slog.Logger, err error) (int, interface{}) {
	if e, ok := apierror.As(err); ok {
		return apierror.HTTPStatus(e.Kind), apiutil.ErrorBody{Error: string(e.Kind), Message: e.Message}
	}
	logger.Error("unclassified internal error during idempotent call", slog.String("error", err.Error()))
	return http.StatusInternalServerError, apiutil.ErrorBody{Error: string(apierror.KindStorageError), Message: "internal error"}
}

type sendMessageReq struct {
	ConvoID        string `json:"convoId"`
	Ciphertext     string `json:"ciphertext"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Epoch          uint64 `json:"epoch"`
	PaddedSize     int    `json:"paddedSize,omitempty"`
}

// handleSendMessage applies a ciphertext message locally through the
// conversation actor, then fans the same payload out to every remote
// participant DS via deliverMessage (spec §4.9's federated fan-out).
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDSendMessage)
	if !ok {
		return
	}
	var req sendMessageReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.requireActiveMember(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	ciphertext, ok := decodeBytes(w, "ciphertext", req.Ciphertext)
	if !ok {
		return
	}

	h.idempotent(w, r, NSIDSendMessage, req.IdempotencyKey, func() (int, interface{}) {
		actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
		if err != nil {
			return errorBody(h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		}
		res, err := actor.SendMessage(ctx, convoactor.SendMessageInput{
			SenderDID: callerDID, Ciphertext: ciphertext, ClientMsgID: req.ClientMsgID,
			IdempotencyKey: req.IdempotencyKey, Epoch: req.Epoch, PaddedSize: req.PaddedSize,
		})
		if err != nil {
			return errorBody(h.Logger, err)
		}

		payload, err := json.Marshal(map[string]interface{}{
			"convoId": req.ConvoID, "senderDid": callerDID, "ciphertext": req.Ciphertext,
			"clientMsgId": req.ClientMsgID, "idempotencyKey": req.IdempotencyKey,
			"epoch": req.Epoch, "paddedSize": req.PaddedSize,
		})
		if err == nil {
			h.fanOutFederation(ctx, req.ConvoID, inbound.NSIDDeliverMessage, payload)
		}

		return http.StatusOK, map[string]interface{}{"messageId": res.MessageID, "createdAt": res.CreatedAt}
	})
}

// handleGetMessages returns messages for a conversation after a given
// sequence number, for client catch-up/backfill.
func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetMessages)
	if !ok {
		return
	}
	ctx := r.Context()
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}
	if _, err := h.requireActiveMember(ctx, convoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}

	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "invalid since")
			return
		}
		since = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	messages, err := h.Store.ListMessagesSince(ctx, convoID, since, limit)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list messages", err))
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

type updateCursorReq struct {
	ConvoID string `json:"convoId"`
}

// handleUpdateCursor marks everything in convoId read by the caller's
// account, resetting the unread badge across every one of their devices.
func (h *Handler) handleUpdateCursor(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDUpdateCursor)
	if !ok {
		return
	}
	var req updateCursorReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.requireActiveMember(ctx, req.ConvoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	actor, err := h.Registry.GetOrSpawn(ctx, req.ConvoID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "spawn conversation actor", err))
		return
	}
	if err := actor.ResetUnread(ctx, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handleSubscribeConvoEvents upgrades to WebSocket and streams convoId's
// event log to the caller's own client, the local-client counterpart of
// internal/inbound's federation subscription endpoint.
func (h *Handler) handleSubscribeConvoEvents(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDSubscribeConvoEvents)
	if !ok {
		return
	}
	ctx := r.Context()
	convoID := r.URL.Query().Get("convoId")
	cursorParam := r.URL.Query().Get("cursor")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "convoId is required")
		return
	}
	if _, err := h.requireActiveMember(ctx, convoID, callerDID); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	h.Realtime.ServeWS(w, r, convoID, cursorParam)
}
