package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/catbird/mls-ds/internal/apierror"
	"github.com/catbird/mls-ds/internal/apiutil"
	"github.com/catbird/mls-ds/internal/keypackage"
	"github.com/catbird/mls-ds/internal/models"
)

type registerDeviceReq struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

// handleRegisterDevice announces a new device for the caller. There is no
// separate device table — device identity lives on each conversation's
// member row — so registration fans out a readdition request to every
// conversation the caller already belongs to: each flags needs_rejoin and
// records a pending_device_additions row, and the caller's existing devices
// see a readdition-requested event telling them to propose the AddMembers
// commit that brings the new device's key material into scope (spec §4.5).
func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDRegisterDevice)
	if !ok {
		return
	}
	var req registerDeviceReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "deviceId is required")
		return
	}

	ctx := r.Context()
	convos, err := h.Store.ListConversationsForUser(ctx, callerDID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, apierror.Wrap(apierror.KindStorageError, "list conversations for registration fan-out", err))
		return
	}

	for _, convo := range convos {
		if err := h.Store.InsertPendingDeviceAddition(ctx, models.PendingDeviceAddition{
			ID: models.NewID().String(), ConvoID: convo.ID, UserDID: callerDID,
			DeviceID: req.DeviceID, RequestedBy: callerDID, CreatedAt: time.Now().UTC(),
		}); err != nil {
			h.Logger.Warn("register device: insert pending addition failed", slog.String("convo_id", convo.ID), slog.String("error", err.Error()))
			continue
		}
		if err := h.Store.SetMemberNeedsRejoin(ctx, convo.ID, callerDID, true); err != nil {
			h.Logger.Warn("register device: flag needs_rejoin failed", slog.String("convo_id", convo.ID), slog.String("error", err.Error()))
		}
		if _, err := h.Events.Emit(ctx, convo.ID, models.EventTypeReadditionRequested, map[string]interface{}{
			"user_did": callerDID, "device_id": req.DeviceID, "device_name": req.DeviceName,
		}, nil); err != nil {
			h.Logger.Warn("register device: emit readdition event failed", slog.String("convo_id", convo.ID), slog.String("error", err.Error()))
		}
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "conversationsNotified": len(convos)})
}

type publishKeyPackagesReq struct {
	DeviceID       string   `json:"deviceId"`
	Packages       []string `json:"packages"` // base64-encoded, one per cipher suite / batch entry
	CipherSuite    string   `json:"cipherSuite"`
	Hashes         []string `json:"hashes"`
	ExpiresInSecs  int      `json:"expiresInSecs,omitempty"`
	Recovery       bool     `json:"recovery,omitempty"`
}

// handlePublishKeyPackages implements spec §4.6's publish path, delegating
// the upload caps and recovery-mode bypass to internal/keypackage.
func (h *Handler) handlePublishKeyPackages(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDPublishKeyPackages)
	if !ok {
		return
	}
	var req publishKeyPackagesReq
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if len(req.Packages) != len(req.Hashes) {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "packages and hashes must be the same length")
		return
	}

	expiresIn := 30 * 24 * time.Hour
	if req.ExpiresInSecs > 0 {
		expiresIn = time.Duration(req.ExpiresInSecs) * time.Second
	}
	now := time.Now().UTC()

	packages := make([]models.KeyPackage, 0, len(req.Packages))
	for i, encoded := range req.Packages {
		data, ok := decodeBytes(w, "packages["+req.Hashes[i]+"]", encoded)
		if !ok {
			return
		}
		var deviceID *string
		if req.DeviceID != "" {
			deviceID = &req.DeviceID
		}
		packages = append(packages, models.KeyPackage{
			OwnerDID: callerDID, Hash: req.Hashes[i], CipherSuite: req.CipherSuite,
			Data: data, DeviceID: deviceID, CreatedAt: now, ExpiresAt: now.Add(expiresIn),
		})
	}

	if err := h.KeyPackages.Publish(r.Context(), keypackage.PublishInput{
		OwnerDID: callerDID, DeviceID: req.DeviceID, Packages: packages, Recovery: req.Recovery,
	}); err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"published": len(packages)})
}

// handleGetKeyPackages reserves and returns one available key package for a
// target identity — the caller's own devices fetching their own material to
// verify what's published, or (more commonly) a client about to start a
// conversation fetching the invitee's package to seal a welcome to.
func (h *Handler) handleGetKeyPackages(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r, NSIDGetKeyPackages); !ok {
		return
	}
	ownerDID := r.URL.Query().Get("ownerDid")
	deviceID := r.URL.Query().Get("deviceId")
	if ownerDID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, string(apierror.KindInvalidInput), "ownerDid is required")
		return
	}

	kp, err := h.KeyPackages.Reserve(r.Context(), ownerDID, deviceID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ownerDid": kp.OwnerDID, "hash": kp.Hash, "cipherSuite": kp.CipherSuite, "data": encodeBytes(kp.Data),
	})
}

// handleGetKeyPackageStats reports the caller's own unconsumed key package
// count, so a client can decide whether to top up its published batch.
func (h *Handler) handleGetKeyPackageStats(w http.ResponseWriter, r *http.Request) {
	callerDID, ok := h.authenticate(w, r, NSIDGetKeyPackageStats)
	if !ok {
		return
	}
	deviceID := r.URL.Query().Get("deviceId")
	n, err := h.KeyPackages.Stats(r.Context(), callerDID, deviceID)
	if err != nil {
		apiutil.WriteAPIError(w, h.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"unconsumed": n})
}
