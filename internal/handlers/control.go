// Package handlers exposes the operator control endpoints of the hub.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/hub"
	"github.com/ukydev/trackhub/internal/middleware"
	"github.com/ukydev/trackhub/internal/session"
)

const commandTimeout = 5 * time.Second

// Controller is the part of the hub the control endpoints drive.
type Controller interface {
	SetRelay(ctx context.Context, pairingID string, on bool) error
	AckAlerts(pairingID string) error
	SessionCount() int
}

// ControlHandler serves relay and acknowledgement requests
type ControlHandler struct {
	hub Controller
}

// NewControlHandler creates a new control handler
func NewControlHandler(c Controller) *ControlHandler {
	return &ControlHandler{hub: c}
}

// RelayRequest is the body of a relay toggle.
type RelayRequest struct {
	On bool `json:"on"`
}

// Health reports the number of live sessions.
func (h *ControlHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.hub.SessionCount(),
	})
}

// SetRelay sends a relay command to the device of a pairing. The device
// answer arrives later as a track-event.
func (h *ControlHandler) SetRelay(w http.ResponseWriter, r *http.Request) {
	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	pairingID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	if err := h.hub.SetRelay(ctx, pairingID, req.On); err != nil {
		h.fail(w, r, pairingID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": pairingID, "on": req.On})
}

// AckAlerts acknowledges the active alerts of a pairing.
func (h *ControlHandler) AckAlerts(w http.ResponseWriter, r *http.Request) {
	pairingID := chi.URLParam(r, "id")
	if err := h.hub.AckAlerts(pairingID); err != nil {
		h.fail(w, r, pairingID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControlHandler) fail(w http.ResponseWriter, r *http.Request, pairingID string, err error) {
	status := statusFor(err)
	entry := log.WithFields(log.Fields{"pairing_id": pairingID, "path": r.URL.Path})
	if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
		entry = entry.WithField("user_id", claims.UserID)
	}
	if status == http.StatusInternalServerError {
		entry.WithError(err).Error("control request failed")
	} else {
		entry.WithError(err).Debug("control request rejected")
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDeviceOffline):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, hub.ErrInvalidPairingID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
