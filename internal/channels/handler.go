package channels

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Handler exposes channel administration over HTTP.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

// HandleTenantChannels lists a tenant's connections with live status.
func (h *Handler) HandleTenantChannels(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenantID"))
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id is required"})
		return
	}
	channels, err := h.manager.TenantChannels(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing tenant channels failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing channels failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels, "count": len(channels)})
}

func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Statistics())
}

func (h *Handler) HandleChannelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.ChannelStatus(r.Context(), r.PathValue("tenantID"), r.PathValue("connectionID"))
	if err != nil {
		h.writeError(w, "reading channel status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID := r.PathValue("tenantID"), r.PathValue("connectionID")
	if err := h.manager.ReconnectChannel(r.Context(), tenantID, connectionID); err != nil {
		h.writeError(w, "reconnecting channel", err)
		return
	}
	h.logger.Info("channel reconnected", "tenant_id", tenantID, "connection_id", connectionID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID, connectionID := r.PathValue("tenantID"), r.PathValue("connectionID")
	if err := h.manager.DisconnectChannel(r.Context(), tenantID, connectionID); err != nil {
		h.writeError(w, "disconnecting channel", err)
		return
	}
	h.logger.Info("channel disconnected", "tenant_id", tenantID, "connection_id", connectionID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateIdentifier checks whether a phone number can receive
// messages on the connection.
func (h *Handler) HandleValidateIdentifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	valid, err := h.manager.ValidateIdentifier(r.Context(), r.PathValue("tenantID"), r.PathValue("connectionID"), req.ID)
	if err != nil {
		h.writeError(w, "validating identifier", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *Handler) HandleMessageStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := h.manager.MessageStatus(r.PathValue("tenantID"), r.PathValue("connectionID"), r.PathValue("messageID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "message status unknown"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) writeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrConnectionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
	case errors.Is(err, ErrChannelNotLive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrUnsupportedProvider):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrManagerClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		if sendErr, ok := AsSendError(err); ok {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": sendErr.Error(), "kind": string(sendErr.Kind)})
			return
		}
		h.logger.Error(action+" failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": action + " failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
