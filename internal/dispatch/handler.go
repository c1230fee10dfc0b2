package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/valinor-ai/relay/internal/channels"
)

// ConnectionLookup finds the connection a message is sent through.
type ConnectionLookup interface {
	Get(ctx context.Context, tenantID, connectionID string) (channels.Connection, error)
}

// Handler serves the queue admin and message submission endpoints.
type Handler struct {
	queue       *Queue
	connections ConnectionLookup
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewHandler(queue *Queue, connections ConnectionLookup, validate *validator.Validate, logger *slog.Logger) *Handler {
	if validate == nil {
		validate = NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, connections: connections, validate: validate, logger: logger}
}

type sendMessageRequest struct {
	TenantID       string                   `json:"tenantId" validate:"required"`
	ConnectionID   string                   `json:"connectionId" validate:"required"`
	To             string                   `json:"to" validate:"required,min=5,max=20"`
	Message        channels.OutboundMessage `json:"message"`
	Priority       int                      `json:"priority" validate:"gte=0,lte=100"`
	RateLimitClass string                   `json:"rateLimitClass,omitempty"`
}

type cleanRequest struct {
	OlderThanSeconds int    `json:"olderThanSeconds" validate:"gte=0"`
	State            string `json:"state" validate:"required,oneof=completed failed"`
}

// HandleSendMessage enqueues an outbound message.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed: " + err.Error()})
		return
	}

	class := req.RateLimitClass
	if h.connections != nil {
		conn, err := h.connections.Get(r.Context(), req.TenantID, req.ConnectionID)
		if err != nil {
			if errors.Is(err, channels.ErrConnectionNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
				return
			}
			h.logger.Error("looking up connection failed", "connection_id", req.ConnectionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "looking up connection failed"})
			return
		}
		if class == "" {
			class = conn.Class()
		}
	}

	handle, err := h.queue.Enqueue(r.Context(), Request{
		TenantID:       req.TenantID,
		ConnectionID:   req.ConnectionID,
		Recipient:      req.To,
		Message:        req.Message,
		Priority:       req.Priority,
		RateLimitClass: class,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrQueueStopped):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			h.logger.Error("enqueueing message failed", "connection_id", req.ConnectionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueueing message failed"})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.logger.Info("dispatch queue paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.logger.Info("dispatch queue resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) HandleClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed: " + err.Error()})
		return
	}

	removed, err := h.queue.Clean(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second, State(req.State))
	if err != nil {
		h.logger.Error("cleaning jobs failed", "state", req.State, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleaning jobs failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	job, ok := h.queue.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) HandleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	switch err := h.queue.Remove(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, ErrJobActive), errors.Is(err, ErrJobFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("removing job failed", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "removing job failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
