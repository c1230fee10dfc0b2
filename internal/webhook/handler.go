package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/valinor-ai/relay/internal/deadletter"
	"github.com/valinor-ai/relay/internal/platform/middleware"
)

const defaultMaxBodyBytes = 1 << 20

// Submitter accepts acknowledged deliveries for background processing.
type Submitter interface {
	Submit(task Task) bool
}

// Authenticator verifies a delivery signature synchronously.
type Authenticator interface {
	Authenticate(ctx context.Context, body []byte, signature string) error
}

// VerifyTokenLookup reports whether a token was provisioned on any
// connection.
type VerifyTokenLookup interface {
	HasVerifyToken(ctx context.Context, token string) (bool, error)
}

// VerifyTokenLookupFunc adapts a function to VerifyTokenLookup.
type VerifyTokenLookupFunc func(ctx context.Context, token string) (bool, error)

func (f VerifyTokenLookupFunc) HasVerifyToken(ctx context.Context, token string) (bool, error) {
	return f(ctx, token)
}

type HandlerConfig struct {
	Processor     Submitter
	Authenticator Authenticator
	// VerifyTokens resolves per-connection handshake tokens. VerifyToken is
	// accepted when no connection claims the presented token.
	VerifyTokens VerifyTokenLookup
	VerifyToken  string
	// Throttle limits deliveries per client address. Throttled deliveries
	// are acknowledged and dead-lettered without processing.
	Throttle          *Throttle
	TrustForwardedFor bool
	// VerifyBeforeAck checks the signature before answering, so forged
	// deliveries get 401 instead of 200.
	VerifyBeforeAck bool
	MaxBodyBytes    int64
	DeadLetters     deadletter.Log
	Logger          *slog.Logger
}

// Handler serves the WhatsApp webhook endpoints.
type Handler struct {
	processor       Submitter
	authenticator   Authenticator
	challenge       ChallengeVerifier
	verifyTokens    VerifyTokenLookup
	verifyToken     string
	throttle        *Throttle
	trustForwarded  bool
	verifyBeforeAck bool
	maxBodyBytes    int64
	deadLetters     deadletter.Log
	logger          *slog.Logger
	now             func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.DeadLetters == nil {
		cfg.DeadLetters = deadletter.NopLog{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		processor:       cfg.Processor,
		authenticator:   cfg.Authenticator,
		verifyTokens:    cfg.VerifyTokens,
		verifyToken:     cfg.VerifyToken,
		throttle:        cfg.Throttle,
		trustForwarded:  cfg.TrustForwardedFor,
		verifyBeforeAck: cfg.VerifyBeforeAck,
		maxBodyBytes:    cfg.MaxBodyBytes,
		deadLetters:     cfg.DeadLetters,
		logger:          logger,
		now:             time.Now,
	}
}

// HandleVerify answers the subscription handshake by echoing hub.challenge.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	token := q.Get("hub.verify_token")
	err := h.challenge.Verify(q.Get("hub.mode"), token, challenge, h.expectedToken(r.Context(), token))
	if err != nil {
		h.logger.Warn("webhook verification rejected",
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "verification failed"})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// expectedToken returns token itself when a connection was provisioned with
// it and the global verify token otherwise.
func (h *Handler) expectedToken(ctx context.Context, token string) string {
	if h.verifyTokens == nil || token == "" {
		return h.verifyToken
	}
	ok, err := h.verifyTokens.HasVerifyToken(ctx, token)
	if err != nil {
		h.logger.Error("verify token lookup failed",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		return h.verifyToken
	}
	if ok {
		return token
	}
	return h.verifyToken
}

// HandleDelivery reads and acknowledges a webhook delivery, handing it to the
// processor.
func (h *Handler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			webhookDeliveriesCounter.WithLabelValues("too_large").Inc()
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !json.Valid(body) {
		webhookDeliveriesCounter.WithLabelValues("invalid_json").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if source := clientIP(r, h.trustForwarded); !h.throttle.Allow(source) {
		webhookDeliveriesCounter.WithLabelValues("rate_limited").Inc()
		h.logger.Warn("webhook delivery throttled", "request_id", requestID, "source", source)
		h.deadLetters.Log(r.Context(), deadletter.Entry{
			Source:    deadletter.SourceWebhook,
			Reason:    deadletter.ReasonRateLimited,
			Reference: requestID,
			Payload:   body,
			Error:     "source " + source + " exceeded delivery rate",
		})
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	task := Task{
		Body:       body,
		Signature:  r.Header.Get(SignatureHeader),
		RequestID:  requestID,
		ReceivedAt: h.now(),
	}

	if h.verifyBeforeAck {
		if err := h.authenticator.Authenticate(r.Context(), body, task.Signature); err != nil {
			webhookDeliveriesCounter.WithLabelValues("rejected").Inc()
			h.logger.Warn("webhook signature rejected", "request_id", requestID, "error", err)
			h.deadLetters.Log(r.Context(), deadletter.Entry{
				Source:    deadletter.SourceWebhook,
				Reason:    deadletter.ReasonInvalidSignature,
				Reference: requestID,
				Payload:   body,
				Error:     err.Error(),
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
		task.Verified = true
	}

	h.processor.Submit(task)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
