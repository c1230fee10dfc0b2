package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/dispatch"
	"github.com/valinor-ai/relay/internal/events"
	"github.com/valinor-ai/relay/internal/platform/middleware"
	"github.com/valinor-ai/relay/internal/webhook"
)

// Pinger reports database liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	DB                 Pinger
	WebhookHandler     *webhook.Handler
	DispatchHandler    *dispatch.Handler
	ChannelHandler     *channels.Handler
	StreamHandler      *events.StreamHandler
	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

type Server struct {
	httpServer *http.Server
	db         Pinger
	handler    http.Handler
}

func New(addr string, deps Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		db: deps.DB,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	if h := deps.WebhookHandler; h != nil {
		mux.HandleFunc("GET /webhooks/whatsapp", h.HandleVerify)
		mux.HandleFunc("POST /webhooks/whatsapp", h.HandleDelivery)
	}

	if h := deps.DispatchHandler; h != nil {
		mux.HandleFunc("POST /api/v1/messages", h.HandleSendMessage)
		mux.HandleFunc("GET /api/v1/queue/stats", h.HandleStats)
		mux.HandleFunc("POST /api/v1/queue/pause", h.HandlePause)
		mux.HandleFunc("POST /api/v1/queue/resume", h.HandleResume)
		mux.HandleFunc("POST /api/v1/queue/clean", h.HandleClean)
		mux.HandleFunc("GET /api/v1/queue/jobs/{id}", h.HandleGetJob)
		mux.HandleFunc("DELETE /api/v1/queue/jobs/{id}", h.HandleRemoveJob)
	}

	if h := deps.ChannelHandler; h != nil {
		mux.HandleFunc("GET /api/v1/channels/statistics", h.HandleStatistics)
		mux.HandleFunc("GET /api/v1/channels/{tenantID}", h.HandleTenantChannels)
		mux.HandleFunc("GET /api/v1/channels/{tenantID}/{connectionID}/status", h.HandleChannelStatus)
		mux.HandleFunc("POST /api/v1/channels/{tenantID}/{connectionID}/reconnect", h.HandleReconnect)
		mux.HandleFunc("POST /api/v1/channels/{tenantID}/{connectionID}/validate", h.HandleValidateIdentifier)
		mux.HandleFunc("GET /api/v1/channels/{tenantID}/{connectionID}/messages/{messageID}/status", h.HandleMessageStatus)
		mux.HandleFunc("DELETE /api/v1/channels/{tenantID}/{connectionID}", h.HandleDisconnect)
	}

	if deps.StreamHandler != nil {
		mux.HandleFunc("GET /api/v1/events/stream", deps.StreamHandler.HandleStream)
	}

	// Middleware chain (outermost first): CORS -> RequestID -> Logging -> mux
	var handler http.Handler = mux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
