package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/platform/middleware"
	"github.com/valinor-ai/relay/internal/platform/server"
	"github.com/valinor-ai/relay/internal/webhook"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestServer_HealthCheck(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadinessCheck_NoDB(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_ReadinessCheck(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ping ok", nil, http.StatusOK},
		{"ping failed", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := server.New(":0", server.Dependencies{DB: fakePinger{err: tt.err}})

			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestServer_NotFound(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_OptionalRoutesAbsentWithoutHandlers(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	for _, path := range []string{"/webhooks/whatsapp", "/api/v1/queue/stats", "/api/v1/channels/statistics"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_WebhookRoutes(t *testing.T) {
	processor := webhook.NewProcessor(webhook.ProcessorConfig{BufferSize: 4})
	srv := server.New(":0", server.Dependencies{
		WebhookHandler: webhook.NewHandler(webhook.HandlerConfig{
			Processor:   processor,
			VerifyToken: "verify-me",
		}),
	})

	t.Run("subscription handshake", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
		w := httptest.NewRecorder()

		srv.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1158201444", w.Body.String())
		assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("delivery acknowledged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp",
			strings.NewReader(`{"object":"whatsapp_business_account","entry":[]}`))
		w := httptest.NewRecorder()

		srv.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	})
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := server.New(":0", server.Dependencies{CORSAllowedOrigins: []string{"https://console.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/queue/stats", nil)
	req.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStop(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give server time to start, then cancel
	cancel()

	err := <-errCh
	assert.NoError(t, err)
}
