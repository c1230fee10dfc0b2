package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/deadletter"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []Task
}

func (s *recordingSubmitter) Submit(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return true
}

type stubAuthenticator struct{ err error }

func (a stubAuthenticator) Authenticate(context.Context, []byte, string) error { return a.err }

func TestHandler_HandleVerify(t *testing.T) {
	h := NewHandler(HandlerConfig{VerifyToken: "verify-me"})

	t.Run("echoes challenge", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
		rec := httptest.NewRecorder()
		h.HandleVerify(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1158201444", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	})

	t.Run("wrong token is forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)
		rec := httptest.NewRecorder()
		h.HandleVerify(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

type stubTokenLookup struct {
	tokens map[string]bool
	err    error
}

func (l stubTokenLookup) HasVerifyToken(_ context.Context, token string) (bool, error) {
	return l.tokens[token], l.err
}

func TestHandler_HandleVerifyConnectionTokens(t *testing.T) {
	verify := func(h *Handler, query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?"+query, nil)
		rec := httptest.NewRecorder()
		h.HandleVerify(rec, req)
		return rec
	}

	h := NewHandler(HandlerConfig{
		VerifyToken:  "global-token",
		VerifyTokens: stubTokenLookup{tokens: map[string]bool{"tenant-a-token": true}},
	})

	t.Run("connection token is accepted", func(t *testing.T) {
		rec := verify(h, "hub.mode=subscribe&hub.verify_token=tenant-a-token&hub.challenge=42")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", rec.Body.String())
	})

	t.Run("global token still works", func(t *testing.T) {
		rec := verify(h, "hub.mode=subscribe&hub.verify_token=global-token&hub.challenge=7")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "7", rec.Body.String())
	})

	t.Run("unknown token is forbidden", func(t *testing.T) {
		rec := verify(h, "hub.mode=subscribe&hub.verify_token=tenant-b-token&hub.challenge=7")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("connection token still needs subscribe mode", func(t *testing.T) {
		rec := verify(h, "hub.mode=unsubscribe&hub.verify_token=tenant-a-token&hub.challenge=7")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("lookup failure falls back to global token", func(t *testing.T) {
		broken := NewHandler(HandlerConfig{
			VerifyToken:  "global-token",
			VerifyTokens: stubTokenLookup{err: errors.New("db down")},
		})
		assert.Equal(t, http.StatusOK, verify(broken, "hub.mode=subscribe&hub.verify_token=global-token&hub.challenge=1").Code)
		assert.Equal(t, http.StatusForbidden, verify(broken, "hub.mode=subscribe&hub.verify_token=tenant-a-token&hub.challenge=1").Code)
	})
}

func TestHandler_ThrottlesPerSourceAddress(t *testing.T) {
	sub := &recordingSubmitter{}
	dl := &recordingDeadLetters{}
	h := NewHandler(HandlerConfig{
		Processor:   sub,
		DeadLetters: dl,
		Throttle:    NewThrottle(ThrottleConfig{PerSecond: 0.001, Burst: 2}),
	})
	deliver := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := deliver("203.0.113.7:5000")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, deliver("198.51.100.2:6000").Code)

	assert.Len(t, sub.tasks, 3, "two from the burst of the first source plus one from the second")
	require.Len(t, dl.all(), 1)
	entry := dl.all()[0]
	assert.Equal(t, deadletter.SourceWebhook, entry.Source)
	assert.Equal(t, deadletter.ReasonRateLimited, entry.Reason)
	assert.Equal(t, textDelivery, string(entry.Payload))
	assert.Contains(t, entry.Error, "203.0.113.7")
}

func TestHandler_ThrottleKeysOnForwardedForWhenTrusted(t *testing.T) {
	sub := &recordingSubmitter{}
	h := NewHandler(HandlerConfig{
		Processor:         sub,
		Throttle:          NewThrottle(ThrottleConfig{PerSecond: 0.001, Burst: 1}),
		TrustForwardedFor: true,
	})
	for _, fwd := range []string{"192.0.2.1", "192.0.2.2, 10.0.0.1", "192.0.2.1"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		req.RemoteAddr = "10.0.0.1:443"
		req.Header.Set("X-Forwarded-For", fwd)
		h.HandleDelivery(httptest.NewRecorder(), req)
	}
	assert.Len(t, sub.tasks, 2)
}

func TestThrottle_NilAllowsEverything(t *testing.T) {
	var th *Throttle
	assert.Nil(t, NewThrottle(ThrottleConfig{}))
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow("x"))
	}
}

func TestHandler_HandleDelivery(t *testing.T) {
	t.Run("acknowledges and submits", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewHandler(HandlerConfig{Processor: sub})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		req.Header.Set(SignatureHeader, "sha256=abc")
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		require.Len(t, sub.tasks, 1)
		assert.Equal(t, "sha256=abc", sub.tasks[0].Signature)
		assert.False(t, sub.tasks[0].Verified)
		assert.Equal(t, textDelivery, string(sub.tasks[0].Body))
	})

	t.Run("invalid json is rejected", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewHandler(HandlerConfig{Processor: sub})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(`{"object":`))
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, sub.tasks)
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewHandler(HandlerConfig{Processor: sub, MaxBodyBytes: 16})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, sub.tasks)
	})

	t.Run("verify before ack rejects bad signature", func(t *testing.T) {
		sub := &recordingSubmitter{}
		dl := &recordingDeadLetters{}
		h := NewHandler(HandlerConfig{
			Processor:       sub,
			Authenticator:   stubAuthenticator{err: ErrSignatureMismatch},
			VerifyBeforeAck: true,
			DeadLetters:     dl,
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, sub.tasks)
		require.Len(t, dl.all(), 1)
		assert.Equal(t, deadletter.ReasonInvalidSignature, dl.all()[0].Reason)
	})

	t.Run("verify before ack marks task verified", func(t *testing.T) {
		sub := &recordingSubmitter{}
		h := NewHandler(HandlerConfig{
			Processor:       sub,
			Authenticator:   stubAuthenticator{},
			VerifyBeforeAck: true,
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(textDelivery))
		rec := httptest.NewRecorder()
		h.HandleDelivery(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, sub.tasks, 1)
		assert.True(t, sub.tasks[0].Verified)
	})
}
