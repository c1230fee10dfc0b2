package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/deadletter"
	"github.com/valinor-ai/relay/internal/events"
)

const testPhoneNumberID = "106540352242922"

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

type fakeResolver struct {
	mu    sync.Mutex
	conns map[string]channels.Connection
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, externalID string) (channels.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, externalID)
	conn, ok := f.conns[externalID]
	return conn, ok
}

func newFakeResolver(conns ...channels.Connection) *fakeResolver {
	r := &fakeResolver{conns: map[string]channels.Connection{}}
	for _, c := range conns {
		r.conns[c.ExternalID] = c
	}
	return r
}

type fakeChannels struct {
	mu       sync.Mutex
	events   []events.Event
	marked   []string
	markErr  error
	panicFor events.Kind
}

func (f *fakeChannels) HandleWebhook(_ context.Context, _ channels.Connection, e events.Event) error {
	if f.panicFor != "" && e.Kind == f.panicFor {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeChannels) MarkAsRead(_ context.Context, _ channels.Connection, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, messageID)
	return f.markErr
}

func (f *fakeChannels) kinds() []events.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Kind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func (f *fakeChannels) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (r *recordingDeadLetters) Log(_ context.Context, e deadletter.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingDeadLetters) Close() error { return nil }

func (r *recordingDeadLetters) all() []deadletter.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadletter.Entry(nil), r.entries...)
}

func testConnection() channels.Connection {
	return channels.Connection{
		ID:           "conn-1",
		TenantID:     "tenant-1",
		ProviderType: channels.ProviderWhatsAppCloud,
		ExternalID:   testPhoneNumberID,
		Config: channels.ConnectionConfig{
			PhoneNumberID: testPhoneNumberID,
			AppSecret:     "conn-secret",
		},
		Status: channels.StatusActive,
	}
}

// textDelivery is a single inbound text message from 5511999990000.
const textDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511999990000"}],
        "messages": [{
          "from": "5511999990000",
          "id": "wamid.HELLO",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "Hello"}
        }]
      }
    }]
  }]
}`
