// Package deadletter records work the service accepted but could not
// complete, so operators can inspect and replay it.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one undeliverable unit of work.
type Entry struct {
	ID        uuid.UUID
	Source    string // "webhook", "dispatch", "events"
	Reason    string // e.g. "overflow", "invalid_signature", "rate_limited", "exhausted"
	Reference string // request id, job id
	Payload   json.RawMessage
	Error     string
	CreatedAt time.Time
}

const (
	SourceWebhook  = "webhook"
	SourceDispatch = "dispatch"
	SourceEvents   = "events"
)

const (
	ReasonOverflow         = "overflow"
	ReasonInvalidSignature = "invalid_signature"
	ReasonValidation       = "validation"
	ReasonProcessing       = "processing"
	ReasonExhausted        = "exhausted"
	ReasonRateLimited      = "rate_limited"
	ReasonUndeliverable    = "undeliverable"
)

// Log is the dead-letter sink. Log is fire-and-forget.
type Log interface {
	Log(ctx context.Context, entry Entry)
	Close() error
}

// NopLog discards entries; used in tests and when no database is configured.
type NopLog struct{}

func (NopLog) Log(context.Context, Entry) {}
func (NopLog) Close() error               { return nil }
