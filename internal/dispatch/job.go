// Package dispatch is the rate-limited outbound message queue. Jobs are
// grouped into lanes by rate-limit class; each lane paces its own workers.
package dispatch

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/relay/internal/channels"
)

// State is the lifecycle state of a job.
//
//	queued -> active -> completed
//	delayed -> queued
//	active -> retry_wait -> queued
//	active -> failed
type State string

const (
	StateQueued    State = "queued"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateRetryWait State = "retry_wait"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// scheduled reports whether a job in state s waits for its NextRunAt.
func (s State) scheduled() bool {
	return s == StateDelayed || s == StateRetryWait
}

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateDelayed, StateActive, StateRetryWait, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobActive      = errors.New("job is being processed")
	ErrJobFinished    = errors.New("job already finished")
	ErrInvalidRequest = errors.New("invalid dispatch request")
	ErrInvalidState   = errors.New("state must be completed or failed")
	ErrQueueStopped   = errors.New("dispatch queue is stopped")
)

// Job is one outbound message and its delivery bookkeeping.
type Job struct {
	ID             uuid.UUID                `json:"id"`
	ConnectionID   string                   `json:"connectionId"`
	TenantID       string                   `json:"tenantId"`
	Recipient      string                   `json:"recipient"`
	Kind           string                   `json:"kind"`
	Payload        channels.OutboundMessage `json:"payload"`
	Priority       int                      `json:"priority"`
	Attempts       int                      `json:"attempts"`
	MaxAttempts    int                      `json:"maxAttempts"`
	Delay          time.Duration            `json:"delay"`
	State          State                    `json:"state"`
	NextRunAt      time.Time                `json:"nextRunAt"`
	LastError      string                   `json:"lastError,omitempty"`
	ExternalID     string                   `json:"externalId,omitempty"`
	RateLimitClass string                   `json:"rateLimitClass"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

// Request asks for one message to be sent. Priority and RateLimitClass are
// optional.
type Request struct {
	TenantID       string
	ConnectionID   string
	Recipient      string
	Message        channels.OutboundMessage
	Priority       int
	RateLimitClass string
}

// Handle identifies an accepted job.
type Handle struct {
	ID       uuid.UUID     `json:"id"`
	State    State         `json:"state"`
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay"`
}

type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

// RateLimitConfig paces one connection class.
type RateLimitConfig struct {
	MessagesPerSecond int
	BurstSize         int
	Concurrency       int
}

// DefaultRateLimit matches the Cloud API's default business throughput.
var DefaultRateLimit = RateLimitConfig{MessagesPerSecond: 80, BurstSize: 100, Concurrency: 80}

// workers is the number of concurrent senders for the class.
func (c RateLimitConfig) workers() int {
	return max(1, min(c.Concurrency, c.MessagesPerSecond))
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = DefaultRateLimit.MessagesPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultRateLimit.BurstSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.MessagesPerSecond
	}
	return c
}

// kindOf names the shape of msg. Template and media groups win over Type so
// that the job kind always matches the provider call that will be made.
func kindOf(msg channels.OutboundMessage) string {
	switch {
	case msg.Template != nil:
		return "template"
	case msg.Media != nil && msg.Media.Type != "":
		return msg.Media.Type
	case msg.Media != nil:
		return "media"
	default:
		return msg.Type
	}
}

// DefaultPriority ranks message kinds. Higher runs first.
func DefaultPriority(kind string) int {
	switch kind {
	case "template":
		return 10
	case "location", "contacts":
		return 7
	case "text", "interactive":
		return 5
	case "media", "image", "video", "audio", "document":
		return 3
	default:
		return 1
	}
}

// admissionDelay spreads work beyond the burst allowance at the class rate.
func admissionDelay(load int, limits RateLimitConfig, maxDelay time.Duration) time.Duration {
	if load <= limits.BurstSize || limits.MessagesPerSecond <= 0 {
		return 0
	}
	ms := (load - limits.BurstSize) * 1000 / limits.MessagesPerSecond
	return min(time.Duration(ms)*time.Millisecond, maxDelay)
}

// retryDelay is base * 2^(attempts-1).
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts <= 1 {
		return base
	}
	return base << (attempts - 1)
}
