// Package events defines the normalized events produced by webhook ingest and
// outbound dispatch, and the in-process bus that fans them out.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names an event variant. Kinds double as AMQP routing keys.
type Kind string

const (
	KindMessageReceived Kind = "message.received"
	KindStatusUpdate    Kind = "message.status"
	KindContactUpdated  Kind = "contact.updated"
	KindTemplateStatus  Kind = "template.status"
	KindAccountAlert    Kind = "account.alert"
	KindPhoneQuality    Kind = "phone.quality"
	KindUnhandled       Kind = "change.unhandled"
	KindChannelStatus   Kind = "channel.status"
	KindMessageSent     Kind = "message.sent"
	KindMessageFailed   Kind = "message.failed"
)

// Event is one immutable unit handed to downstream consumers. Inbound events
// are derived from a single webhook change; outbound events report the
// outcome of a dispatch job.
type Event struct {
	ID                uuid.UUID `json:"id"`
	Kind              Kind      `json:"kind"`
	ConnectionID      string    `json:"connectionId"`
	TenantID          string    `json:"tenantId"`
	ExternalMessageID string    `json:"externalMessageId,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Payload           Payload   `json:"payload"`
}

// Payload is implemented only by the payload types in this package. The kind
// of an Event is always taken from its payload.
type Payload interface {
	kind() Kind
}

// New builds an Event. The timestamp is truncated to millisecond precision.
func New(connectionID, tenantID, externalMessageID string, ts time.Time, payload Payload) Event {
	return Event{
		ID:                uuid.New(),
		Kind:              payload.kind(),
		ConnectionID:      connectionID,
		TenantID:          tenantID,
		ExternalMessageID: externalMessageID,
		Timestamp:         ts.Truncate(time.Millisecond),
		Payload:           payload,
	}
}

// QuotedContext identifies the message a reply quotes.
type QuotedContext struct {
	QuotedMessageID string `json:"quotedMessageId"`
	QuotedFrom      string `json:"quotedFrom"`
}

type MessageReceived struct {
	MessageID   string         `json:"messageId"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Type        string         `json:"type"`
	ContactName string         `json:"contactName,omitempty"`
	Content     Content        `json:"content"`
	Context     *QuotedContext `json:"context,omitempty"`
}

type StatusUpdate struct {
	MessageID    string        `json:"messageId"`
	Status       string        `json:"status"`
	RecipientID  string        `json:"recipientId"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Pricing      *Pricing      `json:"pricing,omitempty"`
	Errors       []StatusError `json:"errors,omitempty"`
}

type Conversation struct {
	ID         string `json:"id"`
	OriginType string `json:"originType,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
}

type Pricing struct {
	Billable     bool   `json:"billable"`
	PricingModel string `json:"pricingModel,omitempty"`
	Category     string `json:"category,omitempty"`
}

type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

type ContactProfileUpdate struct {
	WaID string `json:"waId"`
	Name string `json:"name,omitempty"`
}

type TemplateStatusUpdate struct {
	Event        string          `json:"event"`
	TemplateID   string          `json:"templateId,omitempty"`
	TemplateName string          `json:"templateName,omitempty"`
	Language     string          `json:"language,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Raw          json.RawMessage `json:"raw"`
}

type AccountAlert struct {
	Severity    string          `json:"severity,omitempty"`
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"raw"`
}

type PhoneQualityUpdate struct {
	DisplayPhoneNumber string          `json:"displayPhoneNumber,omitempty"`
	Event              string          `json:"event,omitempty"`
	CurrentLimit       string          `json:"currentLimit,omitempty"`
	Raw                json.RawMessage `json:"raw"`
}

// Unhandled carries a change whose field has no dedicated handler.
type Unhandled struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type ChannelStatusChanged struct {
	Status   string `json:"status"`
	Previous string `json:"previous,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type MessageSent struct {
	JobID      string `json:"jobId"`
	Recipient  string `json:"recipient"`
	Kind       string `json:"kind"`
	ExternalID string `json:"externalId"`
	Attempts   int    `json:"attempts"`
}

type MessageFailed struct {
	JobID     string          `json:"jobId"`
	Recipient string          `json:"recipient"`
	Kind      string          `json:"kind"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	Job       json.RawMessage `json:"job,omitempty"`
}

func (MessageReceived) kind() Kind      { return KindMessageReceived }
func (StatusUpdate) kind() Kind         { return KindStatusUpdate }
func (ContactProfileUpdate) kind() Kind { return KindContactUpdated }
func (TemplateStatusUpdate) kind() Kind { return KindTemplateStatus }
func (AccountAlert) kind() Kind         { return KindAccountAlert }
func (PhoneQualityUpdate) kind() Kind   { return KindPhoneQuality }
func (Unhandled) kind() Kind            { return KindUnhandled }
func (ChannelStatusChanged) kind() Kind { return KindChannelStatus }
func (MessageSent) kind() Kind          { return KindMessageSent }
func (MessageFailed) kind() Kind        { return KindMessageFailed }
