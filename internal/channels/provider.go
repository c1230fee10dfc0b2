package channels

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valinor-ai/relay/internal/events"
)

// Provider executes network calls against one external messaging platform on
// behalf of a single connection. Network-facing methods return *SendError
// values for classified failures.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error)
	SendTemplate(ctx context.Context, to string, tpl Template) (SendResult, error)
	SendMedia(ctx context.Context, to string, media Media) (SendResult, error)
	Status(ctx context.Context) (ProviderStatus, error)
	HandleWebhook(ctx context.Context, e events.Event) error
	ValidateIdentifier(ctx context.Context, id string) (bool, error)
	MarkAsRead(ctx context.Context, messageID string) error
	MessageStatus(messageID string) (string, bool)
	Counters() MessageCounters
}

// Emitter receives events raised by a provider.
type Emitter func(events.Event)

// Factory builds a provider for a connection. The provider reports events
// through emit.
type Factory func(conn Connection, emit Emitter) (Provider, error)

// OutboundMessage is the provider-neutral description of one message to send.
// Exactly one content group is expected to be set, selected by Type.
type OutboundMessage struct {
	Type       string          `json:"type" validate:"required,oneof=text image video audio document media location contacts template interactive"`
	Text       string          `json:"text,omitempty"`
	PreviewURL bool            `json:"previewUrl,omitempty"`
	Media      *Media          `json:"media,omitempty"`
	Template   *Template       `json:"template,omitempty"`
	Location   *Location       `json:"location,omitempty"`
	Contacts   json.RawMessage `json:"contacts,omitempty"`
	Buttons    []Button        `json:"buttons,omitempty" validate:"max=3,dive"`
	List       *List           `json:"list,omitempty"`
	ReplyTo    string          `json:"replyTo,omitempty"`
}

type Media struct {
	Type     string `json:"type" validate:"required,oneof=image video audio document"`
	URL      string `json:"url" validate:"required,url"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Template struct {
	Name         string   `json:"name" validate:"required"`
	Language     string   `json:"language,omitempty"`
	BodyParams   []string `json:"bodyParams,omitempty"`
	HeaderParams []string `json:"headerParams,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Button struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required,max=20"`
}

type ListRow struct {
	ID          string `json:"id" validate:"required"`
	Title       string `json:"title" validate:"required,max=24"`
	Description string `json:"description,omitempty"`
}

type List struct {
	ButtonText string    `json:"buttonText" validate:"required"`
	Header     string    `json:"header,omitempty"`
	Footer     string    `json:"footer,omitempty"`
	Rows       []ListRow `json:"rows" validate:"min=1,max=10,dive"`
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ProviderStatus describes the remote account behind a connection.
type ProviderStatus struct {
	Connected          bool             `json:"connected"`
	Status             ConnectionStatus `json:"status"`
	DisplayPhoneNumber string           `json:"displayPhoneNumber,omitempty"`
	VerifiedName       string           `json:"verifiedName,omitempty"`
	QualityRating      string           `json:"qualityRating,omitempty"`
	MessagingLimit     string           `json:"messagingLimit,omitempty"`
	AccountMode        string           `json:"accountMode,omitempty"`
	LastError          string           `json:"lastError,omitempty"`
	CheckedAt          time.Time        `json:"checkedAt"`
}

// MessageCounters are running totals kept by a provider.
type MessageCounters struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Failed   int64 `json:"failed"`
}

func (c MessageCounters) Add(o MessageCounters) MessageCounters {
	return MessageCounters{
		Sent:     c.Sent + o.Sent,
		Received: c.Received + o.Received,
		Failed:   c.Failed + o.Failed,
	}
}
