package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/events"
)

const defaultMarkTimeout = 10 * time.Second

// ConnectionResolver finds the connection that owns a phone number id.
type ConnectionResolver interface {
	Resolve(ctx context.Context, externalID string) (channels.Connection, bool)
}

// ChannelHandler receives normalized events for a resolved connection.
type ChannelHandler interface {
	HandleWebhook(ctx context.Context, conn channels.Connection, e events.Event) error
	MarkAsRead(ctx context.Context, conn channels.Connection, messageID string) error
}

type RouterConfig struct {
	Resolver    ConnectionResolver
	Channels    ChannelHandler
	Logger      *slog.Logger
	MarkTimeout time.Duration
}

// RouteResult counts what happened to the changes of one payload.
type RouteResult struct {
	Changes int `json:"changes"`
	Events  int `json:"events"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// EventRouter walks a validated payload and turns each change into
// normalized events delivered to the owning connection.
type EventRouter struct {
	resolver    ConnectionResolver
	channels    ChannelHandler
	logger      *slog.Logger
	markTimeout time.Duration
	now         func() time.Time
	marks       sync.WaitGroup
}

func NewEventRouter(cfg RouterConfig) *EventRouter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.MarkTimeout
	if timeout <= 0 {
		timeout = defaultMarkTimeout
	}
	return &EventRouter{
		resolver:    cfg.Resolver,
		channels:    cfg.Channels,
		logger:      logger,
		markTimeout: timeout,
		now:         time.Now,
	}
}

// Route processes entries and changes in wire order. A failing change is
// counted and does not stop its siblings.
func (r *EventRouter) Route(ctx context.Context, payload Payload) (RouteResult, error) {
	var result RouteResult
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Changes++

			emitted, dropped, err := r.routeChange(ctx, change)
			result.Events += emitted
			switch {
			case err != nil:
				result.Failed++
				webhookChangesCounter.WithLabelValues(change.Field, "failed").Inc()
				r.logger.Error("webhook change failed",
					"entry_id", entry.ID,
					"field", change.Field,
					"error", err,
				)
			case dropped:
				result.Dropped++
				webhookChangesCounter.WithLabelValues(change.Field, "dropped").Inc()
			default:
				webhookChangesCounter.WithLabelValues(change.Field, "routed").Inc()
			}
		}
	}
	return result, nil
}

// Wait blocks until in-flight mark-as-read calls finish.
func (r *EventRouter) Wait() {
	r.marks.Wait()
}

func (r *EventRouter) routeChange(ctx context.Context, change Change) (emitted int, dropped bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic routing change: %v", rec)
		}
	}()

	var meta changeMetadata
	if err := json.Unmarshal(change.Value, &meta); err != nil {
		return 0, false, fmt.Errorf("decoding change metadata: %w", err)
	}
	phoneNumberID := meta.Metadata.PhoneNumberID
	if phoneNumberID == "" {
		r.logger.Warn("webhook change carries no phone number id", "field", change.Field)
		return 0, true, nil
	}

	conn, ok := r.resolver.Resolve(ctx, phoneNumberID)
	if !ok {
		r.logger.Warn("no connection for phone number id",
			"phone_number_id", phoneNumberID,
			"field", change.Field,
		)
		return 0, true, nil
	}

	switch change.Field {
	case "messages":
		emitted, err = r.routeMessages(ctx, conn, phoneNumberID, change.Value)
		return emitted, false, err

	case "message_template_status_update":
		var v templateStatusValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return 0, false, fmt.Errorf("decoding template status: %w", err)
		}
		return r.deliver(ctx, conn, "", r.now(), events.TemplateStatusUpdate{
			Event:        v.Event,
			TemplateID:   v.TemplateID.String(),
			TemplateName: v.TemplateName,
			Language:     v.Language,
			Reason:       v.Reason,
			Raw:          change.Value,
		})

	case "account_alerts":
		var v accountAlertValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return 0, false, fmt.Errorf("decoding account alert: %w", err)
		}
		r.logger.Warn("account alert received",
			"connection_id", conn.ID,
			"severity", v.Severity,
			"alert_type", v.Type,
		)
		return r.deliver(ctx, conn, "", r.now(), events.AccountAlert{
			Severity:    v.Severity,
			Type:        v.Type,
			Description: v.Description,
			Raw:         change.Value,
		})

	case "phone_number_quality_update":
		var v phoneQualityValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return 0, false, fmt.Errorf("decoding quality update: %w", err)
		}
		return r.deliver(ctx, conn, "", r.now(), events.PhoneQualityUpdate{
			DisplayPhoneNumber: v.DisplayPhoneNumber,
			Event:              v.Event,
			CurrentLimit:       v.CurrentLimit,
			Raw:                change.Value,
		})

	default:
		r.logger.Info("unhandled webhook field", "field", change.Field, "connection_id", conn.ID)
		return r.deliver(ctx, conn, "", r.now(), events.Unhandled{Field: change.Field, Value: change.Value})
	}
}

func (r *EventRouter) deliver(ctx context.Context, conn channels.Connection, externalID string, ts time.Time, payload events.Payload) (int, bool, error) {
	if err := r.emit(ctx, conn, externalID, ts, payload); err != nil {
		return 0, false, err
	}
	return 1, false, nil
}

func (r *EventRouter) emit(ctx context.Context, conn channels.Connection, externalID string, ts time.Time, payload events.Payload) error {
	e := events.New(conn.ID, conn.TenantID, externalID, ts, payload)
	if err := r.channels.HandleWebhook(ctx, conn, e); err != nil {
		return fmt.Errorf("delivering %s: %w", e.Kind, err)
	}
	webhookEventsCounter.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

// routeMessages emits contacts, then messages, then statuses. Each item is
// isolated: a malformed or undeliverable item is logged and counted, and the
// rest of the change is still routed. The returned error joins the item
// failures.
func (r *EventRouter) routeMessages(ctx context.Context, conn channels.Connection, phoneNumberID string, raw json.RawMessage) (int, error) {
	var value messagesValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("decoding messages value: %w", err)
	}
	now := r.now()
	emitted := 0
	var failures []error
	item := func(kind string, index int, fn func() error) {
		if err := r.isolate(fn); err != nil {
			webhookItemFailuresCounter.WithLabelValues(kind).Inc()
			r.logger.Warn("webhook item failed",
				"connection_id", conn.ID,
				"item", kind,
				"index", index,
				"error", err,
			)
			failures = append(failures, fmt.Errorf("%s[%d]: %w", kind, index, err))
			return
		}
		emitted++
	}

	names := make(map[string]string, len(value.Contacts))
	for i, rawContact := range value.Contacts {
		item("contact", i, func() error {
			var c wireContact
			if err := json.Unmarshal(rawContact, &c); err != nil {
				return fmt.Errorf("decoding contact: %w", err)
			}
			names[c.WaID] = c.Profile.Name
			return r.emit(ctx, conn, "", now, events.ContactProfileUpdate{WaID: c.WaID, Name: c.Profile.Name})
		})
	}

	for i, rawMessage := range value.Messages {
		item("message", i, func() error {
			received, ts, err := normalizeMessage(rawMessage, phoneNumberID, names)
			if err != nil {
				return err
			}
			if err := r.emit(ctx, conn, received.MessageID, parseTimestamp(ts, now), received); err != nil {
				return err
			}
			if conn.Config.MarksAsRead() && received.MessageID != "" {
				r.markAsRead(conn, received.MessageID)
			}
			return nil
		})
	}

	for i, rawStatus := range value.Statuses {
		item("status", i, func() error {
			var st wireStatus
			if err := json.Unmarshal(rawStatus, &st); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}
			return r.emit(ctx, conn, st.ID, parseTimestamp(st.Timestamp, now), statusOf(st))
		})
	}
	return emitted, errors.Join(failures...)
}

// isolate runs fn, turning a panic into an error.
func (r *EventRouter) isolate(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// markAsRead acknowledges a message in the background. Failures are logged
// only.
func (r *EventRouter) markAsRead(conn channels.Connection, messageID string) {
	r.marks.Add(1)
	go func() {
		defer r.marks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.markTimeout)
		defer cancel()
		if err := r.channels.MarkAsRead(ctx, conn, messageID); err != nil {
			r.logger.Warn("marking message read failed",
				"connection_id", conn.ID,
				"message_id", messageID,
				"error", err,
			)
		}
	}()
}
