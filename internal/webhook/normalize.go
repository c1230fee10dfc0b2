package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valinor-ai/relay/internal/events"
)

// parseTimestamp converts wire epoch seconds into a millisecond-precision
// time. Missing or malformed values fall back to the receive time.
func parseTimestamp(value string, fallback time.Time) time.Time {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds <= 0 {
		return fallback.Truncate(time.Millisecond)
	}
	return time.UnixMilli(seconds * 1000).UTC()
}

// normalizeMessage decodes one inbound message into its normalized event
// payload. contactNames maps wa_id to profile name.
func normalizeMessage(raw json.RawMessage, to string, contactNames map[string]string) (events.MessageReceived, string, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return events.MessageReceived{}, "", fmt.Errorf("decoding message: %w", err)
	}

	received := events.MessageReceived{
		MessageID:   m.ID,
		From:        m.From,
		To:          to,
		Type:        m.Type,
		ContactName: contactNames[m.From],
		Content:     contentOf(m, raw),
	}
	if m.Context != nil {
		received.Context = &events.QuotedContext{
			QuotedMessageID: m.Context.ID,
			QuotedFrom:      m.Context.From,
		}
	}
	return received, m.Timestamp, nil
}

func contentOf(m wireMessage, raw json.RawMessage) events.Content {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return events.TextContent{Text: m.Text.Body}
		}
	case "image", "video", "audio", "document":
		if media := mediaOf(m); media != nil {
			return events.MediaContent{Media: events.Media{
				ID:       media.ID,
				MimeType: media.MimeType,
				SHA256:   media.SHA256,
				Caption:  media.Caption,
				Filename: media.Filename,
				Voice:    media.Voice,
			}}
		}
	case "location":
		if m.Location != nil {
			return events.LocationContent{Location: events.Location{
				Latitude:  m.Location.Latitude,
				Longitude: m.Location.Longitude,
				Name:      m.Location.Name,
				Address:   m.Location.Address,
			}}
		}
	case "contacts":
		if len(m.Contacts) > 0 {
			return events.ContactsContent{Contacts: m.Contacts}
		}
	case "button":
		if m.Button != nil {
			return events.ButtonContent{Button: events.Button{Payload: m.Button.Payload, Text: m.Button.Text}}
		}
	case "interactive":
		if m.Interactive != nil {
			return events.InteractiveContent{Interactive: events.Interactive{
				Type:        m.Interactive.Type,
				ButtonReply: replyOf(m.Interactive.ButtonReply),
				ListReply:   replyOf(m.Interactive.ListReply),
			}}
		}
	}
	return events.RawContent{Raw: raw}
}

func mediaOf(m wireMessage) *wireMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "document":
		return m.Document
	}
	return nil
}

func replyOf(r *wireReply) *events.Reply {
	if r == nil {
		return nil
	}
	return &events.Reply{ID: r.ID, Title: r.Title, Description: r.Description}
}

func statusOf(s wireStatus) events.StatusUpdate {
	update := events.StatusUpdate{
		MessageID:   s.ID,
		Status:      s.Status,
		RecipientID: s.RecipientID,
	}
	if s.Conversation != nil {
		update.Conversation = &events.Conversation{
			ID:         s.Conversation.ID,
			OriginType: s.Conversation.Origin.Type,
			ExpiresAt:  s.Conversation.ExpirationTimestamp,
		}
	}
	if s.Pricing != nil {
		update.Pricing = &events.Pricing{
			Billable:     s.Pricing.Billable,
			PricingModel: s.Pricing.PricingModel,
			Category:     s.Pricing.Category,
		}
	}
	for _, e := range s.Errors {
		update.Errors = append(update.Errors, events.StatusError{
			Code:    e.Code,
			Title:   e.Title,
			Message: e.Message,
			Details: e.ErrorData.Details,
		})
	}
	return update
}
