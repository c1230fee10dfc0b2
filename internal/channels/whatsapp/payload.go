package whatsapp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/valinor-ai/relay/internal/channels"
)

const maxReplyButtons = 3

var ErrInvalidMessage = errors.New("invalid outbound message")

var nonDigits = regexp.MustCompile(`\D`)

// formatPhoneNumber normalizes a recipient into the digits-only form the
// Cloud API expects. Short national numbers get the default country code.
func formatPhoneNumber(number, countryCode string) string {
	formatted := nonDigits.ReplaceAllString(number, "")
	formatted = strings.TrimLeft(formatted, "0")
	if countryCode != "" && !strings.HasPrefix(formatted, countryCode) && len(formatted) <= 11 {
		formatted = countryCode + formatted
	}
	return formatted
}

func (p *CloudProvider) envelope(to, msgType string) map[string]any {
	return map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                formatPhoneNumber(to, p.countryCode),
		"type":              msgType,
	}
}

func (p *CloudProvider) buildMessage(to string, msg channels.OutboundMessage) (map[string]any, error) {
	var body map[string]any
	switch {
	case len(msg.Buttons) > 0:
		if len(msg.Buttons) > maxReplyButtons {
			return nil, fmt.Errorf("%w: at most %d reply buttons", ErrInvalidMessage, maxReplyButtons)
		}
		buttons := make([]map[string]any, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]string{"id": b.ID, "title": b.Title},
			})
		}
		body = p.envelope(to, "interactive")
		body["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": msg.Text},
			"action": map[string]any{"buttons": buttons},
		}

	case msg.List != nil:
		if len(msg.List.Rows) == 0 {
			return nil, fmt.Errorf("%w: list has no rows", ErrInvalidMessage)
		}
		rows := make([]map[string]string, 0, len(msg.List.Rows))
		for _, r := range msg.List.Rows {
			row := map[string]string{"id": r.ID, "title": r.Title}
			if r.Description != "" {
				row["description"] = r.Description
			}
			rows = append(rows, row)
		}
		interactive := map[string]any{
			"type": "list",
			"body": map[string]string{"text": msg.Text},
			"action": map[string]any{
				"button":   msg.List.ButtonText,
				"sections": []map[string]any{{"title": msg.List.ButtonText, "rows": rows}},
			},
		}
		if msg.List.Header != "" {
			interactive["header"] = map[string]string{"type": "text", "text": msg.List.Header}
		}
		if msg.List.Footer != "" {
			interactive["footer"] = map[string]string{"text": msg.List.Footer}
		}
		body = p.envelope(to, "interactive")
		body["interactive"] = interactive

	case msg.Type == "location":
		if msg.Location == nil {
			return nil, fmt.Errorf("%w: location is required", ErrInvalidMessage)
		}
		body = p.envelope(to, "location")
		body["location"] = msg.Location

	case msg.Type == "contacts":
		if len(msg.Contacts) == 0 {
			return nil, fmt.Errorf("%w: contacts are required", ErrInvalidMessage)
		}
		body = p.envelope(to, "contacts")
		body["contacts"] = msg.Contacts

	default:
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
		}
		body = p.envelope(to, "text")
		body["text"] = map[string]any{
			"body":        msg.Text,
			"preview_url": msg.PreviewURL,
		}
	}

	if msg.ReplyTo != "" {
		body["context"] = map[string]string{"message_id": msg.ReplyTo}
	}
	return body, nil
}

func (p *CloudProvider) buildTemplate(to string, tpl channels.Template) map[string]any {
	language := tpl.Language
	if language == "" {
		language = p.templateLanguage
	}
	template := map[string]any{
		"name":     tpl.Name,
		"language": map[string]string{"code": language},
	}

	var components []map[string]any
	if len(tpl.HeaderParams) > 0 {
		components = append(components, map[string]any{"type": "header", "parameters": textParams(tpl.HeaderParams)})
	}
	if len(tpl.BodyParams) > 0 {
		components = append(components, map[string]any{"type": "body", "parameters": textParams(tpl.BodyParams)})
	}
	if len(components) > 0 {
		template["components"] = components
	}

	body := p.envelope(to, "template")
	body["template"] = template
	return body
}

func textParams(values []string) []map[string]string {
	out := make([]map[string]string, 0, len(values))
	for _, v := range values {
		out = append(out, map[string]string{"type": "text", "text": v})
	}
	return out
}

func (p *CloudProvider) buildMedia(to string, media channels.Media) (map[string]any, error) {
	switch media.Type {
	case "image", "video", "audio", "document":
	default:
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalidMessage, media.Type)
	}
	if media.URL == "" {
		return nil, fmt.Errorf("%w: media url is required", ErrInvalidMessage)
	}

	object := map[string]string{"link": media.URL}
	if media.Caption != "" && media.Type != "audio" {
		object["caption"] = media.Caption
	}
	if media.Filename != "" && media.Type == "document" {
		object["filename"] = media.Filename
	}

	body := p.envelope(to, media.Type)
	body[media.Type] = object
	return body, nil
}
