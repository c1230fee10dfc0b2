package dispatch

import (
	"github.com/go-playground/validator/v10"
	"github.com/valinor-ai/relay/internal/channels"
)

// NewValidator returns a validator that also checks an outbound message
// carries the content group its type names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateOutboundMessage, channels.OutboundMessage{})
	return v
}

func validateOutboundMessage(sl validator.StructLevel) {
	msg := sl.Current().Interface().(channels.OutboundMessage)
	switch msg.Type {
	case "text":
		if msg.Text == "" {
			sl.ReportError(msg.Text, "Text", "text", "required_for_type", msg.Type)
		}
	case "template":
		if msg.Template == nil {
			sl.ReportError(msg.Template, "Template", "template", "required_for_type", msg.Type)
		}
	case "media", "image", "video", "audio", "document":
		if msg.Media == nil {
			sl.ReportError(msg.Media, "Media", "media", "required_for_type", msg.Type)
		}
	case "location":
		if msg.Location == nil {
			sl.ReportError(msg.Location, "Location", "location", "required_for_type", msg.Type)
		}
	case "contacts":
		if len(msg.Contacts) == 0 {
			sl.ReportError(msg.Contacts, "Contacts", "contacts", "required_for_type", msg.Type)
		}
	case "interactive":
		if len(msg.Buttons) == 0 && msg.List == nil {
			sl.ReportError(msg.Buttons, "Buttons", "buttons", "required_for_type", msg.Type)
		}
	}
}
