package webhook

import (
	"fmt"
	"log/slog"
)

const businessAccountObject = "whatsapp_business_account"

// ValidationCode identifies why a webhook body was rejected.
type ValidationCode string

const (
	CodeInvalidPayloadStructure ValidationCode = "InvalidPayloadStructure"
	CodeInvalidObjectType       ValidationCode = "InvalidObjectType"
	CodeInvalidEntryStructure   ValidationCode = "InvalidEntryStructure"
	CodeInvalidEntryFormat      ValidationCode = "InvalidEntryFormat"
	CodeInvalidChangeFormat     ValidationCode = "InvalidChangeFormat"
	CodePayloadValidationError  ValidationCode = "PayloadValidationError"
)

// knownFields are the change fields the Cloud API documents for business
// accounts.
var knownFields = map[string]struct{}{
	"messages":                        {},
	"message_template_status_update":  {},
	"account_alerts":                  {},
	"account_update":                  {},
	"phone_number_name_update":        {},
	"phone_number_quality_update":     {},
	"template_category_update":        {},
	"message_template_quality_update": {},
}

type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code ValidationCode, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PayloadValidator checks the structure of a decoded webhook body before it
// is routed. It works on the generic decoded form so that type mismatches are
// reported as validation codes, not decode errors.
type PayloadValidator struct {
	logger *slog.Logger
}

func NewPayloadValidator(logger *slog.Logger) *PayloadValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayloadValidator{logger: logger}
}

func (v *PayloadValidator) Validate(decoded any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = invalid(CodePayloadValidationError, "validating payload: %v", r)
		}
	}()

	body, ok := decoded.(map[string]any)
	if !ok {
		return invalid(CodeInvalidPayloadStructure, "payload must be an object")
	}
	if object, _ := body["object"].(string); object != businessAccountObject {
		return invalid(CodeInvalidObjectType, "object must be %q", businessAccountObject)
	}

	entries, ok := body["entry"].([]any)
	if !ok || len(entries) == 0 {
		return invalid(CodeInvalidEntryStructure, "entry must be a non-empty array")
	}

	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			return invalid(CodeInvalidEntryFormat, "entry[%d] must be an object", i)
		}
		if id, _ := entry["id"].(string); id == "" {
			return invalid(CodeInvalidEntryFormat, "entry[%d] has no id", i)
		}
		changes, ok := entry["changes"].([]any)
		if !ok || len(changes) == 0 {
			return invalid(CodeInvalidEntryFormat, "entry[%d] has no changes", i)
		}

		for j, rawChange := range changes {
			change, ok := rawChange.(map[string]any)
			if !ok {
				return invalid(CodeInvalidChangeFormat, "entry[%d].changes[%d] must be an object", i, j)
			}
			field, ok := change["field"].(string)
			if !ok || field == "" {
				return invalid(CodeInvalidChangeFormat, "entry[%d].changes[%d] has no field", i, j)
			}
			if _, ok := change["value"].(map[string]any); !ok {
				return invalid(CodeInvalidChangeFormat, "entry[%d].changes[%d] has no value object", i, j)
			}
			if _, known := knownFields[field]; !known {
				v.logger.Info("unrecognized webhook field", "field", field)
			}
		}
	}
	return nil
}
