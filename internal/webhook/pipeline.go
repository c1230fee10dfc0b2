package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Router routes a decoded payload. *EventRouter implements it.
type Router interface {
	Route(ctx context.Context, payload Payload) (RouteResult, error)
}

type PipelineConfig struct {
	Resolver  ConnectionResolver
	Router    Router
	Validator *PayloadValidator
	// AppSecret is used when the owning connection carries no secret of its
	// own.
	AppSecret string
	Logger    *slog.Logger
}

// Pipeline authenticates, validates and routes one webhook delivery.
type Pipeline struct {
	resolver  ConnectionResolver
	router    Router
	validator *PayloadValidator
	appSecret string
	verifier  SignatureVerifier
	logger    *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewPayloadValidator(logger)
	}
	return &Pipeline{
		resolver:  cfg.Resolver,
		router:    cfg.Router,
		validator: validator,
		appSecret: cfg.AppSecret,
		logger:    logger,
	}
}

// ErrMixedSecrets is returned when one delivery addresses connections that
// sign with different app secrets. No single signature can vouch for all of
// them, so the whole delivery is rejected.
var ErrMixedSecrets = fmt.Errorf("%w: payload addresses connections with different app secrets", ErrVerification)

// Authenticate checks the signature header against the secret shared by every
// connection the payload addresses. Connections without a secret of their
// own, and unknown phone numbers, use the global app secret. With no secret
// configured it fails closed.
func (p *Pipeline) Authenticate(ctx context.Context, body []byte, signature string) error {
	secret, err := p.signingSecret(ctx, body)
	if err != nil {
		return fmt.Errorf("authenticating webhook: %w", err)
	}
	if err := p.verifier.Verify(body, signature, secret); err != nil {
		return fmt.Errorf("authenticating webhook: %w", err)
	}
	return nil
}

func (p *Pipeline) signingSecret(ctx context.Context, body []byte) (string, error) {
	if p.resolver == nil {
		return p.appSecret, nil
	}
	var addressed struct {
		Entry []struct {
			Changes []struct {
				Value changeMetadata `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &addressed); err != nil {
		return p.appSecret, nil
	}

	secret, seen := "", false
	checked := make(map[string]bool)
	for _, entry := range addressed.Entry {
		for _, change := range entry.Changes {
			id := change.Value.Metadata.PhoneNumberID
			if id == "" || checked[id] {
				continue
			}
			checked[id] = true

			s := p.appSecret
			if conn, ok := p.resolver.Resolve(ctx, id); ok && conn.Config.AppSecret != "" {
				s = conn.Config.AppSecret
			}
			if seen && s != secret {
				return "", ErrMixedSecrets
			}
			secret, seen = s, true
		}
	}
	if !seen {
		return p.appSecret, nil
	}
	return secret, nil
}

// Process is the TaskFunc run by the webhook Processor.
func (p *Pipeline) Process(ctx context.Context, task Task) error {
	if !task.Verified {
		if err := p.Authenticate(ctx, task.Body, task.Signature); err != nil {
			return err
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(task.Body))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return invalid(CodeInvalidPayloadStructure, "decoding payload: %v", err)
	}
	if err := p.validator.Validate(decoded); err != nil {
		return err
	}

	var payload Payload
	if err := json.Unmarshal(task.Body, &payload); err != nil {
		return invalid(CodeInvalidPayloadStructure, "decoding payload: %v", err)
	}

	result, err := p.router.Route(ctx, payload)
	if err != nil {
		return fmt.Errorf("routing webhook: %w", err)
	}
	p.logger.Info("webhook processed",
		"request_id", task.RequestID,
		"changes", result.Changes,
		"events", result.Events,
		"dropped", result.Dropped,
		"failed", result.Failed,
	)
	return nil
}
