// Package whatsapp implements channels.Provider against the WhatsApp Cloud
// API (Meta Graph API).
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valinor-ai/relay/internal/cache"
	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/events"
)

const (
	defaultAPIBaseURL       = "https://graph.facebook.com"
	defaultAPIVersion       = "v21.0"
	defaultTimeout          = 30 * time.Second
	defaultTemplateLanguage = "es"

	maxResponseBytes = 64 << 10
	statusCacheSize  = 10000
	statusCacheTTL   = 24 * time.Hour
)

var ErrMissingCredentials = errors.New("whatsapp connection is missing credentials")

// Config holds settings shared by every Cloud API connection. Connection
// records may override the API version.
type Config struct {
	APIBaseURL         string
	APIVersion         string
	Timeout            time.Duration
	DefaultCountryCode string
	TemplateLanguage   string
	Client             *http.Client
	Logger             *slog.Logger
}

// NewFactory returns a channels.Factory producing Cloud API providers.
func NewFactory(cfg Config) channels.Factory {
	return func(conn channels.Connection, emit channels.Emitter) (channels.Provider, error) {
		return New(cfg, conn, emit)
	}
}

// CloudProvider talks to the Graph API for a single phone number.
type CloudProvider struct {
	client            *http.Client
	endpoint          string
	accessToken       string
	phoneNumberID     string
	businessAccountID string
	countryCode       string
	templateLanguage  string
	connectionID      string
	emit              channels.Emitter
	logger            *slog.Logger
	now               func() time.Time

	mu        sync.Mutex
	connected bool
	info      phoneNumberInfo
	lastError string

	statuses *cache.LRU[string]
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

type phoneNumberInfo struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
	QualityRating      string `json:"quality_rating"`
	MessagingLimit     string `json:"messaging_limit"`
	MessagingLimitTier string `json:"messaging_limit_tier"`
	AccountMode        string `json:"account_mode"`
}

func (i phoneNumberInfo) limit() string {
	if i.MessagingLimit != "" {
		return i.MessagingLimit
	}
	return i.MessagingLimitTier
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func New(cfg Config, conn channels.Connection, emit channels.Emitter) (*CloudProvider, error) {
	phoneNumberID := strings.TrimSpace(conn.Config.PhoneNumberID)
	if phoneNumberID == "" {
		phoneNumberID = strings.TrimSpace(conn.ExternalID)
	}
	accessToken := strings.TrimSpace(conn.Config.AccessToken)
	if phoneNumberID == "" || accessToken == "" {
		return nil, fmt.Errorf("%w: connection %s", ErrMissingCredentials, conn.ID)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimSpace(cfg.APIBaseURL)
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	version := strings.Trim(strings.TrimSpace(conn.Config.APIVersion), "/")
	if version == "" {
		version = strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	}
	if version == "" {
		version = defaultAPIVersion
	}

	language := cfg.TemplateLanguage
	if language == "" {
		language = defaultTemplateLanguage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(events.Event) {}
	}

	return &CloudProvider{
		client:            client,
		endpoint:          strings.TrimRight(baseURL, "/") + "/" + version,
		accessToken:       accessToken,
		phoneNumberID:     phoneNumberID,
		businessAccountID: strings.TrimSpace(conn.Config.BusinessAccountID),
		countryCode:       cfg.DefaultCountryCode,
		templateLanguage:  language,
		connectionID:      conn.ID,
		emit:              emit,
		logger:            logger.With("connection_id", conn.ID, "phone_number_id", phoneNumberID),
		now:               time.Now,
		statuses:          cache.NewLRU[string](statusCacheSize, statusCacheTTL),
	}, nil
}

// Connect verifies the credentials by fetching the phone number and, when
// configured, the business account.
func (p *CloudProvider) Connect(ctx context.Context) error {
	var info phoneNumberInfo
	if err := p.do(ctx, "connect", http.MethodGet, p.phoneNumberID, nil, nil, &info); err != nil {
		p.mu.Lock()
		p.lastError = err.Error()
		p.mu.Unlock()
		return fmt.Errorf("fetching phone number: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.info = info
	p.lastError = ""
	p.mu.Unlock()

	p.logger.Info("whatsapp connected",
		"display_phone_number", info.DisplayPhoneNumber,
		"verified_name", info.VerifiedName,
		"quality_rating", info.QualityRating,
	)

	if p.businessAccountID != "" {
		var account struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Timezone string `json:"timezone_id"`
		}
		if err := p.do(ctx, "business_account", http.MethodGet, p.businessAccountID, nil, nil, &account); err != nil {
			p.logger.Warn("fetching business account failed", "business_account_id", p.businessAccountID, "error", err)
		} else {
			p.logger.Info("business account loaded", "business_account_id", account.ID, "name", account.Name)
		}
	}
	return nil
}

func (p *CloudProvider) Disconnect(context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Info("whatsapp disconnected")
	return nil
}

func (p *CloudProvider) Send(ctx context.Context, to string, msg channels.OutboundMessage) (channels.SendResult, error) {
	if msg.Template != nil {
		return p.SendTemplate(ctx, to, *msg.Template)
	}
	if msg.Media != nil {
		return p.SendMedia(ctx, to, *msg.Media)
	}
	body, err := p.buildMessage(to, msg)
	if err != nil {
		p.failed.Add(1)
		return channels.SendResult{}, err
	}
	return p.send(ctx, "send_"+msg.Type, body)
}

func (p *CloudProvider) SendTemplate(ctx context.Context, to string, tpl channels.Template) (channels.SendResult, error) {
	if strings.TrimSpace(tpl.Name) == "" {
		p.failed.Add(1)
		return channels.SendResult{}, fmt.Errorf("%w: template name is required", ErrInvalidMessage)
	}
	return p.send(ctx, "send_template", p.buildTemplate(to, tpl))
}

func (p *CloudProvider) SendMedia(ctx context.Context, to string, media channels.Media) (channels.SendResult, error) {
	body, err := p.buildMedia(to, media)
	if err != nil {
		p.failed.Add(1)
		return channels.SendResult{}, err
	}
	return p.send(ctx, "send_media", body)
}

func (p *CloudProvider) send(ctx context.Context, operation string, body map[string]any) (channels.SendResult, error) {
	var resp sendResponse
	if err := p.do(ctx, operation, http.MethodPost, p.phoneNumberID+"/messages", nil, body, &resp); err != nil {
		p.failed.Add(1)
		return channels.SendResult{}, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		p.failed.Add(1)
		return channels.SendResult{}, channels.NewRemoteRejectedError("empty_response", "response carried no message id")
	}

	p.sent.Add(1)
	id := resp.Messages[0].ID
	p.statuses.Set(id, "sent")
	return channels.SendResult{MessageID: id, Status: "sent", Timestamp: p.now().UTC()}, nil
}

// Status fetches the phone number. A failed lookup is reported in the
// returned status, not as an error.
func (p *CloudProvider) Status(ctx context.Context) (channels.ProviderStatus, error) {
	var info phoneNumberInfo
	err := p.do(ctx, "status", http.MethodGet, p.phoneNumberID, nil, nil, &info)

	p.mu.Lock()
	defer p.mu.Unlock()
	checked := p.now().UTC()
	if err != nil {
		p.lastError = err.Error()
		return channels.ProviderStatus{
			Connected: false,
			Status:    channels.StatusError,
			LastError: p.lastError,
			CheckedAt: checked,
		}, nil
	}

	p.info = info
	status := channels.StatusActive
	if !p.connected {
		status = channels.StatusDisconnected
	}
	return channels.ProviderStatus{
		Connected:          p.connected,
		Status:             status,
		DisplayPhoneNumber: info.DisplayPhoneNumber,
		VerifiedName:       info.VerifiedName,
		QualityRating:      info.QualityRating,
		MessagingLimit:     info.limit(),
		AccountMode:        info.AccountMode,
		CheckedAt:          checked,
	}, nil
}

// HandleWebhook updates counters and the status map from a normalized inbound
// event, then re-emits it.
func (p *CloudProvider) HandleWebhook(_ context.Context, e events.Event) error {
	switch payload := e.Payload.(type) {
	case events.MessageReceived:
		p.received.Add(1)
	case events.StatusUpdate:
		p.statuses.Set(payload.MessageID, payload.Status)
		if len(payload.Errors) > 0 || payload.Status == "failed" {
			p.failed.Add(1)
			p.logger.Error("message delivery failed",
				"message_id", payload.MessageID,
				"status", payload.Status,
				"errors", payload.Errors,
			)
		} else {
			p.logger.Debug("message status updated", "message_id", payload.MessageID, "status", payload.Status)
		}
	}
	p.emit(e)
	return nil
}

// ValidateIdentifier asks the API, without sending, whether id is reachable.
// A rejection means the number is not valid; other failures are returned.
func (p *CloudProvider) ValidateIdentifier(ctx context.Context, id string) (bool, error) {
	body := p.envelope(id, "text")
	body["text"] = map[string]string{"body": "Test"}

	var resp struct {
		Valid bool `json:"valid"`
	}
	err := p.do(ctx, "validate", http.MethodPost, p.phoneNumberID+"/messages", url.Values{"dry_run": {"true"}}, body, &resp)
	if err != nil {
		if sendErr, ok := channels.AsSendError(err); ok && sendErr.Kind == channels.FailureRemoteRejected {
			return false, nil
		}
		return false, err
	}
	return resp.Valid, nil
}

func (p *CloudProvider) MarkAsRead(ctx context.Context, messageID string) error {
	body := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := p.do(ctx, "mark_read", http.MethodPost, p.phoneNumberID+"/messages", nil, body, nil); err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	return nil
}

func (p *CloudProvider) MessageStatus(messageID string) (string, bool) {
	return p.statuses.Get(messageID)
}

func (p *CloudProvider) Counters() channels.MessageCounters {
	return channels.MessageCounters{
		Sent:     p.sent.Load(),
		Received: p.received.Load(),
		Failed:   p.failed.Load(),
	}
}

// do performs one Graph API call. Non-2xx responses and 2xx bodies that do
// not decode become classified *channels.SendError values; network failures
// become transport errors.
func (p *CloudProvider) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) (err error) {
	start := p.now()
	defer func() {
		outcome := "ok"
		if sendErr, ok := channels.AsSendError(err); ok {
			outcome = string(sendErr.Kind)
		} else if err != nil {
			outcome = "error"
		}
		graphRequestsCounter.WithLabelValues(operation, outcome).Inc()
		graphRequestDurationHist.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	endpoint := p.endpoint + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling whatsapp request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return channels.NewTransportError(fmt.Errorf("sending whatsapp request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return channels.NewTransportError(fmt.Errorf("reading whatsapp response: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		classified := classifyHTTPStatus(resp.StatusCode, respBody, resp.Header.Get("Retry-After"), p.now().UTC())
		p.onFailure(classified)
		return classified
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return channels.NewRemoteRejectedError("malformed_response", "decoding whatsapp response: "+err.Error())
		}
	}
	return nil
}

// onFailure reports a revoked or invalid token on a live connection.
func (p *CloudProvider) onFailure(err error) {
	sendErr, ok := channels.AsSendError(err)
	if !ok || sendErr.Kind != channels.FailureAuthInvalid {
		return
	}

	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.lastError = sendErr.Error()
	p.mu.Unlock()

	if !wasConnected {
		return
	}
	p.logger.Error("whatsapp access token rejected", "error", sendErr)
	p.emit(events.New(p.connectionID, "", "", p.now(), events.ChannelStatusChanged{
		Status:   string(channels.StatusError),
		Previous: string(channels.StatusActive),
		Reason:   sendErr.Message,
	}))
}
