package channels

import (
	"errors"
	"strings"
	"time"
)

// ProviderType identifies the external messaging platform of a connection.
type ProviderType string

const ProviderWhatsAppCloud ProviderType = "whatsapp_cloud"

// ConnectionStatus is the lifecycle state of a connection. Connections are
// never hard-deleted while jobs may still reference them.
type ConnectionStatus string

const (
	StatusActive       ConnectionStatus = "active"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// DefaultRateLimitClass is used for connections without an explicit class.
const DefaultRateLimitClass = "default"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrExternalIDEmpty    = errors.New("external id is required")
	ErrInvalidStatus      = errors.New("invalid connection status")
)

// ConnectionConfig is the provider configuration stored with a connection.
type ConnectionConfig struct {
	PhoneNumberID      string `json:"phoneNumberId"`
	BusinessAccountID  string `json:"businessAccountId,omitempty"`
	AccessToken        string `json:"accessToken,omitempty"`
	AppSecret          string `json:"appSecret,omitempty"`
	VerifyToken        string `json:"verifyToken,omitempty"`
	DisplayPhoneNumber string `json:"displayPhoneNumber,omitempty"`
	AutoMarkAsRead     *bool  `json:"autoMarkAsRead,omitempty"`
	APIVersion         string `json:"apiVersion,omitempty"`
}

// MarksAsRead reports whether inbound messages should be acknowledged as read.
// Unset means yes.
func (c ConnectionConfig) MarksAsRead() bool {
	return c.AutoMarkAsRead == nil || *c.AutoMarkAsRead
}

// Connection binds the service to one external messaging identity.
type Connection struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenantId"`
	ProviderType   ProviderType     `json:"providerType"`
	ExternalID     string           `json:"externalId"`
	Config         ConnectionConfig `json:"configuration"`
	Capabilities   []string         `json:"capabilities"`
	RateLimitClass string           `json:"rateLimitClass"`
	Status         ConnectionStatus `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Key is the registry key used by Manager: tenant and connection id joined
// by an underscore.
func (c Connection) Key() string {
	return ConnectionKey(c.TenantID, c.ID)
}

func ConnectionKey(tenantID, connectionID string) string {
	return tenantID + "_" + connectionID
}

// HasCapability reports whether the connection advertises capability name.
func (c Connection) HasCapability(name string) bool {
	for _, capability := range c.Capabilities {
		if strings.EqualFold(capability, name) {
			return true
		}
	}
	return false
}

// Class returns the rate-limit class, falling back to the default class.
func (c Connection) Class() string {
	if strings.TrimSpace(c.RateLimitClass) == "" {
		return DefaultRateLimitClass
	}
	return c.RateLimitClass
}

func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDisconnected, StatusError:
		return true
	default:
		return false
	}
}
