package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valinor-ai/relay/internal/events"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported provider type")
	ErrChannelNotLive      = errors.New("channel is not initialized")
	ErrManagerClosed       = errors.New("channel manager is shut down")
)

// ConnectionSource is the store view the manager needs.
type ConnectionSource interface {
	Get(ctx context.Context, tenantID, connectionID string) (Connection, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Connection, error)
	UpdateStatus(ctx context.Context, connectionID string, status ConnectionStatus) error
}

// Invalidator drops cached connection projections.
type Invalidator interface {
	Invalidate(externalID string)
}

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Source      ConnectionSource
	Factories   map[ProviderType]Factory
	Publisher   events.Publisher
	Invalidator Invalidator
	Logger      *slog.Logger
}

type liveChannel struct {
	conn     Connection
	provider Provider
}

// ChannelInfo pairs a stored connection with its live provider state.
type ChannelInfo struct {
	Connection Connection     `json:"connection"`
	Live       bool           `json:"live"`
	Status     ProviderStatus `json:"status"`
}

// Statistics aggregates counters across live channels.
type Statistics struct {
	TotalChannels  int             `json:"totalChannels"`
	ChannelsByType map[string]int  `json:"channelsByType"`
	TotalMessages  MessageCounters `json:"totalMessages"`
}

// Manager owns the registry of live providers keyed by tenant and
// connection id. Providers are created lazily on first use; concurrent
// callers for the same key wait for a single initialization.
type Manager struct {
	mu           sync.Mutex
	live         map[string]*liveChannel
	initializing map[string]chan struct{}
	closed       bool

	source      ConnectionSource
	factories   map[ProviderType]Factory
	publisher   events.Publisher
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		live:         make(map[string]*liveChannel),
		initializing: make(map[string]chan struct{}),
		source:       cfg.Source,
		factories:    cfg.Factories,
		publisher:    cfg.Publisher,
		invalidator:  cfg.Invalidator,
		logger:       logger,
		now:          time.Now,
	}
}

// Provider returns the live provider for a connection, initializing it if
// needed.
func (m *Manager) Provider(ctx context.Context, tenantID, connectionID string) (Provider, error) {
	return m.acquire(ctx, ConnectionKey(tenantID, connectionID), func(ctx context.Context) (Connection, error) {
		return m.source.Get(ctx, tenantID, connectionID)
	})
}

// providerFor is Provider for a connection the caller already resolved.
func (m *Manager) providerFor(ctx context.Context, conn Connection) (Provider, error) {
	return m.acquire(ctx, conn.Key(), func(context.Context) (Connection, error) {
		return conn, nil
	})
}

func (m *Manager) acquire(ctx context.Context, key string, load func(context.Context) (Connection, error)) (Provider, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if lc, ok := m.live[key]; ok {
			m.mu.Unlock()
			return lc.provider, nil
		}
		wait, busy := m.initializing[key]
		if !busy {
			done := make(chan struct{})
			m.initializing[key] = done
			m.mu.Unlock()

			lc, err := m.initialize(ctx, load)

			m.mu.Lock()
			delete(m.initializing, key)
			if err == nil {
				if m.closed {
					err = ErrManagerClosed
				} else {
					m.live[key] = lc
				}
			}
			m.mu.Unlock()
			close(done)

			if err != nil {
				if lc != nil {
					_ = lc.provider.Disconnect(context.Background())
				}
				return nil, err
			}
			return lc.provider, nil
		}
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) initialize(ctx context.Context, load func(context.Context) (Connection, error)) (*liveChannel, error) {
	conn, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}

	factory, ok := m.factories[conn.ProviderType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, conn.ProviderType)
	}

	provider, err := factory(conn, m.forward(conn))
	if err != nil {
		return nil, fmt.Errorf("building provider: %w", err)
	}

	if err := provider.Connect(ctx); err != nil {
		m.logger.Error("channel initialization failed",
			"tenant_id", conn.TenantID,
			"connection_id", conn.ID,
			"error", err,
		)
		m.setStatus(ctx, conn, StatusError, err.Error())
		return nil, fmt.Errorf("connecting provider: %w", err)
	}

	m.logger.Info("channel initialized",
		"tenant_id", conn.TenantID,
		"connection_id", conn.ID,
		"provider_type", conn.ProviderType,
	)
	return &liveChannel{conn: conn, provider: provider}, nil
}

// forward returns the emitter handed to a provider. Channel status events
// also update the stored lifecycle status.
func (m *Manager) forward(conn Connection) Emitter {
	return func(e events.Event) {
		if e.ConnectionID == "" {
			e.ConnectionID = conn.ID
		}
		if e.TenantID == "" {
			e.TenantID = conn.TenantID
		}
		if sc, ok := e.Payload.(events.ChannelStatusChanged); ok {
			m.persistStatus(context.Background(), conn, ConnectionStatus(sc.Status))
		}
		if m.publisher != nil {
			m.publisher.Publish(context.Background(), e)
		}
	}
}

// SendMessage routes a message to the connection's provider. Template and
// media payloads use their dedicated provider calls.
func (m *Manager) SendMessage(ctx context.Context, tenantID, connectionID, to string, msg OutboundMessage) (SendResult, error) {
	provider, err := m.Provider(ctx, tenantID, connectionID)
	if err != nil {
		return SendResult{}, err
	}
	switch {
	case msg.Template != nil:
		return provider.SendTemplate(ctx, to, *msg.Template)
	case msg.Media != nil:
		return provider.SendMedia(ctx, to, *msg.Media)
	default:
		return provider.Send(ctx, to, msg)
	}
}

// HandleWebhook delivers a normalized inbound event. A live provider sees it
// first so its counters and status map stay current. Otherwise the event is
// published as is: inbound delivery never waits on provider initialization,
// which needs the Graph API.
func (m *Manager) HandleWebhook(ctx context.Context, conn Connection, e events.Event) error {
	if lc := m.lookup(conn.Key()); lc != nil {
		return lc.provider.HandleWebhook(ctx, e)
	}
	m.forward(conn)(e)
	return nil
}

// MarkAsRead acknowledges an inbound message on the connection.
func (m *Manager) MarkAsRead(ctx context.Context, conn Connection, messageID string) error {
	provider, err := m.providerFor(ctx, conn)
	if err != nil {
		return err
	}
	return provider.MarkAsRead(ctx, messageID)
}

// ChannelStatus reports the provider status, or a disconnected status when
// the channel is not live.
func (m *Manager) ChannelStatus(ctx context.Context, tenantID, connectionID string) (ProviderStatus, error) {
	lc := m.lookup(ConnectionKey(tenantID, connectionID))
	if lc == nil {
		return ProviderStatus{Connected: false, Status: StatusDisconnected, CheckedAt: m.now().UTC()}, nil
	}
	return lc.provider.Status(ctx)
}

// DisconnectChannel tears down a live provider and marks the connection
// disconnected.
func (m *Manager) DisconnectChannel(ctx context.Context, tenantID, connectionID string) error {
	key := ConnectionKey(tenantID, connectionID)
	m.mu.Lock()
	lc, ok := m.live[key]
	delete(m.live, key)
	m.mu.Unlock()
	if !ok {
		return ErrChannelNotLive
	}

	err := lc.provider.Disconnect(ctx)
	m.setStatus(ctx, lc.conn, StatusDisconnected, "")
	if err != nil {
		return fmt.Errorf("disconnecting provider: %w", err)
	}
	return nil
}

// ReconnectChannel drops any live provider and initializes a fresh one from
// the stored connection.
func (m *Manager) ReconnectChannel(ctx context.Context, tenantID, connectionID string) error {
	if err := m.DisconnectChannel(ctx, tenantID, connectionID); err != nil && !errors.Is(err, ErrChannelNotLive) {
		m.logger.Warn("disconnect before reconnect failed", "connection_id", connectionID, "error", err)
	}
	if _, err := m.Provider(ctx, tenantID, connectionID); err != nil {
		return err
	}
	if lc := m.lookup(ConnectionKey(tenantID, connectionID)); lc != nil {
		m.setStatus(ctx, lc.conn, StatusActive, "reconnected")
	}
	return nil
}

// TenantChannels lists a tenant's connections with their live status.
func (m *Manager) TenantChannels(ctx context.Context, tenantID string) ([]ChannelInfo, error) {
	conns, err := m.source.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing tenant channels: %w", err)
	}
	out := make([]ChannelInfo, 0, len(conns))
	for _, conn := range conns {
		info := ChannelInfo{Connection: conn}
		if lc := m.lookup(conn.Key()); lc != nil {
			info.Live = true
			status, err := lc.provider.Status(ctx)
			if err != nil {
				status = ProviderStatus{Connected: false, Status: StatusError, LastError: err.Error(), CheckedAt: m.now().UTC()}
			}
			info.Status = status
		} else {
			info.Status = ProviderStatus{Connected: false, Status: conn.Status, CheckedAt: m.now().UTC()}
		}
		out = append(out, info)
	}
	return out, nil
}

// ValidateIdentifier asks the provider whether id is a reachable recipient.
func (m *Manager) ValidateIdentifier(ctx context.Context, tenantID, connectionID, id string) (bool, error) {
	provider, err := m.Provider(ctx, tenantID, connectionID)
	if err != nil {
		return false, err
	}
	return provider.ValidateIdentifier(ctx, id)
}

// MessageStatus returns the last delivery status the provider observed for
// an outbound message.
func (m *Manager) MessageStatus(tenantID, connectionID, messageID string) (string, bool) {
	lc := m.lookup(ConnectionKey(tenantID, connectionID))
	if lc == nil {
		return "", false
	}
	return lc.provider.MessageStatus(messageID)
}

func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	live := make([]*liveChannel, 0, len(m.live))
	for _, lc := range m.live {
		live = append(live, lc)
	}
	m.mu.Unlock()

	stats := Statistics{ChannelsByType: make(map[string]int)}
	for _, lc := range live {
		stats.TotalChannels++
		stats.ChannelsByType[string(lc.conn.ProviderType)]++
		stats.TotalMessages = stats.TotalMessages.Add(lc.provider.Counters())
	}
	return stats
}

// Shutdown disconnects every live provider concurrently. New acquisitions
// fail with ErrManagerClosed afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := m.live
	m.live = make(map[string]*liveChannel)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for key, lc := range live {
		g.Go(func() error {
			if err := lc.provider.Disconnect(gctx); err != nil {
				m.logger.Error("channel shutdown failed", "channel", key, "error", err)
				return fmt.Errorf("disconnecting %s: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("channel manager shut down", "channels", len(live))
	return err
}

func (m *Manager) lookup(key string) *liveChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[key]
}

// setStatus persists a lifecycle change and announces it.
func (m *Manager) setStatus(ctx context.Context, conn Connection, status ConnectionStatus, reason string) {
	previous := conn.Status
	m.persistStatus(ctx, conn, status)
	if m.publisher != nil {
		m.publisher.Publish(ctx, events.New(conn.ID, conn.TenantID, "", m.now(), events.ChannelStatusChanged{
			Status:   string(status),
			Previous: string(previous),
			Reason:   reason,
		}))
	}
}

func (m *Manager) persistStatus(ctx context.Context, conn Connection, status ConnectionStatus) {
	if !status.Valid() {
		return
	}
	if m.source != nil {
		if err := m.source.UpdateStatus(ctx, conn.ID, status); err != nil {
			m.logger.Warn("updating connection status failed",
				"connection_id", conn.ID,
				"status", status,
				"error", err,
			)
		}
	}
	if m.invalidator != nil {
		m.invalidator.Invalidate(conn.ExternalID)
	}
}
