package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/valinor-ai/relay/internal/cache"
	"golang.org/x/sync/singleflight"
)

// ConnectionFinder looks up a connection by its platform-assigned identifier.
type ConnectionFinder interface {
	FindByExternalID(ctx context.Context, externalID string, providerType ProviderType) (Connection, error)
}

// Resolver maps external identifiers to connections with a cache in front of
// the store. Store failures degrade to "not found".
type Resolver struct {
	store        ConnectionFinder
	cache        cache.Store[Connection]
	providerType ProviderType
	group        singleflight.Group
	logger       *slog.Logger
}

func NewResolver(store ConnectionFinder, c cache.Store[Connection], providerType ProviderType, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:        store,
		cache:        c,
		providerType: providerType,
		logger:       logger,
	}
}

func (r *Resolver) cacheKey(externalID string) string {
	return "whatsapp:connection:" + externalID
}

// Resolve returns the connection projection for externalID.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (Connection, bool) {
	if externalID == "" {
		return Connection{}, false
	}
	key := r.cacheKey(externalID)
	if conn, ok := r.cache.Get(key); ok {
		r.logger.Debug("using cached connection", "phone_number_id", externalID)
		return conn, true
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		conn, err := r.store.FindByExternalID(ctx, externalID, r.providerType)
		if err != nil {
			return Connection{}, err
		}
		projected := project(conn)
		r.cache.Set(key, projected)
		return projected, nil
	})
	if err != nil {
		if !errors.Is(err, ErrConnectionNotFound) {
			r.logger.Error("error finding connection by phone number id",
				"phone_number_id", externalID,
				"error", err,
			)
		}
		return Connection{}, false
	}
	return v.(Connection), true
}

// Invalidate evicts the cached projection for externalID.
func (r *Resolver) Invalidate(externalID string) {
	r.cache.Invalidate(r.cacheKey(externalID))
}

func project(conn Connection) Connection {
	caps := make([]string, len(conn.Capabilities))
	copy(caps, conn.Capabilities)
	return Connection{
		ID:             conn.ID,
		TenantID:       conn.TenantID,
		ProviderType:   conn.ProviderType,
		ExternalID:     conn.ExternalID,
		Config:         conn.Config,
		Capabilities:   caps,
		RateLimitClass: conn.Class(),
		Status:         conn.Status,
	}
}
