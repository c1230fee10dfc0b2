package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/valinor-ai/relay/internal/platform/database"
)

const connectionColumns = `id::text, tenant_id, provider_type, external_id, configuration, capabilities, rate_limit_class, status, created_at, updated_at`

// Store handles channel_connections database operations.
type Store struct {
	db     database.Querier
	crypto *CredentialCrypto
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCredentialCrypto seals access tokens and app secrets at rest.
func WithCredentialCrypto(c *CredentialCrypto) StoreOption {
	return func(s *Store) { s.crypto = c }
}

func NewStore(db database.Querier, opts ...StoreOption) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindByExternalID returns the connection whose provider type and external
// identifier match.
func (s *Store) FindByExternalID(ctx context.Context, externalID string, providerType ProviderType) (Connection, error) {
	if externalID == "" {
		return Connection{}, ErrExternalIDEmpty
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+connectionColumns+`
		 FROM channel_connections
		 WHERE provider_type = $1 AND external_id = $2`,
		string(providerType), externalID,
	)
	conn, err := s.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrConnectionNotFound
		}
		return Connection{}, fmt.Errorf("finding connection by external id: %w", err)
	}
	return conn, nil
}

// Get returns a tenant's connection by id.
func (s *Store) Get(ctx context.Context, tenantID, connectionID string) (Connection, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+connectionColumns+`
		 FROM channel_connections
		 WHERE tenant_id = $1 AND id::text = $2`,
		tenantID, connectionID,
	)
	conn, err := s.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrConnectionNotFound
		}
		return Connection{}, fmt.Errorf("getting connection: %w", err)
	}
	return conn, nil
}

// ListByTenant returns all connections owned by a tenant ordered by creation.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+connectionColumns+`
		 FROM channel_connections
		 WHERE tenant_id = $1
		 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connections: %w", err)
	}
	return out, nil
}

// Create provisions a connection and returns it with generated fields.
func (s *Store) Create(ctx context.Context, conn Connection) (Connection, error) {
	if conn.ExternalID == "" {
		return Connection{}, ErrExternalIDEmpty
	}
	if conn.Status == "" {
		conn.Status = StatusActive
	}
	if !conn.Status.Valid() {
		return Connection{}, ErrInvalidStatus
	}
	stored := conn.Config
	if s.crypto != nil {
		var err error
		if stored, err = s.crypto.sealConfig(stored); err != nil {
			return Connection{}, fmt.Errorf("sealing connection credentials: %w", err)
		}
	}
	cfg, err := json.Marshal(stored)
	if err != nil {
		return Connection{}, fmt.Errorf("encoding connection configuration: %w", err)
	}
	if conn.Capabilities == nil {
		conn.Capabilities = []string{}
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO channel_connections (tenant_id, provider_type, external_id, configuration, capabilities, rate_limit_class, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+connectionColumns,
		conn.TenantID, string(conn.ProviderType), conn.ExternalID, cfg, conn.Capabilities, conn.Class(), string(conn.Status),
	)
	created, err := s.scan(row)
	if err != nil {
		return Connection{}, fmt.Errorf("creating connection: %w", err)
	}
	return created, nil
}

// HasVerifyToken reports whether any connection of the provider type was
// provisioned with the webhook verify token.
func (s *Store) HasVerifyToken(ctx context.Context, providerType ProviderType, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	var found bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM channel_connections
		   WHERE provider_type = $1 AND configuration->>'verifyToken' = $2
		 )`,
		string(providerType), token,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("looking up verify token: %w", err)
	}
	return found, nil
}

// UpdateStatus transitions a connection's lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, connectionID string, status ConnectionStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE channel_connections SET status = $2, updated_at = now() WHERE id::text = $1`,
		connectionID, string(status),
	)
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *Store) scan(row pgx.Row) (Connection, error) {
	var (
		conn         Connection
		providerType string
		status       string
		cfg          []byte
	)
	if err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&providerType,
		&conn.ExternalID,
		&cfg,
		&conn.Capabilities,
		&conn.RateLimitClass,
		&status,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	); err != nil {
		return Connection{}, err
	}
	conn.ProviderType = ProviderType(providerType)
	conn.Status = ConnectionStatus(status)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &conn.Config); err != nil {
			return Connection{}, fmt.Errorf("decoding connection configuration: %w", err)
		}
	}
	cfgOpen, err := s.crypto.openConfig(conn.Config)
	if err != nil {
		return Connection{}, fmt.Errorf("opening connection credentials: %w", err)
	}
	conn.Config = cfgOpen
	return conn, nil
}
