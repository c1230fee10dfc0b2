package channels_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/channels"
)

var connectionCols = []string{"id", "tenant_id", "provider_type", "external_id", "configuration", "capabilities", "rate_limit_class", "status", "created_at", "updated_at"}

func TestStore_FindByExternalID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM channel_connections").
		WithArgs("whatsapp_cloud", "PN-1").
		WillReturnRows(mock.NewRows(connectionCols).AddRow(
			"c-1", "t-1", "whatsapp_cloud", "PN-1",
			[]byte(`{"phoneNumberId":"PN-1","accessToken":"tok","autoMarkAsRead":false}`),
			[]string{"text", "media"}, "tier1", "active", created, created,
		))

	store := channels.NewStore(mock)
	conn, err := store.FindByExternalID(context.Background(), "PN-1", channels.ProviderWhatsAppCloud)
	require.NoError(t, err)

	assert.Equal(t, "c-1", conn.ID)
	assert.Equal(t, "t-1", conn.TenantID)
	assert.Equal(t, channels.ProviderWhatsAppCloud, conn.ProviderType)
	assert.Equal(t, "PN-1", conn.Config.PhoneNumberID)
	assert.Equal(t, "tok", conn.Config.AccessToken)
	assert.False(t, conn.Config.MarksAsRead())
	assert.Equal(t, []string{"text", "media"}, conn.Capabilities)
	assert.Equal(t, "tier1", conn.Class())
	assert.Equal(t, channels.StatusActive, conn.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindByExternalID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM channel_connections").
		WithArgs("whatsapp_cloud", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = channels.NewStore(mock).FindByExternalID(context.Background(), "missing", channels.ProviderWhatsAppCloud)
	assert.ErrorIs(t, err, channels.ErrConnectionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindByExternalID_StoreError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM channel_connections").WillReturnError(errors.New("connection reset"))

	_, err = channels.NewStore(mock).FindByExternalID(context.Background(), "PN-1", channels.ProviderWhatsAppCloud)
	require.Error(t, err)
	assert.NotErrorIs(t, err, channels.ErrConnectionNotFound)
	assert.Contains(t, err.Error(), "finding connection by external id")
}

func TestStore_FindByExternalID_EmptyID(t *testing.T) {
	_, err := channels.NewStore(nil).FindByExternalID(context.Background(), "", channels.ProviderWhatsAppCloud)
	assert.ErrorIs(t, err, channels.ErrExternalIDEmpty)
}

func TestStore_ListByTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("WHERE tenant_id = \\$1").
		WithArgs("t-1").
		WillReturnRows(mock.NewRows(connectionCols).
			AddRow("c-1", "t-1", "whatsapp_cloud", "PN-1", []byte(`{}`), []string{}, "default", "active", now, now).
			AddRow("c-2", "t-1", "whatsapp_cloud", "PN-2", []byte(`{}`), []string{}, "default", "disconnected", now, now))

	conns, err := channels.NewStore(mock).ListByTenant(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, channels.StatusDisconnected, conns[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE channel_connections SET status").
		WithArgs("c-1", "error").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE channel_connections SET status").
		WithArgs("c-2", "active").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := channels.NewStore(mock)
	require.NoError(t, store.UpdateStatus(context.Background(), "c-1", channels.StatusError))
	assert.ErrorIs(t, store.UpdateStatus(context.Background(), "c-2", channels.StatusActive), channels.ErrConnectionNotFound)
	assert.ErrorIs(t, store.UpdateStatus(context.Background(), "c-3", "bogus"), channels.ErrInvalidStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO channel_connections").
		WithArgs("t-1", "whatsapp_cloud", "PN-9", pgxmock.AnyArg(), []string{}, "default", "active").
		WillReturnRows(mock.NewRows(connectionCols).
			AddRow("c-9", "t-1", "whatsapp_cloud", "PN-9", []byte(`{"phoneNumberId":"PN-9"}`), []string{}, "default", "active", now, now))

	conn, err := channels.NewStore(mock).Create(context.Background(), channels.Connection{
		TenantID:     "t-1",
		ProviderType: channels.ProviderWhatsAppCloud,
		ExternalID:   "PN-9",
		Config:       channels.ConnectionConfig{PhoneNumberID: "PN-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-9", conn.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_HasVerifyToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`configuration->>'verifyToken' = \$2`).
		WithArgs("whatsapp_cloud", "tenant-token").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`configuration->>'verifyToken' = \$2`).
		WithArgs("whatsapp_cloud", "other").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

	store := channels.NewStore(mock)
	found, err := store.HasVerifyToken(context.Background(), channels.ProviderWhatsAppCloud, "tenant-token")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.HasVerifyToken(context.Background(), channels.ProviderWhatsAppCloud, "other")
	require.NoError(t, err)
	assert.False(t, found)

	found, err = store.HasVerifyToken(context.Background(), channels.ProviderWhatsAppCloud, "")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateSealsCredentials(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	crypto, err := channels.NewCredentialCrypto(testCredentialKey)
	require.NoError(t, err)

	sealedToken, err := crypto.Seal("EAAG-token")
	require.NoError(t, err)
	sealedSecret, err := crypto.Seal("app-secret")
	require.NoError(t, err)
	returned := []byte(`{"accessToken":"` + sealedToken + `","appSecret":"` + sealedSecret + `"}`)

	var stored []byte
	now := time.Now()
	mock.ExpectQuery("INSERT INTO channel_connections").
		WithArgs("t-1", "whatsapp_cloud", "PN-9", configCapture{out: &stored}, []string{}, "default", "active").
		WillReturnRows(mock.NewRows(connectionCols).
			AddRow("c-9", "t-1", "whatsapp_cloud", "PN-9", returned, []string{}, "default", "active", now, now))

	conn, err := channels.NewStore(mock, channels.WithCredentialCrypto(crypto)).Create(context.Background(), channels.Connection{
		TenantID:     "t-1",
		ProviderType: channels.ProviderWhatsAppCloud,
		ExternalID:   "PN-9",
		Config: channels.ConnectionConfig{
			PhoneNumberID: "PN-9",
			AccessToken:   "EAAG-token",
			AppSecret:     "app-secret",
			VerifyToken:   "handshake",
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NotContains(t, string(stored), "EAAG-token")
	assert.NotContains(t, string(stored), "app-secret")
	assert.Contains(t, string(stored), `"verifyToken":"handshake"`)
	assert.Contains(t, string(stored), `"accessToken":"enc:v1:`)

	assert.Equal(t, "EAAG-token", conn.Config.AccessToken)
	assert.Equal(t, "app-secret", conn.Config.AppSecret)
}

func TestStore_ScanOpensSealedAndLegacyCredentials(t *testing.T) {
	crypto, err := channels.NewCredentialCrypto(testCredentialKey)
	require.NoError(t, err)
	sealed, err := crypto.Seal("EAAG-token")
	require.NoError(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("WHERE tenant_id = \\$1").
		WithArgs("t-1").
		WillReturnRows(mock.NewRows(connectionCols).
			AddRow("c-1", "t-1", "whatsapp_cloud", "PN-1", []byte(`{"accessToken":"`+sealed+`"}`), []string{}, "default", "active", now, now).
			AddRow("c-2", "t-1", "whatsapp_cloud", "PN-2", []byte(`{"accessToken":"plain-token"}`), []string{}, "default", "active", now, now))

	conns, err := channels.NewStore(mock, channels.WithCredentialCrypto(crypto)).ListByTenant(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "EAAG-token", conns[0].Config.AccessToken)
	assert.Equal(t, "plain-token", conns[1].Config.AccessToken)
}

func TestStore_ScanRefusesSealedCredentialsWithoutKey(t *testing.T) {
	crypto, err := channels.NewCredentialCrypto(testCredentialKey)
	require.NoError(t, err)
	sealed, err := crypto.Seal("app-secret")
	require.NoError(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery("FROM channel_connections").
		WithArgs("whatsapp_cloud", "PN-1").
		WillReturnRows(mock.NewRows(connectionCols).AddRow(
			"c-1", "t-1", "whatsapp_cloud", "PN-1", []byte(`{"appSecret":"`+sealed+`"}`), []string{}, "default", "active", now, now))

	_, err = channels.NewStore(mock).FindByExternalID(context.Background(), "PN-1", channels.ProviderWhatsAppCloud)
	assert.ErrorIs(t, err, channels.ErrCredentialKeyRequired)
}

// configCapture matches any encoded configuration and records it.
type configCapture struct{ out *[]byte }

func (a configCapture) Match(v any) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	*a.out = b
	return true
}
