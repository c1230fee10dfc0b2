package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/valinor-ai/relay/internal/channels"
	"github.com/valinor-ai/relay/internal/dispatch"
	"github.com/valinor-ai/relay/internal/platform/database"
)

func setupTestDB(t *testing.T) (*database.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("relay_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = database.RunMigrations(connStr, "file://../../migrations")
	require.NoError(t, err)

	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return pool, cleanup
}

func newJob(state dispatch.State, updated time.Time) dispatch.Job {
	return dispatch.Job{
		ID:             uuid.New(),
		ConnectionID:   "conn-1",
		TenantID:       "tenant-1",
		Recipient:      "5511999990000",
		Kind:           "text",
		Payload:        channels.OutboundMessage{Type: "text", Text: "hola"},
		Priority:       5,
		MaxAttempts:    3,
		State:          state,
		NextRunAt:      updated,
		RateLimitClass: channels.DefaultRateLimitClass,
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := dispatch.NewStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	queued := newJob(dispatch.StateQueued, now)
	active := newJob(dispatch.StateActive, now)
	done := newJob(dispatch.StateCompleted, now.Add(-time.Hour))
	for _, job := range []dispatch.Job{queued, active, done} {
		require.NoError(t, store.Save(ctx, job))
	}

	requeued, err := store.RequeueActive(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	pending, err := store.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, job := range pending {
		assert.Equal(t, dispatch.StateQueued, job.State)
		assert.Equal(t, "hola", job.Payload.Text)
	}

	queued.State = dispatch.StateCompleted
	queued.Attempts = 1
	queued.ExternalID = "wamid.OUT"
	queued.UpdatedAt = now
	require.NoError(t, store.Update(ctx, queued))

	purged, err := store.Purge(ctx, dispatch.StateCompleted, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, purged, "older completed job is purged")

	cleaned, err := store.DeleteFinishedBefore(ctx, dispatch.StateCompleted, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
}
