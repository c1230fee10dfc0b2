package channels_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/relay/internal/cache"
	"github.com/valinor-ai/relay/internal/channels"
)

type fakeFinder struct {
	calls atomic.Int32
	conns map[string]channels.Connection
	err   error
	delay time.Duration
}

func (f *fakeFinder) FindByExternalID(_ context.Context, externalID string, providerType channels.ProviderType) (channels.Connection, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return channels.Connection{}, f.err
	}
	conn, ok := f.conns[externalID]
	if !ok || conn.ProviderType != providerType {
		return channels.Connection{}, channels.ErrConnectionNotFound
	}
	return conn, nil
}

func newFinder() *fakeFinder {
	return &fakeFinder{conns: map[string]channels.Connection{
		"PN-1": {
			ID:           "c-1",
			TenantID:     "t-1",
			ProviderType: channels.ProviderWhatsAppCloud,
			ExternalID:   "PN-1",
			Config:       channels.ConnectionConfig{PhoneNumberID: "PN-1", AccessToken: "tok"},
			Capabilities: []string{"text"},
			Status:       channels.StatusActive,
			CreatedAt:    time.Now(),
		},
	}}
}

func TestResolver_CachesProjection(t *testing.T) {
	finder := newFinder()
	r := channels.NewResolver(finder, cache.NewLRU[channels.Connection](10, time.Hour), channels.ProviderWhatsAppCloud, nil)

	first, ok := r.Resolve(context.Background(), "PN-1")
	require.True(t, ok)
	second, ok := r.Resolve(context.Background(), "PN-1")
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), finder.calls.Load())
	assert.Equal(t, "c-1", first.ID)
	assert.Equal(t, "t-1", first.TenantID)
	assert.Equal(t, channels.DefaultRateLimitClass, first.RateLimitClass)
	assert.True(t, first.CreatedAt.IsZero(), "projection drops bookkeeping fields")
}

func TestResolver_NotFound(t *testing.T) {
	finder := newFinder()
	r := channels.NewResolver(finder, cache.NewLRU[channels.Connection](10, time.Hour), channels.ProviderWhatsAppCloud, nil)

	_, ok := r.Resolve(context.Background(), "PN-404")
	assert.False(t, ok)
	_, ok = r.Resolve(context.Background(), "")
	assert.False(t, ok)
}

func TestResolver_StoreErrorDegradesToNotFound(t *testing.T) {
	finder := newFinder()
	finder.err = errors.New("database unavailable")
	r := channels.NewResolver(finder, cache.NewLRU[channels.Connection](10, time.Hour), channels.ProviderWhatsAppCloud, nil)

	assert.NotPanics(t, func() {
		_, ok := r.Resolve(context.Background(), "PN-1")
		assert.False(t, ok)
	})
}

func TestResolver_Invalidate(t *testing.T) {
	finder := newFinder()
	r := channels.NewResolver(finder, cache.NewLRU[channels.Connection](10, time.Hour), channels.ProviderWhatsAppCloud, nil)

	_, _ = r.Resolve(context.Background(), "PN-1")
	r.Invalidate("PN-1")
	_, _ = r.Resolve(context.Background(), "PN-1")

	assert.Equal(t, int32(2), finder.calls.Load())
}

func TestResolver_ConcurrentMisses(t *testing.T) {
	finder := newFinder()
	finder.delay = 20 * time.Millisecond
	r := channels.NewResolver(finder, cache.NewLRU[channels.Connection](10, time.Hour), channels.ProviderWhatsAppCloud, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, ok := r.Resolve(context.Background(), "PN-1")
			assert.True(t, ok)
			assert.Equal(t, "c-1", conn.ID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, finder.calls.Load(), int32(20))
	assert.GreaterOrEqual(t, finder.calls.Load(), int32(1))
}
