package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_TryMarkProcessed(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now))

	fresh, err := s.TryMarkProcessed(ctx, "e1", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.TryMarkProcessed(ctx, "e1", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)

	rec, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", rec.EventID)
	assert.Equal(t, clock.Now(), rec.ProcessedAt)

	clock.Advance(time.Hour)

	// past the retention window the id counts as fresh again
	fresh, err = s.TryMarkProcessed(ctx, "e1", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemoryStore_NoTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(WithClock(clock.Now))

	_, err := s.TryMarkProcessed(ctx, "forever", 0)
	require.NoError(t, err)

	clock.Advance(24 * 365 * time.Hour)
	fresh, err := s.TryMarkProcessed(ctx, "forever", 0)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestMemoryStore_Release(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.TryMarkProcessed(ctx, "e1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "e1"))

	_, err = s.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := s.TryMarkProcessed(ctx, "e1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemoryStore_Errors(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.TryMarkProcessed(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyEventID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.TryMarkProcessed(ctx, "e1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ConcurrentMarksAreAtomic(t *testing.T) {
	s := NewMemoryStore()
	var winners int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := s.TryMarkProcessed(context.Background(), "race", time.Minute)
			if err == nil && fresh {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	s := NewMemoryStore(WithClock(clock.Now))

	_, _ = s.TryMarkProcessed(ctx, "short", time.Second)
	_, _ = s.TryMarkProcessed(ctx, "long", time.Hour)
	assert.Equal(t, 2, s.Len())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 0, s.PurgeExpired())
}
