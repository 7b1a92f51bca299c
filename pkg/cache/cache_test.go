package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/txn"
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

func countingSource(calls *atomic.Int32) feed.Source {
	return feed.SourceFunc(func(context.Context) ([]txn.Transaction, error) {
		n := calls.Add(1)
		return []txn.Transaction{{Wallet: "A", Amount: float64(n)}}, nil
	})
}

func TestCacheServesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := observability.NewMetrics("test")
	c := New(countingSource(&calls), 10*time.Second, WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	first, err := c.Fetch(ctx)
	require.NoError(t, err)
	clock.Advance(9 * time.Second)
	second, err := c.Fetch(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)

	age, ok := c.Age()
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, age)

	clock.Advance(time.Second)
	third, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2.0, third[0].Amount)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMisses))
}

func TestCacheReturnsCopies(t *testing.T) {
	var calls atomic.Int32
	c := New(countingSource(&calls), time.Minute)

	first, err := c.Fetch(context.Background())
	require.NoError(t, err)
	first[0].Wallet = "mutated"

	second, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", second[0].Wallet)
}

func TestCacheDisabled(t *testing.T) {
	var calls atomic.Int32
	c := New(countingSource(&calls), 0)

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheInvalidate(t *testing.T) {
	var calls atomic.Int32
	c := New(countingSource(&calls), time.Hour)

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	c.Invalidate()
	_, ok := c.Age()
	assert.False(t, ok)

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	src := feed.SourceFunc(func(context.Context) ([]txn.Transaction, error) {
		if fail.Load() {
			return nil, errors.New("db down")
		}
		return []txn.Transaction{{Wallet: "A"}}, nil
	})
	c := New(src, time.Hour)

	_, err := c.Fetch(context.Background())
	require.Error(t, err)

	fail.Store(false)
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCacheCancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	upstream := feed.SourceFunc(func(ctx context.Context) ([]txn.Transaction, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []txn.Transaction{{Wallet: "A"}}, nil
	})
	c := New(upstream, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx)
		firstErr <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	second := make(chan []txn.Transaction, 1)
	go func() {
		data, err := c.Fetch(context.Background())
		assert.NoError(t, err)
		second <- data
	}()
	close(release)

	select {
	case data := <-second:
		assert.Len(t, data, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("second caller did not receive the shared fetch")
	}
}
