// Package cache memoizes a transaction feed for a fixed time-to-live.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

// Source wraps another Source and serves its last result until ttl elapses.
// Concurrent misses share one upstream fetch. Failed fetches are not cached.
type Source struct {
	upstream feed.Source
	ttl      time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	group    singleflight.Group

	mu        sync.Mutex
	data      []txn.Transaction
	fetchedAt time.Time
	valid     bool
}

// Option configures a Source.
type Option func(*Source)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// WithMetrics records hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Source) {
		s.metrics = m
	}
}

// New wraps upstream. A non-positive ttl disables caching.
func New(upstream feed.Source, ttl time.Duration, opts ...Option) *Source {
	s := &Source{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ feed.Source = (*Source)(nil)

// Fetch returns a copy of the cached feed, refreshing it when stale.
func (s *Source) Fetch(ctx context.Context) ([]txn.Transaction, error) {
	if data, ok := s.fresh(); ok {
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		return data, nil
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}

	// The shared fetch outlives any one caller; each caller stops waiting
	// when its own context ends.
	upstreamCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("feed", func() (any, error) {
		data, err := s.upstream.Fetch(upstreamCtx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.data = data
		s.fetchedAt = s.now()
		s.valid = true
		s.mu.Unlock()
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]txn.Transaction)), nil
	}
}

// Invalidate drops the cached feed.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
	s.data = nil
}

// Age returns how long ago the cached feed was fetched, and false if
// nothing is cached.
func (s *Source) Age() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return 0, false
	}
	return s.now().Sub(s.fetchedAt), true
}

func (s *Source) fresh() ([]txn.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid || s.ttl <= 0 || s.now().Sub(s.fetchedAt) >= s.ttl {
		return nil, false
	}
	return slices.Clone(s.data), true
}
