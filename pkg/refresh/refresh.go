// Package refresh runs the periodic dashboard cycle: fetch the feed, pick
// focal wallets, score them incrementally and keep the latest results.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/scoring"
	"github.com/hed1ad/tokenwise/pkg/summary"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

var (
	// ErrCycleRunning is returned when a cycle is already in progress.
	ErrCycleRunning = errors.New("refresh cycle already running")
	// ErrNoResult is returned before the first successful cycle.
	ErrNoResult = errors.New("no refresh cycle has completed")
	// ErrUnknownWallet is returned for wallets absent from the latest feed.
	ErrUnknownWallet = errors.New("wallet not in feed")
)

// Policy selects which wallets get a baseline each cycle.
type Policy string

const (
	// PolicyTop models the N wallets with the highest volume.
	PolicyTop Policy = "top"
	// PolicyAll models every wallet in the feed.
	PolicyAll Policy = "all"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyTop, PolicyAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown model policy %q", s)
	}
}

// Result is the outcome of one cycle.
type Result struct {
	CycleID    string            `json:"cycle_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Focal      []string          `json:"focal"`
	Outcomes   []scoring.Outcome `json:"-"`
	Summary    summary.Report    `json:"summary"`

	feed     []txn.Transaction
	byWallet map[string][]txn.Transaction
}

// Feed returns the transactions fetched in this cycle.
func (r *Result) Feed() []txn.Transaction {
	return r.feed
}

// History returns a wallet's ascending history from this cycle's feed.
func (r *Result) History(wallet string) ([]txn.Transaction, bool) {
	h, ok := r.byWallet[wallet]
	return h, ok
}

// Outcome returns the scoring outcome for a focal wallet.
func (r *Result) Outcome(wallet string) (scoring.Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.EntityID == wallet {
			return o, true
		}
	}
	return scoring.Outcome{}, false
}

// Refresher owns the feed, the scorer and the latest cycle result.
type Refresher struct {
	source         feed.Source
	scorer         *scoring.Scorer
	policy         Policy
	topN           int
	workers        int
	whaleThreshold float64
	logger         *slog.Logger
	metrics        *observability.Metrics
	now            func() time.Time

	mu      sync.RWMutex
	running bool
	last    *Result
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithPolicy sets the focal wallet policy and, for PolicyTop, how many.
func WithPolicy(p Policy, topN int) Option {
	return func(r *Refresher) {
		r.policy = p
		r.topN = topN
	}
}

// WithWorkers sets how many wallets are processed in parallel.
func WithWorkers(n int) Option {
	return func(r *Refresher) {
		r.workers = n
	}
}

// WithWhaleThreshold sets the amount above which a transaction is a whale.
func WithWhaleThreshold(v float64) Option {
	return func(r *Refresher) {
		r.whaleThreshold = v
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

// WithClock overrides the clock used for cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		r.now = now
	}
}

// New creates a Refresher. By default only the most active wallet is modeled.
func New(source feed.Source, scorer *scoring.Scorer, opts ...Option) *Refresher {
	r := &Refresher{
		source:         source,
		scorer:         scorer,
		policy:         PolicyTop,
		topN:           1,
		workers:        1,
		whaleThreshold: summary.DefaultWhaleThreshold,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "refresh")
	return r
}

// Run executes one cycle. Per-wallet failures are recorded in the result;
// only a feed failure or an overlapping cycle fails the whole call.
func (r *Refresher) Run(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrCycleRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := r.now()
	cycleID := uuid.NewString()
	logger := r.logger.With("cycle_id", cycleID)

	records, err := r.source.Fetch(ctx)
	if err != nil {
		r.observe("error", start)
		logger.Error("feed_fetch_failed", "error", err)
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	byWallet := txn.GroupByWallet(records)
	focal := r.focal(records, byWallet)

	histories := make(map[string][]txn.Transaction, len(focal))
	for _, w := range focal {
		histories[w] = byWallet[w]
	}
	outcomes := r.scorer.ProcessBatch(ctx, histories, r.workers)

	res := &Result{
		CycleID:    cycleID,
		StartedAt:  start,
		FinishedAt: r.now(),
		Focal:      focal,
		Outcomes:   outcomes,
		Summary:    summary.Build(records, r.whaleThreshold),
		feed:       records,
		byWallet:   byWallet,
	}

	var trained, anomalies, failed int
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
		case o.Trained:
			trained++
		}
		anomalies += len(o.Anomalies())
	}

	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	r.observe(status, start)
	if r.metrics != nil {
		r.metrics.FeedRecords.Set(float64(len(records)))
		r.metrics.LastRefresh.Set(float64(res.FinishedAt.Unix()))
	}

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	logger.Info("refresh_completed",
		"records", len(records),
		"wallets", len(byWallet),
		"focal", len(focal),
		"trained", trained,
		"anomalies", anomalies,
		"failed", failed,
		"duration", res.FinishedAt.Sub(start),
	)
	return res, nil
}

// Loop runs a cycle immediately and then every interval until ctx is done.
func (r *Refresher) Loop(ctx context.Context, interval time.Duration) error {
	r.logger.Info("refresh_loop_started", "interval", interval)

	if _, err := r.Run(ctx); err != nil {
		r.logger.Warn("initial_refresh_failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("refresh_loop_stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Warn("refresh_failed", "error", err)
			}
		}
	}
}

// Latest returns the most recent successful cycle.
func (r *Refresher) Latest() (*Result, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil, ErrNoResult
	}
	return r.last, nil
}

// ScoreWallet classifies a wallet's full history from the latest feed
// against its persisted baseline. The watermark is not touched.
func (r *Refresher) ScoreWallet(ctx context.Context, wallet string) ([]txn.Scored, error) {
	res, err := r.Latest()
	if err != nil {
		return nil, err
	}
	history, ok := res.History(wallet)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	return r.scorer.ScoreHistory(ctx, wallet, history)
}

func (r *Refresher) focal(records []txn.Transaction, byWallet map[string][]txn.Transaction) []string {
	n := r.topN
	if r.policy == PolicyAll {
		n = 0
	} else if n < 1 {
		n = 1
	}

	top := summary.TopWallets(records, n)
	out := make([]string, 0, len(top))
	for _, w := range top {
		if _, ok := byWallet[w.Wallet]; ok && w.Wallet != "" {
			out = append(out, w.Wallet)
		}
	}
	return out
}

func (r *Refresher) observe(status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RefreshCycles.WithLabelValues(status).Inc()
	r.metrics.RefreshDuration.Observe(r.now().Sub(start).Seconds())
}
