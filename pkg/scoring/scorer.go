// Package scoring trains one baseline per entity and incrementally scores
// transactions newer than the entity's watermark.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hed1ad/tokenwise/pkg/detectors"
	"github.com/hed1ad/tokenwise/pkg/detectors/iforest"
	"github.com/hed1ad/tokenwise/pkg/observability"
	"github.com/hed1ad/tokenwise/pkg/preprocess"
	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

var (
	// ErrEmptyInput is returned when an untrained entity has no history.
	ErrEmptyInput = preprocess.ErrEmptyInput
	// ErrInvalidInput is returned for histories that mix wallets.
	ErrInvalidInput = errors.New("invalid input")
)

// Scorer implements load-or-train, watermark filtering and scoring.
// It is safe for concurrent use; calls for the same entity are serialized.
type Scorer struct {
	store       store.ModelStore
	newDetector detectors.Factory
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	locks       entityLocks
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithDetector sets the factory used to build baseline models.
func WithDetector(f detectors.Factory) Option {
	return func(s *Scorer) {
		s.newDetector = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) {
		s.logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scorer) {
		s.metrics = m
	}
}

// WithClock overrides the clock used for TrainedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		s.now = now
	}
}

// New creates a Scorer persisting state in st.
// The default baseline is an Isolation Forest with detectors.DefaultConfig.
func New(st store.ModelStore, opts ...Option) *Scorer {
	s := &Scorer{
		store:       st,
		newDetector: iforest.Factory(iforest.FromConfig(detectors.DefaultConfig())...),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scorer")
	return s
}

// Outcome is the result of processing one entity.
type Outcome struct {
	EntityID string
	// Trained is true when this call fit and persisted a new baseline.
	Trained bool
	// Scored holds verdicts for records newer than the prior watermark.
	Scored []txn.Scored
	Err    error
}

// Anomalies returns only the scored records flagged as anomalies.
func (o Outcome) Anomalies() []txn.Scored {
	var out []txn.Scored
	for _, s := range o.Scored {
		if s.IsAnomaly() {
			out = append(out, s)
		}
	}
	return out
}

// Process runs one incremental cycle for entityID over its full,
// ascending history. On the training pass it returns no verdicts.
func (s *Scorer) Process(ctx context.Context, entityID string, history []txn.Transaction) ([]txn.Scored, error) {
	o := s.process(ctx, entityID, history)
	return o.Scored, o.Err
}

func (s *Scorer) process(ctx context.Context, entityID string, history []txn.Transaction) Outcome {
	start := time.Now()
	o := Outcome{EntityID: entityID}

	defer func() {
		if s.metrics == nil {
			return
		}
		outcome := "scored"
		switch {
		case o.Err != nil:
			outcome = "error"
		case o.Trained:
			outcome = "trained"
		}
		s.metrics.ProcessDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		o.Err = err
		return o
	}
	if err := s.validate(entityID, history); err != nil {
		o.Err = s.fail("validate", entityID, err)
		return o
	}

	unlock := s.locks.lock(entityID)
	defer unlock()

	exists, err := s.store.Exists(ctx, entityID)
	if err != nil {
		o.Err = s.fail("exists", entityID, err)
		return o
	}

	if !exists {
		o.Err = s.train(ctx, entityID, history)
		o.Trained = o.Err == nil
		return o
	}

	o.Scored, o.Err = s.scoreNew(ctx, entityID, history)
	return o
}

func (s *Scorer) validate(entityID string, history []txn.Transaction) error {
	if err := store.ValidateEntityID(entityID); err != nil {
		return err
	}
	for i, t := range history {
		if t.Wallet != "" && t.Wallet != entityID {
			return fmt.Errorf("%w: record %d belongs to wallet %s", ErrInvalidInput, i, t.Wallet)
		}
	}
	return txn.ValidateAscending(history)
}

func (s *Scorer) train(ctx context.Context, entityID string, history []txn.Transaction) error {
	if len(history) == 0 {
		return s.fail("train", entityID, fmt.Errorf("%w: entity %s has no history", ErrEmptyInput, entityID))
	}

	amounts := txn.Amounts(history)
	scaler, err := preprocess.Fit(amounts)
	if err != nil {
		return s.fail("train", entityID, fmt.Errorf("fit normalizer: %w", err))
	}

	det := s.newDetector()
	if err := det.Fit(scaler.Column(amounts)); err != nil {
		return s.fail("train", entityID, fmt.Errorf("fit model: %w", err))
	}
	model, err := det.Save()
	if err != nil {
		return s.fail("train", entityID, fmt.Errorf("serialize model: %w", err))
	}

	state := &store.EntityState{
		EntityID:  entityID,
		Scaler:    *scaler,
		Model:     model,
		TrainedAt: s.now(),
		Samples:   len(history),
	}
	if err := s.store.Save(ctx, entityID, state); err != nil {
		return s.fail("save", entityID, fmt.Errorf("save state: %w", err))
	}

	watermark := history[len(history)-1].Timestamp
	if err := s.store.SaveWatermark(ctx, entityID, watermark); err != nil {
		return s.fail("save_watermark", entityID, fmt.Errorf("save watermark: %w", err))
	}

	if s.metrics != nil {
		s.metrics.ModelsTrained.Inc()
	}
	s.logger.Info("entity_trained",
		"entity_id", entityID,
		"samples", len(history),
		"mean", scaler.Mean,
		"std", scaler.Std,
		"watermark", watermark,
	)
	return nil
}

func (s *Scorer) scoreNew(ctx context.Context, entityID string, history []txn.Transaction) ([]txn.Scored, error) {
	state, det, err := s.load(ctx, entityID)
	if err != nil {
		return nil, err
	}

	watermark, ok, err := s.store.LoadWatermark(ctx, entityID)
	if err != nil {
		return nil, s.fail("load_watermark", entityID, fmt.Errorf("load watermark: %w", err))
	}
	if !ok {
		if len(history) == 0 {
			return nil, nil
		}
		watermark = history[0].Timestamp
	}

	fresh := txn.After(history, watermark)
	if len(fresh) == 0 {
		s.logger.Debug("entity_up_to_date",
			"entity_id", entityID,
			"watermark", watermark,
		)
		return nil, nil
	}

	scored, err := classify(state, det, fresh)
	if err != nil {
		return nil, s.fail("predict", entityID, err)
	}

	next := history[len(history)-1].Timestamp
	if err := s.store.SaveWatermark(ctx, entityID, next); err != nil {
		return nil, s.fail("save_watermark", entityID, fmt.Errorf("save watermark: %w", err))
	}

	anomalies := 0
	for _, r := range scored {
		if r.IsAnomaly() {
			anomalies++
		}
	}
	if s.metrics != nil {
		s.metrics.RecordsScored.Add(float64(len(scored)))
		s.metrics.AnomaliesFound.Add(float64(anomalies))
	}
	s.logger.Info("entity_scored",
		"entity_id", entityID,
		"new_records", len(scored),
		"anomalies", anomalies,
		"previous_watermark", watermark,
		"watermark", next,
	)

	return scored, nil
}

// ScoreHistory recomputes verdicts for every record of history from the
// persisted baseline. The watermark is not read or changed.
func (s *Scorer) ScoreHistory(ctx context.Context, entityID string, history []txn.Transaction) ([]txn.Scored, error) {
	if err := s.validate(entityID, history); err != nil {
		return nil, s.fail("validate", entityID, err)
	}

	state, det, err := s.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}

	scored, err := classify(state, det, history)
	if err != nil {
		return nil, s.fail("predict", entityID, err)
	}
	return scored, nil
}

// Watermark returns the stored watermark of entityID.
func (s *Scorer) Watermark(ctx context.Context, entityID string) (time.Time, bool, error) {
	return s.store.LoadWatermark(ctx, entityID)
}

func (s *Scorer) load(ctx context.Context, entityID string) (*store.EntityState, detectors.Detector, error) {
	state, err := s.store.Load(ctx, entityID)
	if err != nil {
		return nil, nil, s.fail("load", entityID, fmt.Errorf("load state: %w", err))
	}

	det := s.newDetector()
	if err := det.Load(state.Model); err != nil {
		if errors.Is(err, detectors.ErrCorruptModel) {
			err = fmt.Errorf("%w: %v", store.ErrCorruptState, err)
		}
		return nil, nil, s.fail("load", entityID, fmt.Errorf("decode model: %w", err))
	}
	return state, det, nil
}

func classify(state *store.EntityState, det detectors.Detector, records []txn.Transaction) ([]txn.Scored, error) {
	verdicts, err := det.Classify(state.Scaler.Column(txn.Amounts(records)))
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	scored := make([]txn.Scored, len(records))
	for i, r := range records {
		scored[i] = txn.Scored{Transaction: r, Verdict: verdicts[i]}
	}
	return scored, nil
}

func (s *Scorer) fail(stage, entityID string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordError(stage)
	}
	s.logger.Warn("entity_failed",
		"entity_id", entityID,
		"stage", stage,
		"error", err,
	)
	return err
}
