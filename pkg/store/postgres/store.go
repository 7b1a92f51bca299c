package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hed1ad/tokenwise/pkg/store"
)

// Store is a PostgreSQL implementation of store.ModelStore.
// Uses two tables:
//   - entity_models: one row per trained entity
//   - entity_watermarks: one row per entity with a scoring frontier
type Store struct {
	pool *Pool
}

// New creates a new PostgreSQL model store.
func New(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Exists reports whether a trained pair row exists.
func (s *Store) Exists(ctx context.Context, entityID string) (bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return false, err
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM entity_models WHERE entity_id = $1)
	`, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query entity model: %w", err)
	}
	return exists, nil
}

// Load reads the trained pair row.
func (s *Store) Load(ctx context.Context, entityID string) (*store.EntityState, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return nil, err
	}

	var (
		state   = store.EntityState{EntityID: entityID}
		version int16
	)
	err := s.pool.QueryRow(ctx, `
		SELECT format_version, scaler_mean, scaler_std, model, samples, trained_at
		FROM entity_models
		WHERE entity_id = $1
	`, entityID).Scan(&version, &state.Scaler.Mean, &state.Scaler.Std, &state.Model, &state.Samples, &state.TrainedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load entity model: %w", err)
	}

	if version != int16(store.FormatVersion) {
		return nil, fmt.Errorf("%w: entity %s has format version %d", store.ErrCorruptState, entityID, version)
	}
	if len(state.Model) == 0 || state.Scaler.Std <= 0 {
		return nil, fmt.Errorf("%w: entity %s has incomplete state", store.ErrCorruptState, entityID)
	}
	return &state, nil
}

// Save upserts the pair in a single statement.
func (s *Store) Save(ctx context.Context, entityID string, state *store.EntityState) error {
	if err := store.ValidateState(entityID, state); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_models (entity_id, format_version, scaler_mean, scaler_std, model, samples, trained_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (entity_id) DO UPDATE
		SET format_version = EXCLUDED.format_version,
		    scaler_mean = EXCLUDED.scaler_mean,
		    scaler_std = EXCLUDED.scaler_std,
		    model = EXCLUDED.model,
		    samples = EXCLUDED.samples,
		    trained_at = EXCLUDED.trained_at,
		    updated_at = NOW()
	`, entityID, int16(store.FormatVersion), state.Scaler.Mean, state.Scaler.Std, state.Model, state.Samples, state.TrainedAt)
	if err != nil {
		return fmt.Errorf("save entity model: %w", err)
	}
	return nil
}

// LoadWatermark reads the watermark row.
func (s *Store) LoadWatermark(ctx context.Context, entityID string) (time.Time, bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return time.Time{}, false, err
	}

	var ns int64
	err := s.pool.QueryRow(ctx, `
		SELECT watermark_ns FROM entity_watermarks WHERE entity_id = $1
	`, entityID).Scan(&ns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("load watermark: %w", err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

// SaveWatermark upserts the watermark row.
func (s *Store) SaveWatermark(ctx context.Context, entityID string, watermark time.Time) error {
	if err := store.ValidateEntityID(entityID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_watermarks (entity_id, watermark_ns, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entity_id) DO UPDATE
		SET watermark_ns = EXCLUDED.watermark_ns,
		    updated_at = NOW()
	`, entityID, watermark.UnixNano())
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}
