// Package store persists per-entity model state and watermarks.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hed1ad/tokenwise/pkg/preprocess"
)

// EntityState is the trained normalizer/model pair of one entity.
// The pair is always written and read as a unit.
type EntityState struct {
	EntityID string
	Scaler   preprocess.StandardScaler
	// Model is the serialized baseline detector.
	Model     []byte
	TrainedAt time.Time
	// Samples is the number of records the pair was fit on.
	Samples int
}

// ModelStore is key-value persistence of entity state keyed by entity ID.
// The watermark is stored beside the model and may be written independently.
type ModelStore interface {
	// Exists reports whether a trained pair is persisted for entityID.
	Exists(ctx context.Context, entityID string) (bool, error)

	// Load returns the trained pair. Returns ErrNotFound if absent and
	// ErrCorruptState if the artifact cannot be decoded.
	Load(ctx context.Context, entityID string) (*EntityState, error)

	// Save persists the trained pair atomically.
	Save(ctx context.Context, entityID string, state *EntityState) error

	// LoadWatermark returns the watermark and whether one is stored.
	LoadWatermark(ctx context.Context, entityID string) (time.Time, bool, error)

	// SaveWatermark stores the watermark for entityID.
	SaveWatermark(ctx context.Context, entityID string, watermark time.Time) error
}

// ValidateEntityID rejects IDs that cannot be used as a storage key.
func ValidateEntityID(entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidInput)
	}
	return nil
}

// ValidateState checks a state before it is saved.
func ValidateState(entityID string, state *EntityState) error {
	if err := ValidateEntityID(entityID); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidInput)
	}
	if len(state.Model) == 0 {
		return fmt.Errorf("%w: state has no model", ErrInvalidInput)
	}
	if state.Scaler.Std <= 0 {
		return fmt.Errorf("%w: scaler std must be positive", ErrInvalidInput)
	}
	return nil
}
