// Package storetest holds the behavioral contract every store.ModelStore
// backend must satisfy.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/tokenwise/pkg/preprocess"
	"github.com/hed1ad/tokenwise/pkg/store"
)

// NewState returns a small valid state for entityID.
func NewState(entityID string) *store.EntityState {
	return &store.EntityState{
		EntityID:  entityID,
		Scaler:    preprocess.StandardScaler{Mean: 258.25, Std: 428.25},
		Model:     []byte("model-bytes-" + entityID),
		TrainedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Samples:   4,
	}
}

// Run exercises a fresh, empty store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.ModelStore) {
	t.Helper()

	t.Run("missing entity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		exists, err := s.Exists(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.Load(ctx, "ghost")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, ok, err := s.LoadWatermark(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := NewState("wallet-a")

		require.NoError(t, s.Save(ctx, "wallet-a", in))

		exists, err := s.Exists(ctx, "wallet-a")
		require.NoError(t, err)
		assert.True(t, exists)

		out, err := s.Load(ctx, "wallet-a")
		require.NoError(t, err)
		assert.Equal(t, "wallet-a", out.EntityID)
		assert.Equal(t, in.Scaler, out.Scaler)
		assert.Equal(t, in.Model, out.Model)
		assert.Equal(t, in.Samples, out.Samples)
		assert.True(t, in.TrainedAt.Equal(out.TrainedAt))
	})

	t.Run("save replaces whole pair", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, "w", NewState("w")))
		next := NewState("w")
		next.Scaler = preprocess.StandardScaler{Mean: 1, Std: 2}
		next.Model = []byte("second")
		require.NoError(t, s.Save(ctx, "w", next))

		out, err := s.Load(ctx, "w")
		require.NoError(t, err)
		assert.Equal(t, next.Scaler, out.Scaler)
		assert.Equal(t, next.Model, out.Model)
	})

	t.Run("watermark independent of model", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wm := time.Date(2025, 2, 3, 4, 5, 6, 7000, time.UTC)

		require.NoError(t, s.SaveWatermark(ctx, "w", wm))

		exists, err := s.Exists(ctx, "w")
		require.NoError(t, err)
		assert.False(t, exists, "watermark alone does not make an entity trained")

		got, ok, err := s.LoadWatermark(ctx, "w")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, wm.Equal(got))

		later := wm.Add(time.Hour)
		require.NoError(t, s.SaveWatermark(ctx, "w", later))
		got, _, err = s.LoadWatermark(ctx, "w")
		require.NoError(t, err)
		assert.True(t, later.Equal(got))
	})

	t.Run("entities are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, b := NewState("a"), NewState("b")
		b.Scaler = preprocess.StandardScaler{Mean: 5, Std: 1}
		require.NoError(t, s.Save(ctx, "a", a))
		require.NoError(t, s.Save(ctx, "b", b))

		got, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, a.Scaler, got.Scaler)
	})

	t.Run("invalid input", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		assert.ErrorIs(t, s.Save(ctx, "", NewState("")), store.ErrInvalidInput)
		assert.ErrorIs(t, s.Save(ctx, "w", nil), store.ErrInvalidInput)
		_, err := s.Exists(ctx, "")
		assert.ErrorIs(t, err, store.ErrInvalidInput)
		assert.ErrorIs(t, s.SaveWatermark(ctx, "", time.Now()), store.ErrInvalidInput)
	})
}
