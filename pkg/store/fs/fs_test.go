package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/tokenwise/pkg/store"
	"github.com/hed1ad/tokenwise/pkg/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ModelStore {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestLayout(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "9xQeWvG816bUx9EP", storetest.NewState("9xQeWvG816bUx9EP")))

	_, err = os.Stat(filepath.Join(s.Root(), "9xQeWvG816bUx9EP", modelFile))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "9xQeWvG816bUx9EP"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReplaceLeavesOnlyArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	wm := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

	for i := range 3 {
		require.NoError(t, s.Save(ctx, "A", storetest.NewState("A")))
		require.NoError(t, s.SaveWatermark(ctx, "A", wm.Add(time.Duration(i)*time.Minute)))
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "A"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{modelFile, watermarkFile}, names)

	got, ok, err := s.LoadWatermark(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(wm.Add(2*time.Minute)))
}

func TestEntityIDEscaping(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "../escape", storetest.NewState("../escape")))
	_, err = os.Stat(filepath.Join(s.Root(), "..%2Fescape", modelFile))
	assert.NoError(t, err)

	_, err = s.Exists(ctx, "..")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCorruptArtifacts(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	dir := filepath.Join(s.Root(), "w")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelFile), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, watermarkFile), []byte("not a time"), 0o644))

	exists, err := s.Exists(ctx, "w")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.Load(ctx, "w")
	assert.ErrorIs(t, err, store.ErrCorruptState)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	_, _, err = s.LoadWatermark(ctx, "w")
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
