// Package fs is a filesystem store.ModelStore.
//
// Layout, one directory per entity:
//
//	<root>/<escaped entity id>/model.gob   normalizer + model, one artifact
//	<root>/<escaped entity id>/watermark   RFC 3339 timestamp
//
// Files are replaced with renameio, so readers see either the old or the new
// artifact and a crash never leaves a partial file behind.
package fs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hed1ad/tokenwise/pkg/store"
)

const (
	modelFile     = "model.gob"
	watermarkFile = "watermark"
)

// Store is a filesystem implementation of store.ModelStore.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty model directory", store.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) entityDir(entityID string) (string, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return "", err
	}
	name := url.PathEscape(entityID)
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: reserved entity id %q", store.ErrInvalidInput, entityID)
	}
	return filepath.Join(s.root, name), nil
}

// Exists reports whether model.gob is present for entityID.
func (s *Store) Exists(_ context.Context, entityID string) (bool, error) {
	dir, err := s.entityDir(entityID)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(dir, modelFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat model: %w", err)
	}
}

// Load reads and decodes model.gob.
func (s *Store) Load(_ context.Context, entityID string) (*store.EntityState, error) {
	dir, err := s.entityDir(entityID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, modelFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read model: %w", err)
	}

	state, err := store.DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, err)
	}
	state.EntityID = entityID
	return state, nil
}

// Save encodes the pair into a single file and replaces model.gob atomically.
func (s *Store) Save(_ context.Context, entityID string, state *store.EntityState) error {
	if err := store.ValidateState(entityID, state); err != nil {
		return err
	}
	dir, err := s.entityDir(entityID)
	if err != nil {
		return err
	}

	cp := *state
	cp.EntityID = entityID
	data, err := store.EncodeState(&cp)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create entity directory: %w", err)
	}
	return writeAtomic(filepath.Join(dir, modelFile), data)
}

// LoadWatermark reads the watermark file if present.
func (s *Store) LoadWatermark(_ context.Context, entityID string) (time.Time, bool, error) {
	dir, err := s.entityDir(entityID)
	if err != nil {
		return time.Time{}, false, err
	}

	data, err := os.ReadFile(filepath.Join(dir, watermarkFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}

	wm, err := store.ParseWatermark(string(data))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("entity %s: %w", entityID, err)
	}
	return wm, true, nil
}

// SaveWatermark replaces the watermark file atomically.
func (s *Store) SaveWatermark(_ context.Context, entityID string, watermark time.Time) error {
	dir, err := s.entityDir(entityID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create entity directory: %w", err)
	}
	return writeAtomic(filepath.Join(dir, watermarkFile), []byte(store.FormatWatermark(watermark)+"\n"))
}

func writeAtomic(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
