// Package redis is a Redis store.ModelStore.
//
// Keys:
//
//	<prefix>:model:<entity id>      encoded normalizer + model (one value)
//	<prefix>:watermark:<entity id>  RFC 3339 timestamp
//
// Each artifact is a single SET, so a pair is never partially written.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hed1ad/tokenwise/pkg/store"
)

// DefaultPrefix namespaces all keys written by the store.
const DefaultPrefix = "tokenwise"

// Store is a Redis implementation of store.ModelStore.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// Dial parses redisURL, verifies connectivity and returns a store.
func Dial(ctx context.Context, redisURL, password string, logger *slog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(client, DefaultPrefix, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "redis_model_store"),
	}
}

func (s *Store) modelKey(entityID string) string {
	return fmt.Sprintf("%s:model:%s", s.prefix, entityID)
}

func (s *Store) watermarkKey(entityID string) string {
	return fmt.Sprintf("%s:watermark:%s", s.prefix, entityID)
}

// Exists reports whether the model key is set.
func (s *Store) Exists(ctx context.Context, entityID string) (bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return false, err
	}

	n, err := s.client.Exists(ctx, s.modelKey(entityID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS failed: %w", err)
	}
	return n > 0, nil
}

// Load fetches and decodes the model key.
func (s *Store) Load(ctx context.Context, entityID string) (*store.EntityState, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.modelKey(entityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	state, err := store.DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, err)
	}
	state.EntityID = entityID
	return state, nil
}

// Save writes the encoded pair with a single SET and no expiry.
func (s *Store) Save(ctx context.Context, entityID string, state *store.EntityState) error {
	if err := store.ValidateState(entityID, state); err != nil {
		return err
	}

	cp := *state
	cp.EntityID = entityID
	data, err := store.EncodeState(&cp)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.modelKey(entityID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}

	s.logger.Debug("model_saved",
		"entity_id", entityID,
		"size_bytes", len(data),
	)
	return nil
}

// LoadWatermark fetches the watermark key.
func (s *Store) LoadWatermark(ctx context.Context, entityID string) (time.Time, bool, error) {
	if err := store.ValidateEntityID(entityID); err != nil {
		return time.Time{}, false, err
	}

	raw, err := s.client.Get(ctx, s.watermarkKey(entityID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis GET failed: %w", err)
	}

	wm, err := store.ParseWatermark(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("entity %s: %w", entityID, err)
	}
	return wm, true, nil
}

// SaveWatermark sets the watermark key.
func (s *Store) SaveWatermark(ctx context.Context, entityID string, watermark time.Time) error {
	if err := store.ValidateEntityID(entityID); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.watermarkKey(entityID), store.FormatWatermark(watermark), 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
