package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"strategy-engine/internal/config"
	"strategy-engine/pkg/types"
)

// RedisAdapter persists signals as JSON values under colon-delimited keys:
// signal:<symbol>:<strategy> and schedule:<symbol>:<strategy>. Suited to
// deployments where the engine host is ephemeral but a Redis instance
// survives restarts.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter creates a Redis adapter from the persistence config.
func NewRedisAdapter(cfg config.PersistConfig) *RedisAdapter {
	return &RedisAdapter{
		client: redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}),
	}
}

func redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s", key.Kind, key.Symbol, key.Strategy)
}

// WaitForInit pings the server until it answers or ctx expires.
func (r *RedisAdapter) WaitForInit(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", types.ErrPersistence, err)
	}
	return nil
}

// Close releases the client connection pool.
func (r *RedisAdapter) Close() error {
	return r.client.Close()
}

// Has reports whether a record exists for the key.
func (r *RedisAdapter) Has(ctx context.Context, key Key) (bool, error) {
	n, err := r.client.Exists(ctx, redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", types.ErrPersistence, key, err)
	}
	return n > 0, nil
}

// Read restores the signal for the key. Returns nil, nil when no record exists.
func (r *RedisAdapter) Read(ctx context.Context, key Key) (*types.Signal, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get %s: %v", types.ErrPersistence, key, err)
	}

	var s types.Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", types.ErrPersistence, key, err)
	}
	return &s, nil
}

// Write persists the signal for the key.
func (r *RedisAdapter) Write(ctx context.Context, key Key, signal *types.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", types.ErrPersistence, key, err)
	}
	if err := r.client.Set(ctx, redisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", types.ErrPersistence, key, err)
	}
	return nil
}

// Delete removes the record for the key. Missing records are not an error.
func (r *RedisAdapter) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", types.ErrPersistence, key, err)
	}
	return nil
}

// Open constructs the adapter selected by the persistence config.
func Open(cfg config.PersistConfig) (Adapter, error) {
	switch cfg.Backend {
	case "file":
		return NewFileAdapter(cfg.DataDir)
	case "redis":
		return NewRedisAdapter(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown persist backend %q", types.ErrConfig, cfg.Backend)
}
