package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultHashKey is the Redis hash holding key -> endpoint bindings.
const DefaultHashKey = "margin:registry"

// OpenRedis connects to addr and verifies the server answers a ping.
func OpenRedis(addr string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Redis resolves keys from a Redis hash so operators can repoint endpoints
// without restarting the service.
type Redis struct {
	client *redis.Client
	hash   string
}

// NewRedis constructs a resolver reading hash. An empty hash uses
// DefaultHashKey.
func NewRedis(client *redis.Client, hash string) *Redis {
	if strings.TrimSpace(hash) == "" {
		hash = DefaultHashKey
	}
	return &Redis{client: client, hash: hash}
}

// Resolve implements Resolver.
func (r *Redis) Resolve(ctx context.Context, key string) (string, error) {
	name, err := r.client.HGet(ctx, r.hash, strings.TrimSpace(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err != nil {
		return "", fmt.Errorf("registry: resolve %s: %w", key, err)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return strings.TrimSpace(name), nil
}

// Bind writes key -> name into the hash.
func (r *Redis) Bind(ctx context.Context, key, name string) error {
	return r.client.HSet(ctx, r.hash, strings.TrimSpace(key), strings.TrimSpace(name)).Err()
}
