package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"

	"pkt.systems/waypoint/schema"
)

// Redis stores entries as plain string keys. An optional ttl query parameter
// (for example redis://host:6379/0?ttl=24h) bounds the session lifetime.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis parses dsn and returns a Redis-backed store. No connection is made
// until the first operation.
func NewRedis(dsn string) (Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	var ttl time.Duration
	query := parsed.Query()
	if raw := query.Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl < 0 {
			return nil, fmt.Errorf("%w: invalid redis ttl %q", schema.ErrInvalidRequest, raw)
		}
		query.Del("ttl")
		parsed.RawQuery = query.Encode()
	}
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return value, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
