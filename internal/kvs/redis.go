package kvs

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Redis reads JSON documents stored under string keys.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the server at url (redis://host:port/db) and checks
// the connection. prefix is prepended to every key.
func NewRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("kvs: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kvs: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvs: connect to redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) (any, error) {
	s, err := r.client.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, fmt.Errorf("kvs: redis get %q: %w", key, err)
	}
	var v any
	if err := sonic.UnmarshalString(s, &v); err != nil {
		return nil, fmt.Errorf("kvs: decode %q: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any) error {
	s, err := sonic.MarshalString(value)
	if err != nil {
		return fmt.Errorf("kvs: encode %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), s, 0).Err(); err != nil {
		return fmt.Errorf("kvs: redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
