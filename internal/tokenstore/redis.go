package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisFieldAccess  = "access_token"
	redisFieldRefresh = "refresh_token"
)

// RedisStore keeps the pair in a single redis hash so several processes can
// share one session. Both fields are written by one HSET command.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Compile-time check to ensure RedisStore implements CredentialStore
var _ CredentialStore = (*RedisStore)(nil)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL expires the stored pair; zero keeps it until cleared.
	TTL time.Duration
}

// NewRedisStore creates a RedisStore. No connection is made until first use.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if opts.Key == "" {
		return nil, fmt.Errorf("redis key cannot be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisStore{
		client: rdb,
		key:    opts.Key,
		ttl:    opts.TTL,
	}, nil
}

func (r *RedisStore) Read(ctx context.Context) (Credentials, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Credentials{}, fmt.Errorf("reading %s: %w", r.key, err)
	}

	creds := Credentials{
		AccessToken:  values[redisFieldAccess],
		RefreshToken: values[redisFieldRefresh],
	}
	if creds.IsZero() {
		return Credentials{}, ErrNotFound
	}
	return creds, nil
}

func (r *RedisStore) Write(ctx context.Context, creds Credentials) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, map[string]any{
			redisFieldAccess:  creds.AccessToken,
			redisFieldRefresh: creds.RefreshToken,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, r.key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", r.key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
