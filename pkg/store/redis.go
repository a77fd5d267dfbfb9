package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a counter and sets its expiry only when the counter was
// just created, in one round trip, so a counter can never outlive its window.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisBackend implements Backend on a Redis server
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a client for config.Addr. No connection is made
// until the first command.
func NewRedisBackend(config *Config) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: config.PoolSize,
			// retries are owned by the adapter; one attempt per call
			MaxRetries:   -1,
			DialTimeout:  config.OpTimeout,
			ReadTimeout:  config.OpTimeout,
			WriteTimeout: config.OpTimeout,
		}),
	}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisBackend) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
