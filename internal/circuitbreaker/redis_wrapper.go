package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards a go-redis client with a circuit breaker. Pub/sub
// subscriptions bypass the breaker (they are long-lived streams, not
// request/response calls) and are reached through Client().
type RedisWrapper struct {
	client *redis.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewRedisWrapper wraps client with the Redis breaker profile.
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New("redis", RedisConfig(), logger),
		logger: logger,
	}
}

// Client exposes the underlying client for pub/sub acquisition.
func (rw *RedisWrapper) Client() *redis.Client { return rw.client }

// State returns the breaker state for health reporting.
func (rw *RedisWrapper) State() State { return rw.cb.State() }

func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		val, err2 = rw.client.Get(ctx, key).Result()
		return err2
	})
	return val, err
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var ok bool
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		ok, err2 = rw.client.SetNX(ctx, key, value, ttl).Result()
		return err2
	})
	return ok, err
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

func (rw *RedisWrapper) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	var val int64
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		val, err2 = rw.client.IncrBy(ctx, key, n).Result()
		return err2
	})
	return val, err
}

func (rw *RedisWrapper) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	var val int64
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		val, err2 = rw.client.DecrBy(ctx, key, n).Result()
		return err2
	})
	return val, err
}

func (rw *RedisWrapper) LPush(ctx context.Context, key string, values ...interface{}) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.LPush(ctx, key, values...).Err()
	})
}

func (rw *RedisWrapper) LTrim(ctx context.Context, key string, start, stop int64) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.LTrim(ctx, key, start, stop).Err()
	})
}

func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := rw.cb.Execute(ctx, func() error {
		var err2 error
		vals, err2 = rw.client.LRange(ctx, key, start, stop).Result()
		return err2
	})
	return vals, err
}

func (rw *RedisWrapper) Publish(ctx context.Context, channel string, message interface{}) error {
	return rw.cb.Execute(ctx, func() error {
		return rw.client.Publish(ctx, channel, message).Err()
	})
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}
