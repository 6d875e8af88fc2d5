package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Cache shared by every terminal pointed at the same server.
type Redis[T any] struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	log       *zap.Logger
}

func NewRedis[T any](client *redis.Client, namespace string, ttl time.Duration, log *zap.Logger) *Redis[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis[T]{client: client, namespace: namespace, ttl: ttl, log: log}
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (c *Redis[T]) key(key string) string {
	return "cache:" + c.namespace + ":" + key
}

func (c *Redis[T]) GetOrLoad(ctx context.Context, key string, load Loader[T]) (T, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == nil {
		var value T
		if jsonErr := json.Unmarshal(raw, &value); jsonErr == nil {
			return value, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("cache read failed, loading from source", zap.String("key", key), zap.Error(err))
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if payload, err := json.Marshal(value); err == nil {
		if err := c.client.Set(ctx, c.key(key), payload, c.ttl).Err(); err != nil {
			c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

func (c *Redis[T]) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Redis[T]) InvalidateAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, "cache:"+c.namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("cache invalidate all failed", zap.String("namespace", c.namespace), zap.Error(err))
	}
}
