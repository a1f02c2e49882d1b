package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirledger/backend/internal/domain"
)

const (
	keyPrefix     = "stock:"
	versionPrefix = "stock:version:"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, productID string) (*domain.StockLevel, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+productID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var level domain.StockLevel
	if err := json.Unmarshal([]byte(val), &level); err != nil {
		return nil, false, err
	}
	return &level, true, nil
}

func (c *RedisStockCache) Version(ctx context.Context, productID string) (int64, error) {
	v, err := c.client.Get(ctx, versionPrefix+productID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Set stores value only while the product's version still equals version.
// A concurrent Invalidate aborts the write.
func (c *RedisStockCache) Set(ctx context.Context, productID string, version int64, value *domain.StockLevel, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	versionKey := versionPrefix + productID
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPrefix+productID, payload, ttl)
			return nil
		})
		return err
	}, versionKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range productIDs {
			pipe.Incr(ctx, versionPrefix+id)
			pipe.Del(ctx, keyPrefix+id)
		}
		return nil
	})
	return err
}
