// Package cache содержит Redis-кэш сводок членства ассоциаций.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mmeshcher/benefits-system/internal/model"
)

const summaryTTL = 5 * time.Minute

// RedisCache хранит сводки членства с коротким TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache подключается к Redis по указанному адресу.
func NewRedisCache(addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close закрывает соединение с Redis.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func summaryKey(associationID string) string {
	return "summary:" + associationID
}

// GetSummary возвращает закэшированную сводку или nil при промахе.
func (c *RedisCache) GetSummary(ctx context.Context, associationID string) (*model.MembershipSummary, error) {
	val, err := c.client.Get(ctx, summaryKey(associationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var summary model.MembershipSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &summary, nil
}

// SetSummary кэширует сводку с TTL.
func (c *RedisCache) SetSummary(ctx context.Context, summary *model.MembershipSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return c.client.Set(ctx, summaryKey(summary.AssociationID), body, summaryTTL).Err()
}

// Invalidate удаляет сводку ассоциации из кэша.
func (c *RedisCache) Invalidate(ctx context.Context, associationID string) error {
	return c.client.Del(ctx, summaryKey(associationID)).Err()
}
