package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
)

var (
	ErrCacheMiss = errors.New("キャッシュが見つかりません")
)

// AvailabilityCacheInterface はツアー空き状況キャッシュ
type AvailabilityCacheInterface interface {
	Get(ctx context.Context, tourID string) (*capacity.TourAvailability, error)
	Set(ctx context.Context, availability *capacity.TourAvailability, ttl time.Duration) error
	Invalidate(ctx context.Context, tourID string) error
}

// AvailabilityCache はツアーの空き状況を Redis にキャッシュする
type AvailabilityCache struct {
	client *redis.Client
}

// NewAvailabilityCache は新しいAvailabilityCacheインスタンスを作成する
func NewAvailabilityCache(client *redis.Client) *AvailabilityCache {
	return &AvailabilityCache{client: client}
}

// Get はツアーの空き状況をキャッシュから取得する
func (c *AvailabilityCache) Get(ctx context.Context, tourID string) (*capacity.TourAvailability, error) {
	raw, err := c.client.Get(ctx, c.key(tourID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}
	var ta capacity.TourAvailability
	if err := json.Unmarshal(raw, &ta); err != nil {
		// 壊れたエントリはミス扱い
		return nil, ErrCacheMiss
	}
	return &ta, nil
}

// Set はツアーの空き状況をキャッシュに保存する
func (c *AvailabilityCache) Set(ctx context.Context, availability *capacity.TourAvailability, ttl time.Duration) error {
	raw, err := json.Marshal(availability)
	if err != nil {
		return fmt.Errorf("キャッシュのシリアライズに失敗: %w", err)
	}
	if err := c.client.Set(ctx, c.key(availability.TourID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュ保存に失敗: %w", err)
	}
	return nil
}

// Invalidate はツアーのキャッシュを無効化する
func (c *AvailabilityCache) Invalidate(ctx context.Context, tourID string) error {
	if err := c.client.Del(ctx, c.key(tourID)).Err(); err != nil {
		return fmt.Errorf("キャッシュ無効化に失敗: %w", err)
	}
	return nil
}

func (c *AvailabilityCache) key(tourID string) string {
	return fmt.Sprintf("tours:availability:%s", tourID)
}
