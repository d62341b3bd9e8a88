package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrIdempotencyInProgress = errors.New("同じ冪等性キーのリクエストを処理中です")
)

const processingMarker = "__processing__"

// StoredResponse は冪等性キーに紐づけて保存する応答
type StoredResponse struct {
	StatusCode  int    `json:"statusCode"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// IdempotencyStoreInterface は HTTP リクエストの冪等性管理
type IdempotencyStoreInterface interface {
	Begin(ctx context.Context, key string, ttl time.Duration) (*StoredResponse, error)
	Complete(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

// IdempotencyStore は冪等性キーごとの応答を Redis に保存する
type IdempotencyStore struct {
	client *redis.Client
}

func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// Begin は処理開始を記録する
// 保存済みの応答があればそれを返す。処理中のリクエストがあれば ErrIdempotencyInProgress
func (s *IdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (*StoredResponse, error) {
	k := s.key(key)
	ok, err := s.client.SetNX(ctx, k, processingMarker, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("冪等性キーの登録に失敗: %w", err)
	}
	if ok {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 直前に期限切れになった
			return s.Begin(ctx, key, ttl)
		}
		return nil, fmt.Errorf("冪等性キーの取得に失敗: %w", err)
	}
	if string(raw) == processingMarker {
		return nil, ErrIdempotencyInProgress
	}
	var resp StoredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("保存済み応答の読み込みに失敗: %w", err)
	}
	return &resp, nil
}

// Complete は応答を保存する
func (s *IdempotencyStore) Complete(ctx context.Context, key string, resp *StoredResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("応答のシリアライズに失敗: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("応答の保存に失敗: %w", err)
	}
	return nil
}

// Abort は処理中の記録を取り消し、再試行を可能にする
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("冪等性キーの削除に失敗: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) key(key string) string {
	return "idempotency:" + key
}
