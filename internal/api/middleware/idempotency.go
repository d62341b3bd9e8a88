package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// Idempotency は Idempotency-Key 付きの更新リクエストの応答を保存し、再送時に再生するミドルウェア
// キーは利用者・メソッド・パスごとに区別する。処理中の重複は 409
func Idempotency(store redisinfra.IdempotencyStoreInterface, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(HeaderIdempotencyKey)
			if key == "" || store == nil || !isMutating(req.Method) {
				return next(c)
			}

			userID := "anonymous"
			if actor, ok := ActorFrom(c); ok {
				userID = actor.UserID
			}
			storeKey := userID + ":" + req.Method + ":" + req.URL.Path + ":" + key
			ctx := req.Context()

			stored, err := store.Begin(ctx, storeKey, ttl)
			switch {
			case errors.Is(err, redisinfra.ErrIdempotencyInProgress):
				return err
			case err != nil:
				// Redis 障害時は冪等性なしで処理を続ける
				logger.Warn("冪等性ストアが利用できません", zap.Error(err))
				return next(c)
			case stored != nil:
				c.Response().Header().Set(HeaderReplayed, "true")
				return c.Blob(stored.StatusCode, stored.ContentType, stored.Body)
			}

			rec := &responseRecorder{ResponseWriter: c.Response().Writer}
			c.Response().Writer = rec

			err = next(c)
			status := c.Response().Status
			if err != nil || status >= http.StatusInternalServerError || !c.Response().Committed {
				// 失敗はエラーハンドラーが後で書き込むため保存せず、再試行を許可する
				if aerr := store.Abort(ctx, storeKey); aerr != nil {
					logger.Warn("冪等性キーの取り消しに失敗", zap.Error(aerr))
				}
				return err
			}

			resp := &redisinfra.StoredResponse{
				StatusCode:  status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        rec.body.Bytes(),
			}
			if cerr := store.Complete(ctx, storeKey, resp, ttl); cerr != nil {
				logger.Warn("冪等性キーの応答保存に失敗", zap.Error(cerr))
			}
			return nil
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type responseRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
