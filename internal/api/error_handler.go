package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/member"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

// errorStatuses はドメインエラーとHTTPステータスの対応。先に一致したものを使う
var errorStatuses = []struct {
	err  error
	code int
}{
	{reservation.ErrReservationRemoved, http.StatusGone},
	{reservation.ErrValidationFailed, http.StatusUnprocessableEntity},
	{reservation.ErrNotOwner, http.StatusForbidden},

	{reservation.ErrReservationNotFound, http.StatusNotFound},
	{tour.ErrTourNotFound, http.StatusNotFound},
	{capacity.ErrUnitNotFound, http.StatusNotFound},
	{capacity.ErrClaimNotFound, http.StatusNotFound},

	{reservation.ErrInvalidTransition, http.StatusConflict},
	{reservation.ErrConcurrencyConflict, http.StatusConflict},
	{reservation.ErrIdempotencyKeyAlreadyExists, http.StatusConflict},
	{reservation.ErrParticipantNotEditable, http.StatusConflict},
	{reservation.ErrHoldExpired, http.StatusConflict},
	{reservation.ErrNotDeletable, http.StatusConflict},
	{capacity.ErrCapacityExceeded, http.StatusConflict},
	{capacity.ErrRegistrationClosed, http.StatusConflict},
	{capacity.ErrUnitInactive, http.StatusConflict},
	{tour.ErrTourNotBookable, http.StatusConflict},
	{tour.ErrTourAlreadyStarted, http.StatusConflict},
	{tour.ErrOptimisticLockConflict, http.StatusConflict},
	{redisinfra.ErrIdempotencyInProgress, http.StatusConflict},

	{member.ErrServiceUnavailable, http.StatusServiceUnavailable},
	{billing.ErrUnavailable, http.StatusServiceUnavailable},

	{reservation.ErrTourIDRequired, http.StatusBadRequest},
	{reservation.ErrUserIDRequired, http.StatusBadRequest},
	{reservation.ErrParticipantsRequired, http.StatusBadRequest},
	{reservation.ErrIdempotencyKeyRequired, http.StatusBadRequest},
	{tour.ErrTourNameRequired, http.StatusBadRequest},
	{tour.ErrInvalidMaxGuests, http.StatusBadRequest},
	{tour.ErrInvalidTourTime, http.StatusBadRequest},
	{tour.ErrInvalidPrice, http.StatusBadRequest},
	{tour.ErrInvalidMinAge, http.StatusBadRequest},
	{capacity.ErrInvalidCount, http.StatusBadRequest},
	{capacity.ErrTourIDRequired, http.StatusBadRequest},
	{capacity.ErrInvalidMaxParticipants, http.StatusBadRequest},
	{capacity.ErrInvalidRegistrationWindow, http.StatusBadRequest},
}

// StatusFor はエラーに対応するHTTPステータスを返す
func StatusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	for _, s := range errorStatuses {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return http.StatusInternalServerError
}

// ReasonsFor は利用者に返す理由の一覧を返す
func ReasonsFor(err error, code int) []string {
	var ve *reservation.ValidationError
	if errors.As(err, &ve) && len(ve.Reasons) > 0 {
		return ve.Reasons
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch m := he.Message.(type) {
		case string:
			return []string{m}
		case []string:
			return m
		default:
			return []string{http.StatusText(he.Code)}
		}
	}
	if code >= 500 && code != http.StatusServiceUnavailable {
		return []string{"内部サーバーエラー"}
	}
	return []string{err.Error()}
}

// CustomHTTPErrorHandler はカスタムエラーハンドラー
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := StatusFor(err)

	// エラーログを出力（5xx エラーの場合）
	if code >= 500 {
		logger.Error("サーバーエラー",
			zap.Int("status", code),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}

	if err := Fail(c, code, ReasonsFor(err, code)...); err != nil {
		logger.Error("エラーレスポンス送信失敗", zap.Error(err))
	}
}
