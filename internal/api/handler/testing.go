package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-tour-reservation/internal/api"
	"github.com/sanosuguru/go-tour-reservation/internal/api/middleware"
	"github.com/sanosuguru/go-tour-reservation/internal/application"
)

// NewTestEcho はテスト用のEchoインスタンスを作成する
func NewTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	return e
}

// WithActor は操作者を設定したコンテキストを返す（テスト用）
func WithActor(c echo.Context, userID string, isAdmin bool) echo.Context {
	middleware.SetActor(c, application.Actor{UserID: userID, IsAdmin: isAdmin})
	return c
}
