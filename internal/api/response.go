package api

import "github.com/labstack/echo/v4"

// Envelope はすべてのAPIレスポンスの共通フォーマット
type Envelope struct {
	Success bool        `json:"success"`
	Reasons []string    `json:"reasons"`
	Data    interface{} `json:"data"`
}

// Respond は成功レスポンスを返す
func Respond(c echo.Context, code int, data interface{}) error {
	return c.JSON(code, Envelope{Success: true, Reasons: []string{}, Data: data})
}

// Fail は失敗レスポンスを返す
func Fail(c echo.Context, code int, reasons ...string) error {
	if reasons == nil {
		reasons = []string{}
	}
	return c.JSON(code, Envelope{Success: false, Reasons: reasons})
}
