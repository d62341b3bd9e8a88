package router

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanosuguru/go-tour-reservation/internal/api"
	"github.com/sanosuguru/go-tour-reservation/internal/api/handler"
	"github.com/sanosuguru/go-tour-reservation/internal/api/middleware"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
)

// Options はルーティングの構成要素
type Options struct {
	Reservations handler.ReservationServiceInterface
	Tours        handler.TourServiceInterface
	HealthChecks map[string]handler.HealthCheck

	Auth             middleware.AuthConfig
	IdempotencyStore redisinfra.IdempotencyStoreInterface
	IdempotencyTTL   time.Duration

	Metrics         *metrics.Metrics
	MetricsUser     string
	MetricsPassword string
}

// New はミドルウェアとルートを登録済みのEchoを返す
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler

	middleware.SetupMiddleware(e)
	if opts.Metrics != nil {
		e.Use(middleware.PrometheusMiddleware(opts.Metrics))
	}

	health := handler.NewHealthHandler(opts.HealthChecks)
	e.GET("/health", health.Check)
	e.GET("/ready", health.Ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.MetricsBasicAuth(opts.MetricsUser, opts.MetricsPassword))

	reservations := handler.NewReservationHandler(opts.Reservations)
	tours := handler.NewTourHandler(opts.Tours)

	v1 := e.Group("/api/v1")
	v1.GET("/tours", tours.List)
	v1.GET("/tours/:id", tours.GetByID)
	v1.GET("/tours/:id/availability", tours.Availability)

	authed := v1.Group("", middleware.Auth(opts.Auth), middleware.Idempotency(opts.IdempotencyStore, opts.IdempotencyTTL))
	authed.POST("/reservations", reservations.Create)
	authed.GET("/reservations", reservations.GetUserReservations)
	authed.GET("/reservations/:id", reservations.GetByID)
	authed.DELETE("/reservations/:id", reservations.Delete)
	authed.POST("/reservations/:id/participants", reservations.AddParticipant)
	authed.POST("/reservations/:id/submit", reservations.Submit)
	authed.POST("/reservations/:id/cancel", reservations.Cancel)
	authed.POST("/reservations/:id/cancellation", reservations.RequestCancellation)
	authed.POST("/reservations/:id/reactivate", reservations.Reactivate)

	admin := authed.Group("/admin", middleware.RequireAdmin())
	admin.POST("/tours", tours.Create)
	admin.PUT("/tours/:id/active", tours.SetActive)
	admin.POST("/tours/:id/units", tours.AddUnit)
	admin.POST("/reservations/:id/cancellation/advance", reservations.AdvanceCancellation)

	return e
}
