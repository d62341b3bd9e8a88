package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/api/handler"
	"github.com/sanosuguru/go-tour-reservation/internal/api/middleware"
	"github.com/sanosuguru/go-tour-reservation/internal/api/router"
	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/config"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/infrastructure/memberapi"
	"github.com/sanosuguru/go-tour-reservation/internal/infrastructure/postgres"
	"github.com/sanosuguru/go-tour-reservation/internal/infrastructure/rabbitmq"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/tracing"
	"github.com/sanosuguru/go-tour-reservation/internal/worker"
)

func main() {
	// .env はあれば読み込む
	_ = godotenv.Load()

	cfg := config.Load()
	logger.Set(logger.NewLogger(cfg.App.Env))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Env:         cfg.App.Env,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("トレーサー初期化エラー", zap.Error(err))
	}

	// DB
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("DB接続エラー", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.RunMigrations(db.DB, cfg.App.MigrationsPath); err != nil {
		logger.Fatal("マイグレーションエラー", zap.Error(err))
	}

	// Redis
	redisClient, err := redisinfra.NewClient(&redisinfra.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("Redis接続エラー", zap.Error(err))
	}
	defer redisClient.Close()

	m := metrics.Init()
	clk := clock.NewSystem()

	// RabbitMQ（無効時は請求依頼が ErrUnavailable になる）
	var mq *rabbitmq.Connection
	mqCfg := rabbitmq.Config{
		URL:               cfg.RabbitMQ.URL,
		Exchange:          cfg.RabbitMQ.Exchange,
		Queue:             cfg.RabbitMQ.EventQueue,
		EventRoutingKeys:  strings.Split(cfg.RabbitMQ.EventRoutingKey, ","),
		RequestRoutingKey: cfg.RabbitMQ.RequestRouting,
		Prefetch:          cfg.RabbitMQ.Prefetch,

		DeadLetterExchange: cfg.RabbitMQ.DeadLetterEx,
		DeadLetterQueue:    cfg.RabbitMQ.DeadLetterQueue,
	}
	if cfg.RabbitMQ.Enabled {
		mq, err = rabbitmq.Dial(mqCfg)
		if err != nil {
			logger.Fatal("RabbitMQ接続エラー", zap.Error(err))
		}
		defer mq.Close()
	} else {
		logger.Warn("RabbitMQ が無効のため請求連携を行いません")
	}
	var bills billing.Requester = rabbitmq.NewBillPublisher(mq, cfg.RabbitMQ.RequestRouting)

	// リポジトリ・サービス
	txManager := postgres.NewTxManager(db)
	reservationRepo := postgres.NewReservationRepository(db)
	tourRepo := postgres.NewTourRepository(db)
	capacityRepo := postgres.NewCapacityRepository(db)

	lockManager := redisinfra.NewLockManager(redisClient).WithMetrics(m)
	availabilityCache := redisinfra.NewAvailabilityCache(redisClient)
	members := memberapi.NewClient(cfg.Member.BaseURL, cfg.Member.Timeout)

	policy := application.DefaultReservationPolicy()
	policy.HoldDuration = cfg.Reservation.HoldDuration
	policy.HoldGracePeriod = cfg.Reservation.HoldGracePeriod
	policy.PaymentCallbackGrace = cfg.Reservation.PaymentCallbackGrace
	policy.ReconcileLockTTL = cfg.Reservation.ReconcileLockTTL

	ledger := application.NewCapacityLedger(capacityRepo, availabilityCache, clk).WithMetrics(m)
	reservationService := application.NewReservationService(
		txManager, reservationRepo, tourRepo, ledger, members, bills, lockManager, policy, clk,
	).WithMetrics(m)
	tourService := application.NewTourService(tourRepo, capacityRepo, availabilityCache, clk)
	bridge := application.NewBillingEventBridge(txManager, reservationRepo, ledger, clk).WithMetrics(m)
	reconciler := application.NewExpiryReconciler(
		txManager, reservationRepo, ledger, lockManager, policy, cfg.Reservation.ReconcileBatchSize, clk,
	).WithMetrics(m)

	// ワーカー
	expiryWorker := worker.NewExpiryWorker(reconciler, cfg.Reservation.ReconcileInterval)
	go expiryWorker.Start(ctx)

	var consumer *worker.BillingEventConsumer
	if mq != nil {
		source, err := rabbitmq.NewEventConsumer(mq, mqCfg)
		if err != nil {
			logger.Fatal("請求イベントキューの準備に失敗", zap.Error(err))
		}
		consumer = worker.NewBillingEventConsumer(source, bridge)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("請求イベントの受信に失敗", zap.Error(err))
			}
		}()
	}

	// HTTP
	e := router.New(router.Options{
		Reservations: reservationService,
		Tours:        tourService,
		HealthChecks: healthChecks(db, redisClient, mq),
		Auth: middleware.AuthConfig{
			JWTSecret: cfg.Auth.JWTSecret,
			AdminRole: cfg.Auth.AdminRole,
			Disabled:  cfg.Auth.Disabled,
		},
		IdempotencyStore: redisinfra.NewIdempotencyStore(redisClient),
		IdempotencyTTL:   cfg.Auth.IdemKeyTTL,
		Metrics:          m,
		MetricsUser:      cfg.Metrics.Username,
		MetricsPassword:  cfg.Metrics.Password,
	})
	e.HideBanner = true
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	go func() {
		logger.Info("サーバー起動", zap.String("port", cfg.Server.Port), zap.String("env", cfg.App.Env))
		if err := e.Start(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー起動エラー", zap.Error(err))
		}
	}()

	// シグナル待機
	<-ctx.Done()
	logger.Info("サーバーをシャットダウンしています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
	}
	expiryWorker.Stop()
	if consumer != nil {
		select {
		case <-consumer.Done():
		case <-shutdownCtx.Done():
			logger.Warn("請求イベント処理の終了待ちがタイムアウトしました")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("トレーサー停止エラー", zap.Error(err))
	}

	logger.Info("サーバーが正常にシャットダウンしました")
}

func healthChecks(db *sqlx.DB, rc *goredis.Client, mq *rabbitmq.Connection) map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"postgres": func(ctx context.Context) error { return postgres.Ping(ctx, db) },
		"redis":    func(ctx context.Context) error { return redisinfra.Ping(ctx, rc) },
	}
	if mq != nil {
		checks["rabbitmq"] = func(ctx context.Context) error {
			if mq.IsClosed() {
				return errors.New("接続が閉じています")
			}
			return nil
		}
	}
	return checks
}
