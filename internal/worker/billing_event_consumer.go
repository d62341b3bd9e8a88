package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

// DeliverySource は請求イベントの受信元
type DeliverySource interface {
	Deliveries(ctx context.Context) (<-chan billing.Delivery, error)
}

// BillingEventHandler は請求イベントを処理する
type BillingEventHandler interface {
	Handle(ctx context.Context, ev billing.Event) (string, error)
}

// BillingEventConsumer は請求イベントを受信し、処理結果に応じて ack/nack する
type BillingEventConsumer struct {
	source  DeliverySource
	handler BillingEventHandler
	doneCh  chan struct{}
}

func NewBillingEventConsumer(source DeliverySource, handler BillingEventHandler) *BillingEventConsumer {
	return &BillingEventConsumer{
		source:  source,
		handler: handler,
		doneCh:  make(chan struct{}),
	}
}

// Run はコンテキストがキャンセルされるか受信チャネルが閉じるまで処理を続ける
func (c *BillingEventConsumer) Run(ctx context.Context) error {
	defer close(c.doneCh)

	deliveries, err := c.source.Deliveries(ctx)
	if err != nil {
		return err
	}
	logger.Info("請求イベントの受信を開始")

	for {
		select {
		case <-ctx.Done():
			logger.Info("請求イベントの受信を停止（コンテキストキャンセル）")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				logger.Warn("請求イベントの受信チャネルが閉じられました")
				return nil
			}
			c.process(ctx, d)
		}
	}
}

// Done は Run の終了を通知する
func (c *BillingEventConsumer) Done() <-chan struct{} {
	return c.doneCh
}

func (c *BillingEventConsumer) process(ctx context.Context, d billing.Delivery) {
	ev := d.Event()
	log := logger.With(
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("tracking_code", ev.TrackingCode),
	)

	outcome, err := c.handler.Handle(ctx, ev)
	switch {
	case err == nil:
		log.Debug("請求イベント処理完了", zap.String("outcome", outcome))
		if err := d.Ack(); err != nil {
			log.Error("ackに失敗", zap.Error(err))
		}
	case errors.Is(err, billing.ErrInvalidEvent), errors.Is(err, billing.ErrUnknownEventKind):
		// 再送しても処理できないので破棄する
		log.Warn("不正な請求イベントを破棄します", zap.Error(err))
		if err := d.Ack(); err != nil {
			log.Error("ackに失敗", zap.Error(err))
		}
	case d.Redelivered():
		// 再送でも失敗したものはデッドレターキューへ送る
		log.Error("請求イベント処理が再送後も失敗したためデッドレターへ送ります", zap.Error(err))
		if err := d.Nack(false); err != nil {
			log.Error("nackに失敗", zap.Error(err))
		}
	default:
		log.Error("請求イベント処理に失敗したため再送します", zap.Error(err))
		if err := d.Nack(true); err != nil {
			log.Error("nackに失敗", zap.Error(err))
		}
	}
}
