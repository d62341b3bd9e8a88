package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

// EventConsumer は請求イベントのキューを購読する
type EventConsumer struct {
	conn  *Connection
	queue string
}

// NewEventConsumer はキューを宣言し、イベントのルーティングキーでバインドする
func NewEventConsumer(conn *Connection, cfg Config) (*EventConsumer, error) {
	if cfg.DeadLetterExchange != "" {
		if err := declareDeadLetter(conn.ch, cfg); err != nil {
			return nil, err
		}
	}
	q, err := conn.ch.QueueDeclare(cfg.Queue, true, false, false, false, queueArgs(cfg))
	if err != nil {
		return nil, fmt.Errorf("キュー宣言に失敗: %w", err)
	}
	for _, key := range cfg.EventRoutingKeys {
		if err := conn.ch.QueueBind(q.Name, key, conn.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("キューのバインドに失敗 (%s): %w", key, err)
		}
	}
	if cfg.Prefetch > 0 {
		if err := conn.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("QoS設定に失敗: %w", err)
		}
	}
	return &EventConsumer{conn: conn, queue: q.Name}, nil
}

// queueArgs は受信キューの宣言引数を返す
func queueArgs(cfg Config) amqp.Table {
	args := amqp.Table{}
	if cfg.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = cfg.DeadLetterExchange
	}
	return args
}

func declareDeadLetter(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターエクスチェンジ宣言に失敗: %w", err)
	}
	if cfg.DeadLetterQueue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("デッドレターキュー宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, "#", cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("デッドレターキューのバインドに失敗: %w", err)
	}
	return nil
}

// Deliveries は受信したイベントを返すチャネルを返す
// ctx がキャンセルされるか接続が切れるとチャネルは閉じる
func (c *EventConsumer) Deliveries(ctx context.Context) (<-chan billing.Delivery, error) {
	msgs, err := c.conn.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("購読開始に失敗: %w", err)
	}
	out := make(chan billing.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- newDelivery(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// delivery は amqp.Delivery を billing.Delivery として扱う
type delivery struct {
	msg amqp.Delivery
	ev  billing.Event
}

// newDelivery は本文をデコードする。デコードできない場合は種類が空のイベントになり
// 受信側の検証で不正として扱われる
func newDelivery(d amqp.Delivery) *delivery {
	var ev billing.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		logger.Warn("請求イベントのデコードに失敗",
			zap.String("message_id", d.MessageId),
			zap.String("routing_key", d.RoutingKey),
			zap.Error(err),
		)
		return &delivery{msg: d, ev: billing.Event{ID: d.MessageId}}
	}
	if ev.Kind == "" {
		ev.Kind = billing.EventKind(d.RoutingKey)
	}
	if ev.ID == "" {
		ev.ID = d.MessageId
	}
	return &delivery{msg: d, ev: ev}
}

func (d *delivery) Event() billing.Event { return d.ev }

func (d *delivery) Redelivered() bool { return d.msg.Redelivered }

func (d *delivery) Ack() error { return d.msg.Ack(false) }

func (d *delivery) Nack(requeue bool) error { return d.msg.Nack(false, requeue) }

var _ billing.Delivery = (*delivery)(nil)
