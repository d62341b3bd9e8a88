package rabbitmq

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config はRabbitMQ接続設定
type Config struct {
	URL               string
	Exchange          string
	Queue             string
	EventRoutingKeys  []string
	RequestRoutingKey string
	Prefetch          int

	// 空でなければ requeue しない nack をこのエクスチェンジ経由でデッドレターキューへ送る
	DeadLetterExchange string
	DeadLetterQueue    string
}

// Connection は topic エクスチェンジを宣言済みの接続とチャネル
type Connection struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	mu       sync.Mutex // チャネルへの publish を直列化する
}

// Dial はRabbitMQに接続し、エクスチェンジを宣言する
func Dial(cfg Config) (*Connection, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQ接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネル作成に失敗: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("エクスチェンジ宣言に失敗: %w", err)
	}
	return &Connection{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

// IsClosed は接続が切れているかを返す
func (c *Connection) IsClosed() bool {
	return c == nil || c.conn == nil || c.conn.IsClosed()
}

// Close はチャネルと接続を閉じる
func (c *Connection) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
