package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
)

// BillPublisher は請求作成の依頼を請求サブシステムへ送る
type BillPublisher struct {
	conn       *Connection
	routingKey string
}

func NewBillPublisher(conn *Connection, routingKey string) *BillPublisher {
	return &BillPublisher{conn: conn, routingKey: routingKey}
}

// RequestBill は依頼をJSONで永続メッセージとして publish する
// MessageId に追跡コードを入れ、受信側で重複を除去できるようにする
func (p *BillPublisher) RequestBill(ctx context.Context, req billing.BillRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("請求依頼のエンコードに失敗: %w", err)
	}
	if p.conn.IsClosed() {
		return billing.ErrUnavailable
	}

	p.conn.mu.Lock()
	defer p.conn.mu.Unlock()
	err = p.conn.ch.PublishWithContext(ctx, p.conn.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ReferenceID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrUnavailable, err)
	}
	return nil
}

var _ billing.Requester = (*BillPublisher)(nil)
