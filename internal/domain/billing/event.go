package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind は請求サブシステムから届くイベントの種類
type EventKind string

const (
	KindBillCreated   EventKind = "bill.created"
	KindBillPaid      EventKind = "bill.paid"
	KindBillCancelled EventKind = "bill.cancelled"
	KindPaymentFailed EventKind = "payment.failed"
)

// Valid は既知の種類かを返す
func (k EventKind) Valid() bool {
	switch k {
	case KindBillCreated, KindBillPaid, KindBillCancelled, KindPaymentFailed:
		return true
	}
	return false
}

var (
	ErrUnavailable      = errors.New("請求サービスに接続できません")
	ErrUnknownEventKind = errors.New("未知の請求イベントです")
	ErrInvalidEvent     = errors.New("請求イベントの形式が不正です")
)

// Event は請求イベント。追跡コードで予約と対応づける
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	TrackingCode string    `json:"trackingCode"`
	BillID       string    `json:"billId"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Validate はイベントの必須項目を検証する
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownEventKind, e.Kind)
	}
	if e.TrackingCode == "" {
		return fmt.Errorf("%w: 追跡コードがありません", ErrInvalidEvent)
	}
	return nil
}

// BillItem は請求明細の1行
type BillItem struct {
	ParticipantID string `json:"participantId"`
	Description   string `json:"description"`
	Amount        int64  `json:"amount"`
}

// BillRequest は請求作成の依頼
type BillRequest struct {
	ReferenceID string     `json:"referenceId"`
	Amount      int64      `json:"amount"`
	UserID      string     `json:"userId"`
	Items       []BillItem `json:"items"`
}

// Requester は請求作成を依頼する
type Requester interface {
	RequestBill(ctx context.Context, req BillRequest) error
}

// Delivery は少なくとも1回配送される受信イベント
type Delivery interface {
	Event() Event
	// Redelivered は一度 nack されて再配送されたものかを返す
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}
