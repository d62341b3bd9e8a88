package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
)

type fakeDelivery struct {
	ev          billing.Event
	redelivered bool
	mu          sync.Mutex
	acked       bool
	nacked      bool
	requeue     bool
}

func (d *fakeDelivery) Event() billing.Event { return d.ev }

func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeue = requeue
	return nil
}

type chanSource struct {
	ch  chan billing.Delivery
	err error
}

func (s *chanSource) Deliveries(ctx context.Context) (<-chan billing.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

// MockBillingEventHandler はBillingEventHandlerのモック
type MockBillingEventHandler struct {
	mock.Mock
}

func (m *MockBillingEventHandler) Handle(ctx context.Context, ev billing.Event) (string, error) {
	args := m.Called(ctx, ev)
	return args.String(0), args.Error(1)
}

func TestBillingEventConsumer_Process(t *testing.T) {
	tests := []struct {
		name          string
		outcome       string
		err           error
		redelivered   bool
		expectAck     bool
		expectRequeue bool
	}{
		{"適用されたらack", "applied", nil, false, true, false},
		{"無視されてもack", "noop", nil, false, true, false},
		{"再送で適用されたらack", "applied", nil, true, true, false},
		{"不正なイベントはack", "error", fmt.Errorf("%w: 追跡コードがありません", billing.ErrInvalidEvent), false, true, false},
		{"未知の種類はack", "error", billing.ErrUnknownEventKind, false, true, false},
		{"処理失敗は再送", "error", assert.AnError, false, false, true},
		{"再送後も失敗したらデッドレター", "error", assert.AnError, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := new(MockBillingEventHandler)
			ev := billing.Event{ID: "ev-1", Kind: billing.KindBillPaid, TrackingCode: "TR250401-AAAA0000"}
			handler.On("Handle", mock.Anything, ev).Return(tt.outcome, tt.err)

			d := &fakeDelivery{ev: ev, redelivered: tt.redelivered}
			c := NewBillingEventConsumer(&chanSource{}, handler)
			c.process(context.Background(), d)

			assert.Equal(t, tt.expectAck, d.acked)
			assert.Equal(t, !tt.expectAck, d.nacked)
			assert.Equal(t, tt.expectRequeue, d.requeue)
			handler.AssertExpectations(t)
		})
	}
}

func TestBillingEventConsumer_Run(t *testing.T) {
	t.Run("チャネルが閉じたら終了する", func(t *testing.T) {
		handler := new(MockBillingEventHandler)
		handler.On("Handle", mock.Anything, mock.Anything).Return("applied", nil)

		src := &chanSource{ch: make(chan billing.Delivery, 2)}
		d1 := &fakeDelivery{ev: billing.Event{ID: "1", Kind: billing.KindBillCreated, TrackingCode: "A"}}
		d2 := &fakeDelivery{ev: billing.Event{ID: "2", Kind: billing.KindBillPaid, TrackingCode: "A"}}
		src.ch <- d1
		src.ch <- d2
		close(src.ch)

		c := NewBillingEventConsumer(src, handler)
		err := c.Run(context.Background())

		require.NoError(t, err)
		assert.True(t, d1.acked)
		assert.True(t, d2.acked)
		handler.AssertNumberOfCalls(t, "Handle", 2)

		select {
		case <-c.Done():
		default:
			t.Error("Done should be closed after Run returns")
		}
	})

	t.Run("コンテキストキャンセルで停止する", func(t *testing.T) {
		handler := new(MockBillingEventHandler)
		src := &chanSource{ch: make(chan billing.Delivery)}
		c := NewBillingEventConsumer(src, handler)

		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = c.Run(ctx) }()

		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case <-c.Done():
		case <-time.After(1 * time.Second):
			t.Error("consumer did not stop on context cancel")
		}
	})

	t.Run("受信開始に失敗したらエラー", func(t *testing.T) {
		c := NewBillingEventConsumer(&chanSource{err: assert.AnError}, new(MockBillingEventHandler))

		err := c.Run(context.Background())

		assert.ErrorIs(t, err, assert.AnError)
	})
}
