package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
)

func paidEvent(code string) billing.Event {
	return billing.Event{
		ID:           "evt-paid",
		Kind:         billing.KindBillPaid,
		TrackingCode: code,
		BillID:       "bill-1",
		Amount:       12000,
		OccurredAt:   envStart.Add(5 * time.Minute),
	}
}

func (e *testEnv) submit(t *testing.T, res *reservation.Reservation) *reservation.Reservation {
	t.Helper()
	updated, err := e.reservations.SubmitForPayment(context.Background(), Actor{UserID: res.UserID}, res.ID)
	require.NoError(t, err)
	return updated
}

func TestBillingEventBridge_BillCreated(t *testing.T) {
	t.Run("支払い待ちの予約に請求IDを紐付ける", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.submit(t, env.mustCreate(t, "user-1", "1111111111"))
		require.Nil(t, res.BillID)

		outcome, err := env.bridge.Handle(context.Background(), billing.Event{Kind: billing.KindBillCreated, TrackingCode: res.TrackingCode, BillID: "bill-9"})

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		got := env.reload(t, res.ID)
		require.NotNil(t, got.BillID)
		assert.Equal(t, "bill-9", *got.BillID)
		assert.Equal(t, reservation.StatusPendingConfirmation, got.Status)
	})

	t.Run("同じイベントの再配送は何もしない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.submit(t, env.mustCreate(t, "user-1", "1111111111"))
		ev := billing.Event{Kind: billing.KindBillCreated, TrackingCode: res.TrackingCode, BillID: "bill-9"}
		_, err := env.bridge.Handle(context.Background(), ev)
		require.NoError(t, err)
		version := env.reload(t, res.ID).Version

		outcome, err := env.bridge.Handle(context.Background(), ev)

		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, version, env.reload(t, res.ID).Version)
	})

	t.Run("仮押さえ中に届いた場合は支払い待ちに進める", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")

		outcome, err := env.bridge.Handle(context.Background(), billing.Event{Kind: billing.KindBillCreated, TrackingCode: res.TrackingCode, BillID: "bill-9"})

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, reservation.StatusPendingConfirmation, env.reload(t, res.ID).Status)
	})
}

func TestBillingEventBridge_BillPaid(t *testing.T) {
	t.Run("支払い待ちの予約を確定し枠は保持する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.submit(t, env.mustCreate(t, "user-1", "1111111111"))

		outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		got := env.reload(t, res.ID)
		assert.Equal(t, reservation.StatusConfirmed, got.Status)
		assert.Equal(t, int64(12000), *got.TotalAmount)
		assert.Equal(t, envStart.Add(5*time.Minute), *got.ConfirmedAt)
		assert.True(t, got.Summarize().FullyPaid())
		assert.Equal(t, 1, env.used())
		assert.Equal(t, 1, env.store.activeClaims(res.ID))
	})

	t.Run("仮押さえ中に届いても支払い待ちを経由して確定する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111", "2222222222")

		_, err := env.bridge.Handle(context.Background(), billing.Event{Kind: billing.KindBillPaid, TrackingCode: res.TrackingCode, BillID: "bill-1"})

		require.NoError(t, err)
		got := env.reload(t, res.ID)
		assert.Equal(t, reservation.StatusConfirmed, got.Status)
		assert.True(t, got.PassedThrough(reservation.StatusPendingConfirmation))
		assert.Equal(t, int64(24000), *got.TotalAmount, "金額がなければ参加者の合計")
		require.NotNil(t, got.BillID)
		assert.Equal(t, "bill-1", *got.BillID)
	})

	t.Run("確定済みへの二重通知はエラーにしない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")
		_, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))
		require.NoError(t, err)
		before := env.reload(t, res.ID)

		outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))

		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		after := env.reload(t, res.ID)
		assert.Equal(t, before.Version, after.Version)
		assert.Len(t, after.History, len(before.History))
	})

	t.Run("キャンセル済みの予約は変更しない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")
		_, err := env.reservations.CancelReservation(context.Background(), Actor{UserID: "user-1"}, res.ID, "", false)
		require.NoError(t, err)

		outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))

		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, reservation.StatusCancelled, env.reload(t, res.ID).Status)
		assert.Equal(t, 0, env.used())
	})
}

func TestBillingEventBridge_BillCancelled(t *testing.T) {
	env := newTestEnv(t, 10)
	res := env.submit(t, env.mustCreate(t, "user-1", "1111111111", "2222222222"))
	ev := billing.Event{Kind: billing.KindBillCancelled, TrackingCode: res.TrackingCode, Reason: "窓口で取消"}

	outcome, err := env.bridge.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got := env.reload(t, res.ID)
	assert.Equal(t, reservation.StatusCancelled, got.Status)
	assert.Equal(t, "窓口で取消", *got.CancellationReason)
	assert.Equal(t, 0, env.used())

	outcome, err = env.bridge.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, 0, env.used())
}

func TestBillingEventBridge_PaymentFailed(t *testing.T) {
	t.Run("支払い待ちなら失敗にして枠を解放する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.submit(t, env.mustCreate(t, "user-1", "1111111111"))

		outcome, err := env.bridge.Handle(context.Background(), billing.Event{Kind: billing.KindPaymentFailed, TrackingCode: res.TrackingCode, Reason: "カード拒否"})

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		got := env.reload(t, res.ID)
		assert.Equal(t, reservation.StatusProcessingFailed, got.Status)
		assert.Equal(t, "カード拒否", *got.FailureReason)
		assert.Nil(t, got.CapacityClaimID)
		assert.Equal(t, 0, env.used())
	})

	t.Run("支払い待ち以外では何もしない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")

		outcome, err := env.bridge.Handle(context.Background(), billing.Event{Kind: billing.KindPaymentFailed, TrackingCode: res.TrackingCode})

		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, outcome)
		assert.Equal(t, reservation.StatusOnHold, env.reload(t, res.ID).Status)
		assert.Equal(t, 1, env.used())
	})
}

func TestBillingEventBridge_InvalidEvents(t *testing.T) {
	env := newTestEnv(t, 10)

	tests := []struct {
		name            string
		ev              billing.Event
		expectedOutcome string
		expectedErr     error
	}{
		{
			name:            "追跡コードに対応する予約がない",
			ev:              billing.Event{Kind: billing.KindBillPaid, TrackingCode: "TR000000-NOTFOUND"},
			expectedOutcome: OutcomeUnknown,
		},
		{
			name:            "未知の種類",
			ev:              billing.Event{Kind: "bill.refunded", TrackingCode: "TR000000-X"},
			expectedOutcome: OutcomeError,
			expectedErr:     billing.ErrUnknownEventKind,
		},
		{
			name:            "追跡コードなし",
			ev:              billing.Event{Kind: billing.KindBillPaid},
			expectedOutcome: OutcomeError,
			expectedErr:     billing.ErrInvalidEvent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := env.bridge.Handle(context.Background(), tt.ev)
			assert.Equal(t, tt.expectedOutcome, outcome)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBillingEventBridge_ConflictRetry(t *testing.T) {
	t.Run("1回目の競合は読み直して再試行する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")
		calls := 0
		env.store.updateHook = func(r *reservation.Reservation) error {
			calls++
			if calls == 1 {
				return reservation.ErrConcurrencyConflict
			}
			return nil
		}

		outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, 2, calls)
		assert.Equal(t, reservation.StatusConfirmed, env.reload(t, res.ID).Status)
	})

	t.Run("再試行でも競合すればエラーを返す", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")
		calls := 0
		env.store.updateHook = func(r *reservation.Reservation) error {
			calls++
			return reservation.ErrConcurrencyConflict
		}

		outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))

		assert.ErrorIs(t, err, reservation.ErrConcurrencyConflict)
		assert.Equal(t, OutcomeError, outcome)
		assert.Equal(t, 2, calls)
		assert.Equal(t, reservation.StatusOnHold, env.reload(t, res.ID).Status)
	})
}
