package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/tracing"
)

// 請求イベントの処理結果
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeUnknown = "unknown"
	OutcomeError   = "error"
)

// BillingEventBridge は請求イベントを予約の状態遷移に変換する
// 同じイベントを何度処理しても結果は変わらない
type BillingEventBridge struct {
	txManager       transaction.Manager
	reservationRepo reservation.Repository
	ledger          *CapacityLedger
	clock           clock.Clock
	metrics         *metrics.Metrics
}

func NewBillingEventBridge(txManager transaction.Manager, rr reservation.Repository, ledger *CapacityLedger, clk clock.Clock) *BillingEventBridge {
	return &BillingEventBridge{txManager: txManager, reservationRepo: rr, ledger: ledger, clock: clk}
}

// WithMetrics はメトリクスの記録先を設定する
func (b *BillingEventBridge) WithMetrics(m *metrics.Metrics) *BillingEventBridge {
	b.metrics = m
	return b
}

// Handle はイベントを1件処理し、結果を返す
// 楽観的ロックの競合時は最新の予約を読み直して1回だけ再試行する
func (b *BillingEventBridge) Handle(ctx context.Context, ev billing.Event) (outcome string, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "billing."+string(ev.Kind),
		trace.WithAttributes(
			attribute.String("billing.event_id", ev.ID),
			attribute.String("billing.tracking_code", ev.TrackingCode),
			attribute.String("billing.bill_id", ev.BillID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			outcome = OutcomeError
		}
		span.SetAttributes(attribute.String("billing.outcome", outcome))
		span.End()
		b.metrics.ObserveBillingEvent(string(ev.Kind), outcome)
	}()

	if err := ev.Validate(); err != nil {
		return OutcomeError, err
	}

	outcome, err = b.handleOnce(ctx, ev)
	if errors.Is(err, reservation.ErrConcurrencyConflict) {
		logger.Debug("請求イベント処理で競合が発生したため再試行します", zap.String("tracking_code", ev.TrackingCode))
		outcome, err = b.handleOnce(ctx, ev)
	}
	return outcome, err
}

func (b *BillingEventBridge) handleOnce(ctx context.Context, ev billing.Event) (string, error) {
	res, err := b.reservationRepo.GetByTrackingCode(ctx, ev.TrackingCode)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			logger.Warn("請求イベントに対応する予約がありません",
				zap.String("kind", string(ev.Kind)),
				zap.String("tracking_code", ev.TrackingCode),
			)
			return OutcomeUnknown, nil
		}
		return "", err
	}

	l := logger.ForReservation(res.ID, res.TrackingCode).With(zap.String("kind", string(ev.Kind)))
	now := b.clock.Now()
	historyBefore := len(res.History)
	from := res.Status

	var changed, released bool
	err = transaction.Run(ctx, b.txManager, func(tx transaction.Tx) error {
		var err error
		changed, released, err = b.apply(ctx, tx, res, ev, now)
		if err != nil || !changed {
			return err
		}
		return b.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return "", err
	}
	if !changed {
		l.Info("請求イベントは適用済みまたは対象外のため無視します", zap.String("status", string(res.Status)))
		return OutcomeNoop, nil
	}

	if released {
		b.ledger.InvalidateAvailability(ctx, res.TourID)
	}
	observeHistory(b.metrics, res, historyBefore)
	l.Info("請求イベントを適用しました",
		zap.String("from", string(from)),
		zap.String("to", string(res.Status)),
	)
	return OutcomeApplied, nil
}

// apply は予約を変更したかと、枠を解放したかを返す
func (b *BillingEventBridge) apply(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, ev billing.Event, now time.Time) (changed, released bool, err error) {
	switch ev.Kind {
	case billing.KindBillCreated:
		return b.onBillCreated(res, ev, now)
	case billing.KindBillPaid:
		return b.onBillPaid(res, ev, now)
	case billing.KindBillCancelled:
		return b.onBillCancelled(ctx, tx, res, ev, now)
	case billing.KindPaymentFailed:
		return b.onPaymentFailed(ctx, tx, res, ev, now)
	}
	return false, false, fmt.Errorf("%w: %s", billing.ErrUnknownEventKind, ev.Kind)
}

func (b *BillingEventBridge) onBillCreated(res *reservation.Reservation, ev billing.Event, now time.Time) (bool, bool, error) {
	switch res.Status {
	case reservation.StatusOnHold:
		// 支払い待ちへの遷移がコミットされる前に請求が作られた
		return true, false, res.SubmitForPayment(ev.BillID, now)
	case reservation.StatusPendingConfirmation:
		if res.BillID == nil && ev.BillID != "" {
			res.AttachBill(ev.BillID)
			return true, false, nil
		}
	}
	return false, false, nil
}

func (b *BillingEventBridge) onBillPaid(res *reservation.Reservation, ev billing.Event, now time.Time) (bool, bool, error) {
	switch res.Status {
	case reservation.StatusConfirmed:
		return false, false, nil
	case reservation.StatusOnHold:
		// bill.created より先に届いた場合も支払い待ちを経由させる
		if err := res.SubmitForPayment(ev.BillID, now); err != nil {
			return false, false, err
		}
	case reservation.StatusPendingConfirmation:
		res.AttachBill(ev.BillID)
	default:
		logger.ForReservation(res.ID, res.TrackingCode).Warn("終了済みの予約に支払い完了が届きました。返金の確認が必要です",
			zap.String("status", string(res.Status)),
			zap.Int64("amount", ev.Amount),
		)
		return false, false, nil
	}

	amount := ev.Amount
	if amount <= 0 {
		amount = res.Summarize().RequiredAmount
	}
	paidAt := ev.OccurredAt
	if paidAt.IsZero() {
		paidAt = now
	}
	return true, false, res.Confirm(amount, paidAt, now)
}

func (b *BillingEventBridge) onBillCancelled(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, ev billing.Event, now time.Time) (bool, bool, error) {
	if res.Status.IsTerminal() {
		return false, false, nil
	}
	reason := ev.Reason
	if reason == "" {
		reason = "請求が取り消されました"
	}
	if err := res.Cancel(reason, now); err != nil {
		return false, false, err
	}
	released, err := b.release(ctx, tx, res)
	return true, released, err
}

func (b *BillingEventBridge) onPaymentFailed(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, ev billing.Event, now time.Time) (bool, bool, error) {
	if res.Status != reservation.StatusPendingConfirmation {
		return false, false, nil
	}
	reason := ev.Reason
	if reason == "" {
		reason = "支払いに失敗しました"
	}
	if err := res.FailPayment(reason, now); err != nil {
		return false, false, err
	}
	released, err := b.release(ctx, tx, res)
	return true, released, err
}

func (b *BillingEventBridge) release(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) (bool, error) {
	if !res.HasActiveClaim() {
		return false, nil
	}
	released, err := b.ledger.ReleaseClaim(ctx, tx, *res.CapacityClaimID)
	if err != nil {
		return false, err
	}
	res.CapacityClaimID = nil
	return released, nil
}
