package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/tracing"
)

const reconcileLockKey = "reconciler:expiry"

// ReconcileResult は期限切れ処理1回の結果
type ReconcileResult struct {
	Scanned int
	Expired int
	Failed  int
	Skipped bool // 他のインスタンスが実行中
}

// ExpiryReconciler は期限を過ぎた仮押さえ・支払い待ちを期限切れにし、枠を解放する
type ExpiryReconciler struct {
	txManager       transaction.Manager
	reservationRepo reservation.Repository
	ledger          *CapacityLedger
	lockManager     redisinfra.LockManagerInterface
	policy          ReservationPolicy
	batchSize       int
	clock           clock.Clock
	metrics         *metrics.Metrics
}

func NewExpiryReconciler(
	txManager transaction.Manager,
	rr reservation.Repository,
	ledger *CapacityLedger,
	lm redisinfra.LockManagerInterface,
	policy ReservationPolicy,
	batchSize int,
	clk clock.Clock,
) *ExpiryReconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpiryReconciler{
		txManager:       txManager,
		reservationRepo: rr,
		ledger:          ledger,
		lockManager:     lm,
		policy:          policy,
		batchSize:       batchSize,
		clock:           clk,
	}
}

// WithMetrics はメトリクスの記録先を設定する
func (r *ExpiryReconciler) WithMetrics(m *metrics.Metrics) *ExpiryReconciler {
	r.metrics = m
	return r
}

func (r *ExpiryReconciler) lockTTL() time.Duration {
	if r.policy.ReconcileLockTTL > 0 {
		return r.policy.ReconcileLockTTL
	}
	return DefaultReservationPolicy().ReconcileLockTTL
}

// ReconcileExpired は期限切れ処理を1回実行する
// 個々の予約の失敗は記録して続行し、一覧取得の失敗とロック喪失はエラーとして返す
func (r *ExpiryReconciler) ReconcileExpired(ctx context.Context) (result ReconcileResult, err error) {
	start := time.Now()

	var lock redisinfra.Lock
	if r.lockManager != nil {
		lock, err = r.lockManager.AcquireLock(ctx, reconcileLockKey, r.lockTTL())
		if err != nil {
			if errors.Is(err, redisinfra.ErrLockNotAcquired) {
				r.metrics.ObserveSweep("skipped", 0)
				return ReconcileResult{Skipped: true}, nil
			}
			r.metrics.ObserveSweep("failed", time.Since(start))
			return result, fmt.Errorf("ロック取得に失敗: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("期限切れ処理のロック解放に失敗", zap.Error(err))
			}
		}()
	}

	ctx, span := tracing.Tracer().Start(ctx, "reconcile.expired")
	defer func() {
		span.SetAttributes(
			attribute.Int("reconcile.scanned", result.Scanned),
			attribute.Int("reconcile.expired", result.Expired),
			attribute.Int("reconcile.failed", result.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.ObserveSweep("failed", time.Since(start))
		} else {
			r.metrics.ObserveSweep("success", time.Since(start))
		}
		span.End()
	}()

	now := r.clock.Now()
	// 支払い待ちは猶予を足した期限で判定するため、仮押さえ期限が now - 猶予 より前のものが対象
	pendingBefore := now.Add(-(r.policy.HoldGracePeriod + r.policy.PaymentCallbackGrace))

	touched := make(map[string]struct{})
	if err := r.sweep(ctx, lock, reservation.StatusOnHold, now, now, &result, touched); err != nil {
		return result, fmt.Errorf("期限切れの仮押さえ処理に失敗: %w", err)
	}
	if err := r.sweep(ctx, lock, reservation.StatusPendingConfirmation, pendingBefore, now, &result, touched); err != nil {
		return result, fmt.Errorf("期限切れの支払い待ち処理に失敗: %w", err)
	}

	for tourID := range touched {
		r.ledger.InvalidateAvailability(ctx, tourID)
	}
	if result.Scanned > 0 {
		logger.Info("期限切れ処理が完了しました",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// sweep は status の期限切れ予約を最大 batchSize 件処理する
// 失敗した予約は件数に数えずこの実行の中では読み飛ばすので、失敗し続ける予約が先頭に残っても後ろの予約まで進む
// ページごとにロックを延長し、延長できなければ他のインスタンスに引き継がれたとみなして中断する
func (r *ExpiryReconciler) sweep(ctx context.Context, lock redisinfra.Lock, status reservation.Status, before, now time.Time, result *ReconcileResult, touched map[string]struct{}) error {
	seen := make(map[string]struct{})
	remaining := r.batchSize
	for remaining > 0 {
		if lock != nil {
			if err := lock.Extend(ctx, r.lockTTL()); err != nil {
				return fmt.Errorf("ロック延長に失敗: %w", err)
			}
		}
		page, err := r.reservationRepo.FindExpired(ctx, status, before, len(seen)+remaining)
		if err != nil {
			return err
		}
		progressed := false
		for _, res := range page {
			if _, ok := seen[res.ID]; ok {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			seen[res.ID] = struct{}{}
			progressed = true
			result.Scanned++
			expired, err := r.expireOne(ctx, res.ID, now)
			if err != nil {
				result.Failed++
				logger.ForReservation(res.ID, res.TrackingCode).Error("予約の期限切れ処理に失敗", zap.Error(err))
				continue
			}
			remaining--
			if expired {
				result.Expired++
				touched[res.TourID] = struct{}{}
			}
			if remaining == 0 {
				break
			}
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// expireOne は予約を読み直し、まだ期限切れの対象であれば期限切れにして枠を解放する
func (r *ExpiryReconciler) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.reservationRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, reservation.ErrReservationNotFound) {
			return false, nil
		}
		return false, err
	}
	if !r.isDue(res, now) {
		// 一覧取得後に支払い完了などで状態が変わった
		return false, nil
	}

	from := res.Status
	historyBefore := len(res.History)
	err = transaction.Run(ctx, r.txManager, func(tx transaction.Tx) error {
		if err := res.Expire(now); err != nil {
			return err
		}
		if res.HasActiveClaim() {
			if _, err := r.ledger.ReleaseClaim(ctx, tx, *res.CapacityClaimID); err != nil {
				return err
			}
			res.CapacityClaimID = nil
		}
		return r.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return false, err
	}

	r.metrics.ObserveExpired(string(from))
	observeHistory(r.metrics, res, historyBefore)
	logger.ForReservation(res.ID, res.TrackingCode).Info("予約を期限切れにしました",
		zap.String("from", string(from)),
		zap.Int("released", res.ParticipantCount()),
	)
	return true, nil
}

func (r *ExpiryReconciler) isDue(res *reservation.Reservation, now time.Time) bool {
	if res.ExpiresAt == nil {
		return false
	}
	switch res.Status {
	case reservation.StatusOnHold:
		return now.After(*res.ExpiresAt)
	case reservation.StatusPendingConfirmation:
		return now.After(r.policy.PendingDeadline(*res.ExpiresAt))
	}
	return false
}
