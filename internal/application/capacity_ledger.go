package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
)

// CapacityLedger は募集枠の確保・解放を行う
// すべての操作は呼び出し側のトランザクション内で募集枠の行ロックを取って実行する
type CapacityLedger struct {
	repo    capacity.Repository
	cache   redisinfra.AvailabilityCacheInterface
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewCapacityLedger(repo capacity.Repository, cache redisinfra.AvailabilityCacheInterface, clk clock.Clock) *CapacityLedger {
	return &CapacityLedger{repo: repo, cache: cache, clock: clk}
}

// WithMetrics はメトリクスの記録先を設定する
func (l *CapacityLedger) WithMetrics(m *metrics.Metrics) *CapacityLedger {
	l.metrics = m
	return l
}

// TryAllocate は募集枠に count 人分の空きがあれば確保する
// 空きが足りなければ false を返す。受付停止・受付期間外はエラー
func (l *CapacityLedger) TryAllocate(ctx context.Context, tx transaction.Tx, unitID string, count int) (bool, error) {
	unit, err := l.repo.LockByID(ctx, tx, unitID)
	if err != nil {
		return false, err
	}
	return l.allocate(ctx, tx, unit, count)
}

func (l *CapacityLedger) allocate(ctx context.Context, tx transaction.Tx, unit *capacity.Unit, count int) (bool, error) {
	ok, err := unit.Allocate(count, l.clock.Now())
	if err != nil {
		l.metrics.ObserveAllocation("closed")
		return false, err
	}
	if !ok {
		l.metrics.ObserveAllocation("exceeded")
		return false, nil
	}
	if err := l.repo.SaveUsage(ctx, tx, unit); err != nil {
		return false, fmt.Errorf("使用人数の保存に失敗: %w", err)
	}
	l.metrics.ObserveAllocation("allocated")
	return true, nil
}

// Release は募集枠から count 人分を解放する（0 未満にはならない）
func (l *CapacityLedger) Release(ctx context.Context, tx transaction.Tx, unitID string, count int) error {
	unit, err := l.repo.LockByID(ctx, tx, unitID)
	if err != nil {
		return err
	}
	unit.Release(count, l.clock.Now())
	if err := l.repo.SaveUsage(ctx, tx, unit); err != nil {
		return fmt.Errorf("使用人数の保存に失敗: %w", err)
	}
	l.metrics.ObserveAllocation("released")
	return nil
}

// Claim は予約のために count 人分を確保し、確保記録を作成する
// preferredUnitID の枠を優先し、空きがなければ同じツアーの他の枠を順に試す
func (l *CapacityLedger) Claim(ctx context.Context, tx transaction.Tx, reservationID, tourID, preferredUnitID string, count int) (*capacity.Claim, error) {
	if count <= 0 {
		return nil, capacity.ErrInvalidCount
	}
	units, err := l.repo.LockByTour(ctx, tx, tourID)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, capacity.ErrUnitNotFound
	}

	var lastErr error
	sawOpen := false
	for _, unit := range preferFirst(units, preferredUnitID) {
		ok, err := l.allocate(ctx, tx, unit, count)
		if err != nil {
			if errors.Is(err, capacity.ErrUnitInactive) || errors.Is(err, capacity.ErrRegistrationClosed) {
				lastErr = err
				continue
			}
			return nil, err
		}
		sawOpen = true
		if !ok {
			continue
		}
		claim := capacity.NewClaim(unit.ID, reservationID, count, l.clock.Now())
		if err := l.repo.CreateClaim(ctx, tx, claim); err != nil {
			return nil, fmt.Errorf("枠確保の記録に失敗: %w", err)
		}
		return claim, nil
	}
	if !sawOpen && lastErr != nil {
		return nil, lastErr
	}
	return nil, capacity.ErrCapacityExceeded
}

// Extend は有効な確保に additional 人分を追加する。同じ枠に空きがなければ ErrCapacityExceeded
func (l *CapacityLedger) Extend(ctx context.Context, tx transaction.Tx, claimID string, additional int) (*capacity.Claim, error) {
	claim, err := l.repo.LockClaim(ctx, tx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.IsReleased() {
		return nil, capacity.ErrClaimReleased
	}
	ok, err := l.TryAllocate(ctx, tx, claim.UnitID, additional)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, capacity.ErrCapacityExceeded
	}
	claim.Count += additional
	if err := l.repo.UpdateClaimCount(ctx, tx, claim.ID, claim.Count); err != nil {
		return nil, fmt.Errorf("枠確保の更新に失敗: %w", err)
	}
	return claim, nil
}

// ReleaseClaim は確保を解放する。解放済みなら何もせず false を返す
func (l *CapacityLedger) ReleaseClaim(ctx context.Context, tx transaction.Tx, claimID string) (bool, error) {
	claim, err := l.repo.LockClaim(ctx, tx, claimID)
	if err != nil {
		if errors.Is(err, capacity.ErrClaimNotFound) {
			return false, nil
		}
		return false, err
	}
	if claim.IsReleased() {
		return false, nil
	}
	released, err := l.repo.MarkClaimReleased(ctx, tx, claim.ID, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("枠確保の解放記録に失敗: %w", err)
	}
	if !released {
		return false, nil
	}
	if err := l.Release(ctx, tx, claim.UnitID, claim.Count); err != nil {
		return false, err
	}
	return true, nil
}

// InvalidateAvailability はツアーの空き状況キャッシュを破棄する（コミット後に呼ぶ）
func (l *CapacityLedger) InvalidateAvailability(ctx context.Context, tourID string) {
	if l.cache == nil || tourID == "" {
		return
	}
	if err := l.cache.Invalidate(ctx, tourID); err != nil {
		logger.Warn("空き状況キャッシュの無効化に失敗", zap.String("tour_id", tourID), zap.Error(err))
	}
}

func preferFirst(units []*capacity.Unit, preferredID string) []*capacity.Unit {
	if preferredID == "" {
		return units
	}
	ordered := make([]*capacity.Unit, 0, len(units))
	for _, u := range units {
		if u.ID == preferredID {
			ordered = append(ordered, u)
		}
	}
	for _, u := range units {
		if u.ID != preferredID {
			ordered = append(ordered, u)
		}
	}
	return ordered
}
