package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
)

func TestExpiryReconciler_OnHold(t *testing.T) {
	t.Run("期限を過ぎた仮押さえを期限切れにして枠を戻す", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111", "2222222222", "3333333333")
		require.Equal(t, 3, env.used())
		env.clock.Advance(15*time.Minute + time.Second)

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{Scanned: 1, Expired: 1}, result)
		got := env.reload(t, res.ID)
		assert.Equal(t, reservation.StatusExpired, got.Status)
		assert.Nil(t, got.CapacityClaimID)
		assert.Equal(t, 0, env.used())
		assert.Equal(t, 0, env.store.activeClaims(res.ID))
	})

	t.Run("期限前の仮押さえは対象外", func(t *testing.T) {
		env := newTestEnv(t, 10)
		res := env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(14 * time.Minute)

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		assert.Zero(t, result.Scanned)
		assert.Equal(t, reservation.StatusOnHold, env.reload(t, res.ID).Status)
		assert.Equal(t, 1, env.used())
	})

	t.Run("2回実行しても二重に解放しない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		env.mustCreate(t, "user-1", "1111111111")
		env.mustCreate(t, "user-2", "2222222222")
		env.clock.Advance(20 * time.Minute)
		env.mustCreate(t, "user-3", "3333333333")

		_, err := env.reconciler.ReconcileExpired(context.Background())
		require.NoError(t, err)
		result, err := env.reconciler.ReconcileExpired(context.Background())
		require.NoError(t, err)

		assert.Zero(t, result.Scanned)
		assert.Equal(t, 1, env.used())
	})
}

func TestExpiryReconciler_PendingConfirmation(t *testing.T) {
	env := newTestEnv(t, 10)
	res := env.submit(t, env.mustCreate(t, "user-1", "1111111111"))

	// 仮押さえ期限 + 猶予 5分 + 支払い通知の猶予 10分 = 30分後まで待つ
	env.clock.Advance(29 * time.Minute)
	result, err := env.reconciler.ReconcileExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Equal(t, reservation.StatusPendingConfirmation, env.reload(t, res.ID).Status)
	assert.Equal(t, 1, env.used())

	env.clock.Advance(2 * time.Minute)
	result, err = env.reconciler.ReconcileExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	got := env.reload(t, res.ID)
	assert.Equal(t, reservation.StatusExpired, got.Status)
	assert.Equal(t, 0, env.used())

	// 期限切れの後に支払いが届いても確定しない
	outcome, err := env.bridge.Handle(context.Background(), paidEvent(res.TrackingCode))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, reservation.StatusExpired, env.reload(t, res.ID).Status)
}

func TestExpiryReconciler_Failures(t *testing.T) {
	t.Run("一覧取得に失敗したら中断する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(time.Hour)
		env.store.findExpiredErr = errors.New("connection reset")

		_, err := env.reconciler.ReconcileExpired(context.Background())

		assert.Error(t, err)
		assert.Equal(t, 1, env.used())
	})

	t.Run("1件の失敗で残りを止めない", func(t *testing.T) {
		env := newTestEnv(t, 10)
		broken := env.mustCreate(t, "user-1", "1111111111")
		ok := env.mustCreate(t, "user-2", "2222222222")
		env.clock.Advance(time.Hour)
		env.store.updateHook = func(r *reservation.Reservation) error {
			if r.ID == broken.ID {
				return errors.New("disk full")
			}
			return nil
		}

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{Scanned: 2, Expired: 1, Failed: 1}, result)
		assert.Equal(t, reservation.StatusOnHold, env.reload(t, broken.ID).Status)
		assert.Equal(t, reservation.StatusExpired, env.reload(t, ok.ID).Status)
		assert.Equal(t, 1, env.used(), "失敗した予約の枠は保持されたまま")
	})

	t.Run("先頭で失敗し続ける予約があっても後ろの予約まで進む", func(t *testing.T) {
		env := newTestEnv(t, 10)
		broken := env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(time.Minute)
		ok := env.mustCreate(t, "user-2", "2222222222")
		env.clock.Advance(time.Hour)
		env.reconciler.batchSize = 1
		env.store.updateHook = func(r *reservation.Reservation) error {
			if r.ID == broken.ID {
				return errors.New("disk full")
			}
			return nil
		}

		for i := 0; i < 2; i++ {
			result, err := env.reconciler.ReconcileExpired(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, result.Failed)
		}

		assert.Equal(t, reservation.StatusOnHold, env.reload(t, broken.ID).Status)
		assert.Equal(t, reservation.StatusExpired, env.reload(t, ok.ID).Status)
		assert.Equal(t, 1, env.used())
	})
}

func TestExpiryReconciler_Lock(t *testing.T) {
	t.Run("他のインスタンスが実行中ならスキップ", func(t *testing.T) {
		env := newTestEnv(t, 10)
		env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(time.Hour)
		lm := new(MockLockManager)
		lm.On("AcquireLock", mock.Anything, "reconciler:expiry", 2*time.Minute).Return(nil, redisinfra.ErrLockNotAcquired)
		env.reconciler.lockManager = lm

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		assert.True(t, result.Skipped)
		assert.Equal(t, 1, env.used())
		lm.AssertExpectations(t)
	})

	t.Run("ロックを取得して実行し解放する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(time.Hour)
		lm := new(MockLockManager)
		lock := new(MockLock)
		lm.On("AcquireLock", mock.Anything, "reconciler:expiry", 2*time.Minute).Return(lock, nil)
		lock.On("Extend", mock.Anything, 2*time.Minute).Return(nil)
		lock.On("Release", mock.Anything).Return(nil)
		env.reconciler.lockManager = lm

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, result.Expired)
		assert.Equal(t, 0, env.used())
		lock.AssertExpectations(t)
	})

	t.Run("ロックのTTLは設定値を使う", func(t *testing.T) {
		env := newTestEnv(t, 10)
		env.reconciler.policy.ReconcileLockTTL = 30 * time.Second
		lm := new(MockLockManager)
		lock := new(MockLock)
		lm.On("AcquireLock", mock.Anything, "reconciler:expiry", 30*time.Second).Return(lock, nil)
		lock.On("Extend", mock.Anything, 30*time.Second).Return(nil)
		lock.On("Release", mock.Anything).Return(nil)
		env.reconciler.lockManager = lm

		_, err := env.reconciler.ReconcileExpired(context.Background())

		require.NoError(t, err)
		lm.AssertExpectations(t)
		lock.AssertExpectations(t)
	})

	t.Run("ロックを延長できなければ途中で中断する", func(t *testing.T) {
		env := newTestEnv(t, 10)
		first := env.mustCreate(t, "user-1", "1111111111")
		env.clock.Advance(time.Minute)
		second := env.mustCreate(t, "user-2", "2222222222")
		env.clock.Advance(time.Hour)
		env.reconciler.batchSize = 1
		lm := new(MockLockManager)
		lock := new(MockLock)
		lm.On("AcquireLock", mock.Anything, "reconciler:expiry", 2*time.Minute).Return(lock, nil)
		lock.On("Extend", mock.Anything, 2*time.Minute).Return(nil).Once()
		lock.On("Extend", mock.Anything, 2*time.Minute).Return(redisinfra.ErrLockNotOwned)
		lock.On("Release", mock.Anything).Return(nil)
		env.reconciler.lockManager = lm

		result, err := env.reconciler.ReconcileExpired(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, redisinfra.ErrLockNotOwned)
		assert.Equal(t, 1, result.Expired)
		assert.Equal(t, reservation.StatusExpired, env.reload(t, first.ID).Status)
		assert.Equal(t, reservation.StatusOnHold, env.reload(t, second.ID).Status)
		assert.Equal(t, 1, env.used())
	})

	t.Run("Redis障害はエラーを返す", func(t *testing.T) {
		env := newTestEnv(t, 10)
		lm := new(MockLockManager)
		lm.On("AcquireLock", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))
		env.reconciler.lockManager = lm

		_, err := env.reconciler.ReconcileExpired(context.Background())

		assert.Error(t, err)
	})
}
