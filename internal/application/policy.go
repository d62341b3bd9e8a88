package application

import "time"

// ReservationPolicy は仮押さえと支払い待ちの期限設定
type ReservationPolicy struct {
	HoldDuration         time.Duration
	HoldGracePeriod      time.Duration
	PaymentCallbackGrace time.Duration
	LockTTL              time.Duration
	LockRetries          int
	LockRetryInterval    time.Duration
	ReconcileLockTTL     time.Duration
}

// DefaultReservationPolicy は既定値を返す
func DefaultReservationPolicy() ReservationPolicy {
	return ReservationPolicy{
		HoldDuration:         15 * time.Minute,
		HoldGracePeriod:      5 * time.Minute,
		PaymentCallbackGrace: 10 * time.Minute,
		LockTTL:              10 * time.Second,
		LockRetries:          3,
		LockRetryInterval:    100 * time.Millisecond,
		ReconcileLockTTL:     2 * time.Minute,
	}
}

// PendingDeadline は支払い待ちの予約を期限切れにする時刻を返す
// 仮押さえ期限に猶予2つを足した時刻を過ぎるまでは支払い通知を待つ
func (p ReservationPolicy) PendingDeadline(expiresAt time.Time) time.Time {
	return expiresAt.Add(p.HoldGracePeriod + p.PaymentCallbackGrace)
}
