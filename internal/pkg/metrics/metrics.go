package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// 予約操作の総数（operation, status: success, capacity_exceeded, validation_failed, conflict, lock_failed, error）
	ReservationsTotal *prometheus.CounterVec

	// 予約の状態遷移数（from, to）
	StateTransitionsTotal *prometheus.CounterVec

	// 募集枠の確保・解放（result: allocated, exceeded, closed, released）
	CapacityAllocationsTotal *prometheus.CounterVec

	// 請求イベントの処理数（kind, outcome: applied, noop, unknown, error）
	BillingEventsTotal *prometheus.CounterVec

	// 期限切れ処理の実行数（result: success, failed, skipped）
	ReconcileSweepsTotal *prometheus.CounterVec

	// 期限切れにした予約数（from）
	ReconcileExpiredTotal *prometheus.CounterVec

	// 期限切れ処理1回の所要時間
	ReconcileDuration prometheus.Histogram

	// 分散ロックの操作時間（operation: acquire/hold, status: success/failed/error/released）
	DistributedLockDuration *prometheus.HistogramVec
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservations_total",
				Help: "Total number of reservation operations",
			},
			[]string{"operation", "status"},
		),
		StateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_state_transitions_total",
				Help: "Total number of reservation state transitions",
			},
			[]string{"from", "to"},
		),
		CapacityAllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capacity_allocations_total",
				Help: "Total number of capacity allocate/release decisions",
			},
			[]string{"result"},
		),
		BillingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_events_total",
				Help: "Total number of billing events handled",
			},
			[]string{"kind", "outcome"},
		),
		ReconcileSweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_sweeps_total",
				Help: "Total number of expiry reconciliation sweeps",
			},
			[]string{"result"},
		),
		ReconcileExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_expired_reservations_total",
				Help: "Total number of reservations expired by the reconciler",
			},
			[]string{"from"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconcile_sweep_duration_seconds",
				Help:    "Duration of one expiry reconciliation sweep",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		DistributedLockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distributed_lock_duration_seconds",
				Help:    "Time spent on distributed lock operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "status"},
		),
	}

	// レジストリに登録
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsTotal,
		m.StateTransitionsTotal,
		m.CapacityAllocationsTotal,
		m.BillingEventsTotal,
		m.ReconcileSweepsTotal,
		m.ReconcileExpiredTotal,
		m.ReconcileDuration,
		m.DistributedLockDuration,
	)

	return m
}

// 以下の記録用メソッドは nil レシーバでは何もしない

// ObserveReservation は予約操作の結果を記録する
func (m *Metrics) ObserveReservation(operation, status string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveTransition は状態遷移を記録する
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveAllocation は募集枠の確保・解放結果を記録する
func (m *Metrics) ObserveAllocation(result string) {
	if m == nil {
		return
	}
	m.CapacityAllocationsTotal.WithLabelValues(result).Inc()
}

// ObserveBillingEvent は請求イベントの処理結果を記録する
func (m *Metrics) ObserveBillingEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSweep は期限切れ処理1回の結果を記録する
func (m *Metrics) ObserveSweep(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileSweepsTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.ReconcileDuration.Observe(d.Seconds())
	}
}

// ObserveExpired は期限切れにした予約を記録する
func (m *Metrics) ObserveExpired(from string) {
	if m == nil {
		return
	}
	m.ReconcileExpiredTotal.WithLabelValues(from).Inc()
}

// ObserveLock は分散ロック操作の時間を記録する
func (m *Metrics) ObserveLock(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DistributedLockDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
