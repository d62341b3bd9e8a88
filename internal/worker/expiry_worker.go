package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

// ExpiryReconcilerRunner は期限切れ処理を1回実行するインターフェース
type ExpiryReconcilerRunner interface {
	ReconcileExpired(ctx context.Context) (application.ReconcileResult, error)
}

// ExpiryWorker は一定間隔で期限切れ処理を実行するワーカー
type ExpiryWorker struct {
	reconciler ExpiryReconcilerRunner
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewExpiryWorker は新しいワーカーを作成
func NewExpiryWorker(r ExpiryReconcilerRunner, interval time.Duration) *ExpiryWorker {
	return &ExpiryWorker{
		reconciler: r,
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start はワーカーを開始。起動直後に1回実行する
func (w *ExpiryWorker) Start(ctx context.Context) {
	logger.Info("期限切れ処理ワーカー開始", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer close(w.doneCh)

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("期限切れ処理ワーカー停止（コンテキストキャンセル）")
			return
		case <-w.stopCh:
			logger.Info("期限切れ処理ワーカー停止（シグナル受信）")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop はワーカーを停止
func (w *ExpiryWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *ExpiryWorker) runOnce(ctx context.Context) {
	log := logger.Get()

	result, err := w.reconciler.ReconcileExpired(ctx)
	if err != nil {
		log.Error("期限切れ処理に失敗", zap.Error(err))
		return
	}
	if result.Skipped {
		log.Debug("他のインスタンスが期限切れ処理中")
		return
	}
	if result.Expired > 0 || result.Failed > 0 {
		log.Info("期限切れ処理完了",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
		)
	}
}
