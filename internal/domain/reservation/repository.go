package reservation

import (
	"context"
	"time"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
)

// Repository は予約リポジトリのインターフェース
// 予約は常に参加者・履歴まで読み込んだ集約として返す
type Repository interface {
	// Create は新しい予約を参加者・履歴ごと作成する（トランザクション必須）
	Create(ctx context.Context, tx transaction.Tx, reservation *Reservation) error

	// GetByID はIDから予約を取得する
	GetByID(ctx context.Context, id string) (*Reservation, error)

	// GetByTrackingCode は追跡コードから予約を取得する
	GetByTrackingCode(ctx context.Context, code string) (*Reservation, error)

	// GetByIdempotencyKey はユーザーと冪等性キーから予約を取得する
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Reservation, error)

	// GetByUserID はユーザーIDから予約一覧を取得する
	GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*Reservation, error)

	// Update は予約を更新する（楽観的ロック、トランザクション必須）
	// バージョン不一致の場合は ErrConcurrencyConflict を返す
	Update(ctx context.Context, tx transaction.Tx, reservation *Reservation) error

	// Delete は予約を参加者ごと物理削除する（楽観的ロック、トランザクション必須）
	// バージョン不一致の場合は ErrConcurrencyConflict を返す
	Delete(ctx context.Context, tx transaction.Tx, id string, version int) error

	// LockParticipantIdentity は同一ツアー・同一国民IDの登録をトランザクション終了まで直列化する
	LockParticipantIdentity(ctx context.Context, tx transaction.Tx, tourID, nationalID string) error

	// ExistsActiveParticipant は同一ツアーの有効な他予約に国民IDが登録済みかを返す（トランザクション必須）
	ExistsActiveParticipant(ctx context.Context, tx transaction.Tx, tourID, nationalID, excludeReservationID string) (bool, error)

	// FindExpired は status の予約のうち期限が before より前のものを取得する
	FindExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Reservation, error)
}
