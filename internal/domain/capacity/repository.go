package capacity

import (
	"context"
	"time"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
)

// Repository は募集枠と枠確保のリポジトリ
type Repository interface {
	// Create は新しい募集枠を作成する
	Create(ctx context.Context, unit *Unit) error

	// GetByID はIDから募集枠を取得する
	GetByID(ctx context.Context, id string) (*Unit, error)

	// ListByTour はツアーの募集枠一覧を取得する
	ListByTour(ctx context.Context, tourID string) ([]*Unit, error)

	// LockByID は募集枠を行ロック付きで取得する（トランザクション必須）
	LockByID(ctx context.Context, tx transaction.Tx, id string) (*Unit, error)

	// LockByTour はツアーの募集枠をID順に行ロック付きで取得する（トランザクション必須）
	LockByTour(ctx context.Context, tx transaction.Tx, tourID string) ([]*Unit, error)

	// SaveUsage は使用人数を保存する（トランザクション必須）
	SaveUsage(ctx context.Context, tx transaction.Tx, unit *Unit) error

	// CreateClaim は枠確保を記録する（トランザクション必須）
	CreateClaim(ctx context.Context, tx transaction.Tx, claim *Claim) error

	// LockClaim は枠確保を行ロック付きで取得する（トランザクション必須）
	LockClaim(ctx context.Context, tx transaction.Tx, id string) (*Claim, error)

	// UpdateClaimCount は未解放の枠確保の人数を更新する（トランザクション必須）
	UpdateClaimCount(ctx context.Context, tx transaction.Tx, id string, count int) error

	// MarkClaimReleased は未解放の枠確保を解放済みにする
	// 既に解放済みだった場合は false を返す
	MarkClaimReleased(ctx context.Context, tx transaction.Tx, id string, at time.Time) (bool, error)
}
