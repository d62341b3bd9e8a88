package tour

import "context"

// Repository はツアーリポジトリのインターフェース
type Repository interface {
	// Create は新しいツアーを作成する
	Create(ctx context.Context, tour *Tour) error

	// GetByID はIDからツアーを取得する
	GetByID(ctx context.Context, id string) (*Tour, error)

	// List はツアー一覧を取得する
	List(ctx context.Context, limit, offset int) ([]*Tour, error)

	// Update はツアーを更新する（楽観的ロック）
	Update(ctx context.Context, tour *Tour) error
}
