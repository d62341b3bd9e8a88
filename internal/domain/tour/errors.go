package tour

import "errors"

// Tour ドメインのエラー定義
var (
	ErrTourNotFound           = errors.New("ツアーが見つかりません")
	ErrTourNameRequired       = errors.New("ツアー名は必須です")
	ErrInvalidMaxGuests       = errors.New("1予約あたりの最大人数は1以上である必要があります")
	ErrInvalidTourTime        = errors.New("終了時刻は開始時刻より後である必要があります")
	ErrInvalidPrice           = errors.New("料金は0以上である必要があります")
	ErrInvalidMinAge          = errors.New("最低年齢は0以上である必要があります")
	ErrTourNotBookable        = errors.New("このツアーは予約を受け付けていません")
	ErrTourAlreadyStarted     = errors.New("ツアーは既に開始しています")
	ErrOptimisticLockConflict = errors.New("楽観的ロックの競合が発生しました")
)
