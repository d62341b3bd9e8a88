package capacity

import "errors"

// Capacity ドメインのエラー定義
var (
	ErrUnitNotFound              = errors.New("募集枠が見つかりません")
	ErrClaimNotFound             = errors.New("枠確保の記録が見つかりません")
	ErrCapacityExceeded          = errors.New("定員に達しているため確保できません")
	ErrUnitInactive              = errors.New("募集枠は受付停止中です")
	ErrRegistrationClosed        = errors.New("募集枠の受付期間外です")
	ErrInvalidCount              = errors.New("確保人数は1以上である必要があります")
	ErrTourIDRequired            = errors.New("ツアーIDは必須です")
	ErrInvalidMaxParticipants    = errors.New("定員は1以上である必要があります")
	ErrInvalidRegistrationWindow = errors.New("受付終了は受付開始より後である必要があります")
	ErrClaimReleased             = errors.New("枠確保は既に解放されています")
)
