package reservation

import (
	"errors"
	"fmt"
	"strings"
)

// Reservation ドメインのエラー定義
var (
	ErrReservationNotFound         = errors.New("予約が見つかりません")
	ErrInvalidTransition           = errors.New("この状態遷移は許可されていません")
	ErrConcurrencyConflict         = errors.New("予約が同時に更新されました。再試行してください")
	ErrValidationFailed            = errors.New("入力内容が不正です")
	ErrReservationRemoved          = errors.New("予約は再有効化できないため削除されました")
	ErrTourIDRequired              = errors.New("ツアーIDは必須です")
	ErrUserIDRequired              = errors.New("ユーザーIDは必須です")
	ErrParticipantsRequired        = errors.New("参加者は1名以上必要です")
	ErrIdempotencyKeyRequired      = errors.New("冪等性キーは必須です")
	ErrIdempotencyKeyAlreadyExists = errors.New("同じ冪等性キーの予約が既に存在します")
	ErrParticipantNotEditable      = errors.New("この状態の予約には参加者を追加できません")
	ErrNotOwner                    = errors.New("この予約を操作する権限がありません")
	ErrHoldExpired                 = errors.New("仮押さえの期限が切れています")
	ErrNotDeletable                = errors.New("確定済みの予約は削除できません")
)

// TransitionError は状態機械が拒否した遷移を表す
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s から %s は不可", ErrInvalidTransition.Error(), e.From, e.Event)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError は利用者にそのまま返せる理由の一覧を持つ検証エラー
type ValidationError struct {
	Reasons []string
}

// NewValidationError は理由を指定して ValidationError を作成する
func NewValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrValidationFailed.Error()
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(e.Reasons, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
