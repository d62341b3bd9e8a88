package reservation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ParticipantType は参加者の区分（会員本人か同伴者か）
type ParticipantType string

const (
	ParticipantMember ParticipantType = "member"
	ParticipantGuest  ParticipantType = "guest"
)

// Participant は予約に属する参加者
type Participant struct {
	ID             string
	ReservationID  string
	FirstName      string
	LastName       string
	NationalID     string
	PhoneNumber    string
	Email          string
	BirthDate      *time.Time
	Type           ParticipantType
	RequiredAmount int64
	PaidAmount     *int64
	PaidAt         *time.Time
	CreatedAt      time.Time
}

// StatusChange は状態遷移の監査記録
type StatusChange struct {
	ID         string
	From       Status
	To         Status
	Event      Event
	Reason     string
	OccurredAt time.Time
}

// Reservation は予約集約のルート
type Reservation struct {
	ID                 string
	TourID             string
	UserID             string
	TrackingCode       string
	Status             Status
	ReservedAt         time.Time
	ExpiresAt          *time.Time
	ConfirmedAt        *time.Time
	TotalAmount        *int64
	CapacityClaimID    *string
	CapacityUnitID     string
	BillID             *string
	FailureReason      *string
	CancellationReason *string
	IdempotencyKey     string
	Participants       []*Participant
	History            []StatusChange
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int // 楽観的ロック用
}

// NewReservation は Draft 状態の空の予約を作成する
func NewReservation(tourID, userID, idempotencyKey string, now time.Time) *Reservation {
	id := uuid.NewString()
	return &Reservation{
		ID:             id,
		TourID:         tourID,
		UserID:         userID,
		TrackingCode:   NewTrackingCode(now),
		Status:         StatusDraft,
		ReservedAt:     now,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewTrackingCode は外部向けの追跡コードを生成する（例: TR250401-3F9A1C2B）
func NewTrackingCode(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TR%s-%s", now.Format("060102"), suffix)
}

// Validate は予約の検証を行う
func (r *Reservation) Validate() error {
	if r.TourID == "" {
		return ErrTourIDRequired
	}
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	if r.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

// ParticipantCount は参加者数を返す
func (r *Reservation) ParticipantCount() int {
	return len(r.Participants)
}

// HasActiveClaim は有効な枠確保を保持しているかを返す
func (r *Reservation) HasActiveClaim() bool {
	return r.CapacityClaimID != nil
}

// IsHoldExpired は仮押さえ期限が now を過ぎているかを返す
func (r *Reservation) IsHoldExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// IsOwnedBy は userID の予約かを返す
func (r *Reservation) IsOwnedBy(userID string) bool {
	return r.UserID == userID
}

// AddParticipant は参加者を追加する
// 人数上限と予約内の国民ID重複を検証する。兄弟予約との重複は呼び出し側がトランザクション内で検証する
func (r *Reservation) AddParticipant(p *Participant, maxParticipants int, now time.Time) error {
	if r.Status != StatusDraft && r.Status != StatusOnHold && r.Status != StatusWaitlisted {
		return ErrParticipantNotEditable
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if maxParticipants > 0 && len(r.Participants)+1 > maxParticipants {
		return NewValidationError(fmt.Sprintf("参加者は最大%d名までです", maxParticipants))
	}
	for _, existing := range r.Participants {
		if existing.NationalID == p.NationalID {
			return NewValidationError(fmt.Sprintf("国民ID %s は既にこの予約に登録されています", p.NationalID))
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.ReservationID = r.ID
	p.CreatedAt = now
	r.Participants = append(r.Participants, p)
	r.UpdatedAt = now
	return nil
}

// Validate は参加者の入力を検証する
func (p *Participant) Validate() error {
	var reasons []string
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		reasons = append(reasons, "氏名は必須です")
	}
	if strings.TrimSpace(p.NationalID) == "" {
		reasons = append(reasons, "国民IDは必須です")
	}
	if p.Type != ParticipantMember && p.Type != ParticipantGuest {
		reasons = append(reasons, "参加者区分が不正です")
	}
	if p.RequiredAmount < 0 {
		reasons = append(reasons, "金額は0以上である必要があります")
	}
	if len(reasons) > 0 {
		return NewValidationError(reasons...)
	}
	return nil
}

// AgeAt は時刻 at における満年齢を返す。生年月日不明の場合は -1
func (p *Participant) AgeAt(at time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	age := at.Year() - b.Year()
	if at.Month() < b.Month() || (at.Month() == b.Month() && at.Day() < b.Day()) {
		age--
	}
	return age
}

// transition は表に従って状態を進め、履歴を記録する
// 拒否された場合は何も変更しない
func (r *Reservation) transition(ev Event, reason string, now time.Time) error {
	next, err := NextStatus(r.Status, ev)
	if err != nil {
		return err
	}
	r.History = append(r.History, StatusChange{
		ID:         uuid.NewString(),
		From:       r.Status,
		To:         next,
		Event:      ev,
		Reason:     reason,
		OccurredAt: now,
	})
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Hold は仮押さえ状態にする（枠の確保は呼び出し側の責務）
func (r *Reservation) Hold(expiresAt, now time.Time) error {
	if err := r.transition(EventHold, "", now); err != nil {
		return err
	}
	r.ExpiresAt = &expiresAt
	return nil
}

// Waitlist はキャンセル待ちにする
func (r *Reservation) Waitlist(now time.Time) error {
	return r.transition(EventWaitlist, "", now)
}

// SubmitForPayment は支払い待ちにする。billID は未発行なら空文字
func (r *Reservation) SubmitForPayment(billID string, now time.Time) error {
	if err := r.transition(EventSubmitPayment, "", now); err != nil {
		return err
	}
	r.AttachBill(billID)
	return nil
}

// AttachBill は請求IDを紐付ける（既に紐付いている場合は何もしない）
func (r *Reservation) AttachBill(billID string) {
	if billID == "" || r.BillID != nil {
		return
	}
	r.BillID = &billID
}

// Confirm は支払い完了により予約を確定する
func (r *Reservation) Confirm(totalAmount int64, paidAt, now time.Time) error {
	if err := r.transition(EventPaymentSucceeded, "", now); err != nil {
		return err
	}
	r.TotalAmount = &totalAmount
	r.ConfirmedAt = &paidAt
	r.markParticipantsPaid(paidAt)
	return nil
}

// FailPayment は支払い失敗を記録する
func (r *Reservation) FailPayment(reason string, now time.Time) error {
	if err := r.transition(EventPaymentFailed, reason, now); err != nil {
		return err
	}
	r.FailureReason = &reason
	return nil
}

// Expire は期限切れにする
func (r *Reservation) Expire(now time.Time) error {
	return r.transition(EventExpire, "", now)
}

// Reactivate は期限切れの予約を新しい期限で仮押さえに戻す
func (r *Reservation) Reactivate(expiresAt, now time.Time) error {
	if err := r.transition(EventReactivate, "", now); err != nil {
		return err
	}
	r.ExpiresAt = &expiresAt
	r.FailureReason = nil
	return nil
}

// Cancel は利用者によるキャンセル
func (r *Reservation) Cancel(reason string, now time.Time) error {
	if err := r.transition(EventCancel, reason, now); err != nil {
		return err
	}
	r.setCancellationReason(reason)
	return nil
}

// SystemCancel はシステムによるキャンセル
func (r *Reservation) SystemCancel(reason string, now time.Time) error {
	if err := r.transition(EventSystemCancel, reason, now); err != nil {
		return err
	}
	r.setCancellationReason(reason)
	return nil
}

// Reject は受付を拒否する
func (r *Reservation) Reject(reason string, now time.Time) error {
	if err := r.transition(EventReject, reason, now); err != nil {
		return err
	}
	r.setCancellationReason(reason)
	return nil
}

// RequestCancellation は確定済み予約のキャンセル申請
func (r *Reservation) RequestCancellation(reason string, now time.Time) error {
	if err := r.transition(EventRequestCancellation, reason, now); err != nil {
		return err
	}
	r.setCancellationReason(reason)
	return nil
}

// ProcessCancellation はキャンセル申請の処理開始
func (r *Reservation) ProcessCancellation(now time.Time) error {
	return r.transition(EventProcessCancellation, "", now)
}

// CompleteCancellation はキャンセル処理の完了
func (r *Reservation) CompleteCancellation(now time.Time) error {
	return r.transition(EventCompleteCancellation, "", now)
}

// RequestAmendment は確定済み予約の変更申請
func (r *Reservation) RequestAmendment(reason string, now time.Time) error {
	return r.transition(EventRequestAmendment, reason, now)
}

// ApproveAmendment は変更申請を承認し確定状態に戻す
func (r *Reservation) ApproveAmendment(now time.Time) error {
	return r.transition(EventApproveAmendment, "", now)
}

// MarkNoShow は不参加として記録する
func (r *Reservation) MarkNoShow(now time.Time) error {
	return r.transition(EventMarkNoShow, "", now)
}

func (r *Reservation) setCancellationReason(reason string) {
	if reason == "" {
		return
	}
	r.CancellationReason = &reason
}

func (r *Reservation) markParticipantsPaid(at time.Time) {
	for _, p := range r.Participants {
		if p.PaidAmount != nil {
			continue
		}
		amount := p.RequiredAmount
		paidAt := at
		p.PaidAmount = &amount
		p.PaidAt = &paidAt
	}
}

// PassedThrough は履歴上 s を経由したことがあるかを返す
func (r *Reservation) PassedThrough(s Status) bool {
	for _, h := range r.History {
		if h.To == s || h.From == s {
			return true
		}
	}
	return false
}

// CanBeDeleted は物理削除してよい状態かを返す
// 支払いが確定している予約はキャンセル申請の経路でのみ取り消せる
func (r *Reservation) CanBeDeleted() bool {
	switch r.Status {
	case StatusConfirmed, StatusCancellationRequested, StatusCancellationProcessing,
		StatusAmendmentRequested, StatusNoShow:
		return false
	}
	return true
}
