package tour

import (
	"time"

	"github.com/google/uuid"
)

// Tour はツアー（募集）エンティティを表す
type Tour struct {
	ID                      string
	Name                    string
	Description             string
	Destination             string
	StartAt                 time.Time
	EndAt                   time.Time
	MaxGuestsPerReservation int
	MemberPrice             int64
	GuestPrice              int64
	MinParticipantAge       int
	RequiredCapabilities    []string
	RequiredFeatures        []string
	RequiredAgencies        []string
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
	Version                 int // 楽観的ロック用
}

// NewTour は新しいツアーを作成する
func NewTour(name, description, destination string, startAt, endAt time.Time, maxGuests int, memberPrice, guestPrice int64, now time.Time) *Tour {
	return &Tour{
		ID:                      uuid.NewString(),
		Name:                    name,
		Description:             description,
		Destination:             destination,
		StartAt:                 startAt,
		EndAt:                   endAt,
		MaxGuestsPerReservation: maxGuests,
		MemberPrice:             memberPrice,
		GuestPrice:              guestPrice,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

// Validate はツアーの検証を行う
func (t *Tour) Validate() error {
	if t.Name == "" {
		return ErrTourNameRequired
	}
	if t.MaxGuestsPerReservation <= 0 {
		return ErrInvalidMaxGuests
	}
	if t.EndAt.Before(t.StartAt) {
		return ErrInvalidTourTime
	}
	if t.MemberPrice < 0 || t.GuestPrice < 0 {
		return ErrInvalidPrice
	}
	if t.MinParticipantAge < 0 {
		return ErrInvalidMinAge
	}
	return nil
}

// HasStarted はツアーが now の時点で開始済みかを返す
func (t *Tour) HasStarted(now time.Time) bool {
	return !now.Before(t.StartAt)
}

// IsBookable は now の時点で予約を受け付けられるかを返す
func (t *Tour) IsBookable(now time.Time) bool {
	return t.IsActive && !t.HasStarted(now)
}

// PriceFor は参加者区分ごとの料金を返す。isMember が false なら同伴者料金
func (t *Tour) PriceFor(isMember bool) int64 {
	if isMember {
		return t.MemberPrice
	}
	return t.GuestPrice
}

// RequiresEligibility は会員資格の確認が必要かを返す
func (t *Tour) RequiresEligibility() bool {
	return len(t.RequiredCapabilities) > 0 || len(t.RequiredFeatures) > 0 || len(t.RequiredAgencies) > 0
}
