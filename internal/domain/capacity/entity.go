package capacity

import (
	"time"

	"github.com/google/uuid"
)

// Unit はツアーの募集枠（在庫の一区画）を表す
type Unit struct {
	ID                string
	TourID            string
	Name              string
	MaxParticipants   int
	UsedParticipants  int
	RegistrationStart time.Time
	RegistrationEnd   time.Time
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int // 楽観的ロック用
}

// NewUnit は新しい募集枠を作成する
func NewUnit(tourID, name string, maxParticipants int, registrationStart, registrationEnd, now time.Time) *Unit {
	return &Unit{
		ID:                uuid.NewString(),
		TourID:            tourID,
		Name:              name,
		MaxParticipants:   maxParticipants,
		RegistrationStart: registrationStart,
		RegistrationEnd:   registrationEnd,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Validate は募集枠の検証を行う
func (u *Unit) Validate() error {
	if u.TourID == "" {
		return ErrTourIDRequired
	}
	if u.MaxParticipants <= 0 {
		return ErrInvalidMaxParticipants
	}
	if u.RegistrationEnd.Before(u.RegistrationStart) {
		return ErrInvalidRegistrationWindow
	}
	if u.UsedParticipants < 0 || u.UsedParticipants > u.MaxParticipants {
		return ErrCapacityExceeded
	}
	return nil
}

// Available は残り人数を返す
func (u *Unit) Available() int {
	if u.UsedParticipants >= u.MaxParticipants {
		return 0
	}
	return u.MaxParticipants - u.UsedParticipants
}

// IsOpenAt は now が受付期間内かを返す
func (u *Unit) IsOpenAt(now time.Time) bool {
	return !now.Before(u.RegistrationStart) && !now.After(u.RegistrationEnd)
}

// CheckAllocatable は now の時点で count 人の確保を試せるかを検証する
func (u *Unit) CheckAllocatable(count int, now time.Time) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if !u.IsActive {
		return ErrUnitInactive
	}
	if !u.IsOpenAt(now) {
		return ErrRegistrationClosed
	}
	return nil
}

// Allocate は count 人分を確保する
// 空きが足りない場合は false を返し、何も変更しない
func (u *Unit) Allocate(count int, now time.Time) (bool, error) {
	if err := u.CheckAllocatable(count, now); err != nil {
		return false, err
	}
	if u.UsedParticipants+count > u.MaxParticipants {
		return false, nil
	}
	u.UsedParticipants += count
	u.UpdatedAt = now
	return true, nil
}

// Release は count 人分を解放する（0 未満にはならない）
func (u *Unit) Release(count int, now time.Time) {
	if count <= 0 {
		return
	}
	u.UsedParticipants -= count
	if u.UsedParticipants < 0 {
		u.UsedParticipants = 0
	}
	u.UpdatedAt = now
}

// Claim は予約が保持する枠確保の記録
type Claim struct {
	ID            string
	UnitID        string
	ReservationID string
	Count         int
	CreatedAt     time.Time
	ReleasedAt    *time.Time
}

// NewClaim は新しい枠確保を作成する
func NewClaim(unitID, reservationID string, count int, now time.Time) *Claim {
	return &Claim{
		ID:            uuid.NewString(),
		UnitID:        unitID,
		ReservationID: reservationID,
		Count:         count,
		CreatedAt:     now,
	}
}

// IsReleased は解放済みかを返す
func (c *Claim) IsReleased() bool {
	return c.ReleasedAt != nil
}

// Availability は募集枠の空き状況スナップショット
type Availability struct {
	UnitID            string    `json:"unitId"`
	Name              string    `json:"name"`
	MaxParticipants   int       `json:"maxParticipants"`
	UsedParticipants  int       `json:"usedParticipants"`
	Available         int       `json:"available"`
	IsActive          bool      `json:"isActive"`
	RegistrationStart time.Time `json:"registrationStart"`
	RegistrationEnd   time.Time `json:"registrationEnd"`
}

// Snapshot は現在の空き状況を返す
func (u *Unit) Snapshot() Availability {
	return Availability{
		UnitID:            u.ID,
		Name:              u.Name,
		MaxParticipants:   u.MaxParticipants,
		UsedParticipants:  u.UsedParticipants,
		Available:         u.Available(),
		IsActive:          u.IsActive,
		RegistrationStart: u.RegistrationStart,
		RegistrationEnd:   u.RegistrationEnd,
	}
}

// TourAvailability はツアー全体の空き状況
type TourAvailability struct {
	TourID         string         `json:"tourId"`
	Units          []Availability `json:"units"`
	TotalAvailable int            `json:"totalAvailable"`
}

// SummarizeAvailability は募集枠一覧からツアーの空き状況を集計する
// 受付停止中の枠は合計に含めない
func SummarizeAvailability(tourID string, units []*Unit) TourAvailability {
	ta := TourAvailability{TourID: tourID, Units: make([]Availability, 0, len(units))}
	for _, u := range units {
		a := u.Snapshot()
		ta.Units = append(ta.Units, a)
		if a.IsActive {
			ta.TotalAvailable += a.Available
		}
	}
	return ta
}
