package member

import (
	"context"
	"errors"
	"time"
)

var (
	ErrServiceUnavailable = errors.New("会員サービスに接続できません")
	ErrMemberNotFound     = errors.New("会員が見つかりません")
)

// MemberInfo は会員サービスから取得する会員情報
type MemberInfo struct {
	NationalID   string     `json:"nationalId"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	PhoneNumber  string     `json:"phoneNumber"`
	Email        string     `json:"email"`
	BirthDate    *time.Time `json:"birthDate,omitempty"`
	Agency       string     `json:"agency"`
	Capabilities []string   `json:"capabilities"`
	Features     []string   `json:"features"`
	IsActive     bool       `json:"isActive"`
}

// EligibilityResult は参加資格の判定結果
type EligibilityResult struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons"`
}

// Service は会員・参加資格の照会
type Service interface {
	// GetMemberByNationalID は国民IDから会員を取得する。該当なしは ErrMemberNotFound
	GetMemberByNationalID(ctx context.Context, nationalID string) (*MemberInfo, error)

	// ValidateEligibility は参加資格を判定する
	ValidateEligibility(ctx context.Context, nationalID string, capabilities, features, agencies []string) (EligibilityResult, error)
}
