package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
)

const tourColumns = `id, name, description, destination, start_at, end_at, max_guests_per_reservation, member_price,
	guest_price, min_participant_age, required_capabilities, required_features, required_agencies, is_active,
	created_at, updated_at, version`

// tourRow はDBの行を表す構造体
type tourRow struct {
	ID                      string         `db:"id"`
	Name                    string         `db:"name"`
	Description             *string        `db:"description"`
	Destination             *string        `db:"destination"`
	StartAt                 time.Time      `db:"start_at"`
	EndAt                   time.Time      `db:"end_at"`
	MaxGuestsPerReservation int            `db:"max_guests_per_reservation"`
	MemberPrice             int64          `db:"member_price"`
	GuestPrice              int64          `db:"guest_price"`
	MinParticipantAge       int            `db:"min_participant_age"`
	RequiredCapabilities    pq.StringArray `db:"required_capabilities"`
	RequiredFeatures        pq.StringArray `db:"required_features"`
	RequiredAgencies        pq.StringArray `db:"required_agencies"`
	IsActive                bool           `db:"is_active"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
	Version                 int            `db:"version"`
}

func (r *tourRow) toEntity() *tour.Tour {
	return &tour.Tour{
		ID:                      r.ID,
		Name:                    r.Name,
		Description:             deref(r.Description),
		Destination:             deref(r.Destination),
		StartAt:                 r.StartAt,
		EndAt:                   r.EndAt,
		MaxGuestsPerReservation: r.MaxGuestsPerReservation,
		MemberPrice:             r.MemberPrice,
		GuestPrice:              r.GuestPrice,
		MinParticipantAge:       r.MinParticipantAge,
		RequiredCapabilities:    []string(r.RequiredCapabilities),
		RequiredFeatures:        []string(r.RequiredFeatures),
		RequiredAgencies:        []string(r.RequiredAgencies),
		IsActive:                r.IsActive,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
		Version:                 r.Version,
	}
}

// TourRepository はツアーリポジトリのPostgreSQL実装
type TourRepository struct {
	db *sqlx.DB
}

// NewTourRepository はTourRepositoryを作成する
func NewTourRepository(db *sqlx.DB) *TourRepository {
	return &TourRepository{db: db}
}

// Create は新しいツアーを作成する
func (r *TourRepository) Create(ctx context.Context, t *tour.Tour) error {
	query := `
		INSERT INTO tours (id, name, description, destination, start_at, end_at, max_guests_per_reservation,
			member_price, guest_price, min_participant_age, required_capabilities, required_features,
			required_agencies, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Name, optional(t.Description), optional(t.Destination), t.StartAt, t.EndAt, t.MaxGuestsPerReservation,
		t.MemberPrice, t.GuestPrice, t.MinParticipantAge, pq.Array(nonNil(t.RequiredCapabilities)),
		pq.Array(nonNil(t.RequiredFeatures)), pq.Array(nonNil(t.RequiredAgencies)), t.IsActive, t.CreatedAt, t.UpdatedAt, t.Version,
	)
	if err != nil {
		return fmt.Errorf("ツアー作成に失敗しました: %w", err)
	}
	return nil
}

// GetByID はIDからツアーを取得する
func (r *TourRepository) GetByID(ctx context.Context, id string) (*tour.Tour, error) {
	var row tourRow
	err := r.db.GetContext(ctx, &row, `SELECT `+tourColumns+` FROM tours WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tour.ErrTourNotFound
		}
		return nil, fmt.Errorf("ツアー取得に失敗しました: %w", err)
	}
	return row.toEntity(), nil
}

// List はツアー一覧を開始日時の早い順に取得する
func (r *TourRepository) List(ctx context.Context, limit, offset int) ([]*tour.Tour, error) {
	var rows []tourRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+tourColumns+` FROM tours ORDER BY start_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ツアー一覧取得に失敗しました: %w", err)
	}
	tours := make([]*tour.Tour, len(rows))
	for i := range rows {
		tours[i] = rows[i].toEntity()
	}
	return tours, nil
}

// Update はツアーを更新する（楽観的ロック）
func (r *TourRepository) Update(ctx context.Context, t *tour.Tour) error {
	query := `
		UPDATE tours
		SET name = $1, description = $2, destination = $3, start_at = $4, end_at = $5,
		    max_guests_per_reservation = $6, member_price = $7, guest_price = $8, min_participant_age = $9,
		    required_capabilities = $10, required_features = $11, required_agencies = $12, is_active = $13,
		    updated_at = $14, version = version + 1
		WHERE id = $15 AND version = $16
	`
	result, err := r.db.ExecContext(ctx, query,
		t.Name, optional(t.Description), optional(t.Destination), t.StartAt, t.EndAt,
		t.MaxGuestsPerReservation, t.MemberPrice, t.GuestPrice, t.MinParticipantAge,
		pq.Array(nonNil(t.RequiredCapabilities)), pq.Array(nonNil(t.RequiredFeatures)), pq.Array(nonNil(t.RequiredAgencies)), t.IsActive,
		t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("ツアー更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の確認に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := r.GetByID(ctx, t.ID); err != nil {
			return err
		}
		return tour.ErrOptimisticLockConflict
	}

	t.Version++
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// インターフェースを満たしているか確認
var _ tour.Repository = (*TourRepository)(nil)
