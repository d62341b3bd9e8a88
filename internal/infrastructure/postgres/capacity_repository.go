package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
)

const unitColumns = `id, tour_id, name, max_participants, used_participants, registration_start, registration_end,
	is_active, created_at, updated_at, version`

type unitRow struct {
	ID                string    `db:"id"`
	TourID            string    `db:"tour_id"`
	Name              string    `db:"name"`
	MaxParticipants   int       `db:"max_participants"`
	UsedParticipants  int       `db:"used_participants"`
	RegistrationStart time.Time `db:"registration_start"`
	RegistrationEnd   time.Time `db:"registration_end"`
	IsActive          bool      `db:"is_active"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	Version           int       `db:"version"`
}

func (r *unitRow) toEntity() *capacity.Unit {
	return &capacity.Unit{
		ID:                r.ID,
		TourID:            r.TourID,
		Name:              r.Name,
		MaxParticipants:   r.MaxParticipants,
		UsedParticipants:  r.UsedParticipants,
		RegistrationStart: r.RegistrationStart,
		RegistrationEnd:   r.RegistrationEnd,
		IsActive:          r.IsActive,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		Version:           r.Version,
	}
}

type claimRow struct {
	ID            string     `db:"id"`
	UnitID        string     `db:"unit_id"`
	ReservationID string     `db:"reservation_id"`
	Count         int        `db:"count"`
	CreatedAt     time.Time  `db:"created_at"`
	ReleasedAt    *time.Time `db:"released_at"`
}

// CapacityRepository は募集枠と枠確保のPostgreSQL実装
// 使用人数の変更は必ず行ロックを取った後に行う
type CapacityRepository struct {
	db *sqlx.DB
}

func NewCapacityRepository(db *sqlx.DB) *CapacityRepository {
	return &CapacityRepository{db: db}
}

func (r *CapacityRepository) Create(ctx context.Context, u *capacity.Unit) error {
	query := `INSERT INTO capacity_units (id, tour_id, name, max_participants, used_participants, registration_start,
		registration_end, is_active, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.db.ExecContext(ctx, query,
		u.ID, u.TourID, u.Name, u.MaxParticipants, u.UsedParticipants, u.RegistrationStart,
		u.RegistrationEnd, u.IsActive, u.CreatedAt, u.UpdatedAt, u.Version,
	); err != nil {
		return fmt.Errorf("募集枠の作成に失敗しました: %w", err)
	}
	return nil
}

func (r *CapacityRepository) GetByID(ctx context.Context, id string) (*capacity.Unit, error) {
	var row unitRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+unitColumns+` FROM capacity_units WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, capacity.ErrUnitNotFound
		}
		return nil, fmt.Errorf("募集枠の取得に失敗しました: %w", err)
	}
	return row.toEntity(), nil
}

func (r *CapacityRepository) ListByTour(ctx context.Context, tourID string) ([]*capacity.Unit, error) {
	var rows []unitRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+unitColumns+` FROM capacity_units WHERE tour_id = $1 ORDER BY id`, tourID); err != nil {
		return nil, fmt.Errorf("募集枠一覧の取得に失敗しました: %w", err)
	}
	return toUnits(rows), nil
}

// LockByID は SELECT ... FOR UPDATE で募集枠を取得する
func (r *CapacityRepository) LockByID(ctx context.Context, tx transaction.Tx, id string) (*capacity.Unit, error) {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return nil, err
	}
	var row unitRow
	if err := sqlTx.GetContext(ctx, &row, `SELECT `+unitColumns+` FROM capacity_units WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, capacity.ErrUnitNotFound
		}
		return nil, fmt.Errorf("募集枠のロックに失敗しました: %w", err)
	}
	return row.toEntity(), nil
}

// LockByTour はツアーの募集枠をID順にロックする（デッドロック防止）
func (r *CapacityRepository) LockByTour(ctx context.Context, tx transaction.Tx, tourID string) ([]*capacity.Unit, error) {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return nil, err
	}
	var rows []unitRow
	if err := sqlTx.SelectContext(ctx, &rows, `SELECT `+unitColumns+` FROM capacity_units WHERE tour_id = $1 ORDER BY id FOR UPDATE`, tourID); err != nil {
		return nil, fmt.Errorf("募集枠のロックに失敗しました: %w", err)
	}
	return toUnits(rows), nil
}

func (r *CapacityRepository) SaveUsage(ctx context.Context, tx transaction.Tx, u *capacity.Unit) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	query := `UPDATE capacity_units SET used_participants = $1, updated_at = $2, version = version + 1
		WHERE id = $3 RETURNING version`
	if err := sqlTx.GetContext(ctx, &u.Version, query, u.UsedParticipants, u.UpdatedAt, u.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return capacity.ErrUnitNotFound
		}
		return err
	}
	return nil
}

func (r *CapacityRepository) CreateClaim(ctx context.Context, tx transaction.Tx, c *capacity.Claim) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	query := `INSERT INTO capacity_claims (id, unit_id, reservation_id, count, created_at, released_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = sqlTx.ExecContext(ctx, query, c.ID, c.UnitID, c.ReservationID, c.Count, c.CreatedAt, c.ReleasedAt)
	return err
}

func (r *CapacityRepository) LockClaim(ctx context.Context, tx transaction.Tx, id string) (*capacity.Claim, error) {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return nil, err
	}
	var row claimRow
	query := `SELECT id, unit_id, reservation_id, count, created_at, released_at FROM capacity_claims WHERE id = $1 FOR UPDATE`
	if err := sqlTx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, capacity.ErrClaimNotFound
		}
		return nil, fmt.Errorf("枠確保のロックに失敗しました: %w", err)
	}
	return &capacity.Claim{
		ID:            row.ID,
		UnitID:        row.UnitID,
		ReservationID: row.ReservationID,
		Count:         row.Count,
		CreatedAt:     row.CreatedAt,
		ReleasedAt:    row.ReleasedAt,
	}, nil
}

func (r *CapacityRepository) UpdateClaimCount(ctx context.Context, tx transaction.Tx, id string, count int) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	result, err := sqlTx.ExecContext(ctx, `UPDATE capacity_claims SET count = $1 WHERE id = $2 AND released_at IS NULL`, count, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return capacity.ErrClaimNotFound
	}
	return nil
}

func (r *CapacityRepository) MarkClaimReleased(ctx context.Context, tx transaction.Tx, id string, at time.Time) (bool, error) {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return false, err
	}
	result, err := sqlTx.ExecContext(ctx, `UPDATE capacity_claims SET released_at = $1 WHERE id = $2 AND released_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func toUnits(rows []unitRow) []*capacity.Unit {
	units := make([]*capacity.Unit, len(rows))
	for i := range rows {
		units[i] = rows[i].toEntity()
	}
	return units
}

var _ capacity.Repository = (*CapacityRepository)(nil)
