package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
)

const uniqueViolation = "23505"

const reservationColumns = `id, tour_id, user_id, tracking_code, status, reserved_at, expires_at, confirmed_at,
	total_amount, capacity_claim_id, capacity_unit_id, bill_id, failure_reason, cancellation_reason,
	idempotency_key, created_at, updated_at, version`

type reservationRow struct {
	ID                 string         `db:"id"`
	TourID             string         `db:"tour_id"`
	UserID             string         `db:"user_id"`
	TrackingCode       string         `db:"tracking_code"`
	Status             string         `db:"status"`
	ReservedAt         time.Time      `db:"reserved_at"`
	ExpiresAt          *time.Time     `db:"expires_at"`
	ConfirmedAt        *time.Time     `db:"confirmed_at"`
	TotalAmount        *int64         `db:"total_amount"`
	CapacityClaimID    *string        `db:"capacity_claim_id"`
	CapacityUnitID     sql.NullString `db:"capacity_unit_id"`
	BillID             *string        `db:"bill_id"`
	FailureReason      *string        `db:"failure_reason"`
	CancellationReason *string        `db:"cancellation_reason"`
	IdempotencyKey     string         `db:"idempotency_key"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	Version            int            `db:"version"`
}

type participantRow struct {
	ID             string     `db:"id"`
	ReservationID  string     `db:"reservation_id"`
	FirstName      string     `db:"first_name"`
	LastName       string     `db:"last_name"`
	NationalID     string     `db:"national_id"`
	PhoneNumber    *string    `db:"phone_number"`
	Email          *string    `db:"email"`
	BirthDate      *time.Time `db:"birth_date"`
	Type           string     `db:"type"`
	RequiredAmount int64      `db:"required_amount"`
	PaidAmount     *int64     `db:"paid_amount"`
	PaidAt         *time.Time `db:"paid_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

type historyRow struct {
	ID         string    `db:"id"`
	From       string    `db:"from_status"`
	To         string    `db:"to_status"`
	Event      string    `db:"event"`
	Reason     *string   `db:"reason"`
	OccurredAt time.Time `db:"occurred_at"`
}

// ReservationRepository は予約集約のPostgreSQL実装
type ReservationRepository struct{ db *sqlx.DB }

func NewReservationRepository(db *sqlx.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

func (r *ReservationRepository) Create(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	query := `INSERT INTO reservations (id, tour_id, user_id, tracking_code, status, reserved_at, expires_at, confirmed_at,
		total_amount, capacity_claim_id, capacity_unit_id, bill_id, failure_reason, cancellation_reason,
		idempotency_key, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`
	_, err = sqlTx.ExecContext(ctx, query,
		res.ID, res.TourID, res.UserID, res.TrackingCode, string(res.Status), res.ReservedAt, res.ExpiresAt, res.ConfirmedAt,
		res.TotalAmount, res.CapacityClaimID, nullString(res.CapacityUnitID), res.BillID, res.FailureReason, res.CancellationReason,
		res.IdempotencyKey, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.Constraint == "reservations_user_idempotency_key" {
			return reservation.ErrIdempotencyKeyAlreadyExists
		}
		return fmt.Errorf("予約作成に失敗: %w", err)
	}
	if err := r.saveChildren(ctx, sqlTx, res); err != nil {
		return err
	}
	res.Version = 1
	return nil
}

func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	return r.getOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
}

func (r *ReservationRepository) GetByTrackingCode(ctx context.Context, code string) (*reservation.Reservation, error) {
	return r.getOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE tracking_code = $1`, code)
}

func (r *ReservationRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*reservation.Reservation, error) {
	return r.getOne(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (r *ReservationRepository) GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*reservation.Reservation, error) {
	return r.getMany(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
}

func (r *ReservationRepository) FindExpired(ctx context.Context, status reservation.Status, before time.Time, limit int) ([]*reservation.Reservation, error) {
	return r.getMany(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at LIMIT $3`, string(status), before, limit)
}

// Update はバージョンが一致する場合のみ予約を更新し、参加者と履歴を反映する
func (r *ReservationRepository) Update(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	query := `UPDATE reservations
		SET status = $1, expires_at = $2, confirmed_at = $3, total_amount = $4, capacity_claim_id = $5,
		    capacity_unit_id = $6, bill_id = $7, failure_reason = $8, cancellation_reason = $9,
		    updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`
	result, err := sqlTx.ExecContext(ctx, query,
		string(res.Status), res.ExpiresAt, res.ConfirmedAt, res.TotalAmount, res.CapacityClaimID,
		nullString(res.CapacityUnitID), res.BillID, res.FailureReason, res.CancellationReason,
		res.UpdatedAt, res.ID, res.Version,
	)
	if err != nil {
		return fmt.Errorf("予約更新に失敗: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の確認に失敗: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := sqlTx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, res.ID); err != nil {
			return fmt.Errorf("予約の存在確認に失敗: %w", err)
		}
		if !exists {
			return reservation.ErrReservationNotFound
		}
		return reservation.ErrConcurrencyConflict
	}
	if err := r.saveChildren(ctx, sqlTx, res); err != nil {
		return err
	}
	res.Version++
	return nil
}

// Delete はバージョンが一致する場合のみ予約を削除する
func (r *ReservationRepository) Delete(ctx context.Context, tx transaction.Tx, id string, version int) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	// 参加者と履歴は ON DELETE CASCADE で消える
	result, err := sqlTx.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("予約削除に失敗: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の確認に失敗: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := sqlTx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id); err != nil {
			return fmt.Errorf("予約の存在確認に失敗: %w", err)
		}
		if !exists {
			return reservation.ErrReservationNotFound
		}
		return reservation.ErrConcurrencyConflict
	}
	return nil
}

// LockParticipantIdentity はツアーと国民IDの組に対するアドバイザリロックを取る
// ロックはトランザクション終了時に解放される
func (r *ReservationRepository) LockParticipantIdentity(ctx context.Context, tx transaction.Tx, tourID, nationalID string) error {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tourID+":"+nationalID); err != nil {
		return fmt.Errorf("参加者ロックの取得に失敗: %w", err)
	}
	return nil
}

func (r *ReservationRepository) ExistsActiveParticipant(ctx context.Context, tx transaction.Tx, tourID, nationalID, excludeReservationID string) (bool, error) {
	sqlTx, err := UnwrapTx(tx)
	if err != nil {
		return false, err
	}
	statuses := make([]string, 0, len(reservation.ActiveStatuses()))
	for _, s := range reservation.ActiveStatuses() {
		statuses = append(statuses, string(s))
	}
	query := `SELECT EXISTS (
		SELECT 1 FROM reservation_participants p
		JOIN reservations r ON r.id = p.reservation_id
		WHERE r.tour_id = $1 AND p.national_id = $2 AND r.id <> $3 AND r.status = ANY($4)
	)`
	var exists bool
	if err := sqlTx.GetContext(ctx, &exists, query, tourID, nationalID, excludeReservationID, pq.Array(statuses)); err != nil {
		return false, fmt.Errorf("参加者の重複確認に失敗: %w", err)
	}
	return exists, nil
}

// saveChildren は参加者と履歴を書き込む。既存の行は支払い状況のみ更新する
func (r *ReservationRepository) saveChildren(ctx context.Context, tx *sqlx.Tx, res *reservation.Reservation) error {
	for _, p := range res.Participants {
		query := `INSERT INTO reservation_participants (id, reservation_id, first_name, last_name, national_id, phone_number,
			email, birth_date, type, required_amount, paid_amount, paid_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET paid_amount = EXCLUDED.paid_amount, paid_at = EXCLUDED.paid_at`
		if _, err := tx.ExecContext(ctx, query,
			p.ID, res.ID, p.FirstName, p.LastName, p.NationalID, optional(p.PhoneNumber),
			optional(p.Email), p.BirthDate, string(p.Type), p.RequiredAmount, p.PaidAmount, p.PaidAt, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("参加者の保存に失敗: %w", err)
		}
	}
	for _, h := range res.History {
		query := `INSERT INTO reservation_status_history (id, reservation_id, from_status, to_status, event, reason, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query,
			h.ID, res.ID, string(h.From), string(h.To), string(h.Event), optional(h.Reason), h.OccurredAt,
		); err != nil {
			return fmt.Errorf("状態履歴の保存に失敗: %w", err)
		}
	}
	return nil
}

func (r *ReservationRepository) getOne(ctx context.Context, query string, args ...interface{}) (*reservation.Reservation, error) {
	var row reservationRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reservation.ErrReservationNotFound
		}
		return nil, fmt.Errorf("予約取得に失敗: %w", err)
	}
	return r.load(ctx, &row)
}

func (r *ReservationRepository) getMany(ctx context.Context, query string, args ...interface{}) ([]*reservation.Reservation, error) {
	var rows []reservationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("予約一覧取得に失敗: %w", err)
	}
	result := make([]*reservation.Reservation, len(rows))
	for i := range rows {
		res, err := r.load(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		result[i] = res
	}
	return result, nil
}

// load は参加者と履歴を読み込んで集約を組み立てる
func (r *ReservationRepository) load(ctx context.Context, row *reservationRow) (*reservation.Reservation, error) {
	var participants []participantRow
	if err := r.db.SelectContext(ctx, &participants, `SELECT id, reservation_id, first_name, last_name, national_id, phone_number,
		email, birth_date, type, required_amount, paid_amount, paid_at, created_at
		FROM reservation_participants WHERE reservation_id = $1 ORDER BY created_at, id`, row.ID); err != nil {
		return nil, fmt.Errorf("参加者取得に失敗: %w", err)
	}
	var history []historyRow
	if err := r.db.SelectContext(ctx, &history, `SELECT id, from_status, to_status, event, reason, occurred_at
		FROM reservation_status_history WHERE reservation_id = $1 ORDER BY occurred_at, id`, row.ID); err != nil {
		return nil, fmt.Errorf("状態履歴取得に失敗: %w", err)
	}

	res := &reservation.Reservation{
		ID:                 row.ID,
		TourID:             row.TourID,
		UserID:             row.UserID,
		TrackingCode:       row.TrackingCode,
		Status:             reservation.Status(row.Status),
		ReservedAt:         row.ReservedAt,
		ExpiresAt:          row.ExpiresAt,
		ConfirmedAt:        row.ConfirmedAt,
		TotalAmount:        row.TotalAmount,
		CapacityClaimID:    row.CapacityClaimID,
		CapacityUnitID:     row.CapacityUnitID.String,
		BillID:             row.BillID,
		FailureReason:      row.FailureReason,
		CancellationReason: row.CancellationReason,
		IdempotencyKey:     row.IdempotencyKey,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
		Version:            row.Version,
		Participants:       make([]*reservation.Participant, 0, len(participants)),
		History:            make([]reservation.StatusChange, 0, len(history)),
	}
	for _, p := range participants {
		res.Participants = append(res.Participants, &reservation.Participant{
			ID:             p.ID,
			ReservationID:  p.ReservationID,
			FirstName:      p.FirstName,
			LastName:       p.LastName,
			NationalID:     p.NationalID,
			PhoneNumber:    deref(p.PhoneNumber),
			Email:          deref(p.Email),
			BirthDate:      p.BirthDate,
			Type:           reservation.ParticipantType(p.Type),
			RequiredAmount: p.RequiredAmount,
			PaidAmount:     p.PaidAmount,
			PaidAt:         p.PaidAt,
			CreatedAt:      p.CreatedAt,
		})
	}
	for _, h := range history {
		res.History = append(res.History, reservation.StatusChange{
			ID:         h.ID,
			From:       reservation.Status(h.From),
			To:         reservation.Status(h.To),
			Event:      reservation.Event(h.Event),
			Reason:     deref(h.Reason),
			OccurredAt: h.OccurredAt,
		})
	}
	return res, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ reservation.Repository = (*ReservationRepository)(nil)
