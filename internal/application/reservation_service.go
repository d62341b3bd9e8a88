package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/member"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/metrics"
)

type ReservationService struct {
	txManager       transaction.Manager
	reservationRepo reservation.Repository
	tourRepo        tour.Repository
	ledger          *CapacityLedger
	members         member.Service
	bills           billing.Requester
	lockManager     redisinfra.LockManagerInterface
	policy          ReservationPolicy
	clock           clock.Clock
	metrics         *metrics.Metrics
}

func NewReservationService(
	txManager transaction.Manager,
	rr reservation.Repository,
	tr tour.Repository,
	ledger *CapacityLedger,
	members member.Service,
	bills billing.Requester,
	lm redisinfra.LockManagerInterface,
	policy ReservationPolicy,
	clk clock.Clock,
) *ReservationService {
	return &ReservationService{
		txManager:       txManager,
		reservationRepo: rr,
		tourRepo:        tr,
		ledger:          ledger,
		members:         members,
		bills:           bills,
		lockManager:     lm,
		policy:          policy,
		clock:           clk,
	}
}

// WithMetrics はメトリクスの記録先を設定する
func (s *ReservationService) WithMetrics(m *metrics.Metrics) *ReservationService {
	s.metrics = m
	return s
}

type ParticipantInput struct {
	FirstName   string
	LastName    string
	NationalID  string
	PhoneNumber string
	Email       string
	BirthDate   *time.Time
	Type        reservation.ParticipantType
}

type CreateReservationInput struct {
	TourID          string
	PreferredUnitID string
	IdempotencyKey  string
	Participants    []ParticipantInput
}

// ReservationDetail は予約と参加者集計
type ReservationDetail struct {
	Reservation *reservation.Reservation
	Summary     reservation.Summary
}

// CreateReservation は参加者を検証し、枠を確保して仮押さえ状態の予約を作成する
func (s *ReservationService) CreateReservation(ctx context.Context, actor Actor, input CreateReservationInput) (res *reservation.Reservation, err error) {
	defer func() { s.observe("create", err) }()

	if input.IdempotencyKey == "" {
		return nil, reservation.ErrIdempotencyKeyRequired
	}
	if len(input.Participants) == 0 {
		return nil, reservation.ErrParticipantsRequired
	}

	// 冪等性チェック
	existing, err := s.reservationRepo.GetByIdempotencyKey(ctx, actor.UserID, input.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, reservation.ErrReservationNotFound) {
		return nil, fmt.Errorf("冪等性チェックに失敗: %w", err)
	}

	t, err := s.tourRepo.GetByID(ctx, input.TourID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !t.IsBookable(now) {
		return nil, tour.ErrTourNotBookable
	}
	if len(input.Participants) > t.MaxGuestsPerReservation {
		return nil, reservation.NewValidationError(fmt.Sprintf("参加者は最大%d名までです", t.MaxGuestsPerReservation))
	}

	participants, err := s.prepareParticipants(ctx, t, input.Participants)
	if err != nil {
		return nil, err
	}

	res = reservation.NewReservation(t.ID, actor.UserID, input.IdempotencyKey, now)
	if err := res.Validate(); err != nil {
		return nil, err
	}
	for _, p := range participants {
		if err := res.AddParticipant(p, t.MaxGuestsPerReservation, now); err != nil {
			return nil, err
		}
	}

	release, err := s.lockIdentities(ctx, t.ID, participants)
	if err != nil {
		return nil, err
	}
	defer release()

	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if err := s.checkIdentities(ctx, tx, res, participants); err != nil {
			return err
		}
		claim, err := s.ledger.Claim(ctx, tx, res.ID, t.ID, input.PreferredUnitID, res.ParticipantCount())
		if err != nil {
			return err
		}
		res.CapacityClaimID = &claim.ID
		res.CapacityUnitID = claim.UnitID
		if err := res.Hold(now.Add(s.policy.HoldDuration), now); err != nil {
			return err
		}
		return s.reservationRepo.Create(ctx, tx, res)
	})
	if errors.Is(err, reservation.ErrIdempotencyKeyAlreadyExists) {
		// 同じキーの並行リクエストが先にコミットした
		return s.reservationRepo.GetByIdempotencyKey(ctx, actor.UserID, input.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	s.ledger.InvalidateAvailability(ctx, t.ID)
	s.observeHistory(res, 0)
	logger.ForReservation(res.ID, res.TrackingCode).Info("予約を仮押さえしました",
		zap.String("tour_id", t.ID),
		zap.String("unit_id", res.CapacityUnitID),
		zap.Int("participants", res.ParticipantCount()),
	)
	return res, nil
}

// AddParticipant は仮押さえ中の予約に参加者を追加し、確保人数を1名分増やす
func (s *ReservationService) AddParticipant(ctx context.Context, actor Actor, reservationID string, input ParticipantInput) (res *reservation.Reservation, err error) {
	defer func() { s.observe("add_participant", err) }()

	res, err = s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	t, err := s.tourRepo.GetByID(ctx, res.TourID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if t.HasStarted(now) {
		return nil, tour.ErrTourAlreadyStarted
	}

	participants, err := s.prepareParticipants(ctx, t, []ParticipantInput{input})
	if err != nil {
		return nil, err
	}
	p := participants[0]

	release, err := s.lockIdentities(ctx, t.ID, participants)
	if err != nil {
		return nil, err
	}
	defer release()

	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if err := s.checkIdentities(ctx, tx, res, participants); err != nil {
			return err
		}
		if err := res.AddParticipant(p, t.MaxGuestsPerReservation, now); err != nil {
			return err
		}
		if res.HasActiveClaim() {
			if _, err := s.ledger.Extend(ctx, tx, *res.CapacityClaimID, 1); err != nil {
				return err
			}
		}
		return s.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}

	s.ledger.InvalidateAvailability(ctx, t.ID)
	s.observeHistory(res, historyBefore)
	return res, nil
}

// SubmitForPayment は仮押さえ中の予約を支払い待ちにし、請求作成を依頼する
// 請求IDは bill.created イベントで紐付く
func (s *ReservationService) SubmitForPayment(ctx context.Context, actor Actor, reservationID string) (res *reservation.Reservation, err error) {
	defer func() { s.observe("submit_payment", err) }()

	res, err = s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status == reservation.StatusPendingConfirmation {
		return res, nil
	}
	now := s.clock.Now()
	if res.Status == reservation.StatusOnHold && res.IsHoldExpired(now) {
		return nil, reservation.ErrHoldExpired
	}
	if res.ParticipantCount() == 0 {
		return nil, reservation.ErrParticipantsRequired
	}

	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if err := res.SubmitForPayment("", now); err != nil {
			return err
		}
		if err := s.reservationRepo.Update(ctx, tx, res); err != nil {
			return err
		}
		// コミット前に依頼し、失敗したら状態を戻す
		return s.bills.RequestBill(ctx, newBillRequest(res))
	})
	if err != nil {
		return nil, err
	}

	s.observeHistory(res, historyBefore)
	logger.ForReservation(res.ID, res.TrackingCode).Info("請求作成を依頼しました")
	return res, nil
}

// CancelReservation は予約を取り消す
// permanent が true の場合は枠を解放したうえで予約を参加者ごと削除し nil を返す
func (s *ReservationService) CancelReservation(ctx context.Context, actor Actor, reservationID, reason string, permanent bool) (res *reservation.Reservation, err error) {
	op := "cancel"
	if permanent {
		op = "delete"
	}
	defer func() { s.observe(op, err) }()

	res, err = s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	if permanent && !res.CanBeDeleted() {
		return nil, reservation.ErrNotDeletable
	}
	now := s.clock.Now()

	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if permanent {
			if err := s.releaseClaim(ctx, tx, res); err != nil {
				return err
			}
			return s.reservationRepo.Delete(ctx, tx, res.ID, res.Version)
		}
		if err := res.Cancel(reason, now); err != nil {
			return err
		}
		if err := s.releaseClaim(ctx, tx, res); err != nil {
			return err
		}
		return s.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}

	s.ledger.InvalidateAvailability(ctx, res.TourID)
	l := logger.ForReservation(res.ID, res.TrackingCode)
	if permanent {
		l.Info("予約を削除しました", zap.String("reason", reason))
		return nil, nil
	}
	s.observeHistory(res, historyBefore)
	l.Info("予約をキャンセルしました", zap.String("reason", reason))
	return res, nil
}

// RequestCancellation は確定済み予約のキャンセルを申請する（枠は処理完了まで保持）
func (s *ReservationService) RequestCancellation(ctx context.Context, actor Actor, reservationID, reason string) (res *reservation.Reservation, err error) {
	defer func() { s.observe("request_cancellation", err) }()

	res, err = s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if err := res.RequestCancellation(reason, s.clock.Now()); err != nil {
			return err
		}
		return s.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	s.observeHistory(res, historyBefore)
	return res, nil
}

// AdvanceCancellation はキャンセル申請の処理を1段階進める（管理者用）
// 処理完了で枠を解放する
func (s *ReservationService) AdvanceCancellation(ctx context.Context, actor Actor, reservationID string) (res *reservation.Reservation, err error) {
	defer func() { s.observe("advance_cancellation", err) }()

	if !actor.IsAdmin {
		return nil, reservation.ErrNotOwner
	}
	res, err = s.reservationRepo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		switch res.Status {
		case reservation.StatusCancellationRequested:
			if err := res.ProcessCancellation(now); err != nil {
				return err
			}
		default:
			if err := res.CompleteCancellation(now); err != nil {
				return err
			}
			if err := s.releaseClaim(ctx, tx, res); err != nil {
				return err
			}
		}
		return s.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}
	s.ledger.InvalidateAvailability(ctx, res.TourID)
	s.observeHistory(res, historyBefore)
	return res, nil
}

// ReactivateExpiredReservation は期限切れの予約を再度仮押さえする
// 枠が確保できない場合やツアー開始済みの場合は予約を削除し ErrReservationRemoved を返す
func (s *ReservationService) ReactivateExpiredReservation(ctx context.Context, actor Actor, reservationID string) (res *reservation.Reservation, err error) {
	defer func() { s.observe("reactivate", err) }()

	res, err = s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status != reservation.StatusExpired {
		return nil, &reservation.TransitionError{From: res.Status, Event: reservation.EventReactivate}
	}
	t, err := s.tourRepo.GetByID(ctx, res.TourID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var removedBecause error
	historyBefore := len(res.History)
	err = transaction.Run(ctx, s.txManager, func(tx transaction.Tx) error {
		if t.HasStarted(now) {
			removedBecause = tour.ErrTourAlreadyStarted
			return s.removeReservation(ctx, tx, res)
		}
		claim, err := s.ledger.Claim(ctx, tx, res.ID, res.TourID, res.CapacityUnitID, res.ParticipantCount())
		if err != nil {
			if errors.Is(err, capacity.ErrCapacityExceeded) ||
				errors.Is(err, capacity.ErrRegistrationClosed) ||
				errors.Is(err, capacity.ErrUnitInactive) ||
				errors.Is(err, capacity.ErrUnitNotFound) {
				removedBecause = err
				return s.removeReservation(ctx, tx, res)
			}
			return err
		}
		res.CapacityClaimID = &claim.ID
		res.CapacityUnitID = claim.UnitID
		if err := res.Reactivate(now.Add(s.policy.HoldDuration), now); err != nil {
			return err
		}
		return s.reservationRepo.Update(ctx, tx, res)
	})
	if err != nil {
		return nil, err
	}

	s.ledger.InvalidateAvailability(ctx, res.TourID)
	l := logger.ForReservation(res.ID, res.TrackingCode)
	if removedBecause != nil {
		l.Info("再有効化できないため予約を削除しました", zap.Error(removedBecause))
		return nil, fmt.Errorf("%w: %w", reservation.ErrReservationRemoved, removedBecause)
	}
	s.observeHistory(res, historyBefore)
	l.Info("予約を再有効化しました", zap.Timep("expires_at", res.ExpiresAt))
	return res, nil
}

// GetReservationDetail は予約と参加者集計を返す
func (s *ReservationService) GetReservationDetail(ctx context.Context, actor Actor, reservationID string) (*ReservationDetail, error) {
	res, err := s.getAccessible(ctx, actor, reservationID)
	if err != nil {
		return nil, err
	}
	return &ReservationDetail{Reservation: res, Summary: res.Summarize()}, nil
}

func (s *ReservationService) GetUserReservations(ctx context.Context, actor Actor, limit, offset int) ([]*reservation.Reservation, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.reservationRepo.GetByUserID(ctx, actor.UserID, limit, offset)
}

func (s *ReservationService) getAccessible(ctx context.Context, actor Actor, id string) (*reservation.Reservation, error) {
	res, err := s.reservationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canAccess(res) {
		return nil, reservation.ErrNotOwner
	}
	return res, nil
}

// prepareParticipants は会員照会・参加資格・年齢を確認し、料金を設定した参加者を返す
// 入力不備はまとめて ValidationError にする
func (s *ReservationService) prepareParticipants(ctx context.Context, t *tour.Tour, inputs []ParticipantInput) ([]*reservation.Participant, error) {
	var reasons []string
	participants := make([]*reservation.Participant, 0, len(inputs))
	for _, in := range inputs {
		p := &reservation.Participant{
			FirstName:   in.FirstName,
			LastName:    in.LastName,
			NationalID:  in.NationalID,
			PhoneNumber: in.PhoneNumber,
			Email:       in.Email,
			BirthDate:   in.BirthDate,
			Type:        in.Type,
		}
		if p.Type == reservation.ParticipantMember && p.NationalID != "" {
			r, err := s.checkMember(ctx, t, p)
			if err != nil {
				return nil, err
			}
			reasons = append(reasons, r...)
		}
		if t.MinParticipantAge > 0 {
			age := p.AgeAt(t.StartAt)
			switch {
			case age < 0:
				reasons = append(reasons, fmt.Sprintf("%s: 生年月日は必須です", p.NationalID))
			case age < t.MinParticipantAge:
				reasons = append(reasons, fmt.Sprintf("%s: 参加は%d歳以上です", p.NationalID, t.MinParticipantAge))
			}
		}
		p.RequiredAmount = t.PriceFor(p.Type == reservation.ParticipantMember)
		participants = append(participants, p)
	}
	if len(reasons) > 0 {
		return nil, reservation.NewValidationError(reasons...)
	}
	return participants, nil
}

// checkMember は会員情報で参加者を補完し、参加資格を確認する
func (s *ReservationService) checkMember(ctx context.Context, t *tour.Tour, p *reservation.Participant) ([]string, error) {
	info, err := s.members.GetMemberByNationalID(ctx, p.NationalID)
	if err != nil {
		if errors.Is(err, member.ErrMemberNotFound) {
			return []string{fmt.Sprintf("%s: 会員が見つかりません", p.NationalID)}, nil
		}
		return nil, err
	}
	if !info.IsActive {
		return []string{fmt.Sprintf("%s: 会員資格が無効です", p.NationalID)}, nil
	}
	if p.FirstName == "" {
		p.FirstName = info.FirstName
	}
	if p.LastName == "" {
		p.LastName = info.LastName
	}
	if p.BirthDate == nil {
		p.BirthDate = info.BirthDate
	}
	if p.Email == "" {
		p.Email = info.Email
	}
	if p.PhoneNumber == "" {
		p.PhoneNumber = info.PhoneNumber
	}
	if !t.RequiresEligibility() {
		return nil, nil
	}
	result, err := s.members.ValidateEligibility(ctx, p.NationalID, t.RequiredCapabilities, t.RequiredFeatures, t.RequiredAgencies)
	if err != nil {
		return nil, err
	}
	if result.Eligible {
		return nil, nil
	}
	reasons := make([]string, 0, len(result.Reasons))
	for _, r := range result.Reasons {
		reasons = append(reasons, fmt.Sprintf("%s: %s", p.NationalID, r))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("%s: 参加資格がありません", p.NationalID))
	}
	return reasons, nil
}

// lockIdentities は国民IDごとの分散ロックを取得する（ソートしてデッドロックを防止）
// トランザクション内の再検証が正であり、ここでは競合の窓を狭めるだけ
func (s *ReservationService) lockIdentities(ctx context.Context, tourID string, participants []*reservation.Participant) (func(), error) {
	if s.lockManager == nil {
		return func() {}, nil
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.NationalID)
	}
	sort.Strings(ids)

	locks := make([]redisinfra.Lock, 0, len(ids))
	releaseAll := func() {
		for _, l := range locks {
			if err := l.Release(ctx); err != nil {
				logger.Warn("ロック解放に失敗", zap.Error(err))
			}
		}
	}
	for _, id := range ids {
		key := fmt.Sprintf("tour:%s:participant:%s", tourID, id)
		lock, err := s.lockManager.AcquireLockWithRetry(ctx, key, s.policy.LockTTL, s.policy.LockRetries, s.policy.LockRetryInterval)
		if err != nil {
			releaseAll()
			if errors.Is(err, redisinfra.ErrLockNotAcquired) {
				return nil, fmt.Errorf("参加者が他のリクエストで処理中です: %w", reservation.ErrConcurrencyConflict)
			}
			return nil, fmt.Errorf("ロック取得に失敗: %w", err)
		}
		locks = append(locks, lock)
	}
	return releaseAll, nil
}

// checkIdentities は同じツアーの有効な他予約に同じ国民IDがないかをトランザクション内で確認する
func (s *ReservationService) checkIdentities(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, participants []*reservation.Participant) error {
	var reasons []string
	for _, p := range participants {
		if err := s.reservationRepo.LockParticipantIdentity(ctx, tx, res.TourID, p.NationalID); err != nil {
			return err
		}
		exists, err := s.reservationRepo.ExistsActiveParticipant(ctx, tx, res.TourID, p.NationalID, res.ID)
		if err != nil {
			return err
		}
		if exists {
			reasons = append(reasons, fmt.Sprintf("国民ID %s は同じツアーの別の予約に登録済みです", p.NationalID))
		}
	}
	if len(reasons) > 0 {
		return reservation.NewValidationError(reasons...)
	}
	return nil
}

func (s *ReservationService) releaseClaim(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	if !res.HasActiveClaim() {
		return nil
	}
	if _, err := s.ledger.ReleaseClaim(ctx, tx, *res.CapacityClaimID); err != nil {
		return err
	}
	res.CapacityClaimID = nil
	return nil
}

func (s *ReservationService) removeReservation(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	if err := s.releaseClaim(ctx, tx, res); err != nil {
		return err
	}
	return s.reservationRepo.Delete(ctx, tx, res.ID, res.Version)
}

func (s *ReservationService) observe(operation string, err error) {
	s.metrics.ObserveReservation(operation, outcomeOf(err))
}

func (s *ReservationService) observeHistory(res *reservation.Reservation, from int) {
	observeHistory(s.metrics, res, from)
}

func observeHistory(m *metrics.Metrics, res *reservation.Reservation, from int) {
	if res == nil || from >= len(res.History) {
		return
	}
	for _, h := range res.History[from:] {
		m.ObserveTransition(string(h.From), string(h.To))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, capacity.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, reservation.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, reservation.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, reservation.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, reservation.ErrReservationRemoved):
		return "removed"
	default:
		return "error"
	}
}

func newBillRequest(res *reservation.Reservation) billing.BillRequest {
	summary := res.Summarize()
	items := make([]billing.BillItem, 0, len(res.Participants))
	for _, p := range res.Participants {
		items = append(items, billing.BillItem{
			ParticipantID: p.ID,
			Description:   fmt.Sprintf("%s %s (%s)", p.LastName, p.FirstName, p.Type),
			Amount:        p.RequiredAmount,
		})
	}
	return billing.BillRequest{
		ReferenceID: res.TrackingCode,
		Amount:      summary.RequiredAmount,
		UserID:      res.UserID,
		Items:       items,
	}
}
