package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/logger"
)

const (
	availabilityCacheTTL = 30 * time.Second
)

type TourService struct {
	tourRepo     tour.Repository
	capacityRepo capacity.Repository
	cache        redisinfra.AvailabilityCacheInterface
	clock        clock.Clock
}

func NewTourService(tr tour.Repository, cr capacity.Repository, cache redisinfra.AvailabilityCacheInterface, clk clock.Clock) *TourService {
	return &TourService{tourRepo: tr, capacityRepo: cr, cache: cache, clock: clk}
}

type CreateTourInput struct {
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
}

func (s *TourService) CreateTour(ctx context.Context, input CreateTourInput) (*tour.Tour, error) {
	t := tour.NewTour(input.Name, input.Description, input.Destination, input.StartAt, input.EndAt,
		input.MaxGuestsPerReservation, input.MemberPrice, input.GuestPrice, s.clock.Now())
	t.MinParticipantAge = input.MinParticipantAge
	t.RequiredCapabilities = input.RequiredCapabilities
	t.RequiredFeatures = input.RequiredFeatures
	t.RequiredAgencies = input.RequiredAgencies
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("バリデーションエラー: %w", err)
	}
	if err := s.tourRepo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("ツアー作成に失敗しました: %w", err)
	}
	return t, nil
}

func (s *TourService) GetTour(ctx context.Context, id string) (*tour.Tour, error) {
	return s.tourRepo.GetByID(ctx, id)
}

func (s *TourService) ListTours(ctx context.Context, limit, offset int) ([]*tour.Tour, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.tourRepo.List(ctx, limit, offset)
}

// SetTourActive はツアーの受付を開始・停止する
func (s *TourService) SetTourActive(ctx context.Context, id string, active bool) (*tour.Tour, error) {
	t, err := s.tourRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsActive == active {
		return t, nil
	}
	t.IsActive = active
	t.UpdatedAt = s.clock.Now()
	if err := s.tourRepo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

type AddCapacityUnitInput struct {
	TourID            string
	Name              string
	MaxParticipants   int
	RegistrationStart time.Time
	RegistrationEnd   time.Time
}

// AddCapacityUnit はツアーに募集枠を追加する
func (s *TourService) AddCapacityUnit(ctx context.Context, input AddCapacityUnitInput) (*capacity.Unit, error) {
	if _, err := s.tourRepo.GetByID(ctx, input.TourID); err != nil {
		return nil, fmt.Errorf("ツアー取得に失敗: %w", err)
	}
	u := capacity.NewUnit(input.TourID, input.Name, input.MaxParticipants, input.RegistrationStart, input.RegistrationEnd, s.clock.Now())
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := s.capacityRepo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.invalidate(ctx, input.TourID)
	return u, nil
}

// GetAvailability はツアーの空き状況を返す（短時間キャッシュ）
func (s *TourService) GetAvailability(ctx context.Context, tourID string) (*capacity.TourAvailability, error) {
	// キャッシュから取得を試みる
	if s.cache != nil {
		ta, err := s.cache.Get(ctx, tourID)
		if err == nil {
			logger.Debug("キャッシュヒット", zap.String("tour_id", tourID), zap.Int("available", ta.TotalAvailable))
			return ta, nil
		}
		if !errors.Is(err, redisinfra.ErrCacheMiss) {
			logger.Warn("キャッシュ取得エラー", zap.Error(err))
		}
	}

	if _, err := s.tourRepo.GetByID(ctx, tourID); err != nil {
		return nil, err
	}
	units, err := s.capacityRepo.ListByTour(ctx, tourID)
	if err != nil {
		return nil, err
	}
	ta := capacity.SummarizeAvailability(tourID, units)

	// キャッシュに保存
	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, &ta, availabilityCacheTTL); cacheErr != nil {
			logger.Warn("キャッシュ保存エラー", zap.Error(cacheErr))
		}
	}
	return &ta, nil
}

func (s *TourService) invalidate(ctx context.Context, tourID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tourID); err != nil {
		logger.Warn("キャッシュ無効化エラー", zap.Error(err))
	}
}
