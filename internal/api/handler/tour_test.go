package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
)

// MockTourService はTourServiceInterfaceのモック
type MockTourService struct {
	mock.Mock
}

func (m *MockTourService) CreateTour(ctx context.Context, input application.CreateTourInput) (*tour.Tour, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tour.Tour), args.Error(1)
}

func (m *MockTourService) GetTour(ctx context.Context, id string) (*tour.Tour, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tour.Tour), args.Error(1)
}

func (m *MockTourService) ListTours(ctx context.Context, limit, offset int) ([]*tour.Tour, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*tour.Tour), args.Error(1)
}

func (m *MockTourService) SetTourActive(ctx context.Context, id string, active bool) (*tour.Tour, error) {
	args := m.Called(ctx, id, active)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tour.Tour), args.Error(1)
}

func (m *MockTourService) AddCapacityUnit(ctx context.Context, input application.AddCapacityUnitInput) (*capacity.Unit, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*capacity.Unit), args.Error(1)
}

func (m *MockTourService) GetAvailability(ctx context.Context, tourID string) (*capacity.TourAvailability, error) {
	args := m.Called(ctx, tourID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*capacity.TourAvailability), args.Error(1)
}

var tourStart = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func sampleTour() *tour.Tour {
	t := tour.NewTour("春の日帰りバスツアー", "", "箱根", tourStart, tourStart.Add(10*time.Hour), 4, 12000, 15000, tourStart.AddDate(0, -1, 0))
	t.ID = "tour-1"
	return t
}

func TestTourHandler_Create(t *testing.T) {
	admin := application.Actor{UserID: "admin-1", IsAdmin: true}

	t.Run("ツアーを作成できる", func(t *testing.T) {
		mockService := new(MockTourService)
		mockService.On("CreateTour", mock.Anything, mock.MatchedBy(func(in application.CreateTourInput) bool {
			return in.Name == "春の日帰りバスツアー" && in.MaxGuestsPerReservation == 4 &&
				in.StartAt.Equal(tourStart) && len(in.RequiredAgencies) == 1
		})).Return(sampleTour(), nil)

		body := fmt.Sprintf(`{"name":"春の日帰りバスツアー","destination":"箱根","start_at":%q,"end_at":%q,
			"max_guests_per_reservation":4,"member_price":12000,"guest_price":15000,"required_agencies":["city-hall"]}`,
			tourStart.Format(time.RFC3339), tourStart.Add(10*time.Hour).Format(time.RFC3339))

		h := NewTourHandler(mockService)
		rec := serve(NewTestEcho(), http.MethodPost, "/admin/tours", body, &admin, "/admin/tours", h.Create)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp TourResponse
		decodeEnvelope(t, rec, &resp)
		assert.Equal(t, "tour-1", resp.ID)
		assert.True(t, resp.IsActive)
		mockService.AssertExpectations(t)
	})

	t.Run("終了が開始より前なら400", func(t *testing.T) {
		body := fmt.Sprintf(`{"name":"x","start_at":%q,"end_at":%q,"max_guests_per_reservation":1}`,
			tourStart.Format(time.RFC3339), tourStart.Add(-time.Hour).Format(time.RFC3339))

		h := NewTourHandler(new(MockTourService))
		rec := serve(NewTestEcho(), http.MethodPost, "/admin/tours", body, &admin, "/admin/tours", h.Create)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ドメイン検証エラーは400", func(t *testing.T) {
		mockService := new(MockTourService)
		mockService.On("CreateTour", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("バリデーションエラー: %w", tour.ErrInvalidMinAge))

		body := fmt.Sprintf(`{"name":"x","start_at":%q,"end_at":%q,"max_guests_per_reservation":1}`,
			tourStart.Format(time.RFC3339), tourStart.Add(time.Hour).Format(time.RFC3339))

		h := NewTourHandler(mockService)
		rec := serve(NewTestEcho(), http.MethodPost, "/admin/tours", body, &admin, "/admin/tours", h.Create)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTourHandler_GetAndList(t *testing.T) {
	mockService := new(MockTourService)
	mockService.On("GetTour", mock.Anything, "tour-1").Return(sampleTour(), nil)
	mockService.On("GetTour", mock.Anything, "missing").Return(nil, tour.ErrTourNotFound)
	mockService.On("ListTours", mock.Anything, 0, 0).Return([]*tour.Tour{sampleTour()}, nil)

	h := NewTourHandler(mockService)
	e := NewTestEcho()

	rec := serve(e, http.MethodGet, "/tours/tour-1", "", nil, "/tours/:id", h.GetByID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodGet, "/tours/missing", "", nil, "/tours/:id", h.GetByID)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(e, http.MethodGet, "/tours", "", nil, "/tours", h.List)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []TourResponse
	decodeEnvelope(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, tourStart.Format(time.RFC3339), list[0].StartAt)
}

func TestTourHandler_SetActive(t *testing.T) {
	admin := application.Actor{UserID: "admin-1", IsAdmin: true}

	t.Run("受付を停止できる", func(t *testing.T) {
		stopped := sampleTour()
		stopped.IsActive = false
		mockService := new(MockTourService)
		mockService.On("SetTourActive", mock.Anything, "tour-1", false).Return(stopped, nil)

		h := NewTourHandler(mockService)
		rec := serve(NewTestEcho(), http.MethodPut, "/admin/tours/tour-1/active", `{"active":false}`,
			&admin, "/admin/tours/:id/active", h.SetActive)

		assert.Equal(t, http.StatusOK, rec.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("active がなければ400", func(t *testing.T) {
		h := NewTourHandler(new(MockTourService))
		rec := serve(NewTestEcho(), http.MethodPut, "/admin/tours/tour-1/active", `{}`,
			&admin, "/admin/tours/:id/active", h.SetActive)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTourHandler_AddUnit(t *testing.T) {
	admin := application.Actor{UserID: "admin-1", IsAdmin: true}
	regStart := tourStart.AddDate(0, -1, 0)
	regEnd := tourStart.Add(-24 * time.Hour)
	body := fmt.Sprintf(`{"name":"第1便","max_participants":40,"registration_start":%q,"registration_end":%q}`,
		regStart.Format(time.RFC3339), regEnd.Format(time.RFC3339))

	t.Run("募集枠を追加できる", func(t *testing.T) {
		unit := capacity.NewUnit("tour-1", "第1便", 40, regStart, regEnd, regStart)
		mockService := new(MockTourService)
		mockService.On("AddCapacityUnit", mock.Anything, mock.MatchedBy(func(in application.AddCapacityUnitInput) bool {
			return in.TourID == "tour-1" && in.MaxParticipants == 40
		})).Return(unit, nil)

		h := NewTourHandler(mockService)
		rec := serve(NewTestEcho(), http.MethodPost, "/admin/tours/tour-1/units", body, &admin, "/admin/tours/:id/units", h.AddUnit)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp UnitResponse
		decodeEnvelope(t, rec, &resp)
		assert.Equal(t, 40, resp.MaxParticipants)
		assert.Equal(t, 0, resp.UsedParticipants)
	})

	t.Run("ツアーがなければ404", func(t *testing.T) {
		mockService := new(MockTourService)
		mockService.On("AddCapacityUnit", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("ツアー取得に失敗: %w", tour.ErrTourNotFound))

		h := NewTourHandler(mockService)
		rec := serve(NewTestEcho(), http.MethodPost, "/admin/tours/x/units", body, &admin, "/admin/tours/:id/units", h.AddUnit)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTourHandler_Availability(t *testing.T) {
	mockService := new(MockTourService)
	mockService.On("GetAvailability", mock.Anything, "tour-1").Return(&capacity.TourAvailability{
		TourID:         "tour-1",
		Units:          []capacity.Availability{{UnitID: "unit-1", MaxParticipants: 40, UsedParticipants: 38, Available: 2, IsActive: true}},
		TotalAvailable: 2,
	}, nil)

	h := NewTourHandler(mockService)
	rec := serve(NewTestEcho(), http.MethodGet, "/tours/tour-1/availability", "", nil, "/tours/:id/availability", h.Availability)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp capacity.TourAvailability
	decodeEnvelope(t, rec, &resp)
	assert.Equal(t, 2, resp.TotalAvailable)
}
