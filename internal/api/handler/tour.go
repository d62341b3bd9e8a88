package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-tour-reservation/internal/api"
	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
)

type TourHandler struct {
	service TourServiceInterface
}

func NewTourHandler(s TourServiceInterface) *TourHandler {
	return &TourHandler{service: s}
}

type CreateTourRequest struct {
	Name                    string    `json:"name" validate:"required,max=200" example:"春の日帰りバスツアー"`
	Description             string    `json:"description"`
	Destination             string    `json:"destination" example:"箱根"`
	StartAt                 time.Time `json:"start_at" validate:"required"`
	EndAt                   time.Time `json:"end_at" validate:"required,gtfield=StartAt"`
	MaxGuestsPerReservation int       `json:"max_guests_per_reservation" validate:"required,min=1" example:"4"`
	MemberPrice             int64     `json:"member_price" validate:"min=0" example:"12000"`
	GuestPrice              int64     `json:"guest_price" validate:"min=0" example:"15000"`
	MinParticipantAge       int       `json:"min_participant_age" validate:"min=0"`
	RequiredCapabilities    []string  `json:"required_capabilities"`
	RequiredFeatures        []string  `json:"required_features"`
	RequiredAgencies        []string  `json:"required_agencies"`
}

type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type AddUnitRequest struct {
	Name              string    `json:"name" validate:"required" example:"第1便"`
	MaxParticipants   int       `json:"max_participants" validate:"required,min=1" example:"40"`
	RegistrationStart time.Time `json:"registration_start" validate:"required"`
	RegistrationEnd   time.Time `json:"registration_end" validate:"required,gtfield=RegistrationStart"`
}

type TourResponse struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Description             string   `json:"description"`
	Destination             string   `json:"destination"`
	StartAt                 string   `json:"start_at"`
	EndAt                   string   `json:"end_at"`
	MaxGuestsPerReservation int      `json:"max_guests_per_reservation"`
	MemberPrice             int64    `json:"member_price"`
	GuestPrice              int64    `json:"guest_price"`
	MinParticipantAge       int      `json:"min_participant_age"`
	RequiredCapabilities    []string `json:"required_capabilities"`
	RequiredFeatures        []string `json:"required_features"`
	RequiredAgencies        []string `json:"required_agencies"`
	IsActive                bool     `json:"is_active"`
}

type UnitResponse struct {
	ID                string `json:"id"`
	TourID            string `json:"tour_id"`
	Name              string `json:"name"`
	MaxParticipants   int    `json:"max_participants"`
	UsedParticipants  int    `json:"used_participants"`
	RegistrationStart string `json:"registration_start"`
	RegistrationEnd   string `json:"registration_end"`
	IsActive          bool   `json:"is_active"`
}

func toTourResponse(t *tour.Tour) TourResponse {
	return TourResponse{
		ID: t.ID, Name: t.Name, Description: t.Description, Destination: t.Destination,
		StartAt: t.StartAt.Format(time.RFC3339), EndAt: t.EndAt.Format(time.RFC3339),
		MaxGuestsPerReservation: t.MaxGuestsPerReservation,
		MemberPrice:             t.MemberPrice, GuestPrice: t.GuestPrice,
		MinParticipantAge:    t.MinParticipantAge,
		RequiredCapabilities: t.RequiredCapabilities,
		RequiredFeatures:     t.RequiredFeatures,
		RequiredAgencies:     t.RequiredAgencies,
		IsActive:             t.IsActive,
	}
}

func toUnitResponse(u *capacity.Unit) UnitResponse {
	return UnitResponse{
		ID: u.ID, TourID: u.TourID, Name: u.Name,
		MaxParticipants: u.MaxParticipants, UsedParticipants: u.UsedParticipants,
		RegistrationStart: u.RegistrationStart.Format(time.RFC3339),
		RegistrationEnd:   u.RegistrationEnd.Format(time.RFC3339),
		IsActive:          u.IsActive,
	}
}

// Create godoc
// @Summary ツアーを作成（管理者）
// @Tags tours
// @Accept json
// @Produce json
// @Param request body CreateTourRequest true "ツアー情報"
// @Success 201 {object} api.Envelope{data=TourResponse}
// @Failure 400 {object} api.Envelope
// @Router /admin/tours [post]
func (h *TourHandler) Create(c echo.Context) error {
	var req CreateTourRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	t, err := h.service.CreateTour(c.Request().Context(), application.CreateTourInput{
		Name: req.Name, Description: req.Description, Destination: req.Destination,
		StartAt: req.StartAt, EndAt: req.EndAt,
		MaxGuestsPerReservation: req.MaxGuestsPerReservation,
		MemberPrice:             req.MemberPrice, GuestPrice: req.GuestPrice,
		MinParticipantAge:    req.MinParticipantAge,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredFeatures:     req.RequiredFeatures,
		RequiredAgencies:     req.RequiredAgencies,
	})
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusCreated, toTourResponse(t))
}

// GetByID godoc
// @Summary ツアーを取得
// @Tags tours
// @Produce json
// @Param id path string true "ツアーID"
// @Success 200 {object} api.Envelope{data=TourResponse}
// @Failure 404 {object} api.Envelope
// @Router /tours/{id} [get]
func (h *TourHandler) GetByID(c echo.Context) error {
	t, err := h.service.GetTour(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toTourResponse(t))
}

// List godoc
// @Summary ツアー一覧を取得
// @Tags tours
// @Produce json
// @Param limit query int false "取得件数" default(20)
// @Param offset query int false "オフセット" default(0)
// @Success 200 {object} api.Envelope{data=[]TourResponse}
// @Router /tours [get]
func (h *TourHandler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	tours, err := h.service.ListTours(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	resp := make([]TourResponse, len(tours))
	for i, t := range tours {
		resp[i] = toTourResponse(t)
	}
	return api.Respond(c, http.StatusOK, resp)
}

// SetActive godoc
// @Summary ツアーの受付を切り替える（管理者）
// @Tags tours
// @Accept json
// @Produce json
// @Param id path string true "ツアーID"
// @Param request body SetActiveRequest true "受付状態"
// @Success 200 {object} api.Envelope{data=TourResponse}
// @Router /admin/tours/{id}/active [put]
func (h *TourHandler) SetActive(c echo.Context) error {
	var req SetActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	t, err := h.service.SetTourActive(c.Request().Context(), c.Param("id"), *req.Active)
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toTourResponse(t))
}

// AddUnit godoc
// @Summary 募集枠を追加（管理者）
// @Tags tours
// @Accept json
// @Produce json
// @Param id path string true "ツアーID"
// @Param request body AddUnitRequest true "募集枠"
// @Success 201 {object} api.Envelope{data=UnitResponse}
// @Failure 404 {object} api.Envelope
// @Router /admin/tours/{id}/units [post]
func (h *TourHandler) AddUnit(c echo.Context) error {
	var req AddUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	u, err := h.service.AddCapacityUnit(c.Request().Context(), application.AddCapacityUnitInput{
		TourID:            c.Param("id"),
		Name:              req.Name,
		MaxParticipants:   req.MaxParticipants,
		RegistrationStart: req.RegistrationStart,
		RegistrationEnd:   req.RegistrationEnd,
	})
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusCreated, toUnitResponse(u))
}

// Availability godoc
// @Summary ツアーの空き状況を取得
// @Tags tours
// @Produce json
// @Param id path string true "ツアーID"
// @Success 200 {object} api.Envelope{data=capacity.TourAvailability}
// @Failure 404 {object} api.Envelope
// @Router /tours/{id}/availability [get]
func (h *TourHandler) Availability(c echo.Context) error {
	a, err := h.service.GetAvailability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, a)
}
