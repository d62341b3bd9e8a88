package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-tour-reservation/internal/api"
	"github.com/sanosuguru/go-tour-reservation/internal/api/middleware"
	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
)

type ReservationHandler struct {
	service ReservationServiceInterface
}

func NewReservationHandler(s ReservationServiceInterface) *ReservationHandler {
	return &ReservationHandler{service: s}
}

type ParticipantRequest struct {
	FirstName   string `json:"first_name" example:"花子"`
	LastName    string `json:"last_name" example:"佐藤"`
	NationalID  string `json:"national_id" validate:"required,min=5,max=20" example:"1234567890"`
	PhoneNumber string `json:"phone_number" example:"09012345678"`
	Email       string `json:"email" validate:"omitempty,email" example:"hanako@example.com"`
	BirthDate   string `json:"birth_date" validate:"omitempty,datetime=2006-01-02" example:"1980-04-01"`
	Type        string `json:"type" validate:"required,oneof=member guest" example:"member"`
}

func (r ParticipantRequest) toInput() application.ParticipantInput {
	in := application.ParticipantInput{
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		NationalID:  r.NationalID,
		PhoneNumber: r.PhoneNumber,
		Email:       r.Email,
		Type:        reservation.ParticipantType(r.Type),
	}
	if r.BirthDate != "" {
		// 形式はバリデーション済み
		if t, err := time.Parse("2006-01-02", r.BirthDate); err == nil {
			in.BirthDate = &t
		}
	}
	return in
}

type CreateReservationRequest struct {
	TourID          string               `json:"tour_id" validate:"required" example:"550e8400-e29b-41d4-a716-446655440000"`
	PreferredUnitID string               `json:"preferred_unit_id" example:"550e8400-e29b-41d4-a716-446655440001"`
	IdempotencyKey  string               `json:"idempotency_key" example:"order-2025-001"`
	Participants    []ParticipantRequest `json:"participants" validate:"required,min=1,dive"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500" example:"体調不良のため"`
}

type ParticipantResponse struct {
	ID             string     `json:"id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	NationalID     string     `json:"national_id"`
	Type           string     `json:"type"`
	RequiredAmount int64      `json:"required_amount"`
	PaidAmount     *int64     `json:"paid_amount,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

type StatusChangeResponse struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ReservationResponse struct {
	ID                 string                 `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	TourID             string                 `json:"tour_id"`
	UserID             string                 `json:"user_id" example:"user-123"`
	TrackingCode       string                 `json:"tracking_code" example:"TR250401-3F9A1C2B"`
	Status             string                 `json:"status" example:"on_hold"`
	CapacityUnitID     string                 `json:"capacity_unit_id"`
	TotalAmount        *int64                 `json:"total_amount,omitempty" example:"24000"`
	BillID             *string                `json:"bill_id,omitempty"`
	FailureReason      *string                `json:"failure_reason,omitempty"`
	CancellationReason *string                `json:"cancellation_reason,omitempty"`
	ReservedAt         time.Time              `json:"reserved_at"`
	ExpiresAt          *time.Time             `json:"expires_at,omitempty"`
	ConfirmedAt        *time.Time             `json:"confirmed_at,omitempty"`
	Participants       []ParticipantResponse  `json:"participants"`
	History            []StatusChangeResponse `json:"history,omitempty"`
}

type PaymentSummaryResponse struct {
	TotalParticipants int   `json:"total_participants"`
	MemberCount       int   `json:"member_count"`
	GuestCount        int   `json:"guest_count"`
	RequiredAmount    int64 `json:"required_amount"`
	PaidAmount        int64 `json:"paid_amount"`
	Outstanding       int64 `json:"outstanding"`
	FullyPaid         bool  `json:"fully_paid"`
}

type ReservationDetailResponse struct {
	Reservation ReservationResponse    `json:"reservation"`
	Summary     PaymentSummaryResponse `json:"summary"`
}

func toReservationResponse(r *reservation.Reservation, withHistory bool) ReservationResponse {
	resp := ReservationResponse{
		ID: r.ID, TourID: r.TourID, UserID: r.UserID, TrackingCode: r.TrackingCode,
		Status: string(r.Status), CapacityUnitID: r.CapacityUnitID,
		TotalAmount: r.TotalAmount, BillID: r.BillID,
		FailureReason: r.FailureReason, CancellationReason: r.CancellationReason,
		ReservedAt: r.ReservedAt, ExpiresAt: r.ExpiresAt, ConfirmedAt: r.ConfirmedAt,
		Participants: make([]ParticipantResponse, len(r.Participants)),
	}
	for i, p := range r.Participants {
		resp.Participants[i] = ParticipantResponse{
			ID: p.ID, FirstName: p.FirstName, LastName: p.LastName, NationalID: p.NationalID,
			Type: string(p.Type), RequiredAmount: p.RequiredAmount, PaidAmount: p.PaidAmount, PaidAt: p.PaidAt,
		}
	}
	if withHistory {
		for _, h := range r.History {
			resp.History = append(resp.History, StatusChangeResponse{
				From: string(h.From), To: string(h.To), Event: string(h.Event),
				Reason: h.Reason, OccurredAt: h.OccurredAt,
			})
		}
	}
	return resp
}

func toDetailResponse(d *application.ReservationDetail) ReservationDetailResponse {
	return ReservationDetailResponse{
		Reservation: toReservationResponse(d.Reservation, true),
		Summary: PaymentSummaryResponse{
			TotalParticipants: d.Summary.TotalParticipants,
			MemberCount:       d.Summary.MemberCount,
			GuestCount:        d.Summary.GuestCount,
			RequiredAmount:    d.Summary.RequiredAmount,
			PaidAmount:        d.Summary.PaidAmount,
			Outstanding:       d.Summary.Outstanding(),
			FullyPaid:         d.Summary.FullyPaid(),
		},
	}
}

func actorOf(c echo.Context) (application.Actor, error) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		return application.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "ユーザーIDが必要です")
	}
	return actor, nil
}

// Create godoc
// @Summary 予約を作成
// @Description 参加者を検証し、枠を仮押さえします
// @Tags reservations
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "冪等性キー（本文の idempotency_key の代わり）"
// @Param request body CreateReservationRequest true "予約情報"
// @Success 201 {object} api.Envelope{data=ReservationResponse}
// @Failure 400 {object} api.Envelope
// @Failure 409 {object} api.Envelope "定員超過・状態競合"
// @Failure 422 {object} api.Envelope "参加者の検証エラー"
// @Failure 503 {object} api.Envelope "会員サービス停止"
// @Router /reservations [post]
func (h *ReservationHandler) Create(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CreateReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.Request().Header.Get(middleware.HeaderIdempotencyKey)
	}

	input := application.CreateReservationInput{
		TourID:          req.TourID,
		PreferredUnitID: req.PreferredUnitID,
		IdempotencyKey:  key,
		Participants:    make([]application.ParticipantInput, len(req.Participants)),
	}
	for i, p := range req.Participants {
		input.Participants[i] = p.toInput()
	}

	r, err := h.service.CreateReservation(c.Request().Context(), actor, input)
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusCreated, toReservationResponse(r, false))
}

// GetByID godoc
// @Summary 予約詳細を取得
// @Description 予約と参加者ごとの支払い集計を返します
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} api.Envelope{data=ReservationDetailResponse}
// @Failure 403 {object} api.Envelope
// @Failure 404 {object} api.Envelope
// @Router /reservations/{id} [get]
func (h *ReservationHandler) GetByID(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	d, err := h.service.GetReservationDetail(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toDetailResponse(d))
}

// GetUserReservations godoc
// @Summary 自分の予約一覧を取得
// @Tags reservations
// @Produce json
// @Param limit query int false "取得件数" default(20)
// @Param offset query int false "オフセット" default(0)
// @Success 200 {object} api.Envelope{data=[]ReservationResponse}
// @Router /reservations [get]
func (h *ReservationHandler) GetUserReservations(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	reservations, err := h.service.GetUserReservations(c.Request().Context(), actor, limit, offset)
	if err != nil {
		return err
	}
	resp := make([]ReservationResponse, len(reservations))
	for i, r := range reservations {
		resp[i] = toReservationResponse(r, false)
	}
	return api.Respond(c, http.StatusOK, resp)
}

// AddParticipant godoc
// @Summary 参加者を追加
// @Description 仮押さえ中の予約に参加者を追加し、枠確保を拡張します
// @Tags reservations
// @Accept json
// @Produce json
// @Param id path string true "予約ID"
// @Param request body ParticipantRequest true "参加者"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 409 {object} api.Envelope
// @Failure 422 {object} api.Envelope
// @Router /reservations/{id}/participants [post]
func (h *ReservationHandler) AddParticipant(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req ParticipantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	r, err := h.service.AddParticipant(c.Request().Context(), actor, c.Param("id"), req.toInput())
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}

// Submit godoc
// @Summary 支払いへ進む
// @Description 請求作成を依頼し、支払い待ちにします
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 409 {object} api.Envelope
// @Failure 503 {object} api.Envelope "請求サービス停止"
// @Router /reservations/{id}/submit [post]
func (h *ReservationHandler) Submit(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	r, err := h.service.SubmitForPayment(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}

// Cancel godoc
// @Summary 予約をキャンセル
// @Description 確定前の予約をキャンセルし、枠を解放します
// @Tags reservations
// @Accept json
// @Produce json
// @Param id path string true "予約ID"
// @Param request body CancelRequest false "理由"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 409 {object} api.Envelope
// @Router /reservations/{id}/cancel [post]
func (h *ReservationHandler) Cancel(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	r, err := h.service.CancelReservation(c.Request().Context(), actor, c.Param("id"), req.Reason, false)
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}

// Delete godoc
// @Summary 予約を削除
// @Description 枠を解放したうえで予約を参加者ごと削除します（確定済みは不可）
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} api.Envelope
// @Failure 409 {object} api.Envelope
// @Router /reservations/{id} [delete]
func (h *ReservationHandler) Delete(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if _, err := h.service.CancelReservation(c.Request().Context(), actor, id, "", true); err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

// RequestCancellation godoc
// @Summary 確定済み予約のキャンセルを申請
// @Tags reservations
// @Accept json
// @Produce json
// @Param id path string true "予約ID"
// @Param request body CancelRequest false "理由"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 409 {object} api.Envelope
// @Router /reservations/{id}/cancellation [post]
func (h *ReservationHandler) RequestCancellation(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	r, err := h.service.RequestCancellation(c.Request().Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}

// AdvanceCancellation godoc
// @Summary キャンセル手続きを進める（管理者）
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 403 {object} api.Envelope
// @Failure 409 {object} api.Envelope
// @Router /admin/reservations/{id}/cancellation/advance [post]
func (h *ReservationHandler) AdvanceCancellation(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	r, err := h.service.AdvanceCancellation(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}

// Reactivate godoc
// @Summary 期限切れ予約を再有効化
// @Description 枠を再確保できれば仮押さえに戻します。できなければ予約は削除されます
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} api.Envelope{data=ReservationResponse}
// @Failure 409 {object} api.Envelope
// @Failure 410 {object} api.Envelope "再確保できず削除された"
// @Router /reservations/{id}/reactivate [post]
func (h *ReservationHandler) Reactivate(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	r, err := h.service.ReactivateExpiredReservation(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return api.Respond(c, http.StatusOK, toReservationResponse(r, false))
}
