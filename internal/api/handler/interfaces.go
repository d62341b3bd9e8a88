package handler

import (
	"context"

	"github.com/sanosuguru/go-tour-reservation/internal/application"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
)

// ReservationServiceInterface は予約サービスのインターフェース
type ReservationServiceInterface interface {
	CreateReservation(ctx context.Context, actor application.Actor, input application.CreateReservationInput) (*reservation.Reservation, error)
	AddParticipant(ctx context.Context, actor application.Actor, reservationID string, input application.ParticipantInput) (*reservation.Reservation, error)
	SubmitForPayment(ctx context.Context, actor application.Actor, reservationID string) (*reservation.Reservation, error)
	CancelReservation(ctx context.Context, actor application.Actor, reservationID, reason string, permanent bool) (*reservation.Reservation, error)
	RequestCancellation(ctx context.Context, actor application.Actor, reservationID, reason string) (*reservation.Reservation, error)
	AdvanceCancellation(ctx context.Context, actor application.Actor, reservationID string) (*reservation.Reservation, error)
	ReactivateExpiredReservation(ctx context.Context, actor application.Actor, reservationID string) (*reservation.Reservation, error)
	GetReservationDetail(ctx context.Context, actor application.Actor, reservationID string) (*application.ReservationDetail, error)
	GetUserReservations(ctx context.Context, actor application.Actor, limit, offset int) ([]*reservation.Reservation, error)
}

// TourServiceInterface はツアーサービスのインターフェース
type TourServiceInterface interface {
	CreateTour(ctx context.Context, input application.CreateTourInput) (*tour.Tour, error)
	GetTour(ctx context.Context, id string) (*tour.Tour, error)
	ListTours(ctx context.Context, limit, offset int) ([]*tour.Tour, error)
	SetTourActive(ctx context.Context, id string, active bool) (*tour.Tour, error)
	AddCapacityUnit(ctx context.Context, input application.AddCapacityUnitInput) (*capacity.Unit, error)
	GetAvailability(ctx context.Context, tourID string) (*capacity.TourAvailability, error)
}
