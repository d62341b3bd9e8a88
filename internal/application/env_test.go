package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
	"github.com/sanosuguru/go-tour-reservation/internal/pkg/clock"
)

var envStart = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store        *memStore
	clock        *clock.Manual
	members      *fakeMembers
	bills        *fakeBills
	policy       ReservationPolicy
	ledger       *CapacityLedger
	reservations *ReservationService
	bridge       *BillingEventBridge
	reconciler   *ExpiryReconciler
	tours        *TourService
	tour         *tour.Tour
	unit         *capacity.Unit
}

// newTestEnv は定員 unitMax の募集枠を1つ持つツアーを用意する
func newTestEnv(t *testing.T, unitMax int) *testEnv {
	t.Helper()
	store := newMemStore()
	clk := clock.NewManual(envStart)
	members := newFakeMembers()
	bills := &fakeBills{}
	policy := DefaultReservationPolicy()

	rr := memReservationRepo{s: store}
	cr := memCapacityRepo{s: store}
	tr := memTourRepo{s: store}

	ledger := NewCapacityLedger(cr, nil, clk)
	env := &testEnv{
		store:        store,
		clock:        clk,
		members:      members,
		bills:        bills,
		policy:       policy,
		ledger:       ledger,
		reservations: NewReservationService(store, rr, tr, ledger, members, bills, nil, policy, clk),
		bridge:       NewBillingEventBridge(store, rr, ledger, clk),
		reconciler:   NewExpiryReconciler(store, rr, ledger, nil, policy, 100, clk),
		tours:        NewTourService(tr, cr, nil, clk),
	}

	ctx := context.Background()
	tr0, err := env.tours.CreateTour(ctx, CreateTourInput{
		Name:                    "箱根一泊二日",
		Destination:             "箱根",
		StartAt:                 envStart.Add(30 * 24 * time.Hour),
		EndAt:                   envStart.Add(31 * 24 * time.Hour),
		MaxGuestsPerReservation: 4,
		MemberPrice:             5000,
		GuestPrice:              12000,
	})
	require.NoError(t, err)
	env.tour = tr0
	env.unit = env.addUnit(t, "第1便", unitMax)
	return env
}

func (e *testEnv) addUnit(t *testing.T, name string, max int) *capacity.Unit {
	t.Helper()
	u, err := e.tours.AddCapacityUnit(context.Background(), AddCapacityUnitInput{
		TourID:            e.tour.ID,
		Name:              name,
		MaxParticipants:   max,
		RegistrationStart: envStart.Add(-24 * time.Hour),
		RegistrationEnd:   envStart.Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return u
}

func guest(nationalID string) ParticipantInput {
	return ParticipantInput{
		FirstName:  "一郎",
		LastName:   "鈴木",
		NationalID: nationalID,
		Type:       reservation.ParticipantGuest,
	}
}

func (e *testEnv) create(userID, key string, nationalIDs ...string) (*reservation.Reservation, error) {
	inputs := make([]ParticipantInput, 0, len(nationalIDs))
	for _, id := range nationalIDs {
		inputs = append(inputs, guest(id))
	}
	return e.reservations.CreateReservation(context.Background(), Actor{UserID: userID}, CreateReservationInput{
		TourID:         e.tour.ID,
		IdempotencyKey: key,
		Participants:   inputs,
	})
}

func (e *testEnv) mustCreate(t *testing.T, userID string, nationalIDs ...string) *reservation.Reservation {
	t.Helper()
	res, err := e.create(userID, fmt.Sprintf("key-%s-%v", userID, nationalIDs), nationalIDs...)
	require.NoError(t, err)
	return res
}

func (e *testEnv) reload(t *testing.T, id string) *reservation.Reservation {
	t.Helper()
	res, err := memReservationRepo{s: e.store}.GetByID(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (e *testEnv) used() int {
	return e.store.unit(e.unit.ID).UsedParticipants
}
