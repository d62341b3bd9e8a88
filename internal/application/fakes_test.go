package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sanosuguru/go-tour-reservation/internal/domain/billing"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/capacity"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/member"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/tour"
	"github.com/sanosuguru/go-tour-reservation/internal/domain/transaction"
	redisinfra "github.com/sanosuguru/go-tour-reservation/internal/infrastructure/redis"
)

// === In-memory store ===
// トランザクションは1本ずつ直列に実行され、Rollback で Begin 時点の状態に戻る

type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	reservations map[string]*reservation.Reservation
	units        map[string]*capacity.Unit
	claims       map[string]*capacity.Claim
	tours        map[string]*tour.Tour

	// テストから失敗を注入する
	findExpiredErr error
	updateHook     func(r *reservation.Reservation) error
}

func newMemStore() *memStore {
	return &memStore{
		reservations: map[string]*reservation.Reservation{},
		units:        map[string]*capacity.Unit{},
		claims:       map[string]*capacity.Claim{},
		tours:        map[string]*tour.Tour{},
	}
}

type memSnapshot struct {
	reservations map[string]*reservation.Reservation
	units        map[string]*capacity.Unit
	claims       map[string]*capacity.Claim
}

type memTx struct {
	store *memStore
	snap  memSnapshot
	done  bool
}

func (s *memStore) Begin(ctx context.Context) (transaction.Tx, error) {
	s.txMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		reservations: make(map[string]*reservation.Reservation, len(s.reservations)),
		units:        make(map[string]*capacity.Unit, len(s.units)),
		claims:       make(map[string]*capacity.Claim, len(s.claims)),
	}
	for k, v := range s.reservations {
		snap.reservations[k] = cloneReservation(v)
	}
	for k, v := range s.units {
		u := *v
		snap.units[k] = &u
	}
	for k, v := range s.claims {
		c := *v
		snap.claims[k] = &c
	}
	return &memTx{store: s, snap: snap}, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errors.New("transaction already done")
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.reservations = t.snap.reservations
	t.store.units = t.snap.units
	t.store.claims = t.snap.claims
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func cloneReservation(r *reservation.Reservation) *reservation.Reservation {
	c := *r
	c.Participants = make([]*reservation.Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		pc := *p
		c.Participants = append(c.Participants, &pc)
	}
	c.History = append([]reservation.StatusChange(nil), r.History...)
	return &c
}

// --- reservation.Repository ---

type memReservationRepo struct{ s *memStore }

func (r memReservationRepo) Create(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.reservations {
		if existing.UserID == res.UserID && existing.IdempotencyKey == res.IdempotencyKey {
			return reservation.ErrIdempotencyKeyAlreadyExists
		}
	}
	res.Version = 1
	r.s.reservations[res.ID] = cloneReservation(res)
	return nil
}

func (r memReservationRepo) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, reservation.ErrReservationNotFound
	}
	return cloneReservation(res), nil
}

func (r memReservationRepo) GetByTrackingCode(ctx context.Context, code string) (*reservation.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, res := range r.s.reservations {
		if res.TrackingCode == code {
			return cloneReservation(res), nil
		}
	}
	return nil, reservation.ErrReservationNotFound
}

func (r memReservationRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (*reservation.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, res := range r.s.reservations {
		if res.UserID == userID && res.IdempotencyKey == key {
			return cloneReservation(res), nil
		}
	}
	return nil, reservation.ErrReservationNotFound
}

func (r memReservationRepo) GetByUserID(ctx context.Context, userID string, limit, offset int) ([]*reservation.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*reservation.Reservation
	for _, res := range r.s.reservations {
		if res.UserID == userID {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*reservation.Reservation{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memReservationRepo) Update(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	if r.s.updateHook != nil {
		if err := r.s.updateHook(res); err != nil {
			return err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.reservations[res.ID]
	if !ok {
		return reservation.ErrReservationNotFound
	}
	if stored.Version != res.Version {
		return reservation.ErrConcurrencyConflict
	}
	res.Version++
	r.s.reservations[res.ID] = cloneReservation(res)
	return nil
}

func (r memReservationRepo) Delete(ctx context.Context, tx transaction.Tx, id string, version int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.reservations[id]
	if !ok {
		return reservation.ErrReservationNotFound
	}
	if stored.Version != version {
		return reservation.ErrConcurrencyConflict
	}
	delete(r.s.reservations, id)
	return nil
}

// staleReservationRepo は GetByID で読み込み時点の古い予約を返す
// 並行リクエストが先にコミットした後の書き込みを再現する
type staleReservationRepo struct {
	memReservationRepo
	snapshot *reservation.Reservation
}

func (r staleReservationRepo) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	if r.snapshot != nil && r.snapshot.ID == id {
		return cloneReservation(r.snapshot), nil
	}
	return r.memReservationRepo.GetByID(ctx, id)
}

func (r memReservationRepo) LockParticipantIdentity(ctx context.Context, tx transaction.Tx, tourID, nationalID string) error {
	return nil
}

func (r memReservationRepo) ExistsActiveParticipant(ctx context.Context, tx transaction.Tx, tourID, nationalID, excludeReservationID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, res := range r.s.reservations {
		if res.TourID != tourID || res.ID == excludeReservationID || !res.Status.HoldsSeat() {
			continue
		}
		for _, p := range res.Participants {
			if p.NationalID == nationalID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r memReservationRepo) FindExpired(ctx context.Context, status reservation.Status, before time.Time, limit int) ([]*reservation.Reservation, error) {
	if r.s.findExpiredErr != nil {
		return nil, r.s.findExpiredErr
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*reservation.Reservation
	for _, res := range r.s.reservations {
		if res.Status == status && res.ExpiresAt != nil && res.ExpiresAt.Before(before) {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- capacity.Repository ---

type memCapacityRepo struct{ s *memStore }

func (r memCapacityRepo) Create(ctx context.Context, unit *capacity.Unit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := *unit
	r.s.units[unit.ID] = &u
	return nil
}

func (r memCapacityRepo) GetByID(ctx context.Context, id string) (*capacity.Unit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.units[id]
	if !ok {
		return nil, capacity.ErrUnitNotFound
	}
	c := *u
	return &c, nil
}

func (r memCapacityRepo) ListByTour(ctx context.Context, tourID string) ([]*capacity.Unit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*capacity.Unit
	for _, u := range r.s.units {
		if u.TourID == tourID {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memCapacityRepo) LockByID(ctx context.Context, tx transaction.Tx, id string) (*capacity.Unit, error) {
	return r.GetByID(ctx, id)
}

func (r memCapacityRepo) LockByTour(ctx context.Context, tx transaction.Tx, tourID string) ([]*capacity.Unit, error) {
	return r.ListByTour(ctx, tourID)
}

func (r memCapacityRepo) SaveUsage(ctx context.Context, tx transaction.Tx, unit *capacity.Unit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.units[unit.ID]
	if !ok {
		return capacity.ErrUnitNotFound
	}
	if unit.UsedParticipants < 0 || unit.UsedParticipants > stored.MaxParticipants {
		return errors.New("check constraint violation: used_participants")
	}
	stored.UsedParticipants = unit.UsedParticipants
	stored.Version++
	unit.Version = stored.Version
	return nil
}

func (r memCapacityRepo) CreateClaim(ctx context.Context, tx transaction.Tx, claim *capacity.Claim) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.claims {
		if c.ReservationID == claim.ReservationID && !c.IsReleased() {
			return errors.New("unique violation: active claim per reservation")
		}
	}
	c := *claim
	r.s.claims[claim.ID] = &c
	return nil
}

func (r memCapacityRepo) LockClaim(ctx context.Context, tx transaction.Tx, id string) (*capacity.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok {
		return nil, capacity.ErrClaimNotFound
	}
	cc := *c
	return &cc, nil
}

func (r memCapacityRepo) UpdateClaimCount(ctx context.Context, tx transaction.Tx, id string, count int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok || c.IsReleased() {
		return capacity.ErrClaimNotFound
	}
	c.Count = count
	return nil
}

func (r memCapacityRepo) MarkClaimReleased(ctx context.Context, tx transaction.Tx, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok || c.IsReleased() {
		return false, nil
	}
	c.ReleasedAt = &at
	return true, nil
}

// --- tour.Repository ---

type memTourRepo struct{ s *memStore }

func (r memTourRepo) Create(ctx context.Context, t *tour.Tour) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *t
	r.s.tours[t.ID] = &c
	return nil
}

func (r memTourRepo) GetByID(ctx context.Context, id string) (*tour.Tour, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tours[id]
	if !ok {
		return nil, tour.ErrTourNotFound
	}
	c := *t
	return &c, nil
}

func (r memTourRepo) List(ctx context.Context, limit, offset int) ([]*tour.Tour, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*tour.Tour
	for _, t := range r.s.tours {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (r memTourRepo) Update(ctx context.Context, t *tour.Tour) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.tours[t.ID]
	if !ok {
		return tour.ErrTourNotFound
	}
	if stored.Version != t.Version {
		return tour.ErrOptimisticLockConflict
	}
	t.Version++
	c := *t
	r.s.tours[t.ID] = &c
	return nil
}

// --- store helpers ---

func (s *memStore) unit(id string) capacity.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.units[id]
}

func (s *memStore) reservationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

func (s *memStore) activeClaims(reservationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.claims {
		if c.ReservationID == reservationID && !c.IsReleased() {
			n++
		}
	}
	return n
}

// === Collaborator fakes ===

type fakeMembers struct {
	mu          sync.Mutex
	members     map[string]*member.MemberInfo
	ineligible  map[string][]string
	unavailable bool
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{members: map[string]*member.MemberInfo{}, ineligible: map[string][]string{}}
}

func (f *fakeMembers) add(nationalID string, birth time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := birth
	f.members[nationalID] = &member.MemberInfo{
		NationalID: nationalID,
		FirstName:  "花子",
		LastName:   "佐藤",
		BirthDate:  &b,
		IsActive:   true,
	}
}

func (f *fakeMembers) GetMemberByNationalID(ctx context.Context, nationalID string) (*member.MemberInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, member.ErrServiceUnavailable
	}
	m, ok := f.members[nationalID]
	if !ok {
		return nil, member.ErrMemberNotFound
	}
	c := *m
	return &c, nil
}

func (f *fakeMembers) ValidateEligibility(ctx context.Context, nationalID string, capabilities, features, agencies []string) (member.EligibilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return member.EligibilityResult{}, member.ErrServiceUnavailable
	}
	if reasons, ok := f.ineligible[nationalID]; ok {
		return member.EligibilityResult{Eligible: false, Reasons: reasons}, nil
	}
	return member.EligibilityResult{Eligible: true}, nil
}

type fakeBills struct {
	mu       sync.Mutex
	requests []billing.BillRequest
	err      error
}

func (f *fakeBills) RequestBill(ctx context.Context, req billing.BillRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeBills) sent() []billing.BillRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.BillRequest(nil), f.requests...)
}

// === testify mocks ===

// MockLockManager implements redisinfra.LockManagerInterface
type MockLockManager struct {
	mock.Mock
}

func (m *MockLockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (redisinfra.Lock, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(redisinfra.Lock), args.Error(1)
}

func (m *MockLockManager) AcquireLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryInterval time.Duration) (redisinfra.Lock, error) {
	args := m.Called(ctx, key, ttl, maxRetries, retryInterval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(redisinfra.Lock), args.Error(1)
}

// MockLock implements redisinfra.Lock
type MockLock struct {
	mock.Mock
}

func (m *MockLock) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLock) Extend(ctx context.Context, ttl time.Duration) error {
	args := m.Called(ctx, ttl)
	return args.Error(0)
}

// MockAvailabilityCache implements redisinfra.AvailabilityCacheInterface
type MockAvailabilityCache struct {
	mock.Mock
}

func (m *MockAvailabilityCache) Get(ctx context.Context, tourID string) (*capacity.TourAvailability, error) {
	args := m.Called(ctx, tourID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*capacity.TourAvailability), args.Error(1)
}

func (m *MockAvailabilityCache) Set(ctx context.Context, availability *capacity.TourAvailability, ttl time.Duration) error {
	args := m.Called(ctx, availability, ttl)
	return args.Error(0)
}

func (m *MockAvailabilityCache) Invalidate(ctx context.Context, tourID string) error {
	args := m.Called(ctx, tourID)
	return args.Error(0)
}
