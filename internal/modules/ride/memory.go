// README: In-memory Repository for tests, benchmarks and local runs without Postgres.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"rideflow/internal/types"
)

// MemoryRepository keeps values, never shared pointers, so callers cannot
// mutate stored state without going through an Update.
type MemoryRepository struct {
	mu        sync.Mutex
	rides     map[types.ID]Ride
	requests  map[types.ID]Request
	drivers   map[types.ID]Driver
	tokens    map[types.ID]string
	ratings   map[types.ID]float64
	events    []Event
	nextEvent int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rides:    make(map[types.ID]Ride),
		requests: make(map[types.ID]Request),
		drivers:  make(map[types.ID]Driver),
		tokens:   make(map[types.ID]string),
		ratings:  make(map[types.ID]float64),
	}
}

// PutDriver seeds or replaces a driver row.
func (m *MemoryRepository) PutDriver(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
}

// PutRider seeds a rider row. An empty token leaves any stored token alone.
func (m *MemoryRepository) PutRider(riderID types.ID, token string, rating float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token != "" {
		m.tokens[riderID] = token
	}
	m.ratings[riderID] = rating
}

func (m *MemoryRepository) Events(rideID types.ID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryRepository) CreateRide(_ context.Context, r *Ride, q *Request, riderToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	m.requests[q.ID] = *q
	if riderToken != "" {
		m.tokens[r.RiderID] = riderToken
	}
	m.appendEvent(Event{
		RideID:     r.ID,
		FromStatus: StatusNone,
		ToStatus:   r.Status,
		ActorType:  ActorRider,
		ActorID:    &r.RiderID,
		CreatedAt:  r.CreatedAt,
	})
	return nil
}

// InTx serializes units of work on the repository lock. Writes are staged and
// applied only when fn succeeds.
func (m *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// autocommit runs a single call outside InTx.
func (m *MemoryRepository) autocommit(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryRepository) GetRide(ctx context.Context, id types.ID) (r *Ride, err error) {
	err = m.autocommit(func(tx *memTx) error {
		r, err = tx.GetRide(ctx, id)
		return err
	})
	return r, err
}

func (m *MemoryRepository) GetRequest(ctx context.Context, id types.ID) (q *Request, err error) {
	err = m.autocommit(func(tx *memTx) error {
		q, err = tx.GetRequest(ctx, id)
		return err
	})
	return q, err
}

func (m *MemoryRepository) GetRequestByRide(ctx context.Context, rideID types.ID) (q *Request, err error) {
	err = m.autocommit(func(tx *memTx) error {
		q, err = tx.GetRequestByRide(ctx, rideID)
		return err
	})
	return q, err
}

func (m *MemoryRepository) GetDriver(ctx context.Context, id types.ID) (d *Driver, err error) {
	err = m.autocommit(func(tx *memTx) error {
		d, err = tx.GetDriver(ctx, id)
		return err
	})
	return d, err
}

func (m *MemoryRepository) UpdateRide(ctx context.Context, r *Ride, version int) (ok bool, err error) {
	err = m.autocommit(func(tx *memTx) error {
		ok, err = tx.UpdateRide(ctx, r, version)
		return err
	})
	return ok, err
}

func (m *MemoryRepository) UpdateRequest(ctx context.Context, q *Request, version int) (ok bool, err error) {
	err = m.autocommit(func(tx *memTx) error {
		ok, err = tx.UpdateRequest(ctx, q, version)
		return err
	})
	return ok, err
}

func (m *MemoryRepository) UpdateDriver(ctx context.Context, d *Driver, version int) (ok bool, err error) {
	err = m.autocommit(func(tx *memTx) error {
		ok, err = tx.UpdateDriver(ctx, d, version)
		return err
	})
	return ok, err
}

func (m *MemoryRepository) AppendEvent(ctx context.Context, e *Event) error {
	return m.autocommit(func(tx *memTx) error {
		return tx.AppendEvent(ctx, e)
	})
}

func (m *MemoryRepository) RiderToken(_ context.Context, riderID types.ID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[riderID], nil
}

func (m *MemoryRepository) RiderRating(_ context.Context, riderID types.ID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.ratings[riderID]; ok {
		return r, nil
	}
	return DefaultRiderRating, nil
}

func (m *MemoryRepository) ActiveDriverTokens(_ context.Context, exclude types.ID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, d := range m.drivers {
		if id == exclude || !d.IsActive || d.FCMToken == "" {
			continue
		}
		out = append(out, d.FCMToken)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRepository) ListOverdueRequests(_ context.Context, now time.Time, limit int) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Request
	for _, q := range m.requests {
		if q.Status == RequestPending && !q.ExpiresAt.After(now) {
			due = append(due, q)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]types.ID, len(due))
	for i, q := range due {
		ids[i] = q.ID
	}
	return ids, nil
}

func (m *MemoryRepository) appendEvent(e Event) {
	m.nextEvent++
	e.ID = m.nextEvent
	m.events = append(m.events, e)
}

func (m *MemoryRepository) begin() *memTx {
	return &memTx{
		repo:     m,
		rides:    make(map[types.ID]Ride),
		requests: make(map[types.ID]Request),
		drivers:  make(map[types.ID]Driver),
	}
}

// memTx must only be used while repo.mu is held.
type memTx struct {
	repo     *MemoryRepository
	rides    map[types.ID]Ride
	requests map[types.ID]Request
	drivers  map[types.ID]Driver
	events   []Event
}

func (t *memTx) commit() {
	for id, r := range t.rides {
		t.repo.rides[id] = r
	}
	for id, q := range t.requests {
		t.repo.requests[id] = q
	}
	for id, d := range t.drivers {
		t.repo.drivers[id] = d
	}
	for _, e := range t.events {
		t.repo.appendEvent(e)
	}
}

func (t *memTx) ride(id types.ID) (Ride, bool) {
	if r, ok := t.rides[id]; ok {
		return r, true
	}
	r, ok := t.repo.rides[id]
	return r, ok
}

func (t *memTx) request(id types.ID) (Request, bool) {
	if q, ok := t.requests[id]; ok {
		return q, true
	}
	q, ok := t.repo.requests[id]
	return q, ok
}

func (t *memTx) driver(id types.ID) (Driver, bool) {
	if d, ok := t.drivers[id]; ok {
		return d, true
	}
	d, ok := t.repo.drivers[id]
	return d, ok
}

func (t *memTx) GetRide(_ context.Context, id types.ID) (*Ride, error) {
	r, ok := t.ride(id)
	if !ok {
		return nil, ErrRideNotFound
	}
	return &r, nil
}

func (t *memTx) GetRequest(_ context.Context, id types.ID) (*Request, error) {
	q, ok := t.request(id)
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &q, nil
}

func (t *memTx) GetRequestByRide(ctx context.Context, rideID types.ID) (*Request, error) {
	for id, q := range t.requests {
		if q.RideID == rideID {
			return t.GetRequest(ctx, id)
		}
	}
	for id, q := range t.repo.requests {
		if q.RideID == rideID {
			return t.GetRequest(ctx, id)
		}
	}
	return nil, ErrRequestNotFound
}

func (t *memTx) GetDriver(_ context.Context, id types.ID) (*Driver, error) {
	d, ok := t.driver(id)
	if !ok {
		return nil, ErrDriverNotFound
	}
	return &d, nil
}

func (t *memTx) UpdateRide(_ context.Context, r *Ride, version int) (bool, error) {
	cur, ok := t.ride(r.ID)
	if !ok || cur.Version != version {
		return false, nil
	}
	r.Version = version + 1
	t.rides[r.ID] = *r
	return true, nil
}

func (t *memTx) UpdateRequest(_ context.Context, q *Request, version int) (bool, error) {
	cur, ok := t.request(q.ID)
	if !ok || cur.Version != version {
		return false, nil
	}
	q.Version = version + 1
	t.requests[q.ID] = *q
	return true, nil
}

func (t *memTx) UpdateDriver(_ context.Context, d *Driver, version int) (bool, error) {
	cur, ok := t.driver(d.ID)
	if !ok || cur.Version != version {
		return false, nil
	}
	d.Version = version + 1
	t.drivers[d.ID] = *d
	return true, nil
}

func (t *memTx) AppendEvent(_ context.Context, e *Event) error {
	t.events = append(t.events, *e)
	return nil
}
