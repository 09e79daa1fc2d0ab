// README: Persistence contract for rides, requests and drivers.
package ride

import (
	"context"
	"time"

	"rideflow/internal/types"
)

type Reader interface {
	GetRide(ctx context.Context, id types.ID) (*Ride, error)
	GetRequest(ctx context.Context, id types.ID) (*Request, error)
	GetRequestByRide(ctx context.Context, rideID types.ID) (*Request, error)
	GetDriver(ctx context.Context, id types.ID) (*Driver, error)
}

// Tx is a unit of work. Every Update is a compare-and-set on version: false
// means another writer got there first and nothing was written. On success the
// passed struct's Version is advanced.
type Tx interface {
	Reader
	UpdateRide(ctx context.Context, r *Ride, version int) (bool, error)
	UpdateRequest(ctx context.Context, q *Request, version int) (bool, error)
	UpdateDriver(ctx context.Context, d *Driver, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// Repository is implemented by Store (Postgres) and MemoryRepository. Its own
// Tx methods run outside any transaction.
type Repository interface {
	Tx
	// CreateRide inserts the ride, its request and the creation event atomically.
	CreateRide(ctx context.Context, r *Ride, q *Request, riderToken string) error
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// RiderToken returns "" for riders without a registered device.
	RiderToken(ctx context.Context, riderID types.ID) (string, error)
	// RiderRating returns DefaultRiderRating for riders with no stored rating.
	RiderRating(ctx context.Context, riderID types.ID) (float64, error)
	ActiveDriverTokens(ctx context.Context, exclude types.ID) ([]string, error)
	ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
}
