// README: Dispatch constants, the store contract and driver eligibility rules.
package matching

import (
	"context"
	"sort"
	"time"

	"rideflow/internal/modules/location"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

const (
	// checksKey is the Redis sorted set of pending offer checks, scored by due time in unix ms.
	checksKey = "rideflow:dispatch:checks"

	TitleOffer     = "New Ride Request"
	TitleNoDrivers = "No Drivers Available"
)

// RideStore is the slice of ride.Repository the dispatcher needs.
type RideStore interface {
	GetRide(ctx context.Context, id types.ID) (*ride.Ride, error)
	GetRequest(ctx context.Context, id types.ID) (*ride.Request, error)
	UpdateRequest(ctx context.Context, q *ride.Request, version int) (bool, error)
	RiderToken(ctx context.Context, riderID types.ID) (string, error)
	ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
}

// Queue holds delayed offer checks.
type Queue interface {
	Schedule(ctx context.Context, requestID types.ID, at time.Time) error
	Cancel(ctx context.Context, requestID types.ID) error
	// Claim removes and returns up to limit checks due at now. A check is
	// returned to exactly one caller.
	Claim(ctx context.Context, now time.Time, limit int) ([]types.ID, error)
}

// searchStatuses are the driver states that may receive offers. Drivers on a
// ride may chain their next one.
var searchStatuses = []location.DriverStatus{location.StatusAvailable, location.StatusOnRide}

// Eligible keeps the candidates whose preferences accept this ride and orders
// available drivers ahead of busy ones, keeping distance order within each group.
func Eligible(cands []location.Candidate, r *ride.Ride) []location.Candidate {
	out := make([]location.Candidate, 0, len(cands))
	for _, c := range cands {
		if accepts(c, r) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status == location.StatusAvailable && out[j].Status != location.StatusAvailable
	})
	return out
}

// accepts applies driver preferences. MaxDropoffKm bounds how far the drop
// point may be from where the driver is now.
func accepts(c location.Candidate, r *ride.Ride) bool {
	p := c.Preferences
	if p.MinRiderRating > 0 && r.RiderRating < p.MinRiderRating {
		return false
	}
	if p.MaxDropoffKm > 0 && types.DistanceKm(c.Location, r.Drop) > p.MaxDropoffKm {
		return false
	}
	return true
}
