// README: Directory answers "which drivers are near this point".
package location

import (
	"context"

	"rideflow/internal/types"
)

// Directory is implemented by GeohashIndex (in process) and RedisDirectory (shared).
// SetStatus on a driver that was never upserted is a no-op.
type Directory interface {
	Upsert(ctx context.Context, p DriverPosition) error
	SetStatus(ctx context.Context, driverID types.ID, status DriverStatus) error
	Remove(ctx context.Context, driverID types.ID) error
	Near(ctx context.Context, center types.Point, radiusKm float64, f Filter) ([]Candidate, error)
}
