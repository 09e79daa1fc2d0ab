package maps

import (
	"context"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

// averageSpeedMps is a city driving average used when no routing backend is configured.
const averageSpeedMps = 8.0

// StraightLineRouter estimates a route from great-circle distance. It never
// returns a polyline.
type StraightLineRouter struct{}

func (StraightLineRouter) Route(_ context.Context, from, to types.Point) (Route, error) {
	if !from.Valid() || !to.Valid() {
		return Route{}, apperr.Validation("invalid_location", "route endpoints must be valid coordinates")
	}
	meters := types.DistanceKm(from, to) * 1000
	return Route{
		DistanceMeters:  meters,
		DurationSeconds: meters / averageSpeedMps,
	}, nil
}
