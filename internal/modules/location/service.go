// README: Location service handles driver position updates and keeps the directory current.
package location

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/logging"
	"rideflow/internal/types"
)

var (
	ErrInvalidLocation = apperr.Validation("invalid_location", "location is not a valid coordinate")
	ErrInvalidStatus   = apperr.Validation("invalid_status", "status must be available or offline")
	ErrInvalidClass    = apperr.Validation("unknown_vehicle_class", "unknown vehicle class")
)

type driverStore interface {
	UpsertDriver(ctx context.Context, u DriverUpdate) (DriverPosition, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type Service struct {
	store driverStore
	dir   Directory
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(store *Store, dir Directory, log logrus.FieldLogger) *Service {
	return newService(store, dir, log)
}

func newService(store driverStore, dir Directory, log logrus.FieldLogger) *Service {
	return &Service{store: store, dir: dir, log: logging.OrDiscard(log), now: time.Now}
}

// DriverUpdate is what a driver app reports. Status may only be available or
// offline; on_ride is owned by the ride lifecycle.
type DriverUpdate struct {
	DriverID     types.ID
	Location     types.Point
	Status       DriverStatus
	VehicleClass types.VehicleClass
	FCMToken     string
	Preferences  Preferences
}

func (s *Service) UpdateDriver(ctx context.Context, u DriverUpdate) (DriverPosition, error) {
	if u.DriverID == "" {
		return DriverPosition{}, apperr.Validation("missing_driver", "driver id is required")
	}
	if !u.Location.Valid() {
		return DriverPosition{}, ErrInvalidLocation
	}
	if u.Status == "" {
		u.Status = StatusAvailable
	}
	if u.Status != StatusAvailable && u.Status != StatusOffline {
		return DriverPosition{}, ErrInvalidStatus
	}
	if !u.VehicleClass.Valid() {
		return DriverPosition{}, ErrInvalidClass
	}
	if u.Preferences.MinRiderRating < 0 || u.Preferences.MaxDropoffKm < 0 {
		return DriverPosition{}, apperr.Validation("invalid_preferences", "preferences must be non-negative")
	}

	pos, err := s.store.UpsertDriver(ctx, u)
	if err != nil {
		return DriverPosition{}, err
	}

	if err := s.store.AppendSnapshot(ctx, Snapshot{
		DriverID:   pos.DriverID,
		Position:   pos.Location,
		Status:     pos.Status,
		RecordedAt: s.now(),
	}); err != nil {
		s.log.WithError(err).WithField("driver_id", pos.DriverID).Warn("location snapshot failed")
	}

	if !pos.IsActive || pos.Status == StatusOffline {
		err = s.dir.Remove(ctx, pos.DriverID)
	} else {
		err = s.dir.Upsert(ctx, pos)
	}
	if err != nil {
		return DriverPosition{}, err
	}
	return pos, nil
}
