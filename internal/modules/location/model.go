// README: Driver positions, directory query types and location snapshots.
package location

import (
	"time"

	"rideflow/internal/types"
)

type DriverStatus string

const (
	StatusAvailable DriverStatus = "available"
	StatusOnRide    DriverStatus = "on_ride"
	StatusOffline   DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusOnRide, StatusOffline:
		return true
	}
	return false
}

// Preferences are driver-side filters. Zero values mean no preference.
type Preferences struct {
	MinRiderRating float64 `json:"minRiderRating"`
	MaxDropoffKm   float64 `json:"maxDropoffKm"`
}

// DriverPosition is what the directory indexes for a driver.
type DriverPosition struct {
	DriverID     types.ID
	Location     types.Point
	Status       DriverStatus
	VehicleClass types.VehicleClass
	IsActive     bool
	FCMToken     string
	Preferences  Preferences
}

// Filter narrows a Near query. Empty fields match everything.
type Filter struct {
	VehicleClass types.VehicleClass
	Statuses     []DriverStatus
	ActiveOnly   bool
}

func (f Filter) matches(p DriverPosition) bool {
	if f.ActiveOnly && !p.IsActive {
		return false
	}
	if f.VehicleClass != "" && p.VehicleClass != f.VehicleClass {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// Candidate is one Near result.
type Candidate struct {
	DriverID     types.ID
	DistanceKm   float64
	Status       DriverStatus
	VehicleClass types.VehicleClass
	FCMToken     string
	Preferences  Preferences
	Location     types.Point
}

func candidateFrom(p DriverPosition, distKm float64) Candidate {
	return Candidate{
		DriverID:     p.DriverID,
		DistanceKm:   distKm,
		Status:       p.Status,
		VehicleClass: p.VehicleClass,
		FCMToken:     p.FCMToken,
		Preferences:  p.Preferences,
		Location:     p.Location,
	}
}

// Snapshot is an append-only record of a reported position.
type Snapshot struct {
	ID         int64
	DriverID   types.ID
	Position   types.Point
	Status     DriverStatus
	RecordedAt time.Time
}
