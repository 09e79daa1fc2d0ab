// README: Ride aggregate, dispatch request, driver ledger and status definitions.
package ride

import (
	"time"

	"rideflow/internal/modules/location"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAssigned RequestStatus = "assigned"
	RequestExpired  RequestStatus = "expired"
)

type PaymentMode string

const (
	PaymentCash PaymentMode = "cash"
	PaymentQR   PaymentMode = "qr"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentCash || m == PaymentQR
}

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorSystem = "system"
)

const DefaultRiderRating = 4.0

type Ride struct {
	ID              types.ID           `json:"id"`
	RiderID         types.ID           `json:"riderId"`
	DriverID        *types.ID          `json:"driverId"`
	Pickup          types.Point        `json:"pickup"`
	Drop            types.Point        `json:"drop"`
	PickupName      string             `json:"pickupName,omitempty"`
	DropName        string             `json:"dropName,omitempty"`
	VehicleClass    types.VehicleClass `json:"vehicleClass"`
	DistanceMeters  float64            `json:"distanceMeters"`
	DurationSeconds float64            `json:"durationSeconds"`
	RoutePolyline   string             `json:"routePolyline,omitempty"`
	Fare            pricing.Quote      `json:"fare"`
	Status          Status             `json:"status"`
	StartOTP        string             `json:"-"`
	RiderRating     float64            `json:"riderRating"`
	PaymentMode     *PaymentMode       `json:"paymentMode,omitempty"`
	CancelReason    *string            `json:"cancelReason,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	AssignedAt      *time.Time         `json:"assignedAt,omitempty"`
	ArrivedAt       *time.Time         `json:"arrivedAt,omitempty"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	CanceledAt      *time.Time         `json:"canceledAt,omitempty"`
	Version         int                `json:"version"`
}

// Request is the dispatch record for a ride. Its radius only grows while pending.
type Request struct {
	ID             types.ID
	RideID         types.ID
	VehicleClass   types.VehicleClass
	SearchRadiusKm float64
	Status         RequestStatus
	DriverID       *types.ID
	ExpiresAt      time.Time
	NextCheckAt    *time.Time
	Attempts       int
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Driver struct {
	ID             types.ID
	Location       types.Point
	Status         location.DriverStatus
	VehicleClass   types.VehicleClass
	IsActive       bool
	FCMToken       string
	Preferences    location.Preferences
	CurrentRideID  *types.ID
	Wallet         float64
	GSTPending     float64
	GSTPaidViaQR   float64
	CanAcceptRides bool
	Version        int
}

type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCanceled},
	StatusAssigned:   {StatusArrived, StatusCanceled},
	StatusArrived:    {StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
