// README: Pricing rate definition for each vehicle class and the itemized quote.
package pricing

import (
	"time"

	"rideflow/internal/types"
)

// Rate is the pricing configuration for one vehicle class.
type Rate struct {
	VehicleClass    types.VehicleClass
	BaseFare        float64
	PerKmTier1      float64 // applies between 2 and 8 km
	PerKmTier2      float64 // applies beyond 8 km
	PerMinute       float64
	FreeWaitMinutes float64
	MaxWaitCharge   float64
	LongPickupPerKm float64
	LongPickupCapKm float64
	MinimumFare     float64
}

func (r Rate) valid() bool {
	return r.BaseFare >= 0 &&
		r.PerKmTier1 > 0 &&
		r.PerKmTier2 > 0 &&
		r.PerMinute >= 0 &&
		r.FreeWaitMinutes >= 0 &&
		r.MaxWaitCharge >= 0 &&
		r.LongPickupPerKm >= 0 &&
		r.LongPickupCapKm >= 0 &&
		r.MinimumFare >= 0
}

// DefaultRates is the static fallback used when the store has no row for a class.
var DefaultRates = map[types.VehicleClass]Rate{
	types.VehicleBike: defaultRate(types.VehicleBike, 20, 30),
	types.VehicleAuto: defaultRate(types.VehicleAuto, 30, 40),
	types.VehicleCar:  defaultRate(types.VehicleCar, 50, 80),
}

func defaultRate(class types.VehicleClass, base, minimum float64) Rate {
	return Rate{
		VehicleClass:    class,
		BaseFare:        base,
		PerKmTier1:      6,
		PerKmTier2:      7,
		PerMinute:       1,
		FreeWaitMinutes: 3,
		MaxWaitCharge:   20,
		LongPickupPerKm: 3,
		LongPickupCapKm: 6,
		MinimumFare:     minimum,
	}
}

type QuoteRequest struct {
	VehicleClass         types.VehicleClass
	DistanceMeters       float64
	DurationMinutes      float64
	Pickup               types.Point
	PickupDistanceMeters float64
	// At is the pricing instant. Zero means now.
	At time.Time
}

type Breakdown struct {
	BaseFare          float64 `json:"baseFare"`
	DistanceFare      float64 `json:"distanceFare"`
	WaitCharge        float64 `json:"waitCharge"`
	LongPickupFare    float64 `json:"longPickupFare"`
	NightSurcharge    float64 `json:"nightSurcharge"`
	Subtotal          float64 `json:"subtotal"`
	PeakMultiplier    float64 `json:"peakMultiplier"`
	PeakSurcharge     float64 `json:"peakSurcharge"`
	PeakAdjusted      float64 `json:"peakAdjusted"`
	WeatherMultiplier float64 `json:"weatherMultiplier"`
	WeatherSurcharge  float64 `json:"weatherSurcharge"`
	WeatherAdjusted   float64 `json:"weatherAdjusted"`
	GST               float64 `json:"gst"`
	MinimumFareTopUp  float64 `json:"minimumFareTopUp"`
	Total             float64 `json:"total"`
	DriverPayout      float64 `json:"driverPayout"`
}

type Quote struct {
	VehicleClass types.VehicleClass `json:"vehicleClass"`
	Total        float64            `json:"total"`
	Currency     string             `json:"currency"`
	Breakdown    Breakdown          `json:"breakdown"`
}
