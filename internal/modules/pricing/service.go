// README: Pricing service computes itemized fare quotes.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/logging"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

var (
	ErrUnknownVehicleClass = apperr.Validation("unknown_vehicle_class", "unknown vehicle class")
	ErrInvalidPricing      = apperr.Validation("invalid_pricing_config", "pricing configuration is invalid")
)

// RateStore looks up per-class configuration. It returns ErrRateNotFound when absent.
type RateStore interface {
	GetRate(ctx context.Context, class types.VehicleClass) (Rate, error)
}

// WeatherLookup returns a fare multiplier for current conditions at a point.
type WeatherLookup interface {
	Multiplier(ctx context.Context, p types.Point) (float64, error)
}

const (
	tierOneStartKm = 2.0
	tierTwoStartKm = 8.0
	freePickupKm   = 2.0
)

type Service struct {
	store   RateStore
	weather WeatherLookup
	cfg     config.FareConfig
	loc     *time.Location
	now     func() time.Time
	log     logrus.FieldLogger
}

// NewService accepts a nil store (static defaults only) and a nil weather lookup
// (multiplier fixed at 1.0).
func NewService(store RateStore, weather WeatherLookup, cfg config.FareConfig, log logrus.FieldLogger) *Service {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Service{
		store:   store,
		weather: weather,
		cfg:     cfg,
		loc:     loc,
		now:     time.Now,
		log:     logging.OrDiscard(log),
	}
}

func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if !req.VehicleClass.Valid() {
		return Quote{}, ErrUnknownVehicleClass
	}
	if req.DistanceMeters < 0 || req.DurationMinutes < 0 || req.PickupDistanceMeters < 0 {
		return Quote{}, apperr.Validation("invalid_trip_metrics", "distance and duration must be non-negative")
	}
	rate, err := s.rate(ctx, req.VehicleClass)
	if err != nil {
		return Quote{}, err
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	local := at.In(s.loc)

	var b Breakdown
	b.DistanceFare = types.Round2(distanceFare(req.DistanceMeters/1000, rate))
	b.BaseFare = types.Round2(rate.BaseFare)

	extraWait := math.Max(req.DurationMinutes-rate.FreeWaitMinutes, 0)
	b.WaitCharge = types.Round2(math.Min(extraWait*rate.PerMinute, rate.MaxWaitCharge))

	if pickupKm := req.PickupDistanceMeters / 1000; pickupKm > freePickupKm {
		b.LongPickupFare = types.Round2(math.Min(pickupKm-freePickupKm, rate.LongPickupCapKm) * rate.LongPickupPerKm)
	}

	if s.isNight(local) {
		b.NightSurcharge = types.Round2((b.BaseFare + b.DistanceFare + b.WaitCharge + b.LongPickupFare) * s.cfg.NightRate)
	}

	b.Subtotal = types.Round2(b.BaseFare + b.DistanceFare + b.WaitCharge + b.LongPickupFare + b.NightSurcharge)

	b.PeakMultiplier = s.peakMultiplier(local)
	b.PeakAdjusted = types.Round2(b.Subtotal * b.PeakMultiplier)
	b.PeakSurcharge = types.Round2(b.PeakAdjusted - b.Subtotal)

	b.WeatherMultiplier = s.weatherMultiplier(ctx, req.Pickup)
	b.WeatherAdjusted = types.Round2(b.PeakAdjusted * b.WeatherMultiplier)
	b.WeatherSurcharge = types.Round2(b.WeatherAdjusted - b.PeakAdjusted)

	b.GST = types.Round2(b.WeatherAdjusted * s.cfg.GSTRate)
	b.Total = types.Round2(b.WeatherAdjusted + b.GST)

	if b.Total < rate.MinimumFare {
		b.MinimumFareTopUp = types.Round2(rate.MinimumFare - b.Total)
		b.Total = types.Round2(rate.MinimumFare)
	}
	b.DriverPayout = types.Round2(b.Total - b.GST)

	observability.FareQuotes.WithLabelValues(string(req.VehicleClass)).Inc()
	return Quote{
		VehicleClass: req.VehicleClass,
		Total:        b.Total,
		Currency:     types.Currency,
		Breakdown:    b,
	}, nil
}

// Estimates quotes every vehicle class for the same trip.
func (s *Service) Estimates(ctx context.Context, req QuoteRequest) (map[types.VehicleClass]Quote, error) {
	out := make(map[types.VehicleClass]Quote, len(types.VehicleClasses))
	if req.At.IsZero() {
		req.At = s.now()
	}
	for _, class := range types.VehicleClasses {
		req.VehicleClass = class
		q, err := s.Quote(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", class, err)
		}
		out[class] = q
	}
	return out, nil
}

func (s *Service) rate(ctx context.Context, class types.VehicleClass) (Rate, error) {
	if s.store == nil {
		return defaultFor(class)
	}
	r, err := s.store.GetRate(ctx, class)
	if errors.Is(err, ErrRateNotFound) {
		return defaultFor(class)
	}
	if err != nil {
		return Rate{}, fmt.Errorf("load rate %s: %w", class, err)
	}
	if !r.valid() {
		return Rate{}, ErrInvalidPricing
	}
	return r, nil
}

func defaultFor(class types.VehicleClass) (Rate, error) {
	r, ok := DefaultRates[class]
	if !ok {
		return Rate{}, ErrInvalidPricing
	}
	return r, nil
}

func distanceFare(km float64, r Rate) float64 {
	switch {
	case km <= tierOneStartKm:
		return 0
	case km <= tierTwoStartKm:
		return (km - tierOneStartKm) * r.PerKmTier1
	default:
		return (tierTwoStartKm-tierOneStartKm)*r.PerKmTier1 + (km-tierTwoStartKm)*r.PerKmTier2
	}
}

// isNight handles windows that wrap midnight (22 -> 6) as well as same-day ones.
func (s *Service) isNight(t time.Time) bool {
	h := t.Hour()
	start, end := s.cfg.NightStartHour, s.cfg.NightEndHour
	if start == end {
		return false
	}
	if start > end {
		return h >= start || h < end
	}
	return h >= start && h < end
}

func (s *Service) peakMultiplier(t time.Time) float64 {
	minute := t.Hour()*60 + t.Minute()
	for _, w := range s.cfg.PeakWindows {
		if minute >= w.StartMinute && minute <= w.EndMinute {
			return w.Multiplier
		}
	}
	return 1.0
}

func (s *Service) weatherMultiplier(ctx context.Context, p types.Point) float64 {
	if s.weather == nil {
		return 1.0
	}
	m, err := s.weather.Multiplier(ctx, p)
	if err != nil || m <= 0 {
		s.log.WithFields(logrus.Fields{"lat": p.Lat, "lng": p.Lng}).WithError(err).Warn("weather lookup failed, using 1.0")
		return 1.0
	}
	return m
}
