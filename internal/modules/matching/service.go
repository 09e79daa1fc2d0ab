// README: Matching service runs dispatch rounds, widens the search and expires unserved requests.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/config"
	"rideflow/internal/events"
	"rideflow/internal/logging"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/ride"
	"rideflow/internal/notify"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

type Service struct {
	store    RideStore
	dir      location.Directory
	notifier notify.Gateway
	queue    Queue
	events   events.Publisher
	cfg      config.DispatchConfig
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(store RideStore, dir location.Directory, notifier notify.Gateway, queue Queue, pub events.Publisher, cfg config.DispatchConfig, log logrus.FieldLogger) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		store:    store,
		dir:      dir,
		notifier: notifier,
		queue:    queue,
		events:   pub,
		cfg:      cfg,
		log:      logging.OrDiscard(log),
		now:      time.Now,
	}
}

// Dispatch runs one search for a pending request. Requests that already left
// pending, or whose deadline has passed, are left alone.
func (s *Service) Dispatch(ctx context.Context, requestID types.ID) error {
	q, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if q.Status != ride.RequestPending || !s.now().Before(q.ExpiresAt) {
		return nil
	}
	return s.search(ctx, q)
}

// CheckTimeout handles an offer that went unanswered.
func (s *Service) CheckTimeout(ctx context.Context, requestID types.ID) error {
	q, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, ride.ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if q.Status != ride.RequestPending {
		return nil
	}
	if !s.now().Before(q.ExpiresAt) || q.SearchRadiusKm >= s.cfg.MaxRadiusKm {
		return s.expire(ctx, q)
	}
	if ok, err := s.widen(ctx, q); err != nil || !ok {
		return err
	}
	return s.search(ctx, q)
}

func (s *Service) Unschedule(ctx context.Context, requestID types.ID) error {
	return s.queue.Cancel(ctx, requestID)
}

// search queries the directory, widening the radius until someone eligible is
// found or the maximum is reached.
func (s *Service) search(ctx context.Context, q *ride.Request) error {
	r, err := s.store.GetRide(ctx, q.RideID)
	if errors.Is(err, ride.ErrRideNotFound) {
		return s.expire(ctx, q)
	}
	if err != nil {
		return err
	}
	filter := location.Filter{VehicleClass: q.VehicleClass, Statuses: searchStatuses, ActiveOnly: true}
	for {
		observability.DispatchRounds.Inc()
		cands, err := s.dir.Near(ctx, r.Pickup, q.SearchRadiusKm, filter)
		if err != nil {
			return fmt.Errorf("search drivers: %w", err)
		}
		if eligible := Eligible(cands, r); len(eligible) > 0 {
			return s.offer(ctx, q, r, eligible)
		}
		if q.SearchRadiusKm >= s.cfg.MaxRadiusKm {
			return s.expire(ctx, q)
		}
		if ok, err := s.widen(ctx, q); err != nil || !ok {
			return err
		}
	}
}

// widen grows the radius by one step, capped at the maximum. It reports false
// when another writer changed the request first.
func (s *Service) widen(ctx context.Context, q *ride.Request) (bool, error) {
	q.SearchRadiusKm = math.Min(q.SearchRadiusKm+s.cfg.RadiusStepKm, s.cfg.MaxRadiusKm)
	q.UpdatedAt = s.now()
	ok, err := s.store.UpdateRequest(ctx, q, q.Version)
	if err != nil || !ok {
		return false, err
	}
	observability.RadiusExpansions.Inc()
	s.log.WithFields(logrus.Fields{"request_id": q.ID, "radius_km": q.SearchRadiusKm}).Debug("search radius widened")
	return true, nil
}

func (s *Service) offer(ctx context.Context, q *ride.Request, r *ride.Ride, cands []location.Candidate) error {
	tokens := make([]string, 0, len(cands))
	for _, c := range cands {
		tokens = append(tokens, c.FCMToken)
	}
	body := fmt.Sprintf("Pickup: %.4f, %.4f, Fare: ₹%.2f", r.Pickup.Lat, r.Pickup.Lng, r.Fare.Total)
	data := map[string]string{
		"type":      "ride_offer",
		"rideId":    string(r.ID),
		"requestId": string(q.ID),
		"pickupLat": formatFloat(r.Pickup.Lat, 6),
		"pickupLng": formatFloat(r.Pickup.Lng, 6),
		"dropLat":   formatFloat(r.Drop.Lat, 6),
		"dropLng":   formatFloat(r.Drop.Lng, 6),
		"distance":  formatFloat(r.DistanceMeters, 0),
		"fare":      formatFloat(r.Fare.Total, 2),
	}
	s.send(ctx, tokens, TitleOffer, body, data)
	observability.OffersSent.Add(float64(len(tokens)))

	next := s.now().Add(s.cfg.OfferTimeout)
	q.NextCheckAt = &next
	q.Attempts++
	q.UpdatedAt = s.now()
	ok, err := s.store.UpdateRequest(ctx, q, q.Version)
	if err != nil || !ok {
		return err
	}
	if err := s.queue.Schedule(ctx, q.ID, next); err != nil {
		// The overdue sweep still bounds the request by its deadline.
		s.log.WithError(err).WithField("request_id", q.ID).Warn("schedule offer check failed")
	}
	s.log.WithFields(logrus.Fields{
		"request_id": q.ID,
		"ride_id":    r.ID,
		"drivers":    len(cands),
		"radius_km":  q.SearchRadiusKm,
	}).Info("ride offered")
	return nil
}

// expire closes the request. Only the writer that wins the version check tells
// the rider, so concurrent expiry paths notify once.
func (s *Service) expire(ctx context.Context, q *ride.Request) error {
	q.Status = ride.RequestExpired
	q.NextCheckAt = nil
	q.UpdatedAt = s.now()
	ok, err := s.store.UpdateRequest(ctx, q, q.Version)
	if err != nil || !ok {
		return err
	}
	observability.RequestsExpired.Inc()
	if err := s.queue.Cancel(ctx, q.ID); err != nil {
		s.log.WithError(err).WithField("request_id", q.ID).Warn("cancel offer check failed")
	}

	r, err := s.store.GetRide(ctx, q.RideID)
	if err != nil {
		s.log.WithError(err).WithField("request_id", q.ID).Warn("expired request has no ride")
		return nil
	}
	token, err := s.store.RiderToken(ctx, r.RiderID)
	if err != nil {
		s.log.WithError(err).WithField("rider_id", r.RiderID).Warn("load rider token failed")
	} else {
		s.send(ctx, []string{token}, TitleNoDrivers, "No drivers are available near you right now. Please try again shortly.", map[string]string{
			"type":   "no_drivers",
			"rideId": string(r.ID),
		})
	}
	if err := s.events.Publish(ctx, events.Event{
		Type:       events.TypeRequestExpired,
		RideID:     r.ID,
		ActorType:  ride.ActorSystem,
		Attributes: map[string]string{"requestId": string(q.ID), "radiusKm": formatFloat(q.SearchRadiusKm, 1)},
		OccurredAt: q.UpdatedAt,
	}); err != nil {
		s.log.WithError(err).WithField("request_id", q.ID).Warn("publish event failed")
	}
	return nil
}

// ExpireOverdue closes pending requests past their deadline. It covers checks
// lost from the queue, for example after a crash.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.ListOverdueRequests(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		q, err := s.store.GetRequest(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("load overdue request failed")
			continue
		}
		if q.Status != ride.RequestPending || now.Before(q.ExpiresAt) {
			continue
		}
		before := q.Version
		if err := s.expire(ctx, q); err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("expire request failed")
			continue
		}
		if q.Version != before {
			expired++
		}
	}
	return expired, nil
}

// RunScheduler processes due offer checks and sweeps overdue requests until ctx ends.
func (s *Service) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	ids, err := s.queue.Claim(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		s.log.WithError(err).Warn("claim offer checks failed")
	}
	for _, id := range ids {
		if err := s.CheckTimeout(ctx, id); err != nil {
			s.log.WithError(err).WithField("request_id", id).Warn("offer check failed")
		}
	}
	if n, err := s.ExpireOverdue(ctx); err != nil {
		s.log.WithError(err).Warn("overdue sweep failed")
	} else if n > 0 {
		s.log.WithField("expired", n).Info("overdue requests expired")
	}
}

func (s *Service) send(ctx context.Context, tokens []string, title, body string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Send(ctx, tokens, title, body, data); err != nil {
		s.log.WithError(err).WithField("title", title).Warn("notification failed")
	}
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
