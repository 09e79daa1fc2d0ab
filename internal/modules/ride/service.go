// README: Ride service implements the lifecycle state machine on top of a unit-of-work repository.
package ride

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/config"
	"rideflow/internal/events"
	"rideflow/internal/logging"
	"rideflow/internal/maps"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/notify"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

type Router interface {
	Route(ctx context.Context, from, to types.Point) (maps.Route, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
}

// Dispatcher runs search rounds for a request. Implemented by matching.Service.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestID types.ID) error
	Unschedule(ctx context.Context, requestID types.ID) error
}

// Deps groups collaborators. Only Repo, Router and Quoter are required.
type Deps struct {
	Repo       Repository
	Router     Router
	Geocoder   Geocoder
	Quoter     Quoter
	Dispatcher Dispatcher
	Directory  location.Directory
	Notifier   notify.Gateway
	Events     events.Publisher
	Log        logrus.FieldLogger
}

const (
	maxTransitionAttempts = 3
	arriveRadiusMeters    = 50.0
)

var errCASMiss = errors.New("version changed underneath transition")

type Service struct {
	repo       Repository
	router     Router
	geocoder   Geocoder
	quoter     Quoter
	dispatcher Dispatcher
	dir        location.Directory
	notifier   notify.Gateway
	events     events.Publisher
	log        logrus.FieldLogger
	cfg        config.DispatchConfig
	gstRate    float64
	now        func() time.Time
}

func NewService(d Deps, dispatch config.DispatchConfig, fare config.FareConfig) *Service {
	pub := d.Events
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		repo:       d.Repo,
		router:     d.Router,
		geocoder:   d.Geocoder,
		quoter:     d.Quoter,
		dispatcher: d.Dispatcher,
		dir:        d.Directory,
		notifier:   d.Notifier,
		events:     pub,
		log:        logging.OrDiscard(d.Log),
		cfg:        dispatch,
		gstRate:    fare.GSTRate,
		now:        time.Now,
	}
}

// SetDispatcher breaks the construction cycle with the matching service.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type CreateCommand struct {
	RiderID              types.ID
	RiderToken           string
	Pickup               types.Point
	Drop                 types.Point
	PickupAddress        string
	DropAddress          string
	PickupName           string
	DropName             string
	VehicleClass         types.VehicleClass
	PickupDistanceMeters float64
}

type CreateResult struct {
	RideID          types.ID      `json:"rideId"`
	RequestID       types.ID      `json:"requestId"`
	Fare            pricing.Quote `json:"fare"`
	DistanceMeters  float64       `json:"distanceMeters"`
	DurationSeconds float64       `json:"durationSeconds"`
	Status          Status        `json:"status"`
}

type AcceptCommand struct {
	RequestID types.ID
	DriverID  types.ID
}

type ArriveCommand struct {
	RideID   types.ID
	DriverID types.ID
	Location types.Point
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
	OTP      string
}

type EndCommand struct {
	RideID      types.ID
	DriverID    types.ID
	PaymentMode PaymentMode
}

type CancelCommand struct {
	RideID  types.ID
	RiderID types.ID
	Reason  string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (CreateResult, error) {
	res, err := s.create(ctx, cmd)
	observability.Transitions.WithLabelValues("create", observability.TransitionResult(err)).Inc()
	return res, err
}

func (s *Service) create(ctx context.Context, cmd CreateCommand) (CreateResult, error) {
	if cmd.RiderID == "" {
		return CreateResult{}, ErrMissingRider
	}
	if !cmd.VehicleClass.Valid() {
		return CreateResult{}, ErrUnknownClass
	}
	// The rating is what drivers filter on, so it comes from the rider record
	// and never from the caller.
	rating, err := s.repo.RiderRating(ctx, cmd.RiderID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("load rider rating: %w", err)
	}
	pickup, err := s.resolve(ctx, cmd.Pickup, cmd.PickupAddress)
	if err != nil {
		return CreateResult{}, err
	}
	drop, err := s.resolve(ctx, cmd.Drop, cmd.DropAddress)
	if err != nil {
		return CreateResult{}, err
	}

	route, err := s.router.Route(ctx, pickup, drop)
	if err != nil {
		return CreateResult{}, err
	}
	now := s.now()
	quote, err := s.quoter.Quote(ctx, pricing.QuoteRequest{
		VehicleClass:         cmd.VehicleClass,
		DistanceMeters:       route.DistanceMeters,
		DurationMinutes:      route.DurationSeconds / 60,
		Pickup:               pickup,
		PickupDistanceMeters: cmd.PickupDistanceMeters,
		At:                   now,
	})
	if err != nil {
		return CreateResult{}, err
	}

	r := &Ride{
		ID:              newID(),
		RiderID:         cmd.RiderID,
		Pickup:          pickup,
		Drop:            drop,
		PickupName:      firstNonEmpty(cmd.PickupName, cmd.PickupAddress),
		DropName:        firstNonEmpty(cmd.DropName, cmd.DropAddress),
		VehicleClass:    cmd.VehicleClass,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		RoutePolyline:   route.Polyline,
		Fare:            quote,
		Status:          StatusPending,
		StartOTP:        newOTP(),
		RiderRating:     rating,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	q := &Request{
		ID:             newID(),
		RideID:         r.ID,
		VehicleClass:   r.VehicleClass,
		SearchRadiusKm: s.cfg.DefaultRadiusKm,
		Status:         RequestPending,
		ExpiresAt:      now.Add(s.cfg.RequestTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateRide(ctx, r, q, cmd.RiderToken); err != nil {
		return CreateResult{}, err
	}
	s.publish(ctx, events.TypeRideCreated, r, StatusNone, ActorRider, r.RiderID)

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, q.ID); err != nil {
			// The request stays pending and the overdue sweep will close it out.
			s.log.WithError(err).WithField("request_id", q.ID).Warn("initial dispatch failed")
		}
	}
	return CreateResult{
		RideID:          r.ID,
		RequestID:       q.ID,
		Fare:            quote,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		Status:          r.Status,
	}, nil
}

func (s *Service) resolve(ctx context.Context, p types.Point, address string) (types.Point, error) {
	if p.Valid() {
		return p, nil
	}
	if address == "" || s.geocoder == nil {
		return types.Point{}, ErrInvalidLocation
	}
	return s.geocoder.Geocode(ctx, address)
}

// Get returns the ride without its start code.
func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := s.repo.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	r.StartOTP = ""
	return r, nil
}

func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Ride, error) {
	var out Ride
	err := s.transition(ctx, "accept", func(tx Tx) error {
		q, err := tx.GetRequest(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		switch {
		case q.Status == RequestAssigned:
			return ErrAlreadyAssigned
		case q.Status != RequestPending:
			return ErrInvalidState
		}
		r, err := tx.GetRide(ctx, q.RideID)
		if err != nil {
			return err
		}
		if r.Status == StatusAssigned {
			return ErrAlreadyAssigned
		}
		if !CanTransition(r.Status, StatusAssigned) {
			return ErrInvalidState
		}
		d, err := tx.GetDriver(ctx, cmd.DriverID)
		if err != nil {
			return err
		}
		// Offers only reach online drivers of the requested class, but the
		// request id alone is enough to call accept.
		if !d.IsActive || !d.CanAcceptRides || d.Status == location.StatusOffline || d.VehicleClass != q.VehicleClass {
			return ErrDriverNotAllowed
		}

		now := s.now()
		q.Status = RequestAssigned
		q.DriverID = &d.ID
		q.NextCheckAt = nil
		q.UpdatedAt = now
		if err := cas(tx.UpdateRequest(ctx, q, q.Version)); err != nil {
			return err
		}
		from := r.Status
		r.Status = StatusAssigned
		r.DriverID = &d.ID
		r.AssignedAt = &now
		r.UpdatedAt = now
		if err := cas(tx.UpdateRide(ctx, r, r.Version)); err != nil {
			return err
		}
		// A driver finishing a ride may chain the next one; the newest ride wins.
		d.Status = location.StatusOnRide
		d.CurrentRideID = &r.ID
		if err := cas(tx.UpdateDriver(ctx, d, d.Version)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: from,
			ToStatus:   StatusAssigned,
			ActorType:  ActorDriver,
			ActorID:    &d.ID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Unschedule(ctx, cmd.RequestID); err != nil {
			s.log.WithError(err).WithField("request_id", cmd.RequestID).Warn("unschedule check failed")
		}
	}
	s.setDirectoryStatus(ctx, cmd.DriverID, location.StatusOnRide)

	data := map[string]string{"type": "ride_taken", "rideId": string(out.ID), "requestId": string(cmd.RequestID)}
	if tokens, err := s.repo.ActiveDriverTokens(ctx, cmd.DriverID); err != nil {
		s.log.WithError(err).Warn("load driver tokens failed")
	} else {
		s.send(ctx, tokens, "Ride Taken", "This ride has been assigned to another driver.", data)
	}
	s.notifyRider(ctx, out.RiderID, "Driver Assigned", "A driver has been assigned to your ride!", map[string]string{
		"type":     "driver_assigned",
		"rideId":   string(out.ID),
		"driverId": string(cmd.DriverID),
	})
	s.publish(ctx, events.TypeRideAssigned, &out, StatusPending, ActorDriver, cmd.DriverID)

	out.StartOTP = ""
	return &out, nil
}

func (s *Service) Arrive(ctx context.Context, cmd ArriveCommand) (*Ride, error) {
	var out Ride
	err := s.transition(ctx, "arrive", func(tx Tx) error {
		r, err := tx.GetRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, StatusArrived) {
			return ErrInvalidState
		}
		if !r.drivenBy(cmd.DriverID) {
			return ErrNotRideDriver
		}
		if !cmd.Location.Valid() {
			return ErrInvalidLocation
		}
		if types.DistanceKm(cmd.Location, r.Pickup)*1000 > arriveRadiusMeters {
			return ErrNotAtPickup
		}
		now := s.now()
		r.Status = StatusArrived
		r.ArrivedAt = &now
		r.UpdatedAt = now
		if err := cas(tx.UpdateRide(ctx, r, r.Version)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: StatusAssigned,
			ToStatus:   StatusArrived,
			ActorType:  ActorDriver,
			ActorID:    &cmd.DriverID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyRider(ctx, out.RiderID, "Driver Arrived",
		fmt.Sprintf("Your driver has arrived. Share start code %s to begin the ride.", out.StartOTP),
		map[string]string{"type": "driver_arrived", "rideId": string(out.ID), "otp": out.StartOTP},
	)
	s.publish(ctx, events.TypeRideArrived, &out, StatusAssigned, ActorDriver, cmd.DriverID)

	out.StartOTP = ""
	return &out, nil
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Ride, error) {
	var out Ride
	err := s.transition(ctx, "start", func(tx Tx) error {
		r, err := tx.GetRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, StatusInProgress) {
			return ErrInvalidState
		}
		if !r.drivenBy(cmd.DriverID) {
			return ErrNotRideDriver
		}
		if subtle.ConstantTimeCompare([]byte(cmd.OTP), []byte(r.StartOTP)) != 1 {
			return ErrOTPMismatch
		}
		now := s.now()
		r.Status = StatusInProgress
		r.StartedAt = &now
		r.UpdatedAt = now
		if err := cas(tx.UpdateRide(ctx, r, r.Version)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: StatusArrived,
			ToStatus:   StatusInProgress,
			ActorType:  ActorDriver,
			ActorID:    &cmd.DriverID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeRideStarted, &out, StatusArrived, ActorDriver, cmd.DriverID)
	out.StartOTP = ""
	return &out, nil
}

func (s *Service) End(ctx context.Context, cmd EndCommand) (*Ride, error) {
	if !cmd.PaymentMode.Valid() {
		return nil, ErrInvalidPaymentMode
	}
	var out Ride
	var freed bool
	err := s.transition(ctx, "end", func(tx Tx) error {
		r, err := tx.GetRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, StatusCompleted) {
			return ErrInvalidState
		}
		if !r.drivenBy(cmd.DriverID) {
			return ErrNotRideDriver
		}
		d, err := tx.GetDriver(ctx, cmd.DriverID)
		if err != nil {
			return err
		}

		now := s.now()
		mode := cmd.PaymentMode
		r.Status = StatusCompleted
		r.PaymentMode = &mode
		r.EndedAt = &now
		r.UpdatedAt = now
		if err := cas(tx.UpdateRide(ctx, r, r.Version)); err != nil {
			return err
		}

		settle(d, r.Fare.Total, s.gstRate, mode)
		freed = d.CurrentRideID != nil && *d.CurrentRideID == r.ID
		if freed {
			d.Status = location.StatusAvailable
			d.CurrentRideID = nil
		}
		if err := cas(tx.UpdateDriver(ctx, d, d.Version)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: StatusInProgress,
			ToStatus:   StatusCompleted,
			ActorType:  ActorDriver,
			ActorID:    &cmd.DriverID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if freed {
		s.setDirectoryStatus(ctx, cmd.DriverID, location.StatusAvailable)
	}
	s.notifyRider(ctx, out.RiderID, "Ride Completed", "Your ride has been completed. Please rate your driver!", map[string]string{
		"type":   "ride_completed",
		"rideId": string(out.ID),
		"fare":   strconv.FormatFloat(out.Fare.Total, 'f', 2, 64),
	})
	s.publish(ctx, events.TypeRideCompleted, &out, StatusInProgress, ActorDriver, cmd.DriverID)
	out.StartOTP = ""
	return &out, nil
}

// settle books a finished fare into the driver ledger. Cash rides leave the
// tax with the driver, who is blocked until it is cleared. Pending tax adds up
// so a chained second cash ride cannot overwrite what the first one owes.
func settle(d *Driver, fare, gstRate float64, mode PaymentMode) {
	gst := types.Round2(fare * gstRate)
	switch mode {
	case PaymentQR:
		d.Wallet = types.Round2(d.Wallet + fare - gst)
		d.GSTPaidViaQR = types.Round2(d.GSTPaidViaQR + gst)
	case PaymentCash:
		d.GSTPending = types.Round2(d.GSTPending + gst)
		d.CanAcceptRides = false
	}
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Ride, error) {
	var out Ride
	var from Status
	var requestID types.ID
	var freedDriver *types.ID
	err := s.transition(ctx, "cancel", func(tx Tx) error {
		freedDriver = nil
		r, err := tx.GetRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if r.RiderID != cmd.RiderID {
			return ErrNotRideRider
		}
		if !CanTransition(r.Status, StatusCanceled) {
			return ErrInvalidState
		}
		now := s.now()

		q, err := tx.GetRequestByRide(ctx, r.ID)
		if err != nil && !errors.Is(err, ErrRequestNotFound) {
			return err
		}
		if q != nil {
			requestID = q.ID
			if q.Status == RequestPending {
				q.Status = RequestExpired
				q.NextCheckAt = nil
				q.UpdatedAt = now
				if err := cas(tx.UpdateRequest(ctx, q, q.Version)); err != nil {
					return err
				}
			}
		}

		if r.DriverID != nil {
			d, err := tx.GetDriver(ctx, *r.DriverID)
			if err != nil && !errors.Is(err, ErrDriverNotFound) {
				return err
			}
			if d != nil && d.CurrentRideID != nil && *d.CurrentRideID == r.ID {
				d.Status = location.StatusAvailable
				d.CurrentRideID = nil
				if err := cas(tx.UpdateDriver(ctx, d, d.Version)); err != nil {
					return err
				}
				freedDriver = &d.ID
			}
		}

		from = r.Status
		r.Status = StatusCanceled
		r.CanceledAt = &now
		r.UpdatedAt = now
		if cmd.Reason != "" {
			reason := cmd.Reason
			r.CancelReason = &reason
		}
		if err := cas(tx.UpdateRide(ctx, r, r.Version)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: from,
			ToStatus:   StatusCanceled,
			ActorType:  ActorRider,
			ActorID:    &cmd.RiderID,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if requestID != "" && s.dispatcher != nil {
		if err := s.dispatcher.Unschedule(ctx, requestID); err != nil {
			s.log.WithError(err).WithField("request_id", requestID).Warn("unschedule check failed")
		}
	}
	if out.DriverID != nil {
		if freedDriver != nil {
			s.setDirectoryStatus(ctx, *freedDriver, location.StatusAvailable)
		}
		s.notifyDriver(ctx, *out.DriverID, "Ride Canceled", "The rider canceled this ride.", map[string]string{
			"type":   "ride_canceled",
			"rideId": string(out.ID),
		})
	}
	s.publish(ctx, events.TypeRideCanceled, &out, from, ActorRider, cmd.RiderID)
	out.StartOTP = ""
	return &out, nil
}

// ClearGST settles a driver's pending cash tax and lets them accept rides again.
func (s *Service) ClearGST(ctx context.Context, driverID types.ID) (*Driver, error) {
	var out Driver
	err := s.transition(ctx, "clear_gst", func(tx Tx) error {
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		d.GSTPending = 0
		d.CanAcceptRides = true
		if err := cas(tx.UpdateDriver(ctx, d, d.Version)); err != nil {
			return err
		}
		out = *d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// transition runs fn as one unit of work, retrying when a compare-and-set lost.
// On retry fn re-reads state, so a lost race surfaces as the loser's own
// precondition error.
func (s *Service) transition(ctx context.Context, op string, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		err = s.repo.InTx(ctx, fn)
		if !errors.Is(err, errCASMiss) {
			break
		}
	}
	if errors.Is(err, errCASMiss) {
		err = ErrConcurrentUpdate
	}
	observability.Transitions.WithLabelValues(op, observability.TransitionResult(err)).Inc()
	return err
}

func cas(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errCASMiss
	}
	return nil
}

func (r *Ride) drivenBy(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

func (s *Service) setDirectoryStatus(ctx context.Context, driverID types.ID, status location.DriverStatus) {
	if s.dir == nil {
		return
	}
	if err := s.dir.SetStatus(ctx, driverID, status); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"driver_id": driverID, "status": status}).Warn("directory status update failed")
	}
}

func (s *Service) notifyRider(ctx context.Context, riderID types.ID, title, body string, data map[string]string) {
	token, err := s.repo.RiderToken(ctx, riderID)
	if err != nil {
		s.log.WithError(err).WithField("rider_id", riderID).Warn("load rider token failed")
		return
	}
	s.send(ctx, []string{token}, title, body, data)
}

func (s *Service) notifyDriver(ctx context.Context, driverID types.ID, title, body string, data map[string]string) {
	d, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		s.log.WithError(err).WithField("driver_id", driverID).Warn("load driver failed")
		return
	}
	s.send(ctx, []string{d.FCMToken}, title, body, data)
}

func (s *Service) send(ctx context.Context, tokens []string, title, body string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	res, err := s.notifier.Send(ctx, tokens, title, body, data)
	if err != nil {
		s.log.WithError(err).WithField("title", title).Warn("notification failed")
		return
	}
	if res.Failure > 0 {
		s.log.WithFields(logrus.Fields{"title": title, "success": res.Success, "failure": res.Failure}).Info("partial notification delivery")
	}
}

func (s *Service) publish(ctx context.Context, typ string, r *Ride, from Status, actorType string, actorID types.ID) {
	e := events.Event{
		Type:      typ,
		RideID:    r.ID,
		To:        string(r.Status),
		ActorType: actorType,
		ActorID:   actorID,
		Attributes: map[string]string{
			"vehicleClass": string(r.VehicleClass),
			"fare":         strconv.FormatFloat(r.Fare.Total, 'f', 2, 64),
		},
		OccurredAt: r.UpdatedAt,
	}
	if from != StatusNone {
		e.From = string(from)
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"ride_id": r.ID, "type": typ}).Warn("publish event failed")
	}
}

func newID() types.ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return types.ID(hex.EncodeToString(b[:]))
}

// newOTP returns a 4-digit start code.
func newOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "1000"
	}
	return strconv.FormatInt(n.Int64()+1000, 10)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

