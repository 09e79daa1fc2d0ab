// README: Ride service tests (flow, preconditions, ledger, notifications).
package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/events"
	"rideflow/internal/maps"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/notify"
	"rideflow/internal/types"
)

var (
	testPickup = types.Point{Lat: 12.9716, Lng: 77.5946}
	testDrop   = types.Point{Lat: 12.9352, Lng: 77.6245}
	testNoon   = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

type fixedRouter struct {
	route maps.Route
	err   error
}

func (f fixedRouter) Route(context.Context, types.Point, types.Point) (maps.Route, error) {
	return f.route, f.err
}

type mapGeocoder map[string]types.Point

func (g mapGeocoder) Geocode(_ context.Context, address string) (types.Point, error) {
	p, ok := g[address]
	if !ok {
		return types.Point{}, apperr.New(apperr.ErrUpstream, "geocoding_failed", "no results")
	}
	return p, nil
}

type sentMessage struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

type recordingGateway struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (g *recordingGateway) Send(_ context.Context, tokens []string, title, body string, data map[string]string) (notify.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{Tokens: tokens, Title: title, Body: body, Data: data})
	return notify.Result{Success: len(tokens)}, nil
}

func (g *recordingGateway) titled(title string) []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentMessage
	for _, m := range g.sent {
		if m.Title == title {
			out = append(out, m)
		}
	}
	return out
}

type recordingDispatcher struct {
	mu          sync.Mutex
	dispatched  []types.ID
	unscheduled []types.ID
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, id)
	return nil
}

func (d *recordingDispatcher) Unschedule(_ context.Context, id types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unscheduled = append(d.unscheduled, id)
	return nil
}

type statusDirectory struct {
	mu       sync.Mutex
	statuses map[types.ID]location.DriverStatus
}

func (d *statusDirectory) Upsert(context.Context, location.DriverPosition) error { return nil }
func (d *statusDirectory) Remove(context.Context, types.ID) error                { return nil }
func (d *statusDirectory) Near(context.Context, types.Point, float64, location.Filter) ([]location.Candidate, error) {
	return nil, nil
}
func (d *statusDirectory) SetStatus(_ context.Context, id types.ID, s location.DriverStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[id] = s
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	svc        *Service
	repo       *MemoryRepository
	gateway    *recordingGateway
	dispatcher *recordingDispatcher
	dir        *statusDirectory
	pub        *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fare := config.FareConfig{Timezone: "UTC", GSTRate: 0.05, NightRate: 0.20, NightStartHour: 22, NightEndHour: 6}
	h := &harness{
		repo:       NewMemoryRepository(),
		gateway:    &recordingGateway{},
		dispatcher: &recordingDispatcher{},
		dir:        &statusDirectory{statuses: map[types.ID]location.DriverStatus{}},
		pub:        &recordingPublisher{},
	}
	h.svc = NewService(Deps{
		Repo:       h.repo,
		Router:     fixedRouter{route: maps.Route{DistanceMeters: 9000, DurationSeconds: 720, Polyline: "abc"}},
		Geocoder:   mapGeocoder{"MG Road": testPickup, "Koramangala": testDrop},
		Quoter:     pricing.NewService(nil, nil, fare, nil),
		Dispatcher: h.dispatcher,
		Directory:  h.dir,
		Notifier:   h.gateway,
		Events:     h.pub,
	}, config.DefaultDispatch(), fare)
	h.svc.now = func() time.Time { return testNoon }
	return h
}

func (h *harness) addDriver(id types.ID) {
	h.repo.PutDriver(Driver{
		ID:             id,
		Location:       testPickup,
		Status:         location.StatusAvailable,
		VehicleClass:   types.VehicleAuto,
		IsActive:       true,
		FCMToken:       "tok-" + string(id),
		CanAcceptRides: true,
	})
}

func (h *harness) mustCreate(t *testing.T, riderID types.ID) CreateResult {
	t.Helper()
	res, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID:      riderID,
		RiderToken:   "tok-" + string(riderID),
		Pickup:       testPickup,
		Drop:         testDrop,
		VehicleClass: types.VehicleAuto,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return res
}

func (h *harness) otp(t *testing.T, rideID types.ID) string {
	t.Helper()
	r, err := h.repo.GetRide(context.Background(), rideID)
	if err != nil {
		t.Fatalf("load ride: %v", err)
	}
	return r.StartOTP
}

// driveTo walks a fresh ride up to the wanted status with driver d1.
func (h *harness) driveTo(t *testing.T, want Status) CreateResult {
	t.Helper()
	ctx := context.Background()
	h.addDriver("d1")
	res := h.mustCreate(t, "r1")
	steps := []func() error{
		func() error {
			_, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "d1"})
			return err
		},
		func() error {
			_, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d1", Location: testPickup})
			return err
		},
		func() error {
			_, err := h.svc.Start(ctx, StartCommand{RideID: res.RideID, DriverID: "d1", OTP: h.otp(t, res.RideID)})
			return err
		},
		func() error {
			_, err := h.svc.End(ctx, EndCommand{RideID: res.RideID, DriverID: "d1", PaymentMode: PaymentQR})
			return err
		},
	}
	order := []Status{StatusAssigned, StatusArrived, StatusInProgress, StatusCompleted}
	for i, status := range order {
		if want == StatusPending {
			break
		}
		if err := steps[i](); err != nil {
			t.Fatalf("step to %s: %v", status, err)
		}
		if status == want {
			break
		}
	}
	return res
}

func assertStatus(t *testing.T, h *harness, rideID types.ID, want Status) {
	t.Helper()
	r, err := h.svc.Get(context.Background(), rideID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if r.Status != want {
		t.Fatalf("status = %s, want %s", r.Status, want)
	}
}

func TestRideFlowHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver("d1")
	h.addDriver("d2")

	res := h.mustCreate(t, "r1")
	if res.Status != StatusPending {
		t.Fatalf("create status = %s", res.Status)
	}
	// auto, 9 km, 12 min at noon: 30 + 43 + 9 = 82, GST 4.10
	if res.Fare.Total != 86.10 {
		t.Fatalf("fare total = %v, want 86.10", res.Fare.Total)
	}
	if len(h.dispatcher.dispatched) != 1 || h.dispatcher.dispatched[0] != res.RequestID {
		t.Fatalf("expected one dispatch for %s, got %v", res.RequestID, h.dispatcher.dispatched)
	}

	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	assertStatus(t, h, res.RideID, StatusAssigned)
	if h.dir.statuses["d1"] != location.StatusOnRide {
		t.Fatalf("directory status = %s", h.dir.statuses["d1"])
	}
	if len(h.dispatcher.unscheduled) != 1 {
		t.Fatalf("expected scheduled check to be cancelled")
	}
	taken := h.gateway.titled("Ride Taken")
	if len(taken) != 1 || len(taken[0].Tokens) != 1 || taken[0].Tokens[0] != "tok-d2" {
		t.Fatalf("ride taken should reach only d2, got %+v", taken)
	}
	if len(h.gateway.titled("Driver Assigned")) != 1 {
		t.Fatalf("rider not told about assignment")
	}

	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d1", Location: testPickup}); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	otp := h.otp(t, res.RideID)
	arrived := h.gateway.titled("Driver Arrived")
	if len(arrived) != 1 || arrived[0].Data["otp"] != otp || arrived[0].Tokens[0] != "tok-r1" {
		t.Fatalf("arrival message = %+v", arrived)
	}

	if _, err := h.svc.Start(ctx, StartCommand{RideID: res.RideID, DriverID: "d1", OTP: otp}); err != nil {
		t.Fatalf("start: %v", err)
	}
	assertStatus(t, h, res.RideID, StatusInProgress)

	ended, err := h.svc.End(ctx, EndCommand{RideID: res.RideID, DriverID: "d1", PaymentMode: PaymentQR})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.PaymentMode == nil || *ended.PaymentMode != PaymentQR {
		t.Fatalf("payment mode not recorded")
	}
	if ended.StartOTP != "" {
		t.Fatalf("end response leaked start code")
	}

	d, _ := h.repo.GetDriver(ctx, "d1")
	gst := types.Round2(86.10 * 0.05)
	if d.Wallet != types.Round2(86.10-gst) || d.GSTPaidViaQR != gst {
		t.Fatalf("ledger wallet=%v gstQR=%v", d.Wallet, d.GSTPaidViaQR)
	}
	if d.Status != location.StatusAvailable || d.CurrentRideID != nil {
		t.Fatalf("driver not released: %+v", d)
	}
	if h.dir.statuses["d1"] != location.StatusAvailable {
		t.Fatalf("directory not released")
	}
	if len(h.gateway.titled("Ride Completed")) != 1 {
		t.Fatalf("rider not told about completion")
	}

	trail := h.repo.Events(res.RideID)
	wantTrail := []Status{StatusPending, StatusAssigned, StatusArrived, StatusInProgress, StatusCompleted}
	if len(trail) != len(wantTrail) {
		t.Fatalf("event trail has %d entries, want %d", len(trail), len(wantTrail))
	}
	for i, e := range trail {
		if e.ToStatus != wantTrail[i] {
			t.Errorf("event %d to = %s, want %s", i, e.ToStatus, wantTrail[i])
		}
	}
	if len(h.pub.events) != 5 || h.pub.events[4].Type != events.TypeRideCompleted {
		t.Fatalf("published events = %+v", h.pub.events)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name string
		cmd  CreateCommand
		want error
	}{
		{"missing rider", CreateCommand{Pickup: testPickup, Drop: testDrop, VehicleClass: types.VehicleCar}, ErrMissingRider},
		{"unknown class", CreateCommand{RiderID: "r1", Pickup: testPickup, Drop: testDrop, VehicleClass: "rickshaw"}, ErrUnknownClass},
		{"no pickup", CreateCommand{RiderID: "r1", Drop: testDrop, VehicleClass: types.VehicleCar}, ErrInvalidLocation},
	}
	for _, tc := range cases {
		if _, err := h.svc.Create(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if len(h.dispatcher.dispatched) != 0 {
		t.Fatalf("invalid creates must not dispatch")
	}
}

func TestCreateGeocodesAddresses(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.Create(context.Background(), CreateCommand{
		RiderID:       "r1",
		PickupAddress: "MG Road",
		DropAddress:   "Koramangala",
		VehicleClass:  types.VehicleBike,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, _ := h.repo.GetRide(context.Background(), res.RideID)
	if r.Pickup != testPickup || r.Drop != testDrop || r.PickupName != "MG Road" {
		t.Fatalf("ride = %+v", r)
	}
	if r.RiderRating != DefaultRiderRating {
		t.Fatalf("rider rating = %v", r.RiderRating)
	}

	_, err = h.svc.Create(context.Background(), CreateCommand{
		RiderID:       "r1",
		PickupAddress: "Atlantis",
		Drop:          testDrop,
		VehicleClass:  types.VehicleBike,
	})
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestCreateSnapshotsStoredRiderRating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.repo.PutRider("r_low", "tok-r_low", 3.1)

	res := h.mustCreate(t, "r_low")
	r, _ := h.repo.GetRide(ctx, res.RideID)
	if r.RiderRating != 3.1 {
		t.Fatalf("rider rating = %v, want stored 3.1", r.RiderRating)
	}

	// Later rating changes do not rewrite rides already created.
	h.repo.PutRider("r_low", "", 4.8)
	r, _ = h.repo.GetRide(ctx, res.RideID)
	if r.RiderRating != 3.1 {
		t.Fatalf("snapshot changed to %v", r.RiderRating)
	}
	if tok, _ := h.repo.RiderToken(ctx, "r_low"); tok != "tok-r_low" {
		t.Fatalf("rider token = %q", tok)
	}
}

func TestCreateFailsWhenRoutingFails(t *testing.T) {
	h := newHarness(t)
	h.svc.router = fixedRouter{err: apperr.Wrap(apperr.ErrUpstream, "routing_failed", errors.New("boom"))}
	_, err := h.svc.Create(context.Background(), CreateCommand{RiderID: "r1", Pickup: testPickup, Drop: testDrop, VehicleClass: types.VehicleCar})
	if apperr.Code(err) != "routing_failed" {
		t.Fatalf("err = %v", err)
	}
	if len(h.dispatcher.dispatched) != 0 || len(h.pub.events) != 0 {
		t.Fatalf("failed create must not dispatch or publish")
	}
}

func TestGetHidesStartCode(t *testing.T) {
	h := newHarness(t)
	res := h.mustCreate(t, "r1")
	if h.otp(t, res.RideID) == "" {
		t.Fatalf("stored ride has no start code")
	}
	r, err := h.svc.Get(context.Background(), res.RideID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.StartOTP != "" {
		t.Fatalf("Get leaked start code")
	}
	if _, err := h.svc.Get(context.Background(), "missing"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartCodeFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		otp := newOTP()
		if len(otp) != 4 || otp[0] == '0' {
			t.Fatalf("bad start code %q", otp)
		}
	}
}

func TestAcceptPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDriver("d1")
	h.addDriver("d2")
	h.repo.PutDriver(Driver{ID: "blocked", IsActive: true, CanAcceptRides: false, VehicleClass: types.VehicleAuto})
	h.repo.PutDriver(Driver{ID: "inactive", IsActive: false, CanAcceptRides: true, VehicleClass: types.VehicleAuto})
	h.repo.PutDriver(Driver{ID: "offline", Status: location.StatusOffline, IsActive: true, CanAcceptRides: true, VehicleClass: types.VehicleAuto})
	h.repo.PutDriver(Driver{ID: "biker", Status: location.StatusAvailable, IsActive: true, CanAcceptRides: true, VehicleClass: types.VehicleBike})
	res := h.mustCreate(t, "r1")

	for _, id := range []types.ID{"offline", "biker"} {
		if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: id}); !errors.Is(err, ErrDriverNotAllowed) {
			t.Fatalf("%s driver: %v", id, err)
		}
	}
	q, _ := h.repo.GetRequest(ctx, res.RequestID)
	if q.Status != RequestPending {
		t.Fatalf("rejected accepts changed the request: %s", q.Status)
	}

	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "blocked"}); !errors.Is(err, ErrDriverNotAllowed) {
		t.Fatalf("blocked driver: %v", err)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "inactive"}); !errors.Is(err, ErrDriverNotAllowed) {
		t.Fatalf("inactive driver: %v", err)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "ghost"}); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: "nope", DriverID: "d1"}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("unknown request: %v", err)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := h.svc.Accept(ctx, AcceptCommand{RequestID: res.RequestID, DriverID: "d2"})
	if !errors.Is(err, ErrAlreadyAssigned) || !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("second accept: %v", err)
	}
}

func TestArrivePreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.driveTo(t, StatusAssigned)

	far := types.Point{Lat: testPickup.Lat + 0.001, Lng: testPickup.Lng} // ~111 m north
	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d1", Location: far}); !errors.Is(err, ErrNotAtPickup) {
		t.Fatalf("far arrive: %v", err)
	}
	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d9", Location: testPickup}); !errors.Is(err, ErrNotRideDriver) {
		t.Fatalf("wrong driver: %v", err)
	}
	near := types.Point{Lat: testPickup.Lat + 0.0003, Lng: testPickup.Lng} // ~33 m north
	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d1", Location: near}); err != nil {
		t.Fatalf("near arrive: %v", err)
	}
	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: res.RideID, DriverID: "d1", Location: near}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double arrive: %v", err)
	}
}

func TestStartRejectsWrongCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.driveTo(t, StatusArrived)
	otp := h.otp(t, res.RideID)

	wrong := "0000"
	if otp == wrong {
		wrong = "0001"
	}
	if _, err := h.svc.Start(ctx, StartCommand{RideID: res.RideID, DriverID: "d1", OTP: wrong}); !errors.Is(err, ErrOTPMismatch) {
		t.Fatalf("wrong code: %v", err)
	}
	assertStatus(t, h, res.RideID, StatusArrived)

	if _, err := h.svc.Start(ctx, StartCommand{RideID: res.RideID, DriverID: "d2", OTP: otp}); !errors.Is(err, ErrNotRideDriver) {
		t.Fatalf("wrong driver: %v", err)
	}
	if _, err := h.svc.Start(ctx, StartCommand{RideID: res.RideID, DriverID: "d1", OTP: otp}); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestEndCashBlocksDriverUntilCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.driveTo(t, StatusInProgress)

	if _, err := h.svc.End(ctx, EndCommand{RideID: res.RideID, DriverID: "d1", PaymentMode: "card"}); !errors.Is(err, ErrInvalidPaymentMode) {
		t.Fatalf("card payment: %v", err)
	}
	if _, err := h.svc.End(ctx, EndCommand{RideID: res.RideID, DriverID: "d1", PaymentMode: PaymentCash}); err != nil {
		t.Fatalf("end: %v", err)
	}
	d, _ := h.repo.GetDriver(ctx, "d1")
	if d.GSTPending != types.Round2(86.10*0.05) || d.CanAcceptRides || d.Wallet != 0 {
		t.Fatalf("cash ledger = %+v", d)
	}

	next := h.mustCreate(t, "r2")
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: next.RequestID, DriverID: "d1"}); !errors.Is(err, ErrDriverNotAllowed) {
		t.Fatalf("blocked accept: %v", err)
	}
	cleared, err := h.svc.ClearGST(ctx, "d1")
	if err != nil {
		t.Fatalf("clear gst: %v", err)
	}
	if cleared.GSTPending != 0 || !cleared.CanAcceptRides {
		t.Fatalf("cleared = %+v", cleared)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: next.RequestID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept after clear: %v", err)
	}
	if _, err := h.svc.ClearGST(ctx, "ghost"); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("clear unknown: %v", err)
	}
}

func TestCancelPendingExpiresRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.mustCreate(t, "r1")

	if _, err := h.svc.Cancel(ctx, CancelCommand{RideID: res.RideID, RiderID: "someone-else"}); !errors.Is(err, ErrNotRideRider) {
		t.Fatalf("foreign cancel: %v", err)
	}
	r, err := h.svc.Cancel(ctx, CancelCommand{RideID: res.RideID, RiderID: "r1", Reason: "changed plans"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != StatusCanceled || r.CancelReason == nil || *r.CancelReason != "changed plans" {
		t.Fatalf("canceled ride = %+v", r)
	}
	q, _ := h.repo.GetRequest(ctx, res.RequestID)
	if q.Status != RequestExpired {
		t.Fatalf("request status = %s", q.Status)
	}
	if len(h.dispatcher.unscheduled) != 1 || h.dispatcher.unscheduled[0] != res.RequestID {
		t.Fatalf("unscheduled = %v", h.dispatcher.unscheduled)
	}
	if _, err := h.svc.Cancel(ctx, CancelCommand{RideID: res.RideID, RiderID: "r1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double cancel: %v", err)
	}
}

func TestCancelAssignedReleasesDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.driveTo(t, StatusAssigned)

	if _, err := h.svc.Cancel(ctx, CancelCommand{RideID: res.RideID, RiderID: "r1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	d, _ := h.repo.GetDriver(ctx, "d1")
	if d.Status != location.StatusAvailable || d.CurrentRideID != nil {
		t.Fatalf("driver = %+v", d)
	}
	msgs := h.gateway.titled("Ride Canceled")
	if len(msgs) != 1 || msgs[0].Tokens[0] != "tok-d1" {
		t.Fatalf("driver not notified: %+v", msgs)
	}
}

func TestCancelAfterStartRejected(t *testing.T) {
	h := newHarness(t)
	res := h.driveTo(t, StatusInProgress)
	if _, err := h.svc.Cancel(context.Background(), CancelCommand{RideID: res.RideID, RiderID: "r1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel in progress: %v", err)
	}
	assertStatus(t, h, res.RideID, StatusInProgress)
}

func TestChainedRideKeepsDriverBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.driveTo(t, StatusInProgress)
	second := h.mustCreate(t, "r2")

	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: second.RequestID, DriverID: "d1"}); err != nil {
		t.Fatalf("chained accept: %v", err)
	}
	if _, err := h.svc.End(ctx, EndCommand{RideID: first.RideID, DriverID: "d1", PaymentMode: PaymentQR}); err != nil {
		t.Fatalf("end first: %v", err)
	}
	d, _ := h.repo.GetDriver(ctx, "d1")
	if d.Status != location.StatusOnRide || d.CurrentRideID == nil || *d.CurrentRideID != second.RideID {
		t.Fatalf("driver after first ride = %+v", d)
	}
}

// A driver may chain a second ride before settling the first, so two cash
// rides can end back to back. Tax owed on both must stay on the ledger.
func TestChainedCashRidesAccumulateGST(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.driveTo(t, StatusInProgress)
	second := h.mustCreate(t, "r2")

	if _, err := h.svc.Accept(ctx, AcceptCommand{RequestID: second.RequestID, DriverID: "d1"}); err != nil {
		t.Fatalf("chained accept: %v", err)
	}
	ended, err := h.svc.End(ctx, EndCommand{RideID: first.RideID, DriverID: "d1", PaymentMode: PaymentCash})
	if err != nil {
		t.Fatalf("end first: %v", err)
	}
	gstFirst := types.Round2(ended.Fare.Total * 0.05)
	d, _ := h.repo.GetDriver(ctx, "d1")
	if d.GSTPending != gstFirst || d.CanAcceptRides {
		t.Fatalf("ledger after first ride = %+v", d)
	}

	// The blocked driver still finishes the ride already accepted.
	if _, err := h.svc.Arrive(ctx, ArriveCommand{RideID: second.RideID, DriverID: "d1", Location: testPickup}); err != nil {
		t.Fatalf("arrive second: %v", err)
	}
	if _, err := h.svc.Start(ctx, StartCommand{RideID: second.RideID, DriverID: "d1", OTP: h.otp(t, second.RideID)}); err != nil {
		t.Fatalf("start second: %v", err)
	}
	ended, err = h.svc.End(ctx, EndCommand{RideID: second.RideID, DriverID: "d1", PaymentMode: PaymentCash})
	if err != nil {
		t.Fatalf("end second: %v", err)
	}
	gstSecond := types.Round2(ended.Fare.Total * 0.05)

	d, _ = h.repo.GetDriver(ctx, "d1")
	if want := types.Round2(gstFirst + gstSecond); d.GSTPending != want {
		t.Fatalf("gst pending = %v, want %v", d.GSTPending, want)
	}
	if d.CanAcceptRides || d.Status != location.StatusAvailable || d.CurrentRideID != nil {
		t.Fatalf("driver after both rides = %+v", d)
	}
}

func TestTransitionReportsConcurrentUpdate(t *testing.T) {
	h := newHarness(t)
	calls := 0
	err := h.svc.transition(context.Background(), "test", func(Tx) error {
		calls++
		return errCASMiss
	})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("err = %v", err)
	}
	if calls != maxTransitionAttempts {
		t.Fatalf("attempts = %d", calls)
	}
}
