// README: Ride store backed by PostgreSQL with version compare-and-set updates.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/modules/location"
	"rideflow/internal/types"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

type Store struct {
	queries
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&queries{q: tx})
	})
}

func (s *Store) CreateRide(ctx context.Context, r *Ride, q *Request, riderToken string) error {
	breakdown, err := json.Marshal(r.Fare.Breakdown)
	if err != nil {
		return fmt.Errorf("encode fare: %w", err)
	}
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rides (
				id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_name,
				drop_lat, drop_lng, drop_name, vehicle_class,
				distance_meters, duration_seconds, route_polyline,
				fare_total, fare_breakdown, status, start_otp, rider_rating,
				created_at, updated_at, version
			) VALUES (
				$1, $2, NULL, $3, $4, $5,
				$6, $7, $8, $9,
				$10, $11, $12,
				$13, $14, $15, $16, $17,
				$18, $18, $19
			)`,
			string(r.ID), string(r.RiderID), r.Pickup.Lat, r.Pickup.Lng, r.PickupName,
			r.Drop.Lat, r.Drop.Lng, r.DropName, string(r.VehicleClass),
			r.DistanceMeters, r.DurationSeconds, r.RoutePolyline,
			r.Fare.Total, string(breakdown), string(r.Status), r.StartOTP, r.RiderRating,
			r.CreatedAt, r.Version,
		); err != nil {
			return fmt.Errorf("insert ride: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ride_requests (
				id, ride_id, vehicle_class, search_radius_km, status,
				expires_at, next_check_at, attempts, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			string(q.ID), string(q.RideID), string(q.VehicleClass), q.SearchRadiusKm, string(q.Status),
			q.ExpiresAt, q.NextCheckAt, q.Attempts, q.Version, q.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if riderToken != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO riders (id, fcm_token) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET fcm_token = EXCLUDED.fcm_token`,
				string(r.RiderID), riderToken,
			); err != nil {
				return fmt.Errorf("upsert rider: %w", err)
			}
		}
		tq := &queries{q: tx}
		return tq.AppendEvent(ctx, &Event{
			RideID:     r.ID,
			FromStatus: StatusNone,
			ToStatus:   r.Status,
			ActorType:  ActorRider,
			ActorID:    &r.RiderID,
			CreatedAt:  r.CreatedAt,
		})
	})
}

const rideColumns = `
	id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_name,
	drop_lat, drop_lng, drop_name, vehicle_class,
	distance_meters, duration_seconds, route_polyline,
	fare_total, fare_breakdown, status, start_otp, rider_rating,
	payment_mode, cancel_reason,
	created_at, updated_at, assigned_at, arrived_at, started_at, ended_at, canceled_at,
	version`

func (s *queries) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.q.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))

	var r Ride
	var driverID, paymentMode *string
	var breakdown []byte
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.PickupName,
		&r.Drop.Lat, &r.Drop.Lng, &r.DropName, &r.VehicleClass,
		&r.DistanceMeters, &r.DurationSeconds, &r.RoutePolyline,
		&r.Fare.Total, &breakdown, &r.Status, &r.StartOTP, &r.RiderRating,
		&paymentMode, &r.CancelReason,
		&r.CreatedAt, &r.UpdatedAt, &r.AssignedAt, &r.ArrivedAt, &r.StartedAt, &r.EndedAt, &r.CanceledAt,
		&r.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &r.Fare.Breakdown); err != nil {
		return nil, fmt.Errorf("decode fare: %w", err)
	}
	r.Fare.VehicleClass = r.VehicleClass
	r.Fare.Currency = types.Currency
	r.DriverID = toIDPtr(driverID)
	if paymentMode != nil {
		m := PaymentMode(*paymentMode)
		r.PaymentMode = &m
	}
	return &r, nil
}

func (s *queries) UpdateRide(ctx context.Context, r *Ride, version int) (bool, error) {
	var mode *string
	if r.PaymentMode != nil {
		v := string(*r.PaymentMode)
		mode = &v
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE rides
		SET driver_id = $2,
		    status = $3,
		    payment_mode = $4,
		    cancel_reason = $5,
		    updated_at = $6,
		    assigned_at = $7,
		    arrived_at = $8,
		    started_at = $9,
		    ended_at = $10,
		    canceled_at = $11,
		    version = version + 1
		WHERE id = $1 AND version = $12`,
		string(r.ID), toStringPtr(r.DriverID), string(r.Status), mode, r.CancelReason, r.UpdatedAt,
		r.AssignedAt, r.ArrivedAt, r.StartedAt, r.EndedAt, r.CanceledAt,
		version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	r.Version = version + 1
	return true, nil
}

const requestColumns = `
	id, ride_id, vehicle_class, search_radius_km, status, driver_id,
	expires_at, next_check_at, attempts, version, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var q Request
	var driverID *string
	err := row.Scan(
		&q.ID, &q.RideID, &q.VehicleClass, &q.SearchRadiusKm, &q.Status, &driverID,
		&q.ExpiresAt, &q.NextCheckAt, &q.Attempts, &q.Version, &q.CreatedAt, &q.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	q.DriverID = toIDPtr(driverID)
	return &q, nil
}

func (s *queries) GetRequest(ctx context.Context, id types.ID) (*Request, error) {
	return scanRequest(s.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, string(id)))
}

func (s *queries) GetRequestByRide(ctx context.Context, rideID types.ID) (*Request, error) {
	return scanRequest(s.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE ride_id = $1`, string(rideID)))
}

func (s *queries) UpdateRequest(ctx context.Context, q *Request, version int) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE ride_requests
		SET status = $2,
		    driver_id = $3,
		    search_radius_km = $4,
		    next_check_at = $5,
		    attempts = $6,
		    updated_at = $7,
		    version = version + 1
		WHERE id = $1 AND version = $8`,
		string(q.ID), string(q.Status), toStringPtr(q.DriverID), q.SearchRadiusKm,
		q.NextCheckAt, q.Attempts, q.UpdatedAt, version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	q.Version = version + 1
	return true, nil
}

func (s *queries) GetDriver(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, lat, lng, status, vehicle_class, is_active, fcm_token,
		       min_rider_rating, max_dropoff_km, current_ride_id,
		       wallet, gst_pending, gst_paid_via_qr, can_accept_rides, version
		FROM drivers
		WHERE id = $1`, string(id),
	)
	var d Driver
	var status string
	var current *string
	err := row.Scan(
		&d.ID, &d.Location.Lat, &d.Location.Lng, &status, &d.VehicleClass, &d.IsActive, &d.FCMToken,
		&d.Preferences.MinRiderRating, &d.Preferences.MaxDropoffKm, &current,
		&d.Wallet, &d.GSTPending, &d.GSTPaidViaQR, &d.CanAcceptRides, &d.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = location.DriverStatus(status)
	d.CurrentRideID = toIDPtr(current)
	return &d, nil
}

// UpdateDriver writes only lifecycle and ledger columns. Position and
// preferences belong to the location module.
func (s *queries) UpdateDriver(ctx context.Context, d *Driver, version int) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE drivers
		SET status = $2,
		    current_ride_id = $3,
		    wallet = $4,
		    gst_pending = $5,
		    gst_paid_via_qr = $6,
		    can_accept_rides = $7,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = $1 AND version = $8`,
		string(d.ID), string(d.Status), toStringPtr(d.CurrentRideID),
		d.Wallet, d.GSTPending, d.GSTPaidViaQR, d.CanAcceptRides, version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	d.Version = version + 1
	return true, nil
}

func (s *queries) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO ride_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) RiderToken(ctx context.Context, riderID types.ID) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `SELECT fcm_token FROM riders WHERE id = $1`, string(riderID)).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, err
}

func (s *Store) RiderRating(ctx context.Context, riderID types.ID) (float64, error) {
	var rating float64
	err := s.db.QueryRow(ctx, `SELECT rating FROM riders WHERE id = $1`, string(riderID)).Scan(&rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultRiderRating, nil
	}
	return rating, err
}

func (s *Store) ActiveDriverTokens(ctx context.Context, exclude types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT fcm_token FROM drivers
		WHERE is_active AND fcm_token <> '' AND id <> $1`, string(exclude))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) ListOverdueRequests(ctx context.Context, now time.Time, limit int) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM ride_requests
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[types.ID])
}

// Events returns the audit trail of a ride in insertion order.
func (s *Store) Events(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_events WHERE ride_id = $1 ORDER BY id`, string(rideID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actor *string
		if err := rows.Scan(&e.ID, &e.RideID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = toIDPtr(actor)
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
