// README: Location store backed by Postgres driver rows and snapshots.
package location

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// UpsertDriver records a driver's self-reported state. A driver on a ride keeps
// on_ride until the lifecycle releases it, and is_active is only ever set by
// operators. The returned position reflects the stored row.
func (s *Store) UpsertDriver(ctx context.Context, u DriverUpdate) (DriverPosition, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO drivers (
			id, lat, lng, status, vehicle_class, fcm_token,
			min_rider_rating, max_dropoff_km, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			status = CASE WHEN drivers.status = 'on_ride' THEN drivers.status ELSE EXCLUDED.status END,
			vehicle_class = EXCLUDED.vehicle_class,
			fcm_token = CASE WHEN EXCLUDED.fcm_token = '' THEN drivers.fcm_token ELSE EXCLUDED.fcm_token END,
			min_rider_rating = EXCLUDED.min_rider_rating,
			max_dropoff_km = EXCLUDED.max_dropoff_km,
			version = drivers.version + 1,
			updated_at = NOW()
		RETURNING status, is_active, fcm_token`,
		string(u.DriverID), u.Location.Lat, u.Location.Lng, string(u.Status), string(u.VehicleClass),
		u.FCMToken, u.Preferences.MinRiderRating, u.Preferences.MaxDropoffKm,
	)
	p := DriverPosition{
		DriverID:     u.DriverID,
		Location:     u.Location,
		VehicleClass: u.VehicleClass,
		Preferences:  u.Preferences,
	}
	var status string
	if err := row.Scan(&status, &p.IsActive, &p.FCMToken); err != nil {
		return DriverPosition{}, fmt.Errorf("upsert driver %s: %w", u.DriverID, err)
	}
	p.Status = DriverStatus(status)
	return p, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (driver_id, lat, lng, status, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.DriverID), snap.Position.Lat, snap.Position.Lng, string(snap.Status), snap.RecordedAt,
	)
	return err
}

// ActivePositions loads every active, non-offline driver. Used to warm an
// in-process index at startup.
func (s *Store) ActivePositions(ctx context.Context) ([]DriverPosition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, lat, lng, status, vehicle_class, is_active, fcm_token,
		       min_rider_rating, max_dropoff_km
		FROM drivers
		WHERE is_active AND status <> 'offline'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriverPosition
	for rows.Next() {
		var p DriverPosition
		var id, status, class string
		if err := rows.Scan(&id, &p.Location.Lat, &p.Location.Lng, &status, &class, &p.IsActive,
			&p.FCMToken, &p.Preferences.MinRiderRating, &p.Preferences.MaxDropoffKm); err != nil {
			return nil, err
		}
		p.DriverID = types.ID(id)
		p.Status = DriverStatus(status)
		p.VehicleClass = types.VehicleClass(class)
		out = append(out, p)
	}
	return out, rows.Err()
}
