// README: Pricing store backed by PostgreSQL.
package pricing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

var ErrRateNotFound = errors.New("pricing rate not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetRate(ctx context.Context, class types.VehicleClass) (Rate, error) {
	row := s.db.QueryRow(ctx, `
		SELECT vehicle_class, base_fare, per_km_tier1, per_km_tier2, per_minute,
		       free_wait_minutes, max_wait_charge, long_pickup_per_km, long_pickup_cap_km,
		       minimum_fare
		FROM pricing_rates
		WHERE vehicle_class = $1`, string(class),
	)
	var r Rate
	err := row.Scan(
		&r.VehicleClass, &r.BaseFare, &r.PerKmTier1, &r.PerKmTier2, &r.PerMinute,
		&r.FreeWaitMinutes, &r.MaxWaitCharge, &r.LongPickupPerKm, &r.LongPickupCapKm,
		&r.MinimumFare,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrRateNotFound
	}
	if err != nil {
		return Rate{}, err
	}
	return r, nil
}

// InsertIfAbsent seeds a class configuration without touching an existing row.
func (s *Store) InsertIfAbsent(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pricing_rates (
			vehicle_class, base_fare, per_km_tier1, per_km_tier2, per_minute,
			free_wait_minutes, max_wait_charge, long_pickup_per_km, long_pickup_cap_km,
			minimum_fare
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (vehicle_class) DO NOTHING`,
		string(r.VehicleClass), r.BaseFare, r.PerKmTier1, r.PerKmTier2, r.PerMinute,
		r.FreeWaitMinutes, r.MaxWaitCharge, r.LongPickupPerKm, r.LongPickupCapKm,
		r.MinimumFare,
	)
	return err
}
