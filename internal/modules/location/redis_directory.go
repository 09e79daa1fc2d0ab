// README: Directory backed by Redis GEO plus a metadata hash per driver.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	driversGeoKey    = "rideflow:drivers"
	driverMetaPrefix = "rideflow:driver:"
)

func metaKey(id types.ID) string { return driverMetaPrefix + string(id) }

type RedisDirectory struct {
	client *redis.Client
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

func (r *RedisDirectory) Upsert(ctx context.Context, p DriverPosition) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driversGeoKey, &redis.GeoLocation{
			Name:      string(p.DriverID),
			Longitude: p.Location.Lng,
			Latitude:  p.Location.Lat,
		})
		pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
			"status":           string(p.Status),
			"vehicle_class":    string(p.VehicleClass),
			"active":           strconv.FormatBool(p.IsActive),
			"fcm_token":        p.FCMToken,
			"min_rider_rating": strconv.FormatFloat(p.Preferences.MinRiderRating, 'f', -1, 64),
			"max_dropoff_km":   strconv.FormatFloat(p.Preferences.MaxDropoffKm, 'f', -1, 64),
			"updated_at":       time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis directory upsert %s: %w", p.DriverID, err)
	}
	return nil
}

func (r *RedisDirectory) SetStatus(ctx context.Context, driverID types.ID, status DriverStatus) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis directory status %s: %w", driverID, err)
	}
	if n == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, metaKey(driverID), "status", string(status)).Err(); err != nil {
		return fmt.Errorf("redis directory status %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisDirectory) Remove(ctx context.Context, driverID types.ID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, driversGeoKey, string(driverID))
		pipe.Del(ctx, metaKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis directory remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisDirectory) Near(ctx context.Context, center types.Point, radiusKm float64, f Filter) ([]Candidate, error) {
	if radiusKm <= 0 {
		return nil, nil
	}
	locs, err := r.client.GeoSearchLocation(ctx, driversGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	metas := make([]*redis.MapStringStringCmd, len(locs))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, l := range locs {
			metas[i] = pipe.HGetAll(ctx, metaKey(types.ID(l.Name)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis driver metadata: %w", err)
	}

	out := make([]Candidate, 0, len(locs))
	for i, l := range locs {
		m := metas[i].Val()
		if len(m) == 0 {
			// Geo member without metadata: a half-removed driver.
			continue
		}
		p := positionFromMeta(types.ID(l.Name), types.Point{Lat: l.Latitude, Lng: l.Longitude}, m)
		if !f.matches(p) {
			continue
		}
		out = append(out, candidateFrom(p, l.Dist))
	}
	sortCandidates(out)
	return out, nil
}

func positionFromMeta(id types.ID, loc types.Point, m map[string]string) DriverPosition {
	active, _ := strconv.ParseBool(m["active"])
	minRating, _ := strconv.ParseFloat(m["min_rider_rating"], 64)
	maxDrop, _ := strconv.ParseFloat(m["max_dropoff_km"], 64)
	return DriverPosition{
		DriverID:     id,
		Location:     loc,
		Status:       DriverStatus(m["status"]),
		VehicleClass: types.VehicleClass(m["vehicle_class"]),
		IsActive:     active,
		FCMToken:     m["fcm_token"],
		Preferences:  Preferences{MinRiderRating: minRating, MaxDropoffKm: maxDrop},
	}
}
