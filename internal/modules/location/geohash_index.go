// README: In-memory geohash-bucketed driver index.
package location

import (
	"context"
	"sync"

	"github.com/mmcloughlin/geohash"

	"rideflow/internal/types"
)

// Precisions indexed, finest first. Precision 6 cells are about 1.2 x 0.6 km,
// precision 3 cells about 156 x 156 km at the equator.
var indexPrecisions = []uint{6, 5, 4, 3}

type indexedDriver struct {
	pos   DriverPosition
	cells map[uint]string
}

// GeohashIndex keeps one bucket map per precision so a query can pick the finest
// grid whose 3x3 block still covers the radius.
type GeohashIndex struct {
	mu      sync.RWMutex
	drivers map[types.ID]*indexedDriver
	buckets map[uint]map[string]map[types.ID]struct{}
}

func NewGeohashIndex() *GeohashIndex {
	b := make(map[uint]map[string]map[types.ID]struct{}, len(indexPrecisions))
	for _, p := range indexPrecisions {
		b[p] = make(map[string]map[types.ID]struct{})
	}
	return &GeohashIndex{drivers: make(map[types.ID]*indexedDriver), buckets: b}
}

func (g *GeohashIndex) Upsert(_ context.Context, p DriverPosition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlink(p.DriverID)

	cells := make(map[uint]string, len(indexPrecisions))
	for _, prec := range indexPrecisions {
		cell := geohash.EncodeWithPrecision(p.Location.Lat, p.Location.Lng, prec)
		cells[prec] = cell
		bucket := g.buckets[prec][cell]
		if bucket == nil {
			bucket = make(map[types.ID]struct{})
			g.buckets[prec][cell] = bucket
		}
		bucket[p.DriverID] = struct{}{}
	}
	g.drivers[p.DriverID] = &indexedDriver{pos: p, cells: cells}
	return nil
}

func (g *GeohashIndex) SetStatus(_ context.Context, driverID types.ID, status DriverStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.drivers[driverID]; ok {
		d.pos.Status = status
	}
	return nil
}

func (g *GeohashIndex) Remove(_ context.Context, driverID types.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlink(driverID)
	return nil
}

// unlink must be called with g.mu held.
func (g *GeohashIndex) unlink(id types.ID) {
	d, ok := g.drivers[id]
	if !ok {
		return
	}
	for prec, cell := range d.cells {
		bucket := g.buckets[prec][cell]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(g.buckets[prec], cell)
		}
	}
	delete(g.drivers, id)
}

func (g *GeohashIndex) Near(_ context.Context, center types.Point, radiusKm float64, f Filter) ([]Candidate, error) {
	if radiusKm <= 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Candidate
	consider := func(d *indexedDriver) {
		if !f.matches(d.pos) {
			return
		}
		if dist := types.DistanceKm(center, d.pos.Location); dist <= radiusKm {
			out = append(out, candidateFrom(d.pos, dist))
		}
	}

	prec, ok := precisionFor(center, radiusKm)
	if !ok {
		for _, d := range g.drivers {
			consider(d)
		}
		sortCandidates(out)
		return out, nil
	}

	cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, prec)
	seen := make(map[string]struct{}, 9)
	for _, c := range append([]string{cell}, geohash.Neighbors(cell)...) {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		for id := range g.buckets[prec][c] {
			consider(g.drivers[id])
		}
	}
	sortCandidates(out)
	return out, nil
}

// Len is the number of indexed drivers.
func (g *GeohashIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// precisionFor returns false when even the coarsest grid is too small, in which
// case the caller scans every driver.
func precisionFor(center types.Point, radiusKm float64) (uint, bool) {
	for _, prec := range indexPrecisions {
		if cellCovers(geohash.EncodeWithPrecision(center.Lat, center.Lng, prec), radiusKm) {
			return prec, true
		}
	}
	return 0, false
}
