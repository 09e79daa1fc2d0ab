// README: Pure geographic helpers for the directory implementations.
package location

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// kmPerDegree is the meridian arc length of one degree on a 6371 km sphere.
const kmPerDegree = 111.195

// coverSlack keeps a margin between the radius and the chosen cell size, since
// parallels shrink towards the poles inside the 3x3 block.
const coverSlack = 1.1

// cellCovers reports whether the 3x3 block around hash contains every point within
// radiusKm of any point in the center cell.
func cellCovers(hash string, radiusKm float64) bool {
	box := geohash.BoundingBox(hash)
	h := box.MaxLat - box.MinLat
	heightKm := h * kmPerDegree
	outerLat := math.Min(math.Max(math.Abs(box.MinLat-h), math.Abs(box.MaxLat+h)), 90)
	widthKm := (box.MaxLng - box.MinLng) * kmPerDegree * math.Cos(outerLat*math.Pi/180)
	return math.Min(heightKm, widthKm) >= radiusKm*coverSlack
}

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function. Ties keep
// the order given by tie.
func sortByDistance[T any](items []T, dist func(T) float64, tie func(a, b T) bool) {
	less := func(a, b T) bool {
		da, db := dist(a), dist(b)
		if da != db {
			return da < db
		}
		return tie != nil && tie(a, b)
	}
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && less(key, items[j]) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

func sortCandidates(cs []Candidate) {
	sortByDistance(cs,
		func(c Candidate) float64 { return c.DistanceKm },
		func(a, b Candidate) bool { return a.DriverID < b.DriverID },
	)
}
