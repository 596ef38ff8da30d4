package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-allocation/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// DefaultMaxDistanceM is the proximity cut-off: at or beyond it the
// proximity score is zero.
const DefaultMaxDistanceM = 50000.0

// ProximityScore maps distance to [0,1], 1 at the pickup point, 0 at
// maxDistance and beyond.
func ProximityScore(distanceM, maxDistanceM float64) float64 {
	if maxDistanceM <= 0 {
		maxDistanceM = DefaultMaxDistanceM
	}
	if distanceM >= maxDistanceM {
		return 0
	}
	return (maxDistanceM - distanceM) / maxDistanceM
}

// RatingScore maps a 0..5 rating to [0,1].
func RatingScore(rating float64) float64 {
	return clamp01(rating / 5)
}

// ReliabilityScore maps a 0..100 completion rate to [0,1].
func ReliabilityScore(completionRate float64) float64 {
	return clamp01(completionRate / 100)
}

// LoadBalanceScore rewards drivers with fewer trips than the fleet
// average. A zero average means no load data, score 1.
func LoadBalanceScore(trips int, avgTripsPerDriver float64) float64 {
	if avgTripsPerDriver == 0 {
		return 1
	}
	return math.Max(1-float64(trips)/avgTripsPerDriver, 0)
}

// Score weights. Proximity dominates so a nearby 4.8 beats a distant 5.0.
const (
	weightProximity   = 0.5
	weightRating      = 0.3
	weightReliability = 0.1
	weightLoad        = 0.1
)

// AllocationScore combines the four sub-scores. Result is always in [0,1].
func AllocationScore(d *models.Driver, distanceM, avgTripsPerDriver float64) float64 {
	return weightProximity*ProximityScore(distanceM, DefaultMaxDistanceM) +
		weightRating*RatingScore(d.Metrics.AverageRating) +
		weightReliability*ReliabilityScore(d.Metrics.CompletionRate) +
		weightLoad*LoadBalanceScore(d.Metrics.TripsThisMonth, avgTripsPerDriver)
}

// Feasibility ceilings in minutes. Tiers 1-2 must be within 30 minutes of
// the pickup, tier 3 gets a looser 45.
const (
	FeasibleMinutesTier12 = 30.0
	FeasibleMinutesTier3  = 45.0
)

// DefaultUrbanSpeedMps is the assumed average urban speed used for the
// travel-time estimate. This is a straight-line approximation, not a
// routed ETA.
const DefaultUrbanSpeedMps = 8.0

// TravelMinutes estimates minutes to cover distanceM at speedMps.
func TravelMinutes(distanceM, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultUrbanSpeedMps
	}
	return distanceM / speedMps / 60
}

// Feasible reports whether the estimated travel time fits the tier's
// ceiling. The comparison is in minutes against the documented 30/45
// minute ceilings.
func Feasible(distanceM, speedMps float64, tier models.TierCategory) bool {
	ceiling := FeasibleMinutesTier12
	if tier == models.Tier3Standard {
		ceiling = FeasibleMinutesTier3
	}
	return TravelMinutes(distanceM, speedMps) <= ceiling
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Index is the minimal location index used when Redis is not configured.
type Index struct {
	mu    sync.RWMutex
	fixes map[string]models.GPSFix
}

func NewIndex() *Index {
	return &Index{fixes: make(map[string]models.GPSFix)}
}

func (g *Index) Upsert(driverID string, fix models.GPSFix) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fix.LastUpdated.IsZero() {
		fix.LastUpdated = time.Now()
	}
	g.fixes[driverID] = fix
}

// Nearby returns the closest driver ids within radiusM, nearest first.
// Naive scan; the Redis GEO index replaces this in production.
func (g *Index) Nearby(lat, lon, radiusM float64, limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.fixes))
	for id, f := range g.fixes {
		d := Haversine(lat, lon, f.Coord.Lat, f.Coord.Lon)
		if d <= radiusM {
			arr = append(arr, pair{id, d})
		}
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out
}
