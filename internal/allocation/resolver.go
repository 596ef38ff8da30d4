package allocation

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/fleet-allocation/internal/external"
	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

var (
	// ErrNoCapacity means every internal tier came up empty. Callers
	// fall through to the external options payload, they do not surface
	// this to the requester as a failure.
	ErrNoCapacity = errors.New("no internal capacity")

	// ErrInvalidVehicleBinding means the chosen driver has no assigned
	// vehicle. Hard failure for the resolution pass, not silently
	// skipped.
	ErrInvalidVehicleBinding = errors.New("selected driver has no assigned vehicle")
)

// Candidate is one scored, feasible driver in a resolution pass.
type Candidate struct {
	Driver    *models.Driver
	DistanceM float64
	Score     float64
	Method    models.AllocationMethod
}

// Resolver runs the tiered candidate search. It only reads; claiming a
// candidate is the orchestrator's conditional write.
type Resolver struct {
	Store    storage.DriverStore
	SpeedMps float64
	Now      func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// tier passes, in fallback order.
var passes = []struct {
	method    models.AllocationMethod
	tiers     []models.TierCategory
	minRating float64
}{
	{models.MethodTier1BestDriver, []models.TierCategory{models.Tier1Reserved}, 4.5},
	{models.MethodTier2NextDriver, []models.TierCategory{models.Tier2Priority, models.Tier3Standard}, 3.5},
}

// Resolve returns feasible candidates for the pickup point, best score
// first, tier-1 pass before tier-2. Ties keep store retrieval order.
// An empty slice means both internal tiers are exhausted.
func (r *Resolver) Resolve(ctx context.Context, pickup models.Coord, exclude []string) ([]Candidate, error) {
	now := r.now()
	avgTrips, err := r.Store.AverageMonthlyTrips(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, pass := range passes {
		drivers, err := r.Store.ListCandidates(ctx, storage.CandidateFilter{
			Tiers:      pass.tiers,
			MinRating:  pass.minRating,
			ExcludeIDs: exclude,
			Now:        now,
		})
		if err != nil {
			return nil, err
		}
		ranked := make([]Candidate, 0, len(drivers))
		for _, d := range drivers {
			dist := geo.Distance(pickup, d.Location.Coord)
			if !geo.Feasible(dist, r.SpeedMps, d.Tier) {
				continue
			}
			ranked = append(ranked, Candidate{
				Driver:    d,
				DistanceM: dist,
				Score:     geo.AllocationScore(d, dist, avgTrips),
				Method:    pass.method,
			})
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		out = append(out, ranked...)
	}
	return out, nil
}

// ExternalFallback builds the tier-3 payload for a booking no internal
// driver could serve.
func ExternalFallback(pickup, drop models.Coord) []models.ExternalOption {
	return external.Estimates(pickup, drop)
}
