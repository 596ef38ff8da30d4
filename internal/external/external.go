// Package external produces the tier-3 fallback payload: estimates from
// commercial ride services when no internal driver can be bound. The
// estimates are mocked pending real provider integrations; the shape is
// what the API contract promises.
package external

import (
	"math"

	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/models"
)

// Provider fare models, rough city-cab pricing.
type fareModel struct {
	name       string
	baseFare   float64
	perKm      float64
	speedKmh   float64
	pickupLagM float64 // minutes added for the external driver to arrive
}

var providers = []fareModel{
	{name: "uber", baseFare: 50, perKm: 18, speedKmh: 28, pickupLagM: 7},
	{name: "rapido", baseFare: 30, perKm: 14, speedKmh: 32, pickupLagM: 5},
}

// Estimates returns per-provider cost and ETA for the trip.
func Estimates(pickup, drop models.Coord) []models.ExternalOption {
	distKm := geo.Distance(pickup, drop) / 1000
	out := make([]models.ExternalOption, 0, len(providers))
	for _, p := range providers {
		travelMin := distKm / p.speedKmh * 60
		out = append(out, models.ExternalOption{
			Provider:   p.name,
			Available:  true,
			ETAMinutes: math.Round(p.pickupLagM + travelMin),
			Cost:       math.Round(p.baseFare + p.perKm*distKm),
			Currency:   "INR",
		})
	}
	return out
}
