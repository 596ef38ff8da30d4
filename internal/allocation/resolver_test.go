package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

var pickup = models.Coord{Lat: 28.6139, Lon: 77.2090}

func fleetDriver(id string, tier models.TierCategory, rating float64, loc models.Coord) *models.Driver {
	return &models.Driver{
		ID:           id,
		Active:       true,
		Eligible:     true,
		Availability: models.AvailabilityOn,
		Tier:         tier,
		VehicleID:    "V-" + id,
		Location:     models.GPSFix{Coord: loc, LastUpdated: time.Now()},
		Metrics:      models.PerformanceMetrics{AverageRating: rating, CompletionRate: 96},
	}
}

func seed(t *testing.T, store *storage.MemoryStore, drivers ...*models.Driver) {
	t.Helper()
	for _, d := range drivers {
		if err := store.SaveDriver(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolveNearbyBeatsDistantHigherRated(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store,
		fleetDriver("NEAR", models.Tier1Reserved, 4.8, models.Coord{Lat: 28.62, Lon: 77.21}),
		fleetDriver("FAR", models.Tier1Reserved, 5.0, models.Coord{Lat: 28.70, Lon: 77.30}),
	)
	r := &Resolver{Store: store, SpeedMps: geo.DefaultUrbanSpeedMps}
	got, err := r.Resolve(context.Background(), pickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Driver.ID != "NEAR" {
		t.Fatalf("expected NEAR first, got %s", got[0].Driver.ID)
	}
	if got[0].Method != models.MethodTier1BestDriver {
		t.Fatalf("expected tier-1 method, got %s", got[0].Method)
	}
}

func TestResolveTier1PassBeforeTier2(t *testing.T) {
	store := storage.NewMemoryStore()
	// tier-2 driver sits on the pickup point, tier-1 driver 5km away:
	// the tier-1 pass still comes first.
	seed(t, store,
		fleetDriver("T2", models.Tier2Priority, 4.2, pickup),
		fleetDriver("T1", models.Tier1Reserved, 4.6, models.Coord{Lat: 28.66, Lon: 77.21}),
	)
	r := &Resolver{Store: store, SpeedMps: geo.DefaultUrbanSpeedMps}
	got, err := r.Resolve(context.Background(), pickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Driver.ID != "T1" || got[1].Driver.ID != "T2" {
		t.Fatalf("expected tier-1 candidate before tier-2, got %+v", got)
	}
	if got[1].Method != models.MethodTier2NextDriver {
		t.Fatalf("expected tier-2 method, got %s", got[1].Method)
	}
}

func TestResolveExcludesAndFilters(t *testing.T) {
	store := storage.NewMemoryStore()
	busy := fleetDriver("BUSY", models.Tier1Reserved, 4.9, pickup)
	busy.CurrentBookingID = "BK-other"
	lowRated := fleetDriver("LOW", models.Tier1Reserved, 4.2, pickup) // below the 4.5 tier-1 floor
	probation := fleetDriver("PROB", models.Tier4Probation, 4.9, pickup)
	probation.Eligible = false
	seed(t, store,
		fleetDriver("OK", models.Tier1Reserved, 4.7, pickup),
		fleetDriver("REJECTED", models.Tier1Reserved, 4.9, pickup),
		busy, lowRated, probation,
	)
	r := &Resolver{Store: store, SpeedMps: geo.DefaultUrbanSpeedMps}
	got, err := r.Resolve(context.Background(), pickup, []string{"REJECTED"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Driver.ID != "OK" {
		t.Fatalf("expected only OK, got %+v", got)
	}
}

func TestResolveFeasibilityCeilings(t *testing.T) {
	store := storage.NewMemoryStore()
	// ~18km out: beyond the tier-1/2 30-minute reach at 8 m/s, inside
	// tier 3's 45.
	farLoc := models.Coord{Lat: 28.776, Lon: 77.209}
	seed(t, store,
		fleetDriver("T1FAR", models.Tier1Reserved, 4.8, farLoc),
		fleetDriver("T3FAR", models.Tier3Standard, 3.8, farLoc),
	)
	r := &Resolver{Store: store, SpeedMps: geo.DefaultUrbanSpeedMps}
	got, err := r.Resolve(context.Background(), pickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Driver.ID != "T3FAR" {
		t.Fatalf("expected only the tier-3 driver in reach, got %+v", got)
	}
}

func TestResolveEmptyFleet(t *testing.T) {
	r := &Resolver{Store: storage.NewMemoryStore(), SpeedMps: geo.DefaultUrbanSpeedMps}
	got, err := r.Resolve(context.Background(), pickup, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestExternalFallbackOptions(t *testing.T) {
	opts := ExternalFallback(pickup, models.Coord{Lat: 28.55, Lon: 77.10})
	if len(opts) == 0 {
		t.Fatal("expected external options")
	}
	for _, o := range opts {
		if o.Provider == "" || o.Currency != "INR" || o.Cost <= 0 {
			t.Fatalf("malformed option: %+v", o)
		}
	}
}
