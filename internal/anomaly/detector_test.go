package anomaly

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

func testMonitor(store Store, now time.Time) *Monitor {
	return &Monitor{
		Store:   store,
		Emitter: audit.Nop{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return now },
	}
}

func seedDriver(t *testing.T, store *storage.MemoryStore, d *models.Driver) {
	t.Helper()
	if err := store.SaveDriver(context.Background(), d); err != nil {
		t.Fatal(err)
	}
}

func TestHandleToggleFlips(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	seedDriver(t, store, &models.Driver{ID: "D1", Active: true, Availability: models.AvailabilityOff})

	m := testMonitor(store, now)
	res, err := m.HandleToggle(ctx, "D1", "shift start", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Locked || res.NewStatus != models.AvailabilityOn {
		t.Fatalf("expected flip to ON, got %+v", res)
	}
	d, _ := store.GetDriver(ctx, "D1")
	if len(d.Toggles) != 1 || d.Toggles[0].PreviousStatus != models.AvailabilityOff {
		t.Fatalf("toggle event not recorded: %+v", d.Toggles)
	}
}

func TestHandleToggleAbuseLocks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	d := &models.Driver{ID: "D1", UserID: "U1", Active: true, Availability: models.AvailabilityOn}
	// four prior in-window toggles; the call under test is the fifth
	for i := 0; i < ToggleLimit-1; i++ {
		d.Toggles = append(d.Toggles, models.ToggleEvent{Timestamp: now.Add(-time.Duration(i+1) * time.Minute)})
	}
	seedDriver(t, store, d)

	m := testMonitor(store, now)
	res, err := m.HandleToggle(ctx, "D1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked {
		t.Fatal("expected lock")
	}
	wantExpiry := now.Add(ToggleLock)
	if !res.LockExpiry.Equal(wantExpiry) {
		t.Fatalf("lock expiry = %v, want %v", res.LockExpiry, wantExpiry)
	}
	saved, _ := store.GetDriver(ctx, "D1")
	if !saved.Restricted || saved.Availability != models.AvailabilityOn {
		t.Fatalf("expected restriction without a flip, got %+v", saved)
	}
	incs, _ := store.OpenIncidents(ctx, "D1", models.IncidentAvailabilityFraud)
	if len(incs) != 1 || incs[0].Severity != models.SeverityMajor {
		t.Fatalf("expected one MAJOR incident, got %+v", incs)
	}

	// a second toggle while locked is refused with the expiry
	var locked *LockedError
	if _, err := m.HandleToggle(ctx, "D1", "", nil); !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if !locked.Until.Equal(wantExpiry) {
		t.Fatalf("lock until = %v", locked.Until)
	}
}

func TestHandleToggleUnderLimit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	d := &models.Driver{ID: "D1", Active: true, Availability: models.AvailabilityOn}
	for i := 0; i < ToggleLimit-2; i++ {
		d.Toggles = append(d.Toggles, models.ToggleEvent{Timestamp: now.Add(-time.Duration(i+1) * time.Minute)})
	}
	// one more outside the window must not count
	d.Toggles = append(d.Toggles, models.ToggleEvent{Timestamp: now.Add(-ToggleWindow - time.Minute)})
	seedDriver(t, store, d)

	res, err := testMonitor(store, now).HandleToggle(ctx, "D1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Locked {
		t.Fatal("four in-window toggles including this one must not lock")
	}
}

func TestHandleToggleFifthInWindowLocks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	seedDriver(t, store, &models.Driver{ID: "D1", UserID: "U1", Active: true, Availability: models.AvailabilityOff})

	m := testMonitor(store, now)
	m.Now = func() time.Time { return now }
	for i := 0; i < ToggleLimit-1; i++ {
		res, err := m.HandleToggle(ctx, "D1", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Locked {
			t.Fatalf("toggle %d locked early", i+1)
		}
		now = now.Add(time.Minute)
	}
	res, err := m.HandleToggle(ctx, "D1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked {
		t.Fatalf("fifth toggle in window must lock, got %+v", res)
	}
	incs, _ := store.OpenIncidents(ctx, "D1", models.IncidentAvailabilityFraud)
	if len(incs) != 1 {
		t.Fatalf("expected one incident, got %d", len(incs))
	}
}

func TestHandleLocationSpoofFlaggedButApplied(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	seedDriver(t, store, &models.Driver{
		ID: "D1", Active: true, Availability: models.AvailabilityOn,
		Location: models.GPSFix{Coord: models.Coord{Lat: 28.6139, Lon: 77.2090}, LastUpdated: now.Add(-10 * time.Second)},
	})

	// ~1km in 10s is 360 km/h
	next := models.Coord{Lat: 28.6229, Lon: 77.2090}
	res, err := testMonitor(store, now).HandleLocation(ctx, models.LocationFix{DriverID: "D1", Coord: next, At: now})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SpoofingFlagged || !res.Accepted {
		t.Fatalf("expected flagged and accepted, got %+v", res)
	}
	d, _ := store.GetDriver(ctx, "D1")
	if d.Location.Coord != next {
		t.Fatal("flagged fix must still be applied")
	}
	incs, _ := store.OpenIncidents(ctx, "D1", models.IncidentGPSSpoofing)
	if len(incs) != 1 || incs[0].Severity != models.SeverityCritical {
		t.Fatalf("expected one CRITICAL incident, got %+v", incs)
	}
}

func TestHandleLocationPlausibleSpeed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	seedDriver(t, store, &models.Driver{
		ID: "D1", Active: true,
		Location: models.GPSFix{Coord: models.Coord{Lat: 28.6139, Lon: 77.2090}, LastUpdated: now.Add(-2 * time.Minute)},
	})

	// ~1km in 120s is 30 km/h
	res, err := testMonitor(store, now).HandleLocation(ctx, models.LocationFix{
		DriverID: "D1", Coord: models.Coord{Lat: 28.6229, Lon: 77.2090}, At: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SpoofingFlagged {
		t.Fatal("30 km/h must not be flagged")
	}
}

func TestCheckIdleOncePerInterval(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	d := &models.Driver{
		ID: "D1", Active: true, Availability: models.AvailabilityOn,
		Location: models.GPSFix{Coord: models.Coord{Lat: 28.6, Lon: 77.2}, LastUpdated: now.Add(-45 * time.Minute)},
	}
	seedDriver(t, store, d)

	m := testMonitor(store, now)
	inc, err := m.CheckIdle(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if inc == nil || inc.Severity != models.SeverityMinor {
		t.Fatalf("expected MINOR idle incident, got %+v", inc)
	}
	// same interval: no duplicate
	again, err := m.CheckIdle(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("expected no duplicate incident for the same idle interval")
	}
}

func TestCheckIdleBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	d := &models.Driver{
		ID: "D1", Active: true, Availability: models.AvailabilityOn,
		Location: models.GPSFix{LastUpdated: now.Add(-10 * time.Minute)},
	}
	seedDriver(t, store, d)
	inc, err := testMonitor(store, now).CheckIdle(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if inc != nil {
		t.Fatalf("10 minutes idle must not report, got %+v", inc)
	}
}

func TestCheckGeofence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	inside := &models.Driver{
		ID: "IN", Active: true,
		Location: models.GPSFix{Coord: models.Coord{Lat: 28.6139, Lon: 77.2090}, LastUpdated: now},
	}
	outside := &models.Driver{
		ID: "OUT", Active: true, VehicleID: "V1",
		Location: models.GPSFix{Coord: models.Coord{Lat: 30.0, Lon: 80.0}, LastUpdated: now},
	}
	seedDriver(t, store, inside)
	seedDriver(t, store, outside)

	m := testMonitor(store, now)
	m.Zones = []models.GeofenceZone{{
		ID: "Z1", Center: models.Coord{Lat: 28.6139, Lon: 77.2090}, RadiusM: 20000, Authorized: true,
	}}

	if inc, err := m.CheckGeofence(ctx, inside); err != nil || inc != nil {
		t.Fatalf("inside zone must not report, inc=%+v err=%v", inc, err)
	}
	inc, err := m.CheckGeofence(ctx, outside)
	if err != nil {
		t.Fatal(err)
	}
	if inc == nil || inc.Severity != models.SeverityMajor || inc.VehicleID != "V1" {
		t.Fatalf("expected MAJOR breach incident, got %+v", inc)
	}
}

func TestImpliedSpeedKmh(t *testing.T) {
	a := models.Coord{Lat: 28.6139, Lon: 77.2090}
	b := models.Coord{Lat: 28.6229, Lon: 77.2090} // ~1km north
	kmh := ImpliedSpeedKmh(a, b, 10*time.Second)
	if kmh < 300 || kmh > 420 {
		t.Fatalf("expected ~360 km/h, got %f", kmh)
	}
	if ImpliedSpeedKmh(a, b, 0) != 0 {
		t.Fatal("zero elapsed must yield zero speed")
	}
}
