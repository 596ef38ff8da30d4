package allocation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

type recordingDispatch struct {
	offers []AssignmentOffer
	to     []string
}

func (r *recordingDispatch) Offer(driverID string, offer AssignmentOffer) error {
	r.to = append(r.to, driverID)
	r.offers = append(r.offers, offer)
	return nil
}

// flakyStore fails the first N claims to simulate losing the CAS race.
type flakyStore struct {
	*storage.MemoryStore
	failClaims int
	claims     int
}

func (f *flakyStore) ClaimDriver(ctx context.Context, driverID, bookingID string, now time.Time) error {
	f.claims++
	if f.claims <= f.failClaims {
		return storage.ErrConflict
	}
	return f.MemoryStore.ClaimDriver(ctx, driverID, bookingID, now)
}

func newOrchestrator(store storage.Store, dispatch Dispatcher) *Orchestrator {
	return &Orchestrator{
		Store:      store,
		Resolver:   &Resolver{Store: store, SpeedMps: geo.DefaultUrbanSpeedMps},
		Exclusions: NewMemoryExclusions(),
		Dispatch:   dispatch,
		Emitter:    audit.Nop{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func seedFleet(t *testing.T, store storage.Store, drivers ...*models.Driver) {
	t.Helper()
	ctx := context.Background()
	for _, d := range drivers {
		if err := store.SaveDriver(ctx, d); err != nil {
			t.Fatal(err)
		}
		if d.VehicleID != "" {
			v := &models.Vehicle{ID: d.VehicleID, Registration: "DL-" + d.ID, Model: "Sedan", Active: true}
			if err := store.SaveVehicle(ctx, v); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestCreateBookingAssignsBestDriver(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store,
		fleetDriver("NEAR", models.Tier1Reserved, 4.8, models.Coord{Lat: 28.62, Lon: 77.21}),
		fleetDriver("FAR", models.Tier1Reserved, 5.0, models.Coord{Lat: 28.70, Lon: 77.30}),
	)
	disp := &recordingDispatch{}
	o := newOrchestrator(store, disp)

	b, res, err := o.CreateBooking(ctx, BookingRequest{
		Requester: models.Requester{ID: "R1", Name: "Transport Desk"},
		Pickup:    pickup,
		Drop:      models.Coord{Lat: 28.55, Lon: 77.10},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Driver == nil || res.Driver.ID != "NEAR" {
		t.Fatalf("expected NEAR assigned, got %+v", res)
	}
	if res.Method != models.MethodTier1BestDriver {
		t.Fatalf("method = %s", res.Method)
	}
	saved, _ := store.GetBooking(ctx, b.ID)
	if saved.Status != models.StatusAssigned || saved.AssignedDriver.ID != "NEAR" {
		t.Fatalf("booking not bound: %+v", saved)
	}
	if saved.AssignedVehicle == nil || saved.AssignedVehicle.ID != "V-NEAR" {
		t.Fatalf("vehicle snapshot missing: %+v", saved.AssignedVehicle)
	}
	d, _ := store.GetDriver(ctx, "NEAR")
	if d.CurrentBookingID != b.ID {
		t.Fatalf("driver not claimed: %q", d.CurrentBookingID)
	}
	if len(disp.to) != 1 || disp.to[0] != "NEAR" || disp.offers[0].BookingID != b.ID {
		t.Fatalf("offer not dispatched: %+v", disp)
	}
}

func TestAllocateNoCapacityReturnsExternal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(store, &recordingDispatch{})

	b, res, err := o.CreateBooking(ctx, BookingRequest{
		Requester: models.Requester{ID: "R1"},
		Pickup:    pickup,
		Drop:      models.Coord{Lat: 28.55, Lon: 77.10},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != models.MethodTier3External || len(res.ExternalOptions) == 0 {
		t.Fatalf("expected external fallback, got %+v", res)
	}
	if res.Driver != nil {
		t.Fatal("external result must not carry an internal driver")
	}
	saved, _ := store.GetBooking(ctx, b.ID)
	if saved.Status != models.StatusPending {
		t.Fatalf("booking must stay PENDING, got %s", saved.Status)
	}
	if saved.Method != models.MethodTier3External {
		t.Fatalf("method = %s", saved.Method)
	}
}

func TestRespondRejectReallocatesAndExcludes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store,
		fleetDriver("FIRST", models.Tier1Reserved, 4.8, models.Coord{Lat: 28.62, Lon: 77.21}),
		fleetDriver("SECOND", models.Tier1Reserved, 4.6, models.Coord{Lat: 28.63, Lon: 77.22}),
	)
	o := newOrchestrator(store, &recordingDispatch{})

	b, res, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if res.Driver.ID != "FIRST" {
		t.Fatalf("expected FIRST assigned, got %s", res.Driver.ID)
	}

	_, res2, err := o.Respond(ctx, b.ID, "FIRST", false)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Driver == nil || res2.Driver.ID != "SECOND" {
		t.Fatalf("expected SECOND after reject, got %+v", res2)
	}
	first, _ := store.GetDriver(ctx, "FIRST")
	if first.CurrentBookingID != "" {
		t.Fatal("rejecting driver must be released")
	}

	// SECOND rejects too: both are excluded, result falls to external.
	_, res3, err := o.Respond(ctx, b.ID, "SECOND", false)
	if err != nil {
		t.Fatal(err)
	}
	if res3.Method != models.MethodTier3External {
		t.Fatalf("expected external after both rejected, got %+v", res3)
	}
	excl, _ := o.Exclusions.Members(ctx, b.ID)
	if len(excl) != 2 {
		t.Fatalf("expected both drivers excluded, got %v", excl)
	}
}

func TestRespondAccept(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store, fleetDriver("D1", models.Tier1Reserved, 4.8, pickup))
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	got, res, err := o.Respond(ctx, b.ID, "D1", true)
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Fatal("accept must not trigger re-allocation")
	}
	if got.Status != models.StatusDriverAccepted || got.AssignedDriver.AcceptanceStatus != models.AcceptanceAccepted {
		t.Fatalf("unexpected state after accept: %+v", got)
	}

	// a second response on the same booking conflicts
	if _, _, err := o.Respond(ctx, b.ID, "D1", true); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRespondWrongDriver(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store, fleetDriver("D1", models.Tier1Reserved, 4.8, pickup))
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := o.Respond(ctx, b.ID, "SOMEONE_ELSE", true); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAllocateClaimConflictDropsCandidate(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failClaims: 1}
	seedFleet(t, store,
		fleetDriver("A", models.Tier1Reserved, 4.9, pickup),
		fleetDriver("B", models.Tier1Reserved, 4.6, pickup),
	)
	o := newOrchestrator(store, &recordingDispatch{})

	_, res, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if res.Driver == nil || res.Driver.ID != "B" {
		t.Fatalf("expected fallthrough to B after lost claim, got %+v", res)
	}
	if store.claims != 2 {
		t.Fatalf("expected 2 claim attempts, got %d", store.claims)
	}
}

func TestAllocateVehicleMissingIsHardFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := fleetDriver("NOVEH", models.Tier1Reserved, 4.9, pickup)
	d.VehicleID = ""
	seedFleet(t, store, d)
	o := newOrchestrator(store, &recordingDispatch{})

	_, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if !errors.Is(err, ErrInvalidVehicleBinding) {
		t.Fatalf("expected ErrInvalidVehicleBinding, got %v", err)
	}
	saved, _ := store.GetDriver(ctx, "NOVEH")
	if saved.CurrentBookingID != "" {
		t.Fatal("claim must be released on binding failure")
	}
}

type fakeHolder struct {
	amount   int64
	currency string
}

func (f *fakeHolder) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.amount = amount
	f.currency = currency
	return "pi_test_1", nil
}

func TestConfirmExternalPlacesHold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(store, &recordingDispatch{})
	holder := &fakeHolder{}
	o.Payments = holder

	// empty fleet: falls through to the external path
	b, res, err := o.CreateBooking(ctx, BookingRequest{
		Requester: models.Requester{ID: "R1"},
		Pickup:    pickup,
		Drop:      models.Coord{Lat: 28.55, Lon: 77.10},
	})
	if err != nil {
		t.Fatal(err)
	}
	provider := res.ExternalOptions[0].Provider

	got, err := o.ConfirmExternal(ctx, b.ID, provider, "cus_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.External == nil || got.External.Provider != provider || got.External.HoldID != "pi_test_1" {
		t.Fatalf("external record missing: %+v", got.External)
	}
	if holder.currency != "INR" || holder.amount != int64(res.ExternalOptions[0].Cost*100) {
		t.Fatalf("hold amount wrong: %d %s", holder.amount, holder.currency)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("booking must stay PENDING, got %s", got.Status)
	}

	if _, err := o.ConfirmExternal(ctx, b.ID, "palanquin", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestConfirmExternalRequiresFallbackState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store, fleetDriver("D1", models.Tier1Reserved, 4.8, pickup))
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	// booking is ASSIGNED, not an external fallback
	if _, err := o.ConfirmExternal(ctx, b.ID, "uber", ""); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTransitionChain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store, fleetDriver("D1", models.Tier1Reserved, 4.8, pickup))
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := o.Respond(ctx, b.ID, "D1", true); err != nil {
		t.Fatal(err)
	}

	// skipping a step is refused
	if _, err := o.Transition(ctx, b.ID, models.StatusArrived); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on skipped step, got %v", err)
	}

	for _, s := range []models.BookingStatus{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := o.Transition(ctx, b.ID, s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	d, _ := store.GetDriver(ctx, "D1")
	if d.CurrentBookingID != "" {
		t.Fatal("driver must be released after completion")
	}
	if d.Metrics.TripsToday != 1 || d.Metrics.TripsThisMonth != 1 || d.Metrics.TripsAllTime != 1 {
		t.Fatalf("trip counters not rolled: %+v", d.Metrics)
	}

	// terminal state admits nothing
	if _, err := o.Transition(ctx, b.ID, models.StatusCancelled); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict from terminal state, got %v", err)
	}
}

func TestCancelWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store,
		fleetDriver("D1", models.Tier1Reserved, 4.8, pickup),
		fleetDriver("D2", models.Tier1Reserved, 4.6, pickup),
	)
	o := newOrchestrator(store, &recordingDispatch{})

	now := time.Now()
	b, _, err := o.CreateBooking(ctx, BookingRequest{
		Requester:   models.Requester{ID: "R1"},
		Pickup:      pickup,
		Drop:        pickup,
		RequestedAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	// ASSIGNED with 10 minutes to go: inside the window
	if _, err := o.Cancel(ctx, b.ID, "R1", "plans changed"); !errors.Is(err, ErrCancellationWindow) {
		t.Fatalf("expected window error, got %v", err)
	}
	// the status chain must not offer a way around the window
	if _, err := o.Transition(ctx, b.ID, models.StatusCancelled); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict from transition to CANCELLED, got %v", err)
	}
	held, _ := store.GetBooking(ctx, b.ID)
	if held.Status != models.StatusAssigned {
		t.Fatalf("booking cancelled through the status chain: %s", held.Status)
	}
	d1, _ := store.GetDriver(ctx, "D1")
	if d1.CurrentBookingID != b.ID {
		t.Fatalf("driver claim lost: %q", d1.CurrentBookingID)
	}

	// far-out booking cancels fine and releases the driver
	b2, _, err := o.CreateBooking(ctx, BookingRequest{
		Requester:   models.Requester{ID: "R1"},
		Pickup:      pickup,
		Drop:        pickup,
		RequestedAt: now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := o.Cancel(ctx, b2.ID, "R1", "plans changed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled || got.Cancellation == nil || got.Cancellation.CancelledBy != "R1" {
		t.Fatalf("unexpected cancel state: %+v", got)
	}
	d2, _ := store.GetDriver(ctx, "D2")
	if d2.CurrentBookingID != "" {
		t.Fatal("cancel must release the assigned driver")
	}
}

func TestCancelPendingAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(store, &recordingDispatch{})

	// empty fleet: booking stays PENDING
	b, _, err := o.CreateBooking(ctx, BookingRequest{
		Requester:   models.Requester{ID: "R1"},
		Pickup:      pickup,
		Drop:        pickup,
		RequestedAt: time.Now().Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Cancel(ctx, b.ID, "R1", ""); err != nil {
		t.Fatalf("pending booking must cancel regardless of window: %v", err)
	}
}

func TestRateUpdatesDriverAverage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := fleetDriver("D1", models.Tier1Reserved, 4.8, pickup)
	d.Metrics.TotalRatings = 2
	seedFleet(t, store, d)
	now := time.Now()
	// one earlier rating inside the lookback, one aged out of it
	if err := store.SaveBooking(ctx, &models.Booking{
		ID: "BK-OLD", Status: models.StatusCompleted,
		AssignedDriver: &models.AssignedDriver{ID: "D1"},
		Rating:         &models.Rating{Score: 4, RatedAt: now.Add(-10 * 24 * time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBooking(ctx, &models.Booking{
		ID: "BK-STALE", Status: models.StatusCompleted,
		AssignedDriver: &models.AssignedDriver{ID: "D1"},
		Rating:         &models.Rating{Score: 1, RatedAt: now.Add(-RatingLookback - 24*time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := o.Respond(ctx, b.ID, "D1", true); err != nil {
		t.Fatal(err)
	}
	// rating before completion is refused
	if _, err := o.Rate(ctx, b.ID, "R1", 5, "great"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	for _, s := range []models.BookingStatus{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := o.Transition(ctx, b.ID, s); err != nil {
			t.Fatal(err)
		}
	}
	got, err := o.Rate(ctx, b.ID, "R1", 5, "great")
	if err != nil {
		t.Fatal(err)
	}
	if got.Rating == nil || got.Rating.Score != 5 {
		t.Fatalf("rating not recorded: %+v", got.Rating)
	}
	saved, _ := store.GetDriver(ctx, "D1")
	// (4 + 5) / 2 over the window; the aged-out 1.0 does not drag it down
	if saved.Metrics.AverageRating != 4.5 || saved.Metrics.TotalRatings != 3 {
		t.Fatalf("window average not applied: %+v", saved.Metrics)
	}

	// a booking takes exactly one rating
	if _, err := o.Rate(ctx, b.ID, "R1", 3, "changed my mind"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on second rating, got %v", err)
	}
}

func TestBookingLockPrunedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedFleet(t, store, fleetDriver("D1", models.Tier1Reserved, 4.8, pickup))
	o := newOrchestrator(store, &recordingDispatch{})

	b, _, err := o.CreateBooking(ctx, BookingRequest{Requester: models.Requester{ID: "R1"}, Pickup: pickup, Drop: pickup})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := o.locks.Load(b.ID); !ok {
		t.Fatal("live booking should hold a lock entry")
	}
	if _, _, err := o.Respond(ctx, b.ID, "D1", true); err != nil {
		t.Fatal(err)
	}
	for _, s := range []models.BookingStatus{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := o.Transition(ctx, b.ID, s); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := o.locks.Load(b.ID); ok {
		t.Fatal("lock entry must be pruned after completion")
	}
	if _, err := o.Rate(ctx, b.ID, "R1", 5, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := o.locks.Load(b.ID); ok {
		t.Fatal("lock entry must be pruned after rating")
	}

	// cancellation prunes too
	b2, _, err := o.CreateBooking(ctx, BookingRequest{
		Requester:   models.Requester{ID: "R1"},
		Pickup:      pickup,
		Drop:        pickup,
		RequestedAt: time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Cancel(ctx, b2.ID, "R1", "plans changed"); err != nil {
		t.Fatal(err)
	}
	if _, ok := o.locks.Load(b2.ID); ok {
		t.Fatal("lock entry must be pruned after cancellation")
	}
}
