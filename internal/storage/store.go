package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/fleet-allocation/internal/models"
)

var (
	// ErrNotFound means the driver/booking/vehicle does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost: the driver is already
	// bound, or the booking moved out of the expected state.
	ErrConflict = errors.New("conflict")
)

// CandidateFilter selects allocation candidates. Every field is ANDed;
// the store additionally requires active, available, eligible,
// unrestricted and unbound drivers.
type CandidateFilter struct {
	Tiers      []models.TierCategory
	MinRating  float64
	ExcludeIDs []string
	Now        time.Time
}

func (f CandidateFilter) Excluded(id string) bool {
	for _, e := range f.ExcludeIDs {
		if e == id {
			return true
		}
	}
	return false
}

func (f CandidateFilter) TierMatches(t models.TierCategory) bool {
	for _, c := range f.Tiers {
		if c == t {
			return true
		}
	}
	return false
}

// DriverStore defines persistence operations for drivers.
type DriverStore interface {
	SaveDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, d *models.Driver) error
	ListCandidates(ctx context.Context, f CandidateFilter) ([]*models.Driver, error)

	// ListActiveDrivers feeds the periodic sweeps (idle/geofence
	// detection, tier reclassification).
	ListActiveDrivers(ctx context.Context) ([]*models.Driver, error)

	// ClaimDriver conditionally binds a driver to a booking. The write
	// succeeds only if the driver is still active, available, eligible,
	// unrestricted and unbound; otherwise ErrConflict. This is the CAS
	// that prevents double assignment.
	ClaimDriver(ctx context.Context, driverID, bookingID string, now time.Time) error

	// ReleaseDriver clears the binding if it still points at bookingID.
	ReleaseDriver(ctx context.Context, driverID, bookingID string) error

	// AverageMonthlyTrips is the fleet-wide mean used by the load
	// balance score. Zero when the fleet is empty.
	AverageMonthlyTrips(ctx context.Context) (float64, error)
}

// BookingStore defines persistence operations for bookings.
type BookingStore interface {
	SaveBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error

	// RecentRatings lists the rating scores given to a driver's bookings
	// since the given instant, for the rolling-average recomputation.
	RecentRatings(ctx context.Context, driverID string, since time.Time) ([]float64, error)
}

// IncidentStore defines persistence operations for incidents. Incidents
// are append-only from the core's point of view.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc *models.Incident) error
	OpenIncidents(ctx context.Context, driverID string, t models.IncidentType) ([]*models.Incident, error)
}

// VehicleStore defines read access to the vehicle registry.
type VehicleStore interface {
	SaveVehicle(ctx context.Context, v *models.Vehicle) error
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
}

// Store is the full persistence surface the services wire against.
type Store interface {
	DriverStore
	BookingStore
	IncidentStore
	VehicleStore
}
