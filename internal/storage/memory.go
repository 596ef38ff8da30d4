package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/fleet-allocation/internal/models"
)

// MemoryStore is the in-process Store used in tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	drivers   map[string]*models.Driver
	bookings  map[string]*models.Booking
	incidents []*models.Incident
	vehicles  map[string]*models.Vehicle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  make(map[string]*models.Driver),
		bookings: make(map[string]*models.Booking),
		vehicles: make(map[string]*models.Vehicle),
	}
}

func (m *MemoryStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListCandidates(ctx context.Context, f CandidateFilter) ([]*models.Driver, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if !d.Active || !d.Eligible {
			continue
		}
		if d.Availability != models.AvailabilityOn {
			continue
		}
		if d.RestrictedNow(now) {
			continue
		}
		if d.CurrentBookingID != "" {
			continue
		}
		if !f.TierMatches(d.Tier) {
			continue
		}
		if d.Metrics.AverageRating < f.MinRating {
			continue
		}
		if f.Excluded(d.ID) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListActiveDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if !d.Active {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ClaimDriver(ctx context.Context, driverID, bookingID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	if !d.Active || !d.Eligible || d.Availability != models.AvailabilityOn ||
		d.RestrictedNow(now) || d.CurrentBookingID != "" {
		return ErrConflict
	}
	d.CurrentBookingID = bookingID
	return nil
}

func (m *MemoryStore) ReleaseDriver(ctx context.Context, driverID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	if d.CurrentBookingID == bookingID {
		d.CurrentBookingID = ""
	}
	return nil
}

func (m *MemoryStore) AverageMonthlyTrips(ctx context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drivers) == 0 {
		return 0, nil
	}
	var sum int
	for _, d := range m.drivers {
		sum += d.Metrics.TripsThisMonth
	}
	return float64(sum) / float64(len(m.drivers)), nil
}

func (m *MemoryStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) RecentRatings(ctx context.Context, driverID string, since time.Time) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var scores []float64
	for _, b := range m.bookings {
		if b.AssignedDriver == nil || b.AssignedDriver.ID != driverID || b.Rating == nil {
			continue
		}
		if b.Rating.RatedAt.Before(since) {
			continue
		}
		scores = append(scores, b.Rating.Score)
	}
	return scores, nil
}

func (m *MemoryStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inc
	m.incidents = append(m.incidents, &cp)
	return nil
}

func (m *MemoryStore) OpenIncidents(ctx context.Context, driverID string, t models.IncidentType) ([]*models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Incident
	for _, inc := range m.incidents {
		if inc.DriverID == driverID && inc.Type == t && inc.Status == models.IncidentOpen {
			cp := *inc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveVehicle(ctx context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vehicles[v.ID] = &cp
	return nil
}

func (m *MemoryStore) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}
