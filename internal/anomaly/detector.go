package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/geo"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/observability"
	"github.com/example/fleet-allocation/internal/storage"
)

// Detection thresholds. The detectors are stateless rule evaluations
// over timestamped history; tuning happens here, not in the callers.
const (
	ToggleWindow     = 30 * time.Minute
	ToggleLimit      = 5
	ToggleLock       = 30 * time.Minute
	SpoofSpeedKmh    = 100.0
	IdleThreshold    = 30 * time.Minute
	toggleHistoryCap = 100
)

// LockedError is returned when a driver is under a toggle or restriction
// lock. Until lets callers show a countdown.
type LockedError struct {
	DriverID string
	Until    time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("driver %s locked until %s", e.DriverID, e.Until.Format(time.RFC3339))
}

// ToggleResult is what the toggle handler reports back to the API layer.
type ToggleResult struct {
	NewStatus  models.AvailabilityStatus `json:"new_status"`
	Locked     bool                      `json:"locked"`
	LockExpiry time.Time                 `json:"lock_expiry,omitempty"`
}

// LocationResult reports whether the fix was stored and whether it was
// flagged as a possible spoof.
type LocationResult struct {
	Accepted        bool `json:"accepted"`
	SpoofingFlagged bool `json:"spoofing_flagged"`
}

// Store is the slice of persistence the detector needs.
type Store interface {
	storage.DriverStore
	storage.IncidentStore
}

// Monitor evaluates the four anomaly rules. It only ever creates
// incidents and applies restrictions; resolution is an admin workflow
// elsewhere.
type Monitor struct {
	Store   Store
	Emitter audit.Emitter
	Logger  *slog.Logger
	Zones   []models.GeofenceZone

	// Now is swappable in tests.
	Now func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CountRecentToggles is the sliding-window query behind the abuse rule.
func CountRecentToggles(toggles []models.ToggleEvent, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, t := range toggles {
		if t.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// ImpliedSpeedKmh computes the speed a driver would have needed to cover
// the gap between two fixes.
func ImpliedSpeedKmh(prev, cur models.Coord, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	distM := geo.Distance(prev, cur)
	return distM / elapsed.Seconds() * 3.6
}

// HandleToggle flips the driver's availability, unless this flip would
// be the ToggleLimit-th inside the trailing window, in which case it is
// refused, a MAJOR incident is opened and a 30-minute lock applied.
func (m *Monitor) HandleToggle(ctx context.Context, driverID, reason string, loc *models.Coord) (*ToggleResult, error) {
	d, err := m.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if d.RestrictedNow(now) {
		return nil, &LockedError{DriverID: d.ID, Until: d.RestrictionUntil}
	}

	// The attempt in flight counts toward the limit: the fifth toggle
	// inside the window is the one that is refused.
	if CountRecentToggles(d.Toggles, now, ToggleWindow)+1 >= ToggleLimit {
		inc, err := m.openIncident(ctx, models.Incident{
			Type:        models.IncidentAvailabilityFraud,
			Severity:    models.SeverityMajor,
			DriverID:    d.ID,
			Description: fmt.Sprintf("driver toggled availability %d+ times in %s", ToggleLimit, ToggleWindow),
		})
		if err != nil {
			return nil, err
		}
		d.Restricted = true
		d.RestrictionReason = "suspicious availability toggling"
		d.RestrictionUntil = now.Add(ToggleLock)
		if err := m.Store.UpdateDriver(ctx, d); err != nil {
			return nil, err
		}
		observability.RestrictionsApplied.Inc()
		m.Emitter.Notify(audit.Notification{
			UserID:        d.UserID,
			Title:         "Availability locked",
			Message:       "Too many availability changes. Locked for 30 minutes.",
			RelatedEntity: inc.ID,
		})
		m.Logger.Warn("toggle abuse lock applied", "driver_id", d.ID, "incident_id", inc.ID)
		return &ToggleResult{NewStatus: d.Availability, Locked: true, LockExpiry: d.RestrictionUntil}, nil
	}

	prev := d.Availability
	next := models.AvailabilityOn
	if prev == models.AvailabilityOn {
		next = models.AvailabilityOff
	}
	ev := models.ToggleEvent{
		Timestamp:      now,
		PreviousStatus: prev,
		NewStatus:      next,
		Reason:         reason,
		Location:       d.Location.Coord,
	}
	if loc != nil {
		ev.Location = *loc
	}
	d.Toggles = append(d.Toggles, ev)
	if len(d.Toggles) > toggleHistoryCap {
		d.Toggles = d.Toggles[len(d.Toggles)-toggleHistoryCap:]
	}
	d.Availability = next
	if err := m.Store.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	m.Emitter.Audit(audit.Event{
		Action:      "AVAILABILITY_TOGGLED",
		EntityType:  "DRIVER",
		EntityID:    d.ID,
		OldValue:    prev,
		NewValue:    next,
		Description: reason,
	})
	return &ToggleResult{NewStatus: next}, nil
}

// HandleLocation stores the new fix and runs the spoofing rule against
// the previous one. A spoofed fix is flagged and still applied.
func (m *Monitor) HandleLocation(ctx context.Context, fix models.LocationFix) (*LocationResult, error) {
	d, err := m.Store.GetDriver(ctx, fix.DriverID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	at := fix.At
	if at.IsZero() {
		at = now
	}

	flagged := false
	if !d.Location.LastUpdated.IsZero() {
		elapsed := at.Sub(d.Location.LastUpdated)
		speed := ImpliedSpeedKmh(d.Location.Coord, fix.Coord, elapsed)
		if speed > SpoofSpeedKmh {
			flagged = true
			inc, err := m.openIncident(ctx, models.Incident{
				Type:        models.IncidentGPSSpoofing,
				Severity:    models.SeverityCritical,
				DriverID:    d.ID,
				BookingID:   d.CurrentBookingID,
				Description: fmt.Sprintf("implied speed %.1f km/h between fixes %.0fs apart", speed, elapsed.Seconds()),
			})
			if err != nil {
				return nil, err
			}
			m.Logger.Warn("gps spoofing flagged", "driver_id", d.ID, "speed_kmh", speed, "incident_id", inc.ID)
		}
	}

	d.Location = models.GPSFix{
		Coord:       fix.Coord,
		AccuracyM:   fix.AccuracyM,
		SpeedMps:    fix.SpeedMps,
		Heading:     fix.Heading,
		LastUpdated: at,
	}
	if err := m.Store.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	return &LocationResult{Accepted: true, SpoofingFlagged: flagged}, nil
}

// CheckIdle opens a MINOR incident for an available driver whose last
// fix is at least IdleThreshold old. One incident per idle interval: if
// an open idle incident is newer than the last fix, the interval was
// already reported.
func (m *Monitor) CheckIdle(ctx context.Context, d *models.Driver) (*models.Incident, error) {
	if d.Availability != models.AvailabilityOn || d.Location.LastUpdated.IsZero() {
		return nil, nil
	}
	now := m.now()
	idle := now.Sub(d.Location.LastUpdated)
	if idle < IdleThreshold {
		return nil, nil
	}
	open, err := m.Store.OpenIncidents(ctx, d.ID, models.IncidentExcessiveIdleTime)
	if err != nil {
		return nil, err
	}
	for _, inc := range open {
		if inc.ReportedAt.After(d.Location.LastUpdated) {
			return nil, nil
		}
	}
	return m.openIncident(ctx, models.Incident{
		Type:        models.IncidentExcessiveIdleTime,
		Severity:    models.SeverityMinor,
		DriverID:    d.ID,
		Description: fmt.Sprintf("driver idle for %d minutes while available", int(idle.Minutes())),
	})
}

// CheckGeofence opens a MAJOR incident when the driver's current fix is
// outside every authorized zone. No zones configured means no policy to
// enforce.
func (m *Monitor) CheckGeofence(ctx context.Context, d *models.Driver) (*models.Incident, error) {
	if len(m.Zones) == 0 || d.Location.LastUpdated.IsZero() {
		return nil, nil
	}
	for _, z := range m.Zones {
		if !z.Authorized {
			continue
		}
		if geo.Distance(d.Location.Coord, z.Center) <= z.RadiusM {
			return nil, nil
		}
	}
	return m.openIncident(ctx, models.Incident{
		Type:        models.IncidentGeofenceBreach,
		Severity:    models.SeverityMajor,
		DriverID:    d.ID,
		VehicleID:   d.VehicleID,
		Description: fmt.Sprintf("vehicle outside all authorized zones at %.5f,%.5f", d.Location.Coord.Lat, d.Location.Coord.Lon),
	})
}

// Sweep runs the idle and geofence rules over every active driver.
func (m *Monitor) Sweep(ctx context.Context) {
	drivers, err := m.Store.ListActiveDrivers(ctx)
	if err != nil {
		m.Logger.Error("anomaly sweep list failed", "error", err)
		return
	}
	available := 0
	for _, d := range drivers {
		if d.Availability == models.AvailabilityOn {
			available++
		}
	}
	observability.DriversAvailable.Set(float64(available))
	for _, d := range drivers {
		if _, err := m.CheckIdle(ctx, d); err != nil {
			m.Logger.Warn("idle check failed", "driver_id", d.ID, "error", err)
		}
		if _, err := m.CheckGeofence(ctx, d); err != nil {
			m.Logger.Warn("geofence check failed", "driver_id", d.ID, "error", err)
		}
	}
}

func (m *Monitor) openIncident(ctx context.Context, inc models.Incident) (*models.Incident, error) {
	inc.ID = "INC_" + uuid.NewString()
	inc.Status = models.IncidentOpen
	inc.ReportedAt = m.now()
	if err := m.Store.SaveIncident(ctx, &inc); err != nil {
		return nil, err
	}
	observability.IncidentsTotal.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()
	m.Emitter.Audit(audit.Event{
		Action:      string(inc.Type),
		EntityType:  "INCIDENT",
		EntityID:    inc.ID,
		Severity:    string(inc.Severity),
		Description: inc.Description,
	})
	return &inc, nil
}
