package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AvailabilityStatus is the driver's self-reported duty state.
type AvailabilityStatus string

const (
	AvailabilityOn  AvailabilityStatus = "ON"
	AvailabilityOff AvailabilityStatus = "OFF"
)

// TierCategory gates which allocation pass a driver can appear in.
type TierCategory string

const (
	Tier1Reserved  TierCategory = "TIER_1_RESERVED"
	Tier2Priority  TierCategory = "TIER_2_PRIORITY"
	Tier3Standard  TierCategory = "TIER_3_STANDARD"
	Tier4Probation TierCategory = "TIER_4_PROBATION"
)

type BookingStatus string

const (
	StatusPending        BookingStatus = "PENDING"
	StatusAssigned       BookingStatus = "ASSIGNED"
	StatusDriverAccepted BookingStatus = "DRIVER_ACCEPTED"
	StatusEnRoute        BookingStatus = "EN_ROUTE"
	StatusArrived        BookingStatus = "ARRIVED"
	StatusInProgress     BookingStatus = "IN_PROGRESS"
	StatusCompleted      BookingStatus = "COMPLETED"
	StatusCancelled      BookingStatus = "CANCELLED"
	StatusNoShow         BookingStatus = "NO_SHOW"
)

// Terminal reports whether no further transitions are allowed from s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type AllocationMethod string

const (
	MethodTier1BestDriver AllocationMethod = "TIER_1_BEST_DRIVER"
	MethodTier2NextDriver AllocationMethod = "TIER_2_NEXT_DRIVER"
	MethodTier3External   AllocationMethod = "TIER_3_EXTERNAL"
	MethodManualOverride  AllocationMethod = "MANUAL_OVERRIDE"
)

type AcceptanceStatus string

const (
	AcceptancePending  AcceptanceStatus = "PENDING"
	AcceptanceAccepted AcceptanceStatus = "ACCEPTED"
	AcceptanceRejected AcceptanceStatus = "REJECTED"
)

type IncidentType string

const (
	IncidentGPSSpoofing        IncidentType = "GPS_SPOOFING"
	IncidentAvailabilityFraud  IncidentType = "AVAILABILITY_FRAUD"
	IncidentExcessiveIdleTime  IncidentType = "EXCESSIVE_IDLE_TIME"
	IncidentGeofenceBreach     IncidentType = "GEOFENCE_BREACH"
	IncidentSuspiciousActivity IncidentType = "SUSPICIOUS_ACTIVITY"
)

type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

type IncidentStatus string

const (
	IncidentOpen               IncidentStatus = "OPEN"
	IncidentUnderInvestigation IncidentStatus = "UNDER_INVESTIGATION"
	IncidentResolved           IncidentStatus = "RESOLVED"
	IncidentClosed             IncidentStatus = "CLOSED"
)

// GPSFix is one reported location sample.
type GPSFix struct {
	Coord       Coord     `json:"coord"`
	AccuracyM   float64   `json:"accuracy_m,omitempty"`
	SpeedMps    float64   `json:"speed_mps,omitempty"`
	Heading     float64   `json:"heading,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// ToggleEvent records one availability flip, kept in driver history for
// the toggle-abuse window query.
type ToggleEvent struct {
	Timestamp      time.Time          `json:"timestamp"`
	PreviousStatus AvailabilityStatus `json:"previous_status"`
	NewStatus      AvailabilityStatus `json:"new_status"`
	Reason         string             `json:"reason,omitempty"`
	Location       Coord              `json:"location"`
}

type Penalty struct {
	ID       string    `json:"id"`
	Severity Severity  `json:"severity"`
	Reason   string    `json:"reason"`
	Date     time.Time `json:"date"`
	Resolved bool      `json:"resolved"`
}

type PerformanceMetrics struct {
	AverageRating  float64   `json:"average_rating"` // 0..5
	TotalRatings   int       `json:"total_ratings"`
	CompletionRate float64   `json:"completion_rate"` // 0..100
	TripsToday     int       `json:"trips_today"`
	TripsThisMonth int       `json:"trips_this_month"`
	TripsAllTime   int       `json:"trips_all_time"`
	LastRatingAt   time.Time `json:"last_rating_at,omitempty"`
}

// TierJustification snapshots the inputs the classifier used, so an audit
// can reproduce why a driver landed in a tier.
type TierJustification struct {
	Rating          float64   `json:"rating"`
	CompletionRate  float64   `json:"completion_rate"`
	RecentPenalties int       `json:"recent_penalties"`
	Eligible        bool      `json:"eligible"`
	LastReviewed    time.Time `json:"last_reviewed"`
}

type Driver struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name,omitempty"`
	LicenseNumber string    `json:"license_number"`
	LicenseExpiry time.Time `json:"license_expiry"`
	VehicleID     string    `json:"vehicle_id,omitempty"`

	Availability AvailabilityStatus `json:"availability"`
	Active       bool               `json:"active"`
	Tier         TierCategory       `json:"tier"`
	Eligible     bool               `json:"eligible"`

	Location GPSFix             `json:"location"`
	Metrics  PerformanceMetrics `json:"metrics"`
	TierInfo TierJustification  `json:"tier_info"`

	Toggles   []ToggleEvent `json:"toggles,omitempty"`
	Penalties []Penalty     `json:"penalties,omitempty"`

	Restricted        bool      `json:"restricted"`
	RestrictionReason string    `json:"restriction_reason,omitempty"`
	RestrictionUntil  time.Time `json:"restriction_until,omitempty"`

	// CurrentBookingID is non-empty while the driver is bound to an
	// active booking; the claim CAS pivots on this field.
	CurrentBookingID string `json:"current_booking_id,omitempty"`
}

// RestrictedNow reports whether the driver is under an active restriction.
// An expired restriction no longer excludes the driver even if the flag
// was never cleared by a sweep.
func (d *Driver) RestrictedNow(now time.Time) bool {
	if !d.Restricted {
		return false
	}
	if d.RestrictionUntil.IsZero() {
		return true
	}
	return now.Before(d.RestrictionUntil)
}

type Vehicle struct {
	ID           string `json:"id"`
	Registration string `json:"registration"`
	Model        string `json:"model"`
	Active       bool   `json:"active"`
}

// AssignedDriver is the snapshot embedded in a booking at allocation time.
type AssignedDriver struct {
	ID               string           `json:"id"`
	Name             string           `json:"name,omitempty"`
	Rating           float64          `json:"rating"`
	Tier             TierCategory     `json:"tier"`
	AcceptanceStatus AcceptanceStatus `json:"acceptance_status"`
	RespondedAt      time.Time        `json:"responded_at,omitempty"`
}

type AssignedVehicle struct {
	ID           string `json:"id"`
	Registration string `json:"registration"`
	Model        string `json:"model"`
}

type Requester struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Designation string `json:"designation,omitempty"`
	Department  string `json:"department,omitempty"`
}

type Cancellation struct {
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
}

type Rating struct {
	Score    float64   `json:"score"`
	Feedback string    `json:"feedback,omitempty"`
	RatedAt  time.Time `json:"rated_at"`
	RatedBy  string    `json:"rated_by"`
}

type Booking struct {
	ID            string        `json:"id"`
	Requester     Requester     `json:"requester"`
	Pickup        Coord         `json:"pickup"`
	PickupAddress string        `json:"pickup_address,omitempty"`
	Drop          Coord         `json:"drop"`
	DropAddress   string        `json:"drop_address,omitempty"`
	RequestedAt   time.Time     `json:"requested_at"`
	Status        BookingStatus `json:"status"`

	// Method is empty only while Status is PENDING.
	Method          AllocationMethod `json:"allocation_method,omitempty"`
	AssignedDriver  *AssignedDriver  `json:"assigned_driver,omitempty"`
	AssignedVehicle *AssignedVehicle `json:"assigned_vehicle,omitempty"`

	GuestName    string           `json:"guest_name,omitempty"`
	External     *ExternalBooking `json:"external,omitempty"`
	Cancellation *Cancellation    `json:"cancellation,omitempty"`
	Rating       *Rating          `json:"rating,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Incident struct {
	ID          string         `json:"id"`
	Type        IncidentType   `json:"type"`
	Severity    Severity       `json:"severity"`
	Status      IncidentStatus `json:"status"`
	DriverID    string         `json:"driver_id,omitempty"`
	VehicleID   string         `json:"vehicle_id,omitempty"`
	BookingID   string         `json:"booking_id,omitempty"`
	Description string         `json:"description"`
	ReportedAt  time.Time      `json:"reported_at"`
}

// GeofenceZone is a circular authorized operating area. Read-only input
// to the geofence detector.
type GeofenceZone struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Center     Coord   `json:"center"`
	RadiusM    float64 `json:"radius_m"`
	Authorized bool    `json:"authorized"`
}

// ExternalOption is one mocked third-party ride estimate returned when
// no internal driver could be bound.
type ExternalOption struct {
	Provider   string  `json:"provider"`
	Available  bool    `json:"available"`
	ETAMinutes float64 `json:"eta_minutes"`
	Cost       float64 `json:"cost"`
	Currency   string  `json:"currency"`
}

// ExternalBooking records the requester's confirmed external option and
// the fare hold placed against it.
type ExternalBooking struct {
	Provider    string    `json:"provider"`
	Cost        float64   `json:"cost"`
	Currency    string    `json:"currency"`
	HoldID      string    `json:"hold_id,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// AllocationResult is what CreateAllocation hands back to the API layer.
type AllocationResult struct {
	BookingID       string           `json:"booking_id"`
	Method          AllocationMethod `json:"allocation_method"`
	Driver          *Driver          `json:"driver,omitempty"`
	Vehicle         *Vehicle         `json:"vehicle,omitempty"`
	ExternalOptions []ExternalOption `json:"external_options,omitempty"`
	Score           float64          `json:"score,omitempty"`
}

// LocationFix is the GPS ingest event published to Kafka and consumed by
// the anomaly pipeline.
type LocationFix struct {
	DriverID  string    `json:"driver_id"`
	Coord     Coord     `json:"coord"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	SpeedMps  float64   `json:"speed_mps,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	At        time.Time `json:"at"`
}
