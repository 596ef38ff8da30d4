package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/example/fleet-allocation/internal/models"
)

// PostgresStore persists drivers, bookings, incidents and vehicles.
// Nested history (toggles, penalties, snapshots) is stored as jsonb.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const driverColumns = `id, user_id, name, license_number, license_expiry, vehicle_id,
 availability, active, tier, eligible,
 lat, lon, accuracy_m, speed_mps, heading, location_updated,
 avg_rating, total_ratings, completion_rate, trips_today, trips_month, trips_all_time,
 toggles, penalties, tier_info,
 restricted, restriction_reason, restriction_until, current_booking_id`

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	toggles, penalties, tierInfo, err := marshalDriverJSON(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`)
 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		d.ID, d.UserID, d.Name, d.LicenseNumber, d.LicenseExpiry, nullStr(d.VehicleID),
		string(d.Availability), d.Active, string(d.Tier), d.Eligible,
		d.Location.Coord.Lat, d.Location.Coord.Lon, d.Location.AccuracyM, d.Location.SpeedMps, d.Location.Heading, nullTime(d.Location.LastUpdated),
		d.Metrics.AverageRating, d.Metrics.TotalRatings, d.Metrics.CompletionRate, d.Metrics.TripsToday, d.Metrics.TripsThisMonth, d.Metrics.TripsAllTime,
		toggles, penalties, tierInfo,
		d.Restricted, nullStr(d.RestrictionReason), nullTime(d.RestrictionUntil), nullStr(d.CurrentBookingID))
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id)
	d, err := scanDriver(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	toggles, penalties, tierInfo, err := marshalDriverJSON(d)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET
 vehicle_id=$2, availability=$3, active=$4, tier=$5, eligible=$6,
 lat=$7, lon=$8, accuracy_m=$9, speed_mps=$10, heading=$11, location_updated=$12,
 avg_rating=$13, total_ratings=$14, completion_rate=$15, trips_today=$16, trips_month=$17, trips_all_time=$18,
 toggles=$19, penalties=$20, tier_info=$21,
 restricted=$22, restriction_reason=$23, restriction_until=$24, current_booking_id=$25
 WHERE id=$1`,
		d.ID, nullStr(d.VehicleID), string(d.Availability), d.Active, string(d.Tier), d.Eligible,
		d.Location.Coord.Lat, d.Location.Coord.Lon, d.Location.AccuracyM, d.Location.SpeedMps, d.Location.Heading, nullTime(d.Location.LastUpdated),
		d.Metrics.AverageRating, d.Metrics.TotalRatings, d.Metrics.CompletionRate, d.Metrics.TripsToday, d.Metrics.TripsThisMonth, d.Metrics.TripsAllTime,
		toggles, penalties, tierInfo,
		d.Restricted, nullStr(d.RestrictionReason), nullTime(d.RestrictionUntil), nullStr(d.CurrentBookingID))
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) ListCandidates(ctx context.Context, f CandidateFilter) ([]*models.Driver, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	tiers := make([]string, 0, len(f.Tiers))
	for _, t := range f.Tiers {
		tiers = append(tiers, string(t))
	}
	exclude := f.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
 WHERE active AND eligible AND availability='ON'
   AND current_booking_id IS NULL
   AND (NOT restricted OR (restriction_until IS NOT NULL AND restriction_until <= $1))
   AND tier = ANY($2)
   AND avg_rating >= $3
   AND NOT (id = ANY($4))
 ORDER BY avg_rating DESC`,
		now, pq.Array(tiers), f.MinRating, pq.Array(exclude))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListActiveDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimDriver(ctx context.Context, driverID, bookingID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_booking_id=$2
 WHERE id=$1 AND active AND eligible AND availability='ON'
   AND current_booking_id IS NULL
   AND (NOT restricted OR (restriction_until IS NOT NULL AND restriction_until <= $3))`,
		driverID, bookingID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, driverID, bookingID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET current_booking_id=NULL WHERE id=$1 AND current_booking_id=$2`,
		driverID, bookingID)
	return err
}

func (p *PostgresStore) AverageMonthlyTrips(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT AVG(trips_month) FROM drivers`).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func (p *PostgresStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	requester, driver, vehicle, external, cancellation, rating, err := marshalBookingJSON(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings(id, requester, pickup_lat, pickup_lon, pickup_address,
 drop_lat, drop_lon, drop_address, requested_at, status, method,
 assigned_driver, assigned_vehicle, guest_name, external_ref, cancellation, rating, created_at, updated_at)
 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		b.ID, requester, b.Pickup.Lat, b.Pickup.Lon, b.PickupAddress,
		b.Drop.Lat, b.Drop.Lon, b.DropAddress, b.RequestedAt, string(b.Status), nullStr(string(b.Method)),
		driver, vehicle, nullStr(b.GuestName), external, cancellation, rating, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, requester, pickup_lat, pickup_lon, pickup_address,
 drop_lat, drop_lon, drop_address, requested_at, status, method,
 assigned_driver, assigned_vehicle, guest_name, external_ref, cancellation, rating, created_at, updated_at
 FROM bookings WHERE id=$1`, id)
	b := &models.Booking{}
	var requester, driver, vehicle, external, cancellation, rating []byte
	var method, guest sql.NullString
	var status string
	err := row.Scan(&b.ID, &requester, &b.Pickup.Lat, &b.Pickup.Lon, &b.PickupAddress,
		&b.Drop.Lat, &b.Drop.Lon, &b.DropAddress, &b.RequestedAt, &status, &method,
		&driver, &vehicle, &guest, &external, &cancellation, &rating, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	b.Method = models.AllocationMethod(method.String)
	b.GuestName = guest.String
	if err := unmarshalInto(requester, &b.Requester); err != nil {
		return nil, err
	}
	if len(driver) > 0 {
		b.AssignedDriver = &models.AssignedDriver{}
		if err := unmarshalInto(driver, b.AssignedDriver); err != nil {
			return nil, err
		}
	}
	if len(vehicle) > 0 {
		b.AssignedVehicle = &models.AssignedVehicle{}
		if err := unmarshalInto(vehicle, b.AssignedVehicle); err != nil {
			return nil, err
		}
	}
	if len(external) > 0 {
		b.External = &models.ExternalBooking{}
		if err := unmarshalInto(external, b.External); err != nil {
			return nil, err
		}
	}
	if len(cancellation) > 0 {
		b.Cancellation = &models.Cancellation{}
		if err := unmarshalInto(cancellation, b.Cancellation); err != nil {
			return nil, err
		}
	}
	if len(rating) > 0 {
		b.Rating = &models.Rating{}
		if err := unmarshalInto(rating, b.Rating); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	_, driver, vehicle, external, cancellation, rating, err := marshalBookingJSON(b)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET status=$2, method=$3,
 assigned_driver=$4, assigned_vehicle=$5, external_ref=$6, cancellation=$7, rating=$8, updated_at=$9 WHERE id=$1`,
		b.ID, string(b.Status), nullStr(string(b.Method)), driver, vehicle, external, cancellation, rating, time.Now())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) RecentRatings(ctx context.Context, driverID string, since time.Time) ([]float64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT (rating->>'score')::double precision
 FROM bookings WHERE assigned_driver->>'id'=$1 AND rating IS NOT NULL AND (rating->>'rated_at')::timestamptz >= $2`,
		driverID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return nil, err
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO incidents(id, type, severity, status, driver_id, vehicle_id, booking_id, description, reported_at)
 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		inc.ID, string(inc.Type), string(inc.Severity), string(inc.Status),
		nullStr(inc.DriverID), nullStr(inc.VehicleID), nullStr(inc.BookingID), inc.Description, inc.ReportedAt)
	return err
}

func (p *PostgresStore) OpenIncidents(ctx context.Context, driverID string, t models.IncidentType) ([]*models.Incident, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, type, severity, status, driver_id, vehicle_id, booking_id, description, reported_at
 FROM incidents WHERE driver_id=$1 AND type=$2 AND status='OPEN' ORDER BY reported_at DESC`,
		driverID, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Incident
	for rows.Next() {
		inc := &models.Incident{}
		var typ, sev, status string
		var driver, vehicle, booking sql.NullString
		if err := rows.Scan(&inc.ID, &typ, &sev, &status, &driver, &vehicle, &booking, &inc.Description, &inc.ReportedAt); err != nil {
			return nil, err
		}
		inc.Type = models.IncidentType(typ)
		inc.Severity = models.Severity(sev)
		inc.Status = models.IncidentStatus(status)
		inc.DriverID = driver.String
		inc.VehicleID = vehicle.String
		inc.BookingID = booking.String
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicles(id, registration, model, active) VALUES($1,$2,$3,$4)`,
		v.ID, v.Registration, v.Model, v.Active)
	return err
}

func (p *PostgresStore) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	v := &models.Vehicle{}
	err := p.db.QueryRowContext(ctx, `SELECT id, registration, model, active FROM vehicles WHERE id=$1`, id).
		Scan(&v.ID, &v.Registration, &v.Model, &v.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	d := &models.Driver{}
	var availability, tier string
	var vehicleID, restrictionReason, currentBooking sql.NullString
	var locationUpdated, restrictionUntil sql.NullTime
	var toggles, penalties, tierInfo []byte
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.LicenseNumber, &d.LicenseExpiry, &vehicleID,
		&availability, &d.Active, &tier, &d.Eligible,
		&d.Location.Coord.Lat, &d.Location.Coord.Lon, &d.Location.AccuracyM, &d.Location.SpeedMps, &d.Location.Heading, &locationUpdated,
		&d.Metrics.AverageRating, &d.Metrics.TotalRatings, &d.Metrics.CompletionRate, &d.Metrics.TripsToday, &d.Metrics.TripsThisMonth, &d.Metrics.TripsAllTime,
		&toggles, &penalties, &tierInfo,
		&d.Restricted, &restrictionReason, &restrictionUntil, &currentBooking)
	if err != nil {
		return nil, err
	}
	d.Availability = models.AvailabilityStatus(availability)
	d.Tier = models.TierCategory(tier)
	d.VehicleID = vehicleID.String
	d.RestrictionReason = restrictionReason.String
	d.CurrentBookingID = currentBooking.String
	d.Location.LastUpdated = locationUpdated.Time
	d.RestrictionUntil = restrictionUntil.Time
	if err := unmarshalInto(toggles, &d.Toggles); err != nil {
		return nil, err
	}
	if err := unmarshalInto(penalties, &d.Penalties); err != nil {
		return nil, err
	}
	if err := unmarshalInto(tierInfo, &d.TierInfo); err != nil {
		return nil, err
	}
	return d, nil
}

func marshalDriverJSON(d *models.Driver) (toggles, penalties, tierInfo []byte, err error) {
	if toggles, err = json.Marshal(d.Toggles); err != nil {
		return
	}
	if penalties, err = json.Marshal(d.Penalties); err != nil {
		return
	}
	tierInfo, err = json.Marshal(d.TierInfo)
	return
}

func marshalBookingJSON(b *models.Booking) (requester, driver, vehicle, external, cancellation, rating []byte, err error) {
	if requester, err = json.Marshal(b.Requester); err != nil {
		return
	}
	if b.AssignedDriver != nil {
		if driver, err = json.Marshal(b.AssignedDriver); err != nil {
			return
		}
	}
	if b.AssignedVehicle != nil {
		if vehicle, err = json.Marshal(b.AssignedVehicle); err != nil {
			return
		}
	}
	if b.External != nil {
		if external, err = json.Marshal(b.External); err != nil {
			return
		}
	}
	if b.Cancellation != nil {
		if cancellation, err = json.Marshal(b.Cancellation); err != nil {
			return
		}
	}
	if b.Rating != nil {
		rating, err = json.Marshal(b.Rating)
	}
	return
}

func unmarshalInto(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
