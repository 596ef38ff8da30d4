package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/observability"
	"github.com/example/fleet-allocation/internal/storage"
	"github.com/example/fleet-allocation/internal/tier"
)

var (
	// ErrCancellationWindow means the booking left PENDING and the
	// scheduled time is less than 30 minutes away.
	ErrCancellationWindow = errors.New("cancellation not allowed within 30 minutes of scheduled time")
)

// CancellationCutoff is how close to the scheduled time a non-PENDING
// booking can still be cancelled.
const CancellationCutoff = 30 * time.Minute

// DefaultMaxClaimAttempts bounds how many candidates one resolution
// pass will try to bind before giving up to the external fallback.
const DefaultMaxClaimAttempts = 5

// RatingLookback is the trailing window a driver's average rating is
// computed over. Older ratings age out of the average.
const RatingLookback = 90 * 24 * time.Hour

// AssignmentOffer is what gets pushed to the chosen driver.
type AssignmentOffer struct {
	BookingID   string       `json:"booking_id"`
	Pickup      models.Coord `json:"pickup"`
	Drop        models.Coord `json:"drop"`
	RequestedAt time.Time    `json:"requested_at"`
	Score       float64      `json:"score"`
}

// Dispatcher delivers an offer to a driver. Best-effort: a delivery
// failure never fails the allocation.
type Dispatcher interface {
	Offer(driverID string, offer AssignmentOffer) error
}

// FareHolder places a hold on the estimated fare when a requester
// confirms an external option. Satisfied by payments.StripeClient.
type FareHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// BookingRequest is the intake payload from the API layer.
type BookingRequest struct {
	Requester     models.Requester `json:"requester"`
	Pickup        models.Coord     `json:"pickup"`
	PickupAddress string           `json:"pickup_address,omitempty"`
	Drop          models.Coord     `json:"drop"`
	DropAddress   string           `json:"drop_address,omitempty"`
	RequestedAt   time.Time        `json:"requested_at,omitempty"`
	GuestName     string           `json:"guest_name,omitempty"`
}

// Orchestrator owns the booking state machine: allocation, the driver
// accept/reject loop, lifecycle transitions and cancellation.
type Orchestrator struct {
	Store      storage.Store
	Resolver   *Resolver
	Exclusions ExclusionSet
	Classifier *tier.Classifier
	Dispatch   Dispatcher
	Payments   FareHolder
	Emitter    audit.Emitter
	Logger     *slog.Logger

	// MaxClaimAttempts bounds candidate binding per allocation pass;
	// defaults to DefaultMaxClaimAttempts.
	MaxClaimAttempts int

	Now func() time.Time

	locks sync.Map // booking id -> *sync.Mutex
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// lockBooking serializes work on one booking so two driver responses, or
// a response and a re-allocation, never interleave.
func (o *Orchestrator) lockBooking(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// pruneLock drops the per-booking mutex once no further work on the
// booking needs serializing, so the map does not grow with every
// booking the process ever saw.
func (o *Orchestrator) pruneLock(id string) { o.locks.Delete(id) }

// CreateBooking persists a new PENDING booking and immediately runs
// allocation for it.
func (o *Orchestrator) CreateBooking(ctx context.Context, req BookingRequest) (*models.Booking, *models.AllocationResult, error) {
	now := o.now()
	b := &models.Booking{
		ID:            "BK" + uuid.NewString(),
		Requester:     req.Requester,
		Pickup:        req.Pickup,
		PickupAddress: req.PickupAddress,
		Drop:          req.Drop,
		DropAddress:   req.DropAddress,
		RequestedAt:   req.RequestedAt,
		Status:        models.StatusPending,
		GuestName:     req.GuestName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if b.RequestedAt.IsZero() {
		b.RequestedAt = now
	}
	if err := o.Store.SaveBooking(ctx, b); err != nil {
		return nil, nil, err
	}
	o.Emitter.Audit(audit.Event{
		Action:      "BOOKING_CREATED",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		ActorID:     req.Requester.ID,
		Description: "booking created",
	})
	res, err := o.Allocate(ctx, b.ID)
	if err != nil {
		return b, nil, err
	}
	return b, res, nil
}

// Allocate resolves candidates for a PENDING booking and binds the best
// one. Candidate selection and the driver bind are a conditional update:
// a claim that loses the race drops that candidate and moves on. With no
// internal capacity the booking stays PENDING and the result carries
// external options.
func (o *Orchestrator) Allocate(ctx context.Context, bookingID string) (*models.AllocationResult, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()
	return o.allocate(ctx, bookingID)
}

// allocate is the body of Allocate; callers hold the booking lock.
func (o *Orchestrator) allocate(ctx context.Context, bookingID string) (*models.AllocationResult, error) {
	start := time.Now()
	defer func() { observability.AllocationLatency.Observe(time.Since(start).Seconds()) }()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusPending {
		return nil, fmt.Errorf("booking %s not allocatable in status %s: %w", b.ID, b.Status, storage.ErrConflict)
	}

	exclude, err := o.Exclusions.Members(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	candidates, err := o.Resolver.Resolve(ctx, b.Pickup, exclude)
	if err != nil {
		return nil, err
	}

	maxAttempts := o.MaxClaimAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxClaimAttempts
	}
	now := o.now()
	attempts := 0
	for _, c := range candidates {
		if attempts >= maxAttempts {
			break
		}
		attempts++
		// CAS: a restriction or competing claim landing after the
		// candidate query fails here and the candidate is dropped.
		if err := o.Store.ClaimDriver(ctx, c.Driver.ID, b.ID, now); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				o.Logger.Debug("candidate claim lost", "booking_id", b.ID, "driver_id", c.Driver.ID)
				continue
			}
			return nil, err
		}
		return o.bind(ctx, b, c)
	}

	// Tier 3: no internal driver. Booking stays PENDING, no internal
	// fields are populated, caller gets external options.
	o.Logger.Info("falling back to external options", "booking_id", b.ID, "reason", ErrNoCapacity, "candidates_tried", attempts)
	b.Method = models.MethodTier3External
	b.UpdatedAt = o.now()
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	observability.AllocationsTotal.WithLabelValues(string(models.MethodTier3External)).Inc()
	o.Emitter.Audit(audit.Event{
		Action:      "ALLOCATION_EXTERNAL",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		Description: "no internal drivers available, external options returned",
	})
	return &models.AllocationResult{
		BookingID:       b.ID,
		Method:          models.MethodTier3External,
		ExternalOptions: ExternalFallback(b.Pickup, b.Drop),
	}, nil
}

// bind finalizes a claimed candidate onto the booking. A claimed driver
// without a vehicle is a hard failure: the claim is released and the
// pass aborts with ErrInvalidVehicleBinding.
func (o *Orchestrator) bind(ctx context.Context, b *models.Booking, c Candidate) (*models.AllocationResult, error) {
	d := c.Driver
	if d.VehicleID == "" {
		_ = o.Store.ReleaseDriver(ctx, d.ID, b.ID)
		return nil, fmt.Errorf("driver %s: %w", d.ID, ErrInvalidVehicleBinding)
	}
	v, err := o.Store.GetVehicle(ctx, d.VehicleID)
	if err != nil {
		_ = o.Store.ReleaseDriver(ctx, d.ID, b.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("driver %s vehicle %s: %w", d.ID, d.VehicleID, ErrInvalidVehicleBinding)
		}
		return nil, err
	}

	b.Status = models.StatusAssigned
	b.Method = c.Method
	b.AssignedDriver = &models.AssignedDriver{
		ID:               d.ID,
		Name:             d.Name,
		Rating:           d.Metrics.AverageRating,
		Tier:             d.Tier,
		AcceptanceStatus: models.AcceptancePending,
	}
	b.AssignedVehicle = &models.AssignedVehicle{
		ID:           v.ID,
		Registration: v.Registration,
		Model:        v.Model,
	}
	b.UpdatedAt = o.now()
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		_ = o.Store.ReleaseDriver(ctx, d.ID, b.ID)
		return nil, err
	}

	observability.AllocationsTotal.WithLabelValues(string(c.Method)).Inc()
	o.Emitter.Audit(audit.Event{
		Action:      "DRIVER_ASSIGNED",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		NewValue:    d.ID,
		Description: fmt.Sprintf("driver assigned via %s, score %.3f", c.Method, c.Score),
	})
	o.Emitter.Notify(audit.Notification{
		UserID:        d.UserID,
		Title:         "New assignment",
		Message:       "You have been assigned a booking. Accept or reject.",
		RelatedEntity: b.ID,
	})
	// best-effort push to the driver app
	if o.Dispatch != nil {
		if err := o.Dispatch.Offer(d.ID, AssignmentOffer{
			BookingID:   b.ID,
			Pickup:      b.Pickup,
			Drop:        b.Drop,
			RequestedAt: b.RequestedAt,
			Score:       c.Score,
		}); err != nil {
			o.Logger.Warn("offer dispatch failed", "booking_id", b.ID, "driver_id", d.ID, "error", err)
		}
	}
	o.Logger.Info("driver assigned", "booking_id", b.ID, "driver_id", d.ID, "method", c.Method, "score", c.Score)
	return &models.AllocationResult{
		BookingID: b.ID,
		Method:    c.Method,
		Driver:    d,
		Vehicle:   v,
		Score:     c.Score,
	}, nil
}

// Respond handles a driver's accept/reject of an assignment. A reject
// reverts the booking to PENDING, adds the driver to the booking's
// exclusion set and immediately re-runs allocation with that set.
func (o *Orchestrator) Respond(ctx context.Context, bookingID, driverID string, accepted bool) (*models.Booking, *models.AllocationResult, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if b.Status != models.StatusAssigned || b.AssignedDriver == nil {
		return nil, nil, fmt.Errorf("booking %s has no pending assignment: %w", bookingID, storage.ErrConflict)
	}
	if b.AssignedDriver.ID != driverID {
		return nil, nil, fmt.Errorf("driver %s is not assigned to booking %s: %w", driverID, bookingID, storage.ErrConflict)
	}
	now := o.now()

	if accepted {
		b.AssignedDriver.AcceptanceStatus = models.AcceptanceAccepted
		b.AssignedDriver.RespondedAt = now
		b.Status = models.StatusDriverAccepted
		b.UpdatedAt = now
		if err := o.Store.UpdateBooking(ctx, b); err != nil {
			return nil, nil, err
		}
		o.Emitter.Audit(audit.Event{
			Action:     "DRIVER_ACCEPTED",
			EntityType: "BOOKING",
			EntityID:   b.ID,
			ActorID:    driverID,
		})
		o.Emitter.Notify(audit.Notification{
			UserID:        b.Requester.ID,
			Title:         "Driver confirmed",
			Message:       "Your driver accepted the booking.",
			RelatedEntity: b.ID,
		})
		return b, nil, nil
	}

	// Reject: clear the assignment, remember the driver for this
	// booking, release the claim, and retry.
	observability.RejectionsTotal.Inc()
	rejected := b.AssignedDriver.ID
	b.AssignedDriver.AcceptanceStatus = models.AcceptanceRejected
	b.AssignedDriver.RespondedAt = now
	b.Status = models.StatusPending
	b.Method = ""
	b.AssignedDriver = nil
	b.AssignedVehicle = nil
	b.UpdatedAt = now
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, nil, err
	}
	if err := o.Exclusions.Add(ctx, b.ID, rejected); err != nil {
		return nil, nil, err
	}
	if err := o.Store.ReleaseDriver(ctx, rejected, b.ID); err != nil {
		return nil, nil, err
	}
	o.Emitter.Audit(audit.Event{
		Action:     "DRIVER_REJECTED",
		EntityType: "BOOKING",
		EntityID:   b.ID,
		ActorID:    rejected,
	})
	o.Logger.Info("driver rejected assignment", "booking_id", b.ID, "driver_id", rejected)

	// Re-allocate under the lock we already hold; the exclusion set now
	// carries the rejecting driver so it can never be re-selected.
	res, err := o.allocate(ctx, b.ID)
	if err != nil {
		return b, nil, err
	}
	return b, res, nil
}

// ErrUnknownProvider means the confirmed provider is not among the
// external options quoted for the booking.
var ErrUnknownProvider = errors.New("unknown external provider")

// ConfirmExternal records the requester's choice of an external option
// on a booking that fell through to the tier-3 fallback. When a payment
// backend is configured the estimated fare is held; the booking stays
// PENDING since no internal driver is bound.
func (o *Orchestrator) ConfirmExternal(ctx context.Context, bookingID, provider, customerID string) (*models.Booking, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusPending || b.Method != models.MethodTier3External {
		return nil, fmt.Errorf("booking %s has no external fallback to confirm: %w", bookingID, storage.ErrConflict)
	}

	var chosen *models.ExternalOption
	for _, opt := range ExternalFallback(b.Pickup, b.Drop) {
		if opt.Provider == provider {
			chosen = &opt
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrUnknownProvider)
	}

	now := o.now()
	ext := &models.ExternalBooking{
		Provider:    chosen.Provider,
		Cost:        chosen.Cost,
		Currency:    chosen.Currency,
		ConfirmedAt: now,
	}
	if o.Payments != nil {
		// amount in the currency's smallest unit
		holdID, err := o.Payments.Hold(ctx, int64(chosen.Cost*100), chosen.Currency, customerID)
		if err != nil {
			return nil, fmt.Errorf("fare hold for booking %s: %w", bookingID, err)
		}
		ext.HoldID = holdID
	}
	b.External = ext
	b.UpdatedAt = now
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	o.Emitter.Audit(audit.Event{
		Action:      "EXTERNAL_CONFIRMED",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		ActorID:     b.Requester.ID,
		NewValue:    provider,
		Description: fmt.Sprintf("external option confirmed, fare %.0f %s", chosen.Cost, chosen.Currency),
	})
	return b, nil
}

// Transition moves a booking along the progress chain
// (DRIVER_ACCEPTED -> EN_ROUTE -> ARRIVED -> IN_PROGRESS -> COMPLETED).
func (o *Orchestrator) Transition(ctx context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	// Cancellation carries the window check and the cancellation record,
	// so it only goes through Cancel.
	if to == models.StatusCancelled {
		return nil, fmt.Errorf("booking %s: cancellation must go through the cancel operation: %w", b.ID, storage.ErrConflict)
	}
	if !validNext(b.Status, to) {
		return nil, fmt.Errorf("cannot move booking %s from %s to %s: %w", b.ID, b.Status, to, storage.ErrConflict)
	}
	old := b.Status
	b.Status = to
	b.UpdatedAt = o.now()
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	o.Emitter.Audit(audit.Event{
		Action:     "STATUS_CHANGED",
		EntityType: "BOOKING",
		EntityID:   b.ID,
		OldValue:   old,
		NewValue:   to,
	})

	if to == models.StatusCompleted && b.AssignedDriver != nil {
		o.completeTrip(ctx, b)
	}
	if to == models.StatusNoShow && b.AssignedDriver != nil {
		_ = o.Store.ReleaseDriver(ctx, b.AssignedDriver.ID, b.ID)
	}
	if to.Terminal() {
		o.pruneLock(b.ID)
	}
	return b, nil
}

// completeTrip releases the driver and rolls their trip counters. Errors
// here are logged, the completion itself already committed.
func (o *Orchestrator) completeTrip(ctx context.Context, b *models.Booking) {
	driverID := b.AssignedDriver.ID
	if err := o.Store.ReleaseDriver(ctx, driverID, b.ID); err != nil {
		o.Logger.Warn("release after completion failed", "booking_id", b.ID, "driver_id", driverID, "error", err)
	}
	d, err := o.Store.GetDriver(ctx, driverID)
	if err != nil {
		o.Logger.Warn("trip counter update failed", "driver_id", driverID, "error", err)
		return
	}
	d.Metrics.TripsToday++
	d.Metrics.TripsThisMonth++
	d.Metrics.TripsAllTime++
	if err := o.Store.UpdateDriver(ctx, d); err != nil {
		o.Logger.Warn("trip counter update failed", "driver_id", driverID, "error", err)
	}
}

// Cancel cancels the booking, honoring the 30-minute window rule once
// the booking has left PENDING.
func (o *Orchestrator) Cancel(ctx context.Context, bookingID, cancelledBy, reason string) (*models.Booking, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return nil, fmt.Errorf("booking %s already %s: %w", b.ID, b.Status, storage.ErrConflict)
	}
	now := o.now()
	if b.Status != models.StatusPending && b.RequestedAt.Sub(now) < CancellationCutoff {
		return nil, ErrCancellationWindow
	}
	old := b.Status
	b.Status = models.StatusCancelled
	b.Cancellation = &models.Cancellation{CancelledAt: now, CancelledBy: cancelledBy, Reason: reason}
	b.UpdatedAt = now
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}
	if b.AssignedDriver != nil {
		_ = o.Store.ReleaseDriver(ctx, b.AssignedDriver.ID, b.ID)
	}
	o.Emitter.Audit(audit.Event{
		Action:      "BOOKING_CANCELLED",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		ActorID:     cancelledBy,
		OldValue:    old,
		NewValue:    models.StatusCancelled,
		Description: reason,
	})
	o.pruneLock(b.ID)
	return b, nil
}

// Rate records a rating on a completed booking, recomputes the driver's
// rolling average over the lookback window and triggers tier
// reclassification.
func (o *Orchestrator) Rate(ctx context.Context, bookingID, ratedBy string, score float64, feedback string) (*models.Booking, error) {
	unlock := o.lockBooking(bookingID)
	defer unlock()

	b, err := o.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusCompleted {
		return nil, fmt.Errorf("booking %s not completed: %w", b.ID, storage.ErrConflict)
	}
	if b.Rating != nil {
		return nil, fmt.Errorf("booking %s already rated: %w", b.ID, storage.ErrConflict)
	}
	now := o.now()
	b.Rating = &models.Rating{Score: score, Feedback: feedback, RatedAt: now, RatedBy: ratedBy}
	b.UpdatedAt = now
	if err := o.Store.UpdateBooking(ctx, b); err != nil {
		return nil, err
	}

	if b.AssignedDriver != nil {
		d, err := o.Store.GetDriver(ctx, b.AssignedDriver.ID)
		if err == nil {
			d.Metrics.AverageRating = o.windowAverage(ctx, d, score, now)
			d.Metrics.TotalRatings++
			d.Metrics.LastRatingAt = now
			if err := o.Store.UpdateDriver(ctx, d); err != nil {
				o.Logger.Warn("rating update failed", "driver_id", d.ID, "error", err)
			} else if o.Classifier != nil {
				if _, err := o.Classifier.Reclassify(ctx, d.ID); err != nil {
					o.Logger.Warn("reclassify after rating failed", "driver_id", d.ID, "error", err)
				}
			}
		}
	}
	o.Emitter.Audit(audit.Event{
		Action:      "DRIVER_RATED",
		EntityType:  "BOOKING",
		EntityID:    b.ID,
		ActorID:     ratedBy,
		NewValue:    score,
		Description: feedback,
	})
	o.pruneLock(b.ID)
	return b, nil
}

// windowAverage recomputes the driver's average over the ratings of the
// trailing RatingLookback window. The booking carrying the new score is
// already persisted, so the query picks it up. If the query fails we
// fall back to folding the score into the cumulative average.
func (o *Orchestrator) windowAverage(ctx context.Context, d *models.Driver, score float64, now time.Time) float64 {
	scores, err := o.Store.RecentRatings(ctx, d.ID, now.Add(-RatingLookback))
	if err != nil || len(scores) == 0 {
		if err != nil {
			o.Logger.Warn("rating window query failed", "driver_id", d.ID, "error", err)
		}
		total := float64(d.Metrics.TotalRatings)
		return (d.Metrics.AverageRating*total + score) / (total + 1)
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func validNext(from, to models.BookingStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StatusNoShow {
		return true
	}
	order := map[models.BookingStatus]models.BookingStatus{
		models.StatusDriverAccepted: models.StatusEnRoute,
		models.StatusEnRoute:        models.StatusArrived,
		models.StatusArrived:        models.StatusInProgress,
		models.StatusInProgress:     models.StatusCompleted,
	}
	return order[from] == to
}
