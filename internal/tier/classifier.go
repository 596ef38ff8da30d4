package tier

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

// PenaltyWindow is how far back unresolved penalties count against a
// driver's tier.
const PenaltyWindow = 180 * 24 * time.Hour

// Classify is a pure function of the three inputs. No side channel: the
// same inputs always produce the same tier.
func Classify(rating, completionRate float64, recentPenalties int) (models.TierCategory, bool) {
	switch {
	case rating >= 4.5 && completionRate >= 95 && recentPenalties == 0:
		return models.Tier1Reserved, true
	case rating >= 4.0 && completionRate >= 90 && recentPenalties <= 1:
		return models.Tier2Priority, true
	case rating >= 3.5 && completionRate >= 85:
		return models.Tier3Standard, true
	default:
		return models.Tier4Probation, false
	}
}

// RecentPenalties counts unresolved penalties inside the trailing window.
func RecentPenalties(penalties []models.Penalty, now time.Time) int {
	cutoff := now.Add(-PenaltyWindow)
	n := 0
	for _, p := range penalties {
		if !p.Resolved && p.Date.After(cutoff) {
			n++
		}
	}
	return n
}

// Apply reclassifies the driver in place and records the justification
// snapshot. Returns true if the tier or eligibility changed.
func Apply(d *models.Driver, now time.Time) bool {
	recent := RecentPenalties(d.Penalties, now)
	newTier, eligible := Classify(d.Metrics.AverageRating, d.Metrics.CompletionRate, recent)
	changed := d.Tier != newTier || d.Eligible != eligible
	d.Tier = newTier
	d.Eligible = eligible
	d.TierInfo = models.TierJustification{
		Rating:          d.Metrics.AverageRating,
		CompletionRate:  d.Metrics.CompletionRate,
		RecentPenalties: recent,
		Eligible:        eligible,
		LastReviewed:    now,
	}
	return changed
}

// Classifier persists reclassifications and announces changes.
type Classifier struct {
	Store   storage.DriverStore
	Emitter audit.Emitter
	Logger  *slog.Logger
}

// Reclassify recomputes one driver's tier and saves it if it changed.
func (c *Classifier) Reclassify(ctx context.Context, driverID string) (*models.Driver, error) {
	d, err := c.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	old := d.Tier
	if !Apply(d, time.Now()) {
		return d, nil
	}
	if err := c.Store.UpdateDriver(ctx, d); err != nil {
		return nil, err
	}
	c.Emitter.Audit(audit.Event{
		Action:      "TIER_RECLASSIFIED",
		EntityType:  "DRIVER",
		EntityID:    d.ID,
		OldValue:    old,
		NewValue:    d.Tier,
		Description: "driver tier reclassified",
	})
	c.Logger.Info("driver reclassified", "driver_id", d.ID, "old_tier", old, "new_tier", d.Tier, "eligible", d.Eligible)
	return d, nil
}

// Sweep reclassifies every active driver. Intended for the periodic
// ticker in cmd/server; individual failures are logged and skipped.
func (c *Classifier) Sweep(ctx context.Context) {
	drivers, err := c.Store.ListActiveDrivers(ctx)
	if err != nil {
		c.Logger.Error("tier sweep list failed", "error", err)
		return
	}
	for _, d := range drivers {
		if _, err := c.Reclassify(ctx, d.ID); err != nil {
			c.Logger.Warn("tier sweep skip", "driver_id", d.ID, "error", err)
		}
	}
}
