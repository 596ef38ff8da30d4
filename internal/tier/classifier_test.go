package tier

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/fleet-allocation/internal/audit"
	"github.com/example/fleet-allocation/internal/models"
	"github.com/example/fleet-allocation/internal/storage"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		rating     float64
		completion float64
		penalties  int
		want       models.TierCategory
		eligible   bool
	}{
		{4.6, 96, 0, models.Tier1Reserved, true},
		{4.5, 95, 0, models.Tier1Reserved, true},
		{4.6, 96, 1, models.Tier2Priority, true}, // one penalty drops out of tier 1
		{4.2, 92, 1, models.Tier2Priority, true},
		{4.6, 96, 2, models.Tier3Standard, true}, // two penalties drop out of tier 2
		{3.5, 85, 5, models.Tier3Standard, true},
		{3.4, 90, 0, models.Tier4Probation, false},
		{4.8, 80, 0, models.Tier4Probation, false}, // completion gates every tier
	}
	for _, c := range cases {
		tier, eligible := Classify(c.rating, c.completion, c.penalties)
		if tier != c.want || eligible != c.eligible {
			t.Fatalf("Classify(%.1f, %.0f, %d) = %s/%v, want %s/%v",
				c.rating, c.completion, c.penalties, tier, eligible, c.want, c.eligible)
		}
	}
}

func TestRecentPenaltiesWindow(t *testing.T) {
	now := time.Now()
	ps := []models.Penalty{
		{Date: now.Add(-24 * time.Hour)},                 // counts
		{Date: now.Add(-200 * 24 * time.Hour)},           // aged out
		{Date: now.Add(-24 * time.Hour), Resolved: true}, // resolved
		{Date: now.Add(-170 * 24 * time.Hour)},           // counts
	}
	if n := RecentPenalties(ps, now); n != 2 {
		t.Fatalf("expected 2 recent penalties, got %d", n)
	}
}

func TestApplyRecordsJustification(t *testing.T) {
	now := time.Now()
	d := &models.Driver{
		Tier:     models.Tier2Priority,
		Eligible: true,
		Metrics:  models.PerformanceMetrics{AverageRating: 4.7, CompletionRate: 97},
	}
	if !Apply(d, now) {
		t.Fatal("expected a tier change")
	}
	if d.Tier != models.Tier1Reserved || !d.Eligible {
		t.Fatalf("expected promotion to tier 1, got %s eligible=%v", d.Tier, d.Eligible)
	}
	if d.TierInfo.Rating != 4.7 || d.TierInfo.RecentPenalties != 0 || !d.TierInfo.LastReviewed.Equal(now) {
		t.Fatalf("justification not recorded: %+v", d.TierInfo)
	}
	// same inputs again: no change
	if Apply(d, now) {
		t.Fatal("expected no change on second apply")
	}
}

func TestReclassifyPersistsChange(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := &models.Driver{
		ID:       "D1",
		Active:   true,
		Tier:     models.Tier1Reserved,
		Eligible: true,
		Metrics:  models.PerformanceMetrics{AverageRating: 3.0, CompletionRate: 70},
	}
	if err := store.SaveDriver(ctx, d); err != nil {
		t.Fatal(err)
	}
	c := &Classifier{Store: store, Emitter: audit.Nop{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	got, err := c.Reclassify(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != models.Tier4Probation || got.Eligible {
		t.Fatalf("expected probation/ineligible, got %s eligible=%v", got.Tier, got.Eligible)
	}
	saved, err := store.GetDriver(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Tier != models.Tier4Probation {
		t.Fatalf("change not persisted: %s", saved.Tier)
	}
}
