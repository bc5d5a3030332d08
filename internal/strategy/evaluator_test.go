package strategy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"resellpilot/internal/confidence"
	"resellpilot/internal/rules"
)

func ptr[T any](v T) *T { return &v }

var testNow = time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)

func newRepriceRules() rules.Reprice {
	return rules.Reprice{
		Strategy:             rules.StrategyTimeDecay,
		MaxDailyDropPercent:  0.10,
		MaxWeeklyDropPercent: 0.20,
		RespectFloorPrice:    true,
		HighValueThreshold:   1000,
	}
}

func newEvaluator() *Evaluator {
	return NewEvaluator(func() time.Time { return testNow }, time.UTC)
}

func newContext(price float64, floor *float64, days int) Context {
	return Context{
		UserID:       "user-1",
		Item:         Item{ID: "item-1", Title: "Denim jacket", AskingPrice: price, FloorPrice: floor},
		Listing:      Listing{ID: "listing-1", Channel: "ebay", Price: price},
		CurrentPrice: price,
		DaysListed:   days,
	}
}

func TestTimeDecayDrop(t *testing.T) {
	cases := []struct {
		days, threshold, want int
	}{
		{14, 14, 0},
		{15, 14, 5},
		{20, 14, 5},
		{29, 14, 10},
		{35, 14, 10},
		{200, 14, 50},
		{10, 3, 5},
	}
	for _, c := range cases {
		if got := TimeDecayDrop(c.days, c.threshold); got != c.want {
			t.Errorf("TimeDecayDrop(%d, %d) = %d, want %d", c.days, c.threshold, got, c.want)
		}
	}
}

func TestNewPrice_Floors(t *testing.T) {
	if got := NewPrice(100, nil, 10); got != 90 {
		t.Errorf("expected 90, got %v", got)
	}
	if got := NewPrice(100, ptr(95.0), 10); got != 95 {
		t.Errorf("expected floor 95, got %v", got)
	}
	if got := NewPrice(1.5, nil, 50); got != MinimumPrice {
		t.Errorf("expected minimum price, got %v", got)
	}
	if got := NewPrice(19.99, nil, 5); got != 18.99 {
		t.Errorf("expected 18.99, got %v", got)
	}
}

func TestNewPrice_NeverBelowFloorOrMinimum(t *testing.T) {
	for price := 1.0; price < 400; price += 7.13 {
		for drop := 0.0; drop <= 50; drop += 5 {
			floor := price * 0.8
			got := NewPrice(price, &floor, drop)
			if got < floor {
				t.Fatalf("price=%.2f drop=%.0f: %.2f below floor %.2f", price, drop, got, floor)
			}
			if got < MinimumPrice {
				t.Fatalf("price=%.2f drop=%.0f: %.2f below minimum", price, drop, got)
			}
		}
	}
}

func TestEvaluate_FloorWinsOverSchedule(t *testing.T) {
	res, err := newEvaluator().Evaluate(newContext(100, ptr(95.0), 100), newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 95 {
		t.Fatalf("expected new price 95, got %v", res.NewPrice)
	}
	if !res.ShouldReprice {
		t.Errorf("expected reprice, got %q", res.Reason)
	}
	// Near floor: 0.9 - 0.1.
	if res.Confidence != 0.8 || res.Level != confidence.LevelMedium {
		t.Errorf("expected 0.8/MEDIUM, got %f/%s", res.Confidence, res.Level)
	}
	if res.DropPercent == nil || *res.DropPercent != 5 {
		t.Errorf("expected actual drop 5%%, got %v", res.DropPercent)
	}
}

func TestEvaluate_DailyCapLimitsDrop(t *testing.T) {
	res, err := newEvaluator().Evaluate(newContext(200, nil, 100), newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 180 {
		t.Fatalf("expected daily cap to hold price at 180, got %v", res.NewPrice)
	}
	if res.Level != confidence.LevelHigh || !res.ShouldReprice {
		t.Errorf("expected HIGH auto reprice, got %s %v", res.Level, res.ShouldReprice)
	}
}

func TestEvaluate_AlreadyAtFloor(t *testing.T) {
	res, err := newEvaluator().Evaluate(newContext(50, ptr(50.0), 100), newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldReprice || res.NewPrice != nil {
		t.Error("expected no reprice at floor")
	}
	if res.Reason != "already at floor" || res.Confidence != 1.0 || res.Level != confidence.LevelHigh {
		t.Errorf("unexpected hold result %+v", res)
	}
}

func TestEvaluate_FloorIgnoredWhenNotRespected(t *testing.T) {
	r := newRepriceRules()
	r.RespectFloorPrice = false
	res, err := newEvaluator().Evaluate(newContext(100, ptr(95.0), 100), r)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 90 {
		t.Fatalf("expected 90 when floor is not respected, got %v", res.NewPrice)
	}
}

func TestEvaluate_AlreadyRepricedToday(t *testing.T) {
	c := newContext(100, nil, 100)
	c.LastRepriceAt = ptr(testNow.Add(-3 * time.Hour))
	res, err := newEvaluator().Evaluate(c, newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldReprice || res.Reason != "already repriced today" {
		t.Errorf("expected hold for same-day reprice, got %+v", res)
	}
}

func TestEvaluate_SameDayUsesReferenceZone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone data unavailable")
	}
	// 01:00 UTC on the 21st is still the 20th in New York.
	now := time.Date(2026, 5, 21, 1, 0, 0, 0, time.UTC)
	e := NewEvaluator(func() time.Time { return now }, loc)
	c := newContext(100, nil, 100)
	c.LastRepriceAt = ptr(time.Date(2026, 5, 20, 16, 0, 0, 0, time.UTC))

	res, err := e.Evaluate(c, newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != "already repriced today" {
		t.Errorf("expected same local day, got %q", res.Reason)
	}
}

func TestEvaluate_WeeklyCapAppliesAfterRecentDrop(t *testing.T) {
	r := newRepriceRules()
	r.MaxDailyDropPercent = 0.30
	r.MaxWeeklyDropPercent = 0.05

	c := newContext(100, nil, 100)
	c.LastRepriceAt = ptr(testNow.Add(-3 * 24 * time.Hour))
	res, err := newEvaluator().Evaluate(c, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 95 {
		t.Fatalf("expected weekly cap to hold drop at 5%%, got %v", res.NewPrice)
	}

	c.LastRepriceAt = ptr(testNow.Add(-8 * 24 * time.Hour))
	res, err = newEvaluator().Evaluate(c, r)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 70 {
		t.Fatalf("expected daily cap only after a week, got %v", res.NewPrice)
	}
}

func TestEvaluate_InitialListingPeriod(t *testing.T) {
	res, err := newEvaluator().Evaluate(newContext(100, nil, 10), newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldReprice || !strings.Contains(res.Reason, "initial listing period") {
		t.Errorf("expected initial period hold, got %+v", res)
	}
}

func TestEvaluate_HighValueNeedsConfirmation(t *testing.T) {
	res, err := newEvaluator().Evaluate(newContext(1500, nil, 100), newRepriceRules())
	if err != nil {
		t.Fatal(err)
	}
	if res.NewPrice == nil || *res.NewPrice != 1350 {
		t.Fatalf("expected computed price 1350, got %v", res.NewPrice)
	}
	if res.ShouldReprice {
		t.Error("high-value listing must not auto-reprice")
	}
	if res.Level != confidence.LevelLow {
		t.Errorf("expected LOW, got %s", res.Level)
	}
}

func TestEvaluate_LargeDropLowersConfidence(t *testing.T) {
	r := newRepriceRules()
	r.MaxDailyDropPercent = 0.5
	res, err := newEvaluator().Evaluate(newContext(100, nil, 100), r)
	if err != nil {
		t.Fatal(err)
	}
	// 30% suggested drop, 0.9 - 0.2.
	if res.Confidence != 0.7 {
		t.Errorf("expected 0.7, got %f", res.Confidence)
	}
	if !res.ShouldReprice {
		t.Error("MEDIUM confidence should still reprice")
	}
}

func TestEvaluate_FallbackStrategyAnnotatesReason(t *testing.T) {
	r := newRepriceRules()
	r.Strategy = rules.StrategyCompetitive
	res, err := newEvaluator().Evaluate(newContext(200, nil, 100), r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Reason, "competitive strategy pending, using time_decay") {
		t.Errorf("expected fallback annotation, got %q", res.Reason)
	}
	if res.NewPrice == nil || *res.NewPrice != 180 {
		t.Errorf("fallback should behave like time decay, got %v", res.NewPrice)
	}
}

func TestEvaluate_RejectsInvalidContext(t *testing.T) {
	c := newContext(0, nil, 20)
	c.Listing.ID = ""
	_, err := newEvaluator().Evaluate(c, newRepriceRules())
	if !errors.Is(err, ErrInvalidContext) {
		t.Errorf("expected ErrInvalidContext, got %v", err)
	}
}

func TestScheduleFor(t *testing.T) {
	if _, ok := ScheduleFor(rules.StrategyTimeDecay).(TimeDecay); !ok {
		t.Error("time_decay should resolve to TimeDecay")
	}
	fb, ok := ScheduleFor(rules.StrategyPerformance).(Fallback)
	if !ok {
		t.Fatal("performance should resolve to a Fallback")
	}
	if fb.Name() != rules.StrategyPerformance || fb.Delegate.Name() != rules.StrategyTimeDecay {
		t.Errorf("unexpected fallback %+v", fb)
	}
}
