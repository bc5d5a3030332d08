package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"resellpilot/internal/confidence"
	"resellpilot/internal/money"
	"resellpilot/internal/rules"
)

// ErrInvalidContext is returned for listings missing required fields.
var ErrInvalidContext = errors.New("invalid repricing context")

// MinimumPrice is the hard lower bound for any repriced listing.
const MinimumPrice = 1.0

const (
	baseConfidence      = 0.9
	highValueConfidence = 0.5
	largeDropPercent    = 15.0
	nearFloorMargin     = 0.10
)

// Result is the outcome of evaluating one listing.
type Result struct {
	ShouldReprice bool             `json:"should_reprice"`
	NewPrice      *float64         `json:"new_price,omitempty"`
	Reason        string           `json:"reason"`
	Confidence    float64          `json:"confidence"`
	Level         confidence.Level `json:"level"`
	DropPercent   *float64         `json:"drop_percent,omitempty"`
}

// Evaluator applies a repricing schedule under the user's guardrails.
type Evaluator struct {
	clock func() time.Time
	loc   *time.Location
}

// NewEvaluator returns an evaluator whose calendar days are measured in loc.
func NewEvaluator(clock func() time.Time, loc *time.Location) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{clock: clock, loc: loc}
}

func validate(c Context) error {
	var v []string
	if c.UserID == "" {
		v = append(v, "user_id is required")
	}
	if c.Item.ID == "" {
		v = append(v, "item.id is required")
	}
	if c.Listing.ID == "" {
		v = append(v, "listing.id is required")
	}
	if !(c.CurrentPrice > 0) {
		v = append(v, "current_price must be positive")
	}
	if c.DaysListed < 0 {
		v = append(v, "days_listed must not be negative")
	}
	if f := c.Floor(); f != nil && *f < 0 {
		v = append(v, "floor_price must not be negative")
	}
	if len(v) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidContext, strings.Join(v, "; "))
	}
	return nil
}

// Evaluate decides whether c should be repriced and to what.
func (e *Evaluator) Evaluate(c Context, r rules.Reprice) (Result, error) {
	if err := validate(c); err != nil {
		return Result{}, err
	}
	if err := rules.ValidateReprice(r); err != nil {
		return Result{}, err
	}

	now := e.clock()
	floor := c.Floor()

	if r.RespectFloorPrice && floor != nil && c.CurrentPrice <= *floor {
		return hold("already at floor"), nil
	}

	var sinceLast time.Duration
	if c.LastRepriceAt != nil {
		if sameDay(*c.LastRepriceAt, now, e.loc) {
			return hold("already repriced today"), nil
		}
		sinceLast = now.Sub(*c.LastRepriceAt)
	}

	suggested, reason := ScheduleFor(r.Strategy).SuggestDrop(c, r)
	if suggested <= 0 {
		return hold(reason), nil
	}

	effective := min(suggested, money.Round2(r.MaxDailyDropPercent*100))
	if c.LastRepriceAt != nil && sinceLast < 7*24*time.Hour {
		effective = min(effective, money.Round2(r.MaxWeeklyDropPercent*100))
	}

	var clampTo *float64
	if r.RespectFloorPrice {
		clampTo = floor
	}
	newPrice := NewPrice(c.CurrentPrice, clampTo, effective)
	if newPrice >= c.CurrentPrice {
		return hold(reason + "; guardrails leave no room to drop"), nil
	}

	actualDrop := money.Round2((c.CurrentPrice - newPrice) / c.CurrentPrice * 100)

	score := baseConfidence
	if c.CurrentPrice >= r.HighValueThreshold {
		score = highValueConfidence
	}
	if actualDrop >= largeDropPercent {
		score = max(roundScore(score-0.2), 0.3)
	}
	if floor != nil && newPrice <= *floor*(1+nearFloorMargin) {
		score = max(roundScore(score-0.1), 0.4)
	}
	level := confidence.LevelFor(score)

	res := Result{
		ShouldReprice: level.AutoExecutable(),
		NewPrice:      &newPrice,
		Reason:        fmt.Sprintf("%s; %.2f -> %.2f (%.2f%%)", reason, c.CurrentPrice, newPrice, actualDrop),
		Confidence:    score,
		Level:         level,
		DropPercent:   &actualDrop,
	}
	if !res.ShouldReprice {
		res.Reason += "; confidence too low for automatic repricing"
	}

	slog.Debug("listing evaluated",
		"listing_id", c.Listing.ID,
		"user_id", c.UserID,
		"suggested_drop", suggested,
		"effective_drop", effective,
		"new_price", newPrice,
		"confidence", score,
		"should_reprice", res.ShouldReprice,
	)
	return res, nil
}

func hold(reason string) Result {
	return Result{
		ShouldReprice: false,
		Reason:        reason,
		Confidence:    1.0,
		Level:         confidence.LevelHigh,
	}
}

// NewPrice applies dropPercent to current, rounds to cents, then clamps to
// floor (when non-nil) and to MinimumPrice.
func NewPrice(current float64, floor *float64, dropPercent float64) float64 {
	price := money.Scale(current, 1-dropPercent/100)
	if floor != nil && price < *floor {
		price = *floor
	}
	if price < MinimumPrice {
		price = MinimumPrice
	}
	return price
}

func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
