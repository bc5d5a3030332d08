// Package rules holds the per-user rule configurations that drive the
// offer and repricing evaluators.
package rules

import (
	"fmt"
	"strings"
)

// CounterStrategy selects how a counter-offer amount is computed.
type CounterStrategy string

const (
	CounterFloor           CounterStrategy = "floor"
	CounterMidpoint        CounterStrategy = "midpoint"
	CounterAskingMinus5Pct CounterStrategy = "asking-minus-5pct"
)

// Offer configures automatic offer handling for one user.
type Offer struct {
	AutoAcceptThreshold  float64         `json:"auto_accept_threshold" toml:"auto_accept_threshold"`
	AutoDeclineThreshold float64         `json:"auto_decline_threshold" toml:"auto_decline_threshold"`
	AutoCounterEnabled   bool            `json:"auto_counter_enabled" toml:"auto_counter_enabled"`
	CounterStrategy      CounterStrategy `json:"counter_strategy" toml:"counter_strategy"`
	MaxCounterRounds     int             `json:"max_counter_rounds" toml:"max_counter_rounds"`
	HighValueThreshold   float64         `json:"high_value_threshold" toml:"high_value_threshold"`
}

// RepriceStrategy names a repricing schedule.
type RepriceStrategy string

const (
	StrategyTimeDecay   RepriceStrategy = "time_decay"
	StrategyPerformance RepriceStrategy = "performance"
	StrategyCompetitive RepriceStrategy = "competitive"
)

// Reprice configures automatic repricing for one user. Drop percents are
// fractions (0.1 means 10%).
type Reprice struct {
	Strategy             RepriceStrategy `json:"strategy" toml:"strategy"`
	MaxDailyDropPercent  float64         `json:"max_daily_drop_percent" toml:"max_daily_drop_percent"`
	MaxWeeklyDropPercent float64         `json:"max_weekly_drop_percent" toml:"max_weekly_drop_percent"`
	RespectFloorPrice    bool            `json:"respect_floor_price" toml:"respect_floor_price"`
	HighValueThreshold   float64         `json:"high_value_threshold" toml:"high_value_threshold"`
	DaysBeforeFirstDrop  *int            `json:"days_before_first_drop,omitempty" toml:"days_before_first_drop"`
}

// DefaultDaysBeforeFirstDrop applies when Reprice.DaysBeforeFirstDrop is unset.
const DefaultDaysBeforeFirstDrop = 14

// FirstDropAfter returns the configured grace period in days.
func (r Reprice) FirstDropAfter() int {
	if r.DaysBeforeFirstDrop == nil {
		return DefaultDaysBeforeFirstDrop
	}
	return *r.DaysBeforeFirstDrop
}

// ValidationError reports every constraint a rule configuration violates.
type ValidationError struct {
	Kind       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s rules: %s", e.Kind, strings.Join(e.Violations, "; "))
}

// ValidateOffer checks an offer rule configuration. It returns nil or a
// *ValidationError.
func ValidateOffer(r Offer) error {
	var v []string
	if r.AutoAcceptThreshold <= 0 || r.AutoAcceptThreshold > 1 {
		v = append(v, fmt.Sprintf("auto_accept_threshold %.4g must be in (0, 1]", r.AutoAcceptThreshold))
	}
	if r.AutoDeclineThreshold < 0 || r.AutoDeclineThreshold >= 1 {
		v = append(v, fmt.Sprintf("auto_decline_threshold %.4g must be in [0, 1)", r.AutoDeclineThreshold))
	}
	if r.AutoAcceptThreshold <= r.AutoDeclineThreshold {
		v = append(v, "auto_accept_threshold must be greater than auto_decline_threshold")
	}
	switch r.CounterStrategy {
	case CounterFloor, CounterMidpoint, CounterAskingMinus5Pct:
	default:
		v = append(v, fmt.Sprintf("unknown counter_strategy %q", r.CounterStrategy))
	}
	if r.MaxCounterRounds < 1 || r.MaxCounterRounds > 10 {
		v = append(v, fmt.Sprintf("max_counter_rounds %d must be in [1, 10]", r.MaxCounterRounds))
	}
	if r.HighValueThreshold < 0 {
		v = append(v, "high_value_threshold must not be negative")
	}
	if len(v) > 0 {
		return &ValidationError{Kind: "offer", Violations: v}
	}
	return nil
}

// ValidateReprice checks a repricing rule configuration. It returns nil or
// a *ValidationError.
func ValidateReprice(r Reprice) error {
	var v []string
	switch r.Strategy {
	case StrategyTimeDecay, StrategyPerformance, StrategyCompetitive:
	default:
		v = append(v, fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	if r.MaxDailyDropPercent <= 0 || r.MaxDailyDropPercent > 1 {
		v = append(v, fmt.Sprintf("max_daily_drop_percent %.4g must be in (0, 1]", r.MaxDailyDropPercent))
	}
	if r.MaxWeeklyDropPercent <= 0 || r.MaxWeeklyDropPercent > 1 {
		v = append(v, fmt.Sprintf("max_weekly_drop_percent %.4g must be in (0, 1]", r.MaxWeeklyDropPercent))
	}
	if r.HighValueThreshold < 0 {
		v = append(v, "high_value_threshold must not be negative")
	}
	if r.DaysBeforeFirstDrop != nil && *r.DaysBeforeFirstDrop < 0 {
		v = append(v, "days_before_first_drop must not be negative")
	}
	if len(v) > 0 {
		return &ValidationError{Kind: "reprice", Violations: v}
	}
	return nil
}
