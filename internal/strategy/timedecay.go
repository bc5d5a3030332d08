package strategy

import (
	"fmt"

	"resellpilot/internal/rules"
)

const (
	decayTierDays = 15
	decayStepPct  = 5
	decayMaxTiers = 10
)

// TimeDecay cuts the price in 5% steps for every 15 days a listing stays
// unsold after its grace period, up to 50%.
type TimeDecay struct{}

func (TimeDecay) Name() rules.RepriceStrategy { return rules.StrategyTimeDecay }

func (TimeDecay) SuggestDrop(c Context, r rules.Reprice) (float64, string) {
	grace := r.FirstDropAfter()
	drop := TimeDecayDrop(c.DaysListed, grace)
	if drop == 0 {
		return 0, fmt.Sprintf("initial listing period (%d of %d days)", c.DaysListed, grace)
	}
	return float64(drop), fmt.Sprintf("time decay: listed %d days, suggests %d%% drop", c.DaysListed, drop)
}

// TimeDecayDrop returns the suggested drop percent for a listing that has
// been up for daysListed days.
func TimeDecayDrop(daysListed, daysBeforeFirstDrop int) int {
	if daysListed <= daysBeforeFirstDrop {
		return 0
	}
	tier := (daysListed - daysBeforeFirstDrop) / decayTierDays
	return min(tier+1, decayMaxTiers) * decayStepPct
}
