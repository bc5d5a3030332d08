// Package confidence turns contextual risk signals into a trust score that
// decides whether an automated action may run without the user.
package confidence

import "fmt"

// Level buckets a score.
type Level string

const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelVeryLow Level = "VERY_LOW"
)

// Policy is the execution policy implied by a level.
type Policy string

const (
	PolicyAutoExecute     Policy = "auto_execute"
	PolicyRequireApproval Policy = "require_approval"
	PolicyLogOnly         Policy = "log_only"
)

// Item value tiers, highest tier wins.
const (
	ValueHigh     = 200.0
	ValueVeryHigh = 500.0
	ValueExtreme  = 1000.0
)

// Factor is a single adjustment applied to the score. Impact is the signed
// relative change, so a x0.7 multiplier has impact -0.3.
type Factor struct {
	Name   string  `json:"name"`
	Impact float64 `json:"impact"`
	Reason string  `json:"reason"`
}

// Result is the output of Score.
type Result struct {
	Score   float64  `json:"score"`
	Level   Level    `json:"level"`
	Factors []Factor `json:"factors"`
}

// Context carries the risk signals for one decision. Pointer fields are
// optional; a nil value applies no adjustment.
type Context struct {
	ItemValue              float64  `json:"item_value"`
	IsFirstExecution       bool     `json:"is_first_execution"`
	HoursSinceLastActivity *float64 `json:"hours_since_last_activity,omitempty"`
	IsNewBuyer             *bool    `json:"is_new_buyer,omitempty"`
	RuleExecutionCount     *int     `json:"rule_execution_count,omitempty"`
	DaysListed             *int     `json:"days_listed,omitempty"`
	HistoricalAccuracy     *float64 `json:"historical_accuracy,omitempty"`
	IsOutlier              bool     `json:"is_outlier"`
}

// Score computes the confidence for c. Adjustments are applied in a fixed
// order so that the factor list is reproducible.
func Score(c Context) Result {
	s := &scoring{score: 1.0}

	switch {
	case c.ItemValue > ValueExtreme:
		s.apply("item_value", 0.5, fmt.Sprintf("item value %.2f above %.0f", c.ItemValue, ValueExtreme))
	case c.ItemValue > ValueVeryHigh:
		s.apply("item_value", 0.6, fmt.Sprintf("item value %.2f above %.0f", c.ItemValue, ValueVeryHigh))
	case c.ItemValue > ValueHigh:
		s.apply("item_value", 0.8, fmt.Sprintf("item value %.2f above %.0f", c.ItemValue, ValueHigh))
	}

	if c.IsFirstExecution {
		s.apply("first_execution", 0.7, "rule has never executed successfully")
	}

	if h := c.HoursSinceLastActivity; h != nil {
		switch {
		case *h > 72:
			s.apply("user_inactive", 0.7, fmt.Sprintf("user inactive for %.0fh", *h))
		case *h > 24:
			s.apply("user_inactive", 0.9, fmt.Sprintf("user inactive for %.0fh", *h))
		}
	}

	if c.IsNewBuyer != nil && *c.IsNewBuyer {
		s.apply("new_buyer", 0.95, "buyer has no history")
	}

	if n := c.RuleExecutionCount; n != nil && *n < 5 {
		s.apply("low_execution_count", 0.9, fmt.Sprintf("rule executed only %d times", *n))
	}

	if d := c.DaysListed; d != nil && *d > 30 {
		s.apply("stale_listing", 1.05, fmt.Sprintf("listed for %d days", *d))
	}

	if a := c.HistoricalAccuracy; a != nil {
		switch {
		case *a >= 0.95:
			s.apply("historical_accuracy", 1.1, fmt.Sprintf("past decisions %.0f%% accurate", *a*100))
		case *a < 0.7:
			s.apply("historical_accuracy", 0.8, fmt.Sprintf("past decisions only %.0f%% accurate", *a*100))
		}
	}

	if c.IsOutlier {
		s.apply("outlier", 0.6, "value is an outlier for this item")
	}

	score := min(max(s.score, 0), 1)
	return Result{
		Score:   score,
		Level:   LevelFor(score),
		Factors: s.factors,
	}
}

type scoring struct {
	score   float64
	factors []Factor
}

func (s *scoring) apply(name string, multiplier float64, reason string) {
	s.score *= multiplier
	s.factors = append(s.factors, Factor{Name: name, Impact: multiplier - 1, Reason: reason})
}

// LevelFor maps a score to its level.
func LevelFor(score float64) Level {
	switch {
	case score >= 0.90:
		return LevelHigh
	case score >= 0.70:
		return LevelMedium
	case score >= 0.50:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// PolicyFor returns the execution policy for a level.
func PolicyFor(l Level) Policy {
	switch l {
	case LevelHigh, LevelMedium:
		return PolicyAutoExecute
	case LevelLow:
		return PolicyRequireApproval
	default:
		return PolicyLogOnly
	}
}

// AutoExecutable reports whether actions at this level may run unattended.
func (l Level) AutoExecutable() bool { return PolicyFor(l) == PolicyAutoExecute }
