// Package offer decides how to answer an incoming marketplace offer.
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"resellpilot/internal/confidence"
	"resellpilot/internal/money"
	"resellpilot/internal/rules"
)

// ErrInvalidContext is returned for offers missing required fields or
// carrying non-positive prices.
var ErrInvalidContext = errors.New("invalid offer context")

// Decision is the outcome of evaluating an offer.
type Decision string

const (
	DecisionAccept       Decision = "ACCEPT"
	DecisionDecline      Decision = "DECLINE"
	DecisionCounter      Decision = "COUNTER"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// defaultFloorRatio sets the effective floor when the listing has none.
const defaultFloorRatio = 0.7

var oneCent = decimal.New(1, -2)

// Context is a normalized inbound offer.
type Context struct {
	UserID        string   `json:"user_id"`
	ItemID        string   `json:"item_id"`
	OfferID       string   `json:"offer_id"`
	OfferAmount   float64  `json:"offer_amount"`
	AskingPrice   float64  `json:"asking_price"`
	FloorPrice    *float64 `json:"floor_price,omitempty"`
	ItemValue     float64  `json:"item_value"`
	Channel       string   `json:"channel,omitempty"`
	BuyerUsername string   `json:"buyer_username,omitempty"`
	DaysListed    *int     `json:"days_listed,omitempty"`
}

// Validate rejects contexts the engine must not guess about.
func (c Context) Validate() error {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "user_id is required")
	}
	if c.ItemID == "" {
		missing = append(missing, "item_id is required")
	}
	if c.OfferID == "" {
		missing = append(missing, "offer_id is required")
	}
	if !(c.OfferAmount > 0) {
		missing = append(missing, "offer_amount must be positive")
	}
	if !(c.AskingPrice > 0) {
		missing = append(missing, "asking_price must be positive")
	}
	if c.FloorPrice != nil && *c.FloorPrice < 0 {
		missing = append(missing, "floor_price must not be negative")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidContext, strings.Join(missing, "; "))
	}
	return nil
}

// EffectiveFloor is the listing floor, or 70% of asking when unset.
func (c Context) EffectiveFloor() float64 {
	if c.FloorPrice != nil {
		return *c.FloorPrice
	}
	return money.Round2(c.AskingPrice * defaultFloorRatio)
}

// Inputs are the values loaded from storage for one evaluation.
type Inputs struct {
	// LastActivityAt is nil when the user has no recorded activity.
	LastActivityAt *time.Time
	// ExecutionCount is the number of prior successful executions of the rule.
	ExecutionCount int
	Now            time.Time
}

// Result is the transient outcome of an evaluation.
type Result struct {
	Decision         Decision          `json:"decision"`
	CounterAmount    *float64          `json:"counter_amount,omitempty"`
	Confidence       confidence.Result `json:"confidence"`
	Reason           string            `json:"reason"`
	AutoExecute      bool              `json:"auto_execute"`
	RequiresApproval bool              `json:"requires_approval"`
	OfferPercent     float64           `json:"offer_percent"`
}

// Evaluate applies the offer rules to c. It has no side effects.
func Evaluate(c Context, r rules.Offer, in Inputs) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}
	if err := rules.ValidateOffer(r); err != nil {
		return Result{}, err
	}

	offerPercent := c.OfferAmount / c.AskingPrice
	floor := c.EffectiveFloor()

	res := Result{OfferPercent: offerPercent}

	switch {
	case c.AskingPrice >= r.HighValueThreshold:
		res.Decision = DecisionManualReview
		res.Reason = fmt.Sprintf("asking price %.2f at or above high-value threshold %.2f", c.AskingPrice, r.HighValueThreshold)
	case offerPercent >= r.AutoAcceptThreshold:
		res.Decision = DecisionAccept
		res.Reason = fmt.Sprintf("offer is %.1f%% of asking, at or above accept threshold %.1f%%", offerPercent*100, r.AutoAcceptThreshold*100)
	case c.OfferAmount < floor:
		res.Decision = DecisionDecline
		res.Reason = fmt.Sprintf("offer %.2f below floor %.2f", c.OfferAmount, floor)
	case offerPercent <= r.AutoDeclineThreshold:
		res.Decision = DecisionDecline
		res.Reason = fmt.Sprintf("offer is %.1f%% of asking, at or below decline threshold %.1f%%", offerPercent*100, r.AutoDeclineThreshold*100)
	case r.AutoCounterEnabled:
		amount := CounterAmount(c, r.CounterStrategy)
		res.Decision = DecisionCounter
		res.CounterAmount = &amount
		res.Reason = fmt.Sprintf("countering at %.2f using %s strategy", amount, r.CounterStrategy)
	default:
		res.Decision = DecisionManualReview
		res.Reason = "offer between thresholds and counter-offers are disabled"
	}

	res.Confidence = confidence.Score(scoringContext(c, in))

	if res.Decision != DecisionManualReview {
		policy := confidence.PolicyFor(res.Confidence.Level)
		res.AutoExecute = policy == confidence.PolicyAutoExecute
		res.RequiresApproval = policy == confidence.PolicyRequireApproval
	}

	slog.Debug("offer evaluated",
		"user_id", c.UserID,
		"offer_id", c.OfferID,
		"decision", res.Decision,
		"offer_percent", offerPercent,
		"confidence", res.Confidence.Score,
		"level", res.Confidence.Level,
	)
	return res, nil
}

// CounterAmount computes the counter-offer for c under strategy, clamped to
// max(amount, effective floor, offer + 0.01).
func CounterAmount(c Context, strategy rules.CounterStrategy) float64 {
	floor := decimal.NewFromFloat(c.EffectiveFloor())
	var amount decimal.Decimal
	switch strategy {
	case rules.CounterFloor:
		amount = floor
	case rules.CounterMidpoint:
		amount = decimal.NewFromFloat(money.Midpoint(c.OfferAmount, c.AskingPrice))
	case rules.CounterAskingMinus5Pct:
		amount = decimal.NewFromFloat(money.Scale(c.AskingPrice, 0.95))
	}
	// Always above the offer and never below the floor. Sub-cent inputs
	// round up so the clamp still holds after rounding.
	minimum := decimal.NewFromFloat(c.OfferAmount).Add(oneCent)
	f, _ := decimal.Max(amount, floor, minimum).RoundCeil(2).Float64()
	return f
}

func scoringContext(c Context, in Inputs) confidence.Context {
	sc := confidence.Context{
		ItemValue:        c.AskingPrice,
		IsFirstExecution: in.ExecutionCount == 0,
		DaysListed:       c.DaysListed,
	}
	if in.LastActivityAt != nil {
		hours := in.Now.Sub(*in.LastActivityAt).Hours()
		sc.HoursSinceLastActivity = &hours
	}
	return sc
}

// RuleReader loads the current offer rules for a user.
type RuleReader interface {
	OfferRules(ctx context.Context, userID string) (rules.Offer, string, error)
}

// ActivityReader loads a user's last activity timestamp.
type ActivityReader interface {
	LastActivity(ctx context.Context, userID string) (*time.Time, error)
}

// ExecutionCounter counts prior successful executions of a rule.
type ExecutionCounter interface {
	SuccessfulExecutions(ctx context.Context, ruleID string) (int, error)
}

// Engine evaluates offers against freshly loaded rules. Nothing is cached
// between calls, so a rule edit applies to the very next offer.
type Engine struct {
	rules      RuleReader
	activity   ActivityReader
	executions ExecutionCounter
	clock      func() time.Time
}

func NewEngine(rules RuleReader, activity ActivityReader, executions ExecutionCounter, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{rules: rules, activity: activity, executions: executions, clock: clock}
}

// Evaluation bundles a result with the rule it was produced by.
type Evaluation struct {
	Result
	RuleID string `json:"rule_id"`
}

// Evaluate loads the collaborators' data for c and evaluates it.
func (e *Engine) Evaluate(ctx context.Context, c Context) (Evaluation, error) {
	if err := c.Validate(); err != nil {
		return Evaluation{}, err
	}

	r, ruleID, err := e.rules.OfferRules(ctx, c.UserID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("loading offer rules: %w", err)
	}
	last, err := e.activity.LastActivity(ctx, c.UserID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("loading user activity: %w", err)
	}
	count, err := e.executions.SuccessfulExecutions(ctx, ruleID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("counting rule executions: %w", err)
	}

	res, err := Evaluate(c, r, Inputs{LastActivityAt: last, ExecutionCount: count, Now: e.clock()})
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Result: res, RuleID: ruleID}, nil
}
