// Package strategy evaluates active listings for scheduled price cuts.
package strategy

import (
	"fmt"
	"time"

	"resellpilot/internal/rules"
)

// Item is the inventory record behind a listing.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	AskingPrice float64    `json:"asking_price"`
	FloorPrice  *float64   `json:"floor_price,omitempty"`
	ListedAt    *time.Time `json:"listed_at,omitempty"`
	CostBasis   *float64   `json:"cost_basis,omitempty"`
}

// Listing is the marketplace-side view of an item.
type Listing struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel"`
	ExternalID  string     `json:"external_id,omitempty"`
	Price       float64    `json:"price"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Context is one active listing considered in a repricing sweep.
type Context struct {
	UserID        string     `json:"user_id"`
	Item          Item       `json:"item"`
	Listing       Listing    `json:"listing"`
	CurrentPrice  float64    `json:"current_price"`
	FloorPrice    *float64   `json:"floor_price,omitempty"`
	DaysListed    int        `json:"days_listed"`
	Offers        int        `json:"offers"`
	LastRepriceAt *time.Time `json:"last_reprice_at,omitempty"`
}

// Floor returns the context floor, falling back to the item's.
func (c Context) Floor() *float64 {
	if c.FloorPrice != nil {
		return c.FloorPrice
	}
	return c.Item.FloorPrice
}

// Schedule suggests a drop percent (0-100) for a listing.
type Schedule interface {
	Name() rules.RepriceStrategy
	SuggestDrop(c Context, r rules.Reprice) (percent float64, reason string)
}

// Fallback stands in for a strategy that has no implementation yet and
// delegates to another schedule, saying so in its reason.
type Fallback struct {
	Requested rules.RepriceStrategy
	Delegate  Schedule
}

func (f Fallback) Name() rules.RepriceStrategy { return f.Requested }

func (f Fallback) SuggestDrop(c Context, r rules.Reprice) (float64, string) {
	percent, reason := f.Delegate.SuggestDrop(c, r)
	return percent, fmt.Sprintf("%s strategy pending, using %s: %s", f.Requested, f.Delegate.Name(), reason)
}

// ScheduleFor resolves a configured strategy to its schedule.
func ScheduleFor(s rules.RepriceStrategy) Schedule {
	switch s {
	case rules.StrategyPerformance, rules.StrategyCompetitive:
		return Fallback{Requested: s, Delegate: TimeDecay{}}
	default:
		return TimeDecay{}
	}
}
