// Package ratelimit caps how many automated actions of one category a user
// receives per local day.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Category names a family of rate-limited actions.
type Category string

const CategoryReprice Category = "reprice"

// Key identifies one counter. Window is the local date the counter covers,
// so a new day starts from zero without an explicit reset.
type Key struct {
	UserID   string
	Category Category
	Window   string
}

// Store persists counters. Implementations must make Increment and
// IncrementBelow atomic per key.
type Store interface {
	Count(ctx context.Context, key Key) (int, error)
	Increment(ctx context.Context, key Key, resetsAt time.Time) (int, error)
	// IncrementBelow adds one only if the counter is below limit and
	// reports whether it did.
	IncrementBelow(ctx context.Context, key Key, resetsAt time.Time, limit int) (bool, error)
}

// Status is the limiter's view of a user's budget.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Limiter enforces a fixed daily quota per user.
type Limiter struct {
	store    Store
	category Category
	quota    int
	clock    func() time.Time
	loc      *time.Location
}

func New(store Store, category Category, quota int, clock func() time.Time, loc *time.Location) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{store: store, category: category, quota: quota, clock: clock, loc: loc}
}

// Quota returns the daily quota.
func (l *Limiter) Quota() int { return l.quota }

// window returns the counter key for userID and the next local midnight.
func (l *Limiter) window(userID string) (Key, time.Time) {
	local := l.clock().In(l.loc)
	y, m, d := local.Date()
	return Key{UserID: userID, Category: l.category, Window: local.Format("2006-01-02")},
		time.Date(y, m, d+1, 0, 0, 0, 0, l.loc)
}

// Check reports whether userID has budget left today.
func (l *Limiter) Check(ctx context.Context, userID string) (Status, error) {
	key, resetsAt := l.window(userID)
	n, err := l.store.Count(ctx, key)
	if err != nil {
		return Status{}, fmt.Errorf("reading rate counter: %w", err)
	}
	return l.status(n, resetsAt), nil
}

// Increment consumes one unit of userID's budget unconditionally.
func (l *Limiter) Increment(ctx context.Context, userID string) error {
	key, resetsAt := l.window(userID)
	if _, err := l.store.Increment(ctx, key, resetsAt); err != nil {
		return fmt.Errorf("incrementing rate counter: %w", err)
	}
	return nil
}

// TryIncrement consumes one unit only if budget remains. Concurrent callers
// for the same user never push the counter past the quota.
func (l *Limiter) TryIncrement(ctx context.Context, userID string) (Status, bool, error) {
	key, resetsAt := l.window(userID)
	ok, err := l.store.IncrementBelow(ctx, key, resetsAt, l.quota)
	if err != nil {
		return Status{}, false, fmt.Errorf("incrementing rate counter: %w", err)
	}
	n, err := l.store.Count(ctx, key)
	if err != nil {
		return Status{}, false, fmt.Errorf("reading rate counter: %w", err)
	}
	if !ok {
		slog.Info("rate limit reached",
			"user_id", userID,
			"category", l.category,
			"quota", l.quota,
			"resets_at", resetsAt,
		)
	}
	return l.status(n, resetsAt), ok, nil
}

func (l *Limiter) status(n int, resetsAt time.Time) Status {
	remaining := max(l.quota-n, 0)
	return Status{Allowed: remaining > 0, Remaining: remaining, ResetsAt: resetsAt}
}
