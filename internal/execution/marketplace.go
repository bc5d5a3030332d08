package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resellpilot/internal/audit"
	"resellpilot/internal/store"
)

// ErrPermanent marks marketplace failures that retrying cannot fix, such as
// a listing that was sold or removed on the channel.
var ErrPermanent = errors.New("permanent marketplace failure")

// LogMarketplace is a dry-run marketplace that only logs mutations.
type LogMarketplace struct{}

func (LogMarketplace) Apply(_ context.Context, m audit.Mutation) error {
	slog.Info("dry run mutation",
		"action_id", m.ActionID,
		"user_id", m.UserID,
		"item_id", m.ItemID,
		"action_type", m.ActionType,
		"reverse", m.Reverse,
		"state", m.State,
	)
	return nil
}

// ListingWriter is the local listing state kept in step with the
// marketplace.
type ListingWriter interface {
	SetPrice(ctx context.Context, listingID string, price float64, repricedAt *time.Time) error
	SetStatus(ctx context.Context, listingID string, status store.ListingStatus) error
}

// SyncingApplier applies a mutation to the marketplace and then mirrors it
// onto the local listing so the next sweep sees the new price.
type SyncingApplier struct {
	market   audit.Applier
	listings ListingWriter
	clock    func() time.Time
}

func NewSyncingApplier(market audit.Applier, listings ListingWriter, clock func() time.Time) *SyncingApplier {
	if clock == nil {
		clock = time.Now
	}
	return &SyncingApplier{market: market, listings: listings, clock: clock}
}

func (a *SyncingApplier) Apply(ctx context.Context, m audit.Mutation) error {
	if err := a.market.Apply(ctx, m); err != nil {
		return err
	}

	listingID, _ := m.State["listing_id"].(string)
	if listingID == "" {
		return nil
	}

	switch m.ActionType {
	case audit.ActionReprice:
		price, ok := floatField(m.State, "price")
		if !ok {
			return fmt.Errorf("%w: reprice state has no price", ErrPermanent)
		}
		var stamp *time.Time
		if !m.Reverse {
			now := a.clock()
			stamp = &now
		}
		return a.listings.SetPrice(ctx, listingID, price, stamp)
	case audit.ActionDelist, audit.ActionRelist:
		status, _ := m.State["status"].(string)
		if status == "" {
			return fmt.Errorf("%w: listing state has no status", ErrPermanent)
		}
		return a.listings.SetStatus(ctx, listingID, store.ListingStatus(status))
	}
	return nil
}

func floatField(s audit.State, key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
