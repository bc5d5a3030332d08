package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resellpilot/internal/db"
	"resellpilot/internal/rules"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func defaultOffer() rules.Offer {
	return rules.Offer{
		AutoAcceptThreshold:  0.9,
		AutoDeclineThreshold: 0.5,
		AutoCounterEnabled:   true,
		CounterStrategy:      rules.CounterMidpoint,
		MaxCounterRounds:     3,
		HighValueThreshold:   500,
	}
}

func defaultReprice() rules.Reprice {
	return rules.Reprice{
		Strategy:             rules.StrategyTimeDecay,
		MaxDailyDropPercent:  0.1,
		MaxWeeklyDropPercent: 0.2,
		RespectFloorPrice:    true,
		HighValueThreshold:   1000,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database))
	return New(database, defaultOffer(), defaultReprice(), func() time.Time { return testNow })
}

func TestOfferRules_DefaultsThenSaved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r, ruleID, err := s.OfferRules(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, defaultOffer(), r)
	require.Equal(t, "default:offer:user-1", ruleID)

	custom := defaultOffer()
	custom.AutoAcceptThreshold = 0.85
	custom.CounterStrategy = rules.CounterFloor
	id1, err := s.SetOfferRules(ctx, "user-1", custom)
	require.NoError(t, err)

	r, ruleID, err = s.OfferRules(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, custom, r)
	require.Equal(t, id1, ruleID)

	custom.AutoCounterEnabled = false
	id2, err := s.SetOfferRules(ctx, "user-1", custom)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "rule id survives updates")

	r, _, err = s.OfferRules(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, r.AutoCounterEnabled)
}

func TestSetOfferRules_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := defaultOffer()
	bad.AutoDeclineThreshold = 0.95

	_, err := s.SetOfferRules(context.Background(), "user-1", bad)
	var verr *rules.ValidationError
	require.True(t, errors.As(err, &verr))
	require.NotEmpty(t, verr.Violations)
}

func TestRepriceRules_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rr, err := s.RepriceRules(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, rr.Enabled)
	require.Nil(t, rr.Rules.DaysBeforeFirstDrop)

	custom := defaultReprice()
	custom.Strategy = rules.StrategyCompetitive
	custom.DaysBeforeFirstDrop = ptr(7)
	id, err := s.SetRepriceRules(ctx, "user-1", custom, false)
	require.NoError(t, err)

	rr, err = s.RepriceRules(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, id, rr.ID)
	require.False(t, rr.Enabled)
	require.Equal(t, custom, rr.Rules)
}

func TestActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastActivity(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, last)

	require.NoError(t, s.TouchActivity(ctx, "user-1", testNow))
	require.NoError(t, s.TouchActivity(ctx, "user-1", testNow.Add(-time.Hour)))

	last, err = s.LastActivity(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, testNow, *last)
}

func TestListings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	listed := testNow.Add(-40 * 24 * time.Hour)
	for _, id := range []string{"l1", "l2", "l3"} {
		require.NoError(t, s.SaveListing(ctx, Listing{
			ID:          id,
			UserID:      "user-1",
			ItemID:      "item-" + id,
			Title:       "Vintage jacket",
			Channel:     "ebay",
			AskingPrice: 100,
			Price:       100,
			FloorPrice:  ptr(60.0),
			ListedAt:    &listed,
		}))
	}
	require.NoError(t, s.SetStatus(ctx, "l2", ListingDelisted))

	page, err := s.ActiveListings(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "l1", page[0].ID)

	page, err = s.ActiveListings(ctx, "l1", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "l3", page[0].ID)

	require.NoError(t, s.SetPrice(ctx, "l1", 90, &testNow))
	require.NoError(t, s.RecordOffer(ctx, "item-l1"))
	l, err := s.Listing(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, 90.0, l.Price)
	require.Equal(t, testNow, *l.LastRepriceAt)
	require.Equal(t, 1, l.OfferCount)

	rc := l.RepricingContext(testNow)
	require.Equal(t, 40, rc.DaysListed)
	require.Equal(t, 90.0, rc.CurrentPrice)
	require.Equal(t, 60.0, *rc.Floor())

	require.ErrorIs(t, s.SetPrice(ctx, "missing", 1, nil), ErrNotFound)
	_, err = s.Listing(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSuccessfulExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"executed", "reversed", "failed", "pending"} {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO autopilot_actions (id, user_id, item_id, rule_id, action_type, confidence,
				confidence_level, before_state, after_state, payload, status, created_at)
			VALUES (?, 'user-1', 'item-1', 'rule-1', 'REPRICE', 0.9, 'HIGH', '{}', '{}', '{}', ?, ?)`,
			string(rune('a'+i)), status, testNow.UnixMilli())
		require.NoError(t, err)
	}

	n, err := s.SuccessfulExecutions(ctx, "rule-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
