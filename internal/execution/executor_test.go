package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resellpilot/internal/audit"
	"resellpilot/internal/confidence"
	"resellpilot/internal/db"
	"resellpilot/internal/rules"
	"resellpilot/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// flakyMarket fails the first failures calls with err.
type flakyMarket struct {
	mu       sync.Mutex
	failures int
	err      error
	applied  []audit.Mutation
}

func (m *flakyMarket) Apply(_ context.Context, mu audit.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	m.applied = append(m.applied, mu)
	return nil
}

type env struct {
	ledger *audit.Ledger
	store  *store.Store
	market *flakyMarket
	exec   *Executor
}

func newEnv(t *testing.T, maxAttempts int) *env {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "exec.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database))

	trail := audit.NewTrail(database, map[string]time.Duration{"REPRICE": 24 * time.Hour}, clock)
	ledger := audit.NewLedger(database, trail, clock)
	st := store.New(database, rules.Offer{}, rules.Reprice{}, clock)
	market := &flakyMarket{}
	applier := NewSyncingApplier(market, st, clock)

	listed := testNow.Add(-30 * 24 * time.Hour)
	require.NoError(t, st.SaveListing(context.Background(), store.Listing{
		ID: "l1", UserID: "user-1", ItemID: "item-1", Title: "Lamp", Channel: "ebay",
		AskingPrice: 100, Price: 100, ListedAt: &listed,
	}))

	return &env{ledger: ledger, store: st, market: market, exec: NewExecutor(ledger, applier, maxAttempts)}
}

func (e *env) recordReprice(t *testing.T) audit.Action {
	t.Helper()
	a, err := e.ledger.Record(context.Background(), audit.Proposal{
		UserID:      "user-1",
		ItemID:      "item-1",
		ActionType:  audit.ActionReprice,
		Confidence:  confidence.Result{Score: 0.9, Level: confidence.LevelHigh},
		Before:      audit.State{"price": 100.0, "listing_id": "l1"},
		After:       audit.State{"price": 95.0, "listing_id": "l1"},
		AutoExecute: true,
	})
	require.NoError(t, err)
	return a
}

func TestExecuteApproved_UpdatesListing(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)

	results, err := e.exec.ExecuteApproved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.NotEmpty(t, results[0].AuditID)

	l, err := e.store.Listing(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, 95.0, l.Price)
	require.Equal(t, testNow, *l.LastRepriceAt)

	got, err := e.ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, audit.StatusExecuted, got.Status)
}

func TestExecute_TransientFailureIsRetried(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)
	e.market.failures, e.market.err = 1, errors.New("timeout")

	results, err := e.exec.ExecuteApproved(ctx, 10)
	require.NoError(t, err)
	require.False(t, results[0].Success)

	n, err := e.exec.RetryFailed(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	results, err = e.exec.ExecuteApproved(ctx, 10)
	require.NoError(t, err)
	require.True(t, results[0].Success)

	got, err := e.ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, audit.StatusExecuted, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestRetryFailed_StopsAtMaxAttempts(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()
	a := e.recordReprice(t)
	e.market.failures, e.market.err = 10, errors.New("timeout")

	for i := 0; i < 3; i++ {
		_, err := e.exec.ExecuteApproved(ctx, 10)
		require.NoError(t, err)
		_, err = e.exec.RetryFailed(ctx, 10)
		require.NoError(t, err)
	}

	got, err := e.ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
}

func TestRetryFailed_SkipsPermanentFailures(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)
	e.market.failures, e.market.err = 1, fmt.Errorf("listing sold: %w", ErrPermanent)

	_, err := e.exec.ExecuteApproved(ctx, 10)
	require.NoError(t, err)

	n, err := e.exec.RetryFailed(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := e.ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, audit.PermanentPrefix)
}

func TestSyncingApplier_ReverseDoesNotStampReprice(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	applier := NewSyncingApplier(e.market, e.store, clock)

	err := applier.Apply(ctx, audit.Mutation{
		ActionType: audit.ActionReprice,
		State:      audit.State{"price": 120.0, "listing_id": "l1"},
		Reverse:    true,
	})
	require.NoError(t, err)

	l, err := e.store.Listing(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, 120.0, l.Price)
	require.Nil(t, l.LastRepriceAt)
}

func TestSyncingApplier_Delist(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	applier := NewSyncingApplier(e.market, e.store, clock)

	require.NoError(t, applier.Apply(ctx, audit.Mutation{
		ActionType: audit.ActionDelist,
		State:      audit.State{"status": "delisted", "listing_id": "l1"},
	}))
	active, err := e.store.ActiveListings(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, active)

	err = applier.Apply(ctx, audit.Mutation{
		ActionType: audit.ActionReprice,
		State:      audit.State{"listing_id": "l1"},
	})
	require.ErrorIs(t, err, ErrPermanent)
}

func TestExecute_ConcurrentCallersApplyOnce(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)

	results := make([]ExecutionResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.exec.Execute(ctx, a)
		}(i)
	}
	wg.Wait()

	require.Len(t, e.market.applied, 1)
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
			continue
		}
		require.ErrorIs(t, r.Error, audit.ErrConflict)
	}
	require.Equal(t, 1, succeeded)
}

func TestExecute_StaleCopyIsNotReapplied(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)

	require.True(t, e.exec.Execute(ctx, a).Success)
	res := e.exec.Execute(ctx, a)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Error, audit.ErrConflict)
	require.Len(t, e.market.applied, 1)
}

func TestExecuteApproved_SkipsClaimedActions(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	a := e.recordReprice(t)
	require.NoError(t, e.ledger.Claim(ctx, a.ID))

	results, err := e.exec.ExecuteApproved(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, e.market.applied)
}

func TestExecute_RecordsOutcomeAfterCancellation(t *testing.T) {
	e := newEnv(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	a := e.recordReprice(t)

	exec := NewExecutor(e.ledger, audit.ApplierFunc(func(ctx context.Context, m audit.Mutation) error {
		cancel()
		return e.market.Apply(ctx, m)
	}), 3)
	res := exec.Execute(ctx, a)
	require.True(t, res.Success)

	got, err := e.ledger.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, audit.StatusExecuted, got.Status)
	require.Nil(t, got.ClaimedAt)
}
