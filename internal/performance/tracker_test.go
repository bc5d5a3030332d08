package performance

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"resellpilot/internal/db"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "perf.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}
	return database
}

func insertAction(t *testing.T, database *sql.DB, id, actionType, status string, requiresApproval bool, conf float64, before, after string, created time.Time) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO autopilot_actions (id, user_id, item_id, action_type, confidence, confidence_level,
			before_state, after_state, payload, status, requires_approval, created_at)
		VALUES (?, 'user-1', 'item-1', ?, ?, 'HIGH', ?, ?, '{}', ?, ?, ?)`,
		id, actionType, conf, before, after, status, requiresApproval, created.UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
}

func TestGenerate(t *testing.T) {
	database := setupDB(t)
	price := func(p string) string { return `{"price":` + p + `}` }

	insertAction(t, database, "a1", "REPRICE", "executed", false, 0.9, price("100"), price("90"), testNow)
	insertAction(t, database, "a2", "REPRICE", "reversed", false, 0.8, price("50"), price("45"), testNow)
	insertAction(t, database, "a3", "REPRICE", "executed", true, 0.5, price("20"), price("18.5"), testNow)
	insertAction(t, database, "a4", "OFFER_ACCEPT", "failed", false, 0.7, "{}", "{}", testNow)
	insertAction(t, database, "a5", "OFFER_ACCEPT", "pending", true, 0.6, "{}", "{}", testNow)
	insertAction(t, database, "old", "REPRICE", "executed", false, 1.0, price("10"), price("5"), testNow.Add(-48*time.Hour))

	_, err := database.Exec(`
		INSERT INTO audit_entries (id, user_id, action_type, source, before_state, after_state, created_at)
		VALUES ('u1', 'user-1', 'UNDO_ACTION', 'USER', '{}', '{}', ?)`, testNow.UnixMilli())
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewTracker(database).Generate(context.Background(), testNow.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if r.TotalActions != 5 {
		t.Errorf("expected 5 actions, got %d", r.TotalActions)
	}
	if r.ByStatus["executed"] != 2 || r.ByStatus["pending"] != 1 {
		t.Errorf("unexpected status counts: %v", r.ByStatus)
	}
	// 2 of 3 executed-or-reversed ran without approval.
	if got := r.AutoExecutionRate; got < 0.666 || got > 0.667 {
		t.Errorf("expected auto-execution rate 2/3, got %f", got)
	}
	if r.UndoCount != 1 {
		t.Errorf("expected 1 undo, got %d", r.UndoCount)
	}
	if r.RepriceVolume != 11.5 {
		t.Errorf("expected reprice volume 11.5, got %f", r.RepriceVolume)
	}

	reprice := r.TypeStats["REPRICE"]
	if reprice.Count != 3 || reprice.Executed != 2 || reprice.Reversed != 1 {
		t.Errorf("unexpected reprice stats: %+v", reprice)
	}
	if got := reprice.UndoRate; got < 0.333 || got > 0.334 {
		t.Errorf("expected undo rate 1/3, got %f", got)
	}
	if r.TypeStats["OFFER_ACCEPT"].Failed != 1 {
		t.Errorf("expected 1 failed offer accept, got %+v", r.TypeStats["OFFER_ACCEPT"])
	}
}

func TestGenerate_Empty(t *testing.T) {
	r, err := NewTracker(setupDB(t)).Generate(context.Background(), testNow)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalActions != 0 || r.AutoExecutionRate != 0 || r.RepriceVolume != 0 {
		t.Errorf("expected empty report, got %+v", r)
	}
}
