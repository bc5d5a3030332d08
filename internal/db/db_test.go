package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrate_CreatesAllTables(t *testing.T) {
	database := openTestDB(t)

	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}

	tables := []string{
		"offer_rules",
		"reprice_rules",
		"user_activity",
		"listings",
		"autopilot_actions",
		"audit_entries",
		"rate_counters",
	}

	for _, table := range tables {
		row := database.QueryRow(
			`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table)
		var count int
		if err := row.Scan(&count); err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	database := openTestDB(t)

	// Run twice — should not error.
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}
}

func TestMigrate_InsertAndQuery(t *testing.T) {
	database := openTestDB(t)

	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}

	_, err := database.Exec(`
		INSERT INTO autopilot_actions (id, user_id, item_id, action_type, confidence, confidence_level,
			before_state, after_state, payload, status, created_at)
		VALUES ('a1', 'u1', 'i1', 'REPRICE', 0.9, 'HIGH', '{}', '{}', '{}', 'approved', 1700000000000)`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = database.Exec(`
		INSERT INTO audit_entries (id, user_id, item_id, action_id, action_type, source, before_state, after_state, created_at)
		VALUES ('e1', 'u1', 'i1', 'a1', 'REPRICE', 'AUTOPILOT', '{}', '{}', 1700000000000)`)
	if err != nil {
		t.Fatal(err)
	}

	var count int
	row := database.QueryRow(`SELECT COUNT(*) FROM audit_entries WHERE action_id = 'a1'`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 audit entry, got %d", count)
	}
}

func TestMigrate_EnforcesForeignKeys(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}

	_, err := database.Exec(`
		INSERT INTO audit_entries (id, user_id, action_id, action_type, source, before_state, after_state, created_at)
		VALUES ('e1', 'u1', 'missing', 'REPRICE', 'AUTOPILOT', '{}', '{}', 1)`)
	if err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestMigrate_AddsActionClaims(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Exec(`SELECT claimed_at FROM autopilot_actions LIMIT 0`); err != nil {
		t.Fatalf("claimed_at column missing: %v", err)
	}
}
