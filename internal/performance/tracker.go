package performance

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tracker computes autopilot metrics from the database.
type Tracker struct {
	db *sql.DB
}

func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Report contains all autopilot metrics for actions created since Since.
type Report struct {
	Since             time.Time            `json:"since"`
	TotalActions      int                  `json:"total_actions"`
	ByStatus          map[string]int       `json:"by_status"`
	AutoExecutionRate float64              `json:"auto_execution_rate"`
	AvgConfidence     float64              `json:"avg_confidence"`
	UndoCount         int                  `json:"undo_count"`
	RepriceVolume     float64              `json:"reprice_volume"`
	TypeStats         map[string]TypeStats `json:"type_stats"`
}

// TypeStats contains per-action-type metrics.
type TypeStats struct {
	Count         int     `json:"count"`
	Executed      int     `json:"executed"`
	Failed        int     `json:"failed"`
	Reversed      int     `json:"reversed"`
	AvgConfidence float64 `json:"avg_confidence"`
	// UndoRate is reversed over executed-or-reversed.
	UndoRate float64 `json:"undo_rate"`
}

// Generate computes the report for actions created at or after since.
func (t *Tracker) Generate(ctx context.Context, since time.Time) (*Report, error) {
	r := &Report{
		Since:     since.UTC(),
		ByStatus:  make(map[string]int),
		TypeStats: make(map[string]TypeStats),
	}
	cutoff := since.UnixMilli()

	if err := t.computeOverall(ctx, r, cutoff); err != nil {
		return nil, fmt.Errorf("computing overall stats: %w", err)
	}
	if err := t.computeTypeStats(ctx, r, cutoff); err != nil {
		return nil, fmt.Errorf("computing action type stats: %w", err)
	}
	if err := t.computeRepriceVolume(ctx, r, cutoff); err != nil {
		return nil, fmt.Errorf("computing reprice volume: %w", err)
	}

	return r, nil
}

func (t *Tracker) computeOverall(ctx context.Context, r *Report, cutoff int64) error {
	rows, err := t.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM autopilot_actions
		WHERE created_at >= ? GROUP BY status`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		r.ByStatus[status] = n
		r.TotalActions += n
	}
	if err := rows.Err(); err != nil {
		return err
	}

	row := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(confidence), 0),
		       COALESCE(SUM(CASE WHEN requires_approval = 0 AND status IN ('executed', 'reversed') THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status IN ('executed', 'reversed') THEN 1 ELSE 0 END), 0)
		FROM autopilot_actions WHERE created_at >= ?`, cutoff)
	var autoExecuted, executed int
	if err := row.Scan(&r.AvgConfidence, &autoExecuted, &executed); err != nil {
		return err
	}
	if executed > 0 {
		r.AutoExecutionRate = float64(autoExecuted) / float64(executed)
	}

	row = t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_entries
		WHERE action_type = 'UNDO_ACTION' AND created_at >= ?`, cutoff)
	return row.Scan(&r.UndoCount)
}

func (t *Tracker) computeTypeStats(ctx context.Context, r *Report, cutoff int64) error {
	rows, err := t.db.QueryContext(ctx, `
		SELECT action_type, COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'executed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'reversed' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(confidence), 0)
		FROM autopilot_actions WHERE created_at >= ? GROUP BY action_type`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var stats TypeStats
		if err := rows.Scan(&name, &stats.Count, &stats.Executed, &stats.Failed, &stats.Reversed, &stats.AvgConfidence); err != nil {
			return err
		}
		if done := stats.Executed + stats.Reversed; done > 0 {
			stats.UndoRate = float64(stats.Reversed) / float64(done)
		}
		r.TypeStats[name] = stats
	}
	return rows.Err()
}

// computeRepriceVolume sums the price cut by executed reprices that were
// not undone.
func (t *Tracker) computeRepriceVolume(ctx context.Context, r *Report, cutoff int64) error {
	row := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(json_extract(before_state, '$.price') - json_extract(after_state, '$.price')), 0)
		FROM autopilot_actions
		WHERE action_type = 'REPRICE' AND status = 'executed' AND created_at >= ?`, cutoff)
	return row.Scan(&r.RepriceVolume)
}
