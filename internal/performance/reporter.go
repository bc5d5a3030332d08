package performance

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// LogReport logs the performance report as structured JSON.
func LogReport(r *Report) {
	slog.Info("=== AUTOPILOT REPORT ===",
		"since", r.Since,
		"total_actions", r.TotalActions,
		"by_status", r.ByStatus,
		"auto_execution_rate", r.AutoExecutionRate,
		"avg_confidence", r.AvgConfidence,
		"undo_count", r.UndoCount,
		"reprice_volume", decimal.NewFromFloat(r.RepriceVolume).StringFixed(2),
	)

	for name, stats := range r.TypeStats {
		slog.Info("action type performance",
			"action_type", name,
			"count", stats.Count,
			"executed", stats.Executed,
			"failed", stats.Failed,
			"reversed", stats.Reversed,
			"avg_confidence", stats.AvgConfidence,
			"undo_rate", stats.UndoRate,
		)
	}
}
