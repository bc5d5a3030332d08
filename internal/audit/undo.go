package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UndoCheck reports whether an entry can still be reversed.
type UndoCheck struct {
	CanUndo       bool          `json:"can_undo"`
	Reason        string        `json:"reason,omitempty"`
	TimeRemaining time.Duration `json:"-"`
	// TimeRemainingSeconds mirrors TimeRemaining for JSON clients.
	TimeRemainingSeconds int64 `json:"time_remaining_seconds,omitempty"`
}

// UndoResult is returned for every undo attempt. Refusals are values, not
// errors, so one bad entry never aborts a batch.
type UndoResult struct {
	Success     bool   `json:"success"`
	UndoAuditID string `json:"undo_audit_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CheckEntry decides reversibility of e at now.
func CheckEntry(e Entry, now time.Time) UndoCheck {
	switch {
	case !e.Reversible:
		return UndoCheck{Reason: "action is not reversible"}
	case e.ReversedAt != nil:
		return UndoCheck{Reason: "action has already been reversed"}
	case e.UndoDeadline == nil:
		return UndoCheck{Reason: "action has no undo deadline"}
	case !now.Before(*e.UndoDeadline):
		return UndoCheck{Reason: "undo window has expired"}
	}
	remaining := e.UndoDeadline.Sub(now)
	return UndoCheck{
		CanUndo:              true,
		TimeRemaining:        remaining,
		TimeRemainingSeconds: int64(remaining / time.Second),
	}
}

// Undoer reverses audit entries through the same Applier used for forward
// execution.
type Undoer struct {
	ledger  *Ledger
	applier Applier
	clock   func() time.Time
}

func NewUndoer(ledger *Ledger, applier Applier, clock func() time.Time) *Undoer {
	if clock == nil {
		clock = time.Now
	}
	return &Undoer{ledger: ledger, applier: applier, clock: clock}
}

// CanUndo reports whether the entry can be reversed now. A missing entry is
// a refusal, not an error.
func (u *Undoer) CanUndo(ctx context.Context, auditID string) (UndoCheck, error) {
	e, err := u.ledger.trail.Get(ctx, auditID)
	if errors.Is(err, ErrNotFound) {
		return UndoCheck{Reason: "audit entry not found"}, nil
	}
	if err != nil {
		return UndoCheck{}, err
	}
	return CheckEntry(e, u.clock()), nil
}

// Undo reverses an entry at most once. The entry is claimed by setting
// reversed_at before the marketplace is touched; if applying the reversal
// fails the claim is released so the user can try again.
func (u *Undoer) Undo(ctx context.Context, auditID string) (UndoResult, error) {
	trail := u.ledger.trail
	now := u.clock()

	e, err := trail.Get(ctx, auditID)
	if errors.Is(err, ErrNotFound) {
		return UndoResult{Error: "audit entry not found"}, nil
	}
	if err != nil {
		return UndoResult{}, err
	}
	if check := CheckEntry(e, now); !check.CanUndo {
		return UndoResult{Error: "no longer undoable: " + check.Reason}, nil
	}

	res, err := u.ledger.db.ExecContext(ctx, `
		UPDATE audit_entries SET reversed_at = ?
		WHERE id = ? AND reversed_at IS NULL AND reversible = 1 AND undo_deadline > ?`,
		now.UnixMilli(), auditID, now.UnixMilli(),
	)
	if err != nil {
		return UndoResult{}, fmt.Errorf("claiming audit entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return UndoResult{}, err
	} else if n == 0 {
		return UndoResult{Error: "no longer undoable: action has already been reversed"}, nil
	}

	m := Mutation{
		ActionID:   e.ActionID,
		UserID:     e.UserID,
		ItemID:     e.ItemID,
		ActionType: e.ActionType,
		State:      e.Before,
		Reverse:    true,
	}
	// Past this point the claim is ours; bookkeeping must not be abandoned
	// because the caller went away.
	bookCtx := context.WithoutCancel(ctx)
	if err := u.applier.Apply(ctx, m); err != nil {
		if _, relErr := u.ledger.db.ExecContext(bookCtx,
			`UPDATE audit_entries SET reversed_at = NULL WHERE id = ? AND reversed_at = ?`,
			auditID, now.UnixMilli(),
		); relErr != nil {
			slog.Error("releasing undo claim", "audit_id", auditID, "error", relErr)
		}
		slog.Warn("undo apply failed", "audit_id", auditID, "error", err)
		return UndoResult{Error: fmt.Sprintf("applying reversal: %v", err)}, nil
	}

	undoEntry := Entry{
		ID:         uuid.NewString(),
		UserID:     e.UserID,
		ItemID:     e.ItemID,
		ActionID:   e.ActionID,
		UndoesID:   e.ID,
		ActionType: ActionUndo,
		Source:     SourceUser,
		Before:     e.After,
		After:      e.Before,
		CreatedAt:  now.UTC(),
	}
	if err := u.recordUndo(bookCtx, e, undoEntry); err != nil {
		// The marketplace is reverted and the entry stays claimed, but the
		// action row and the trail do not show it.
		slog.Error("reversal applied but not recorded",
			"audit_id", auditID,
			"action_id", e.ActionID,
			"undo_audit_id", undoEntry.ID,
			"error", err,
		)
		return UndoResult{}, fmt.Errorf("reversal applied but not recorded: %w", err)
	}

	slog.Info("action undone",
		"audit_id", auditID,
		"undo_audit_id", undoEntry.ID,
		"action_type", e.ActionType,
		"item_id", e.ItemID,
	)
	return UndoResult{Success: true, UndoAuditID: undoEntry.ID}, nil
}

func (u *Undoer) recordUndo(ctx context.Context, original, undo Entry) error {
	tx, err := u.ledger.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if original.ActionID != "" {
		if err := u.ledger.markReversed(ctx, tx, original.ActionID); err != nil {
			return err
		}
	}
	if err := u.ledger.trail.insert(ctx, tx, undo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing undo: %w", err)
	}
	return nil
}
