package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"resellpilot/internal/audit"
)

// Ledger is the subset of audit.Ledger the executor drives.
type Ledger interface {
	ListActions(ctx context.Context, f audit.ActionFilter, limit int) ([]audit.Action, error)
	Claim(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id string) (audit.Entry, error)
	MarkFailed(ctx context.Context, id, message string) error
	Retry(ctx context.Context, id string) error
}

// Executor pushes approved actions to the marketplace and records the
// outcome.
type Executor struct {
	ledger      Ledger
	applier     audit.Applier
	maxAttempts int
}

func NewExecutor(ledger Ledger, applier audit.Applier, maxAttempts int) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{ledger: ledger, applier: applier, maxAttempts: maxAttempts}
}

// ExecutionResult records what happened to one action.
type ExecutionResult struct {
	ActionID string
	AuditID  string
	Success  bool
	Error    error
}

// ExecuteApproved executes up to limit approved actions, oldest first.
func (e *Executor) ExecuteApproved(ctx context.Context, limit int) ([]ExecutionResult, error) {
	actions, err := e.ledger.ListActions(ctx, audit.ActionFilter{
		Status:    audit.StatusApproved,
		Unclaimed: true,
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("loading approved actions: %w", err)
	}

	results := make([]ExecutionResult, 0, len(actions))
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}
		results = append(results, e.Execute(ctx, a))
	}
	return results, nil
}

// Execute applies one approved action. The action is claimed first, so a
// second caller racing on the same action never reaches the marketplace.
func (e *Executor) Execute(ctx context.Context, a audit.Action) ExecutionResult {
	if err := e.ledger.Claim(ctx, a.ID); err != nil {
		slog.Warn("action not claimed", "action_id", a.ID, "error", err)
		return ExecutionResult{ActionID: a.ID, Success: false, Error: err}
	}

	slog.Info("executing action",
		"action_id", a.ID,
		"user_id", a.UserID,
		"item_id", a.ItemID,
		"action_type", a.ActionType,
		"confidence", a.Confidence,
		"attempt", a.RetryCount+1,
	)

	err := e.applier.Apply(ctx, audit.Mutation{
		ActionID:   a.ID,
		UserID:     a.UserID,
		ItemID:     a.ItemID,
		ActionType: a.ActionType,
		State:      a.After,
	})
	// The marketplace call has been made; record its outcome even if the
	// caller gives up.
	bookCtx := context.WithoutCancel(ctx)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrPermanent) {
			msg = audit.PermanentPrefix + msg
			slog.Warn("action permanently failed", "action_id", a.ID, "error", err)
		}
		if markErr := e.ledger.MarkFailed(bookCtx, a.ID, msg); markErr != nil {
			slog.Error("failed to record action failure", "action_id", a.ID, "error", markErr)
		}
		slog.Error("action failed",
			"action_id", a.ID,
			"error", err,
			"attempts", a.RetryCount+1,
		)
		return ExecutionResult{ActionID: a.ID, Success: false, Error: err}
	}

	entry, err := e.ledger.MarkExecuted(bookCtx, a.ID)
	if err != nil {
		// The marketplace already changed. The action keeps its claim so no
		// later pass applies it again.
		slog.Error("executed action not recorded", "action_id", a.ID, "error", err)
		return ExecutionResult{ActionID: a.ID, Success: false, Error: err}
	}
	return ExecutionResult{ActionID: a.ID, AuditID: entry.ID, Success: true}
}

// RetryFailed re-approves failed actions that still have attempts left and
// did not fail permanently. It returns how many were re-queued.
func (e *Executor) RetryFailed(ctx context.Context, limit int) (int, error) {
	actions, err := e.ledger.ListActions(ctx, audit.ActionFilter{
		Status:     audit.StatusFailed,
		MaxRetries: e.maxAttempts,
		Retryable:  true,
	}, limit)
	if err != nil {
		return 0, fmt.Errorf("loading failed actions: %w", err)
	}

	requeued := 0
	for _, a := range actions {
		if err := e.ledger.Retry(ctx, a.ID); err != nil {
			slog.Warn("retry skipped", "action_id", a.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		slog.Info("re-queued failed actions", "count", requeued)
	}
	return requeued, nil
}
