package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"resellpilot/internal/confidence"
)

// Ledger owns autopilot actions and their state machine:
//
//	pending  -> approved | rejected
//	approved -> executed | failed
//	failed   -> approved
//	executed -> reversed
//
// Every transition is a single conditional UPDATE on the current status, so
// racing callers cannot both win. Executed actions are mirrored into the
// Trail in the same transaction; the Trail never reads actions back.
type Ledger struct {
	db    *sql.DB
	trail *Trail
	clock func() time.Time
}

func NewLedger(db *sql.DB, trail *Trail, clock func() time.Time) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{db: db, trail: trail, clock: clock}
}

func (l *Ledger) Trail() *Trail { return l.trail }

// Proposal is an evaluator's output ready to be persisted.
type Proposal struct {
	UserID           string            `json:"user_id"`
	ItemID           string            `json:"item_id"`
	RuleID           string            `json:"rule_id,omitempty"`
	ActionType       ActionType        `json:"action_type"`
	Confidence       confidence.Result `json:"confidence"`
	Before           State             `json:"before_state"`
	After            State             `json:"after_state"`
	Payload          map[string]any    `json:"payload,omitempty"`
	AutoExecute      bool              `json:"auto_execute"`
	RequiresApproval bool              `json:"requires_approval"`
}

func (p Proposal) validate() error {
	var problems []string
	if p.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if p.ItemID == "" {
		problems = append(problems, "item_id is required")
	}
	if !p.ActionType.Valid() || p.ActionType == ActionUndo {
		problems = append(problems, fmt.Sprintf("unsupported action_type %q", p.ActionType))
	}
	if p.AutoExecute && p.RequiresApproval {
		problems = append(problems, "auto_execute and requires_approval are exclusive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(problems, "; "))
	}
	return nil
}

// Record persists a proposal. Auto-executable proposals start approved;
// everything else waits in pending, including log-only ones which are never
// surfaced for approval and simply expire.
func (l *Ledger) Record(ctx context.Context, p Proposal) (Action, error) {
	if err := p.validate(); err != nil {
		return Action{}, err
	}
	now := l.clock()
	a := Action{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		ItemID:           p.ItemID,
		RuleID:           p.RuleID,
		ActionType:       p.ActionType,
		Confidence:       p.Confidence.Score,
		Level:            p.Confidence.Level,
		Before:           p.Before,
		After:            p.After,
		Payload:          p.Payload,
		Status:           StatusPending,
		RequiresApproval: p.RequiresApproval,
		CreatedAt:        now.UTC(),
	}
	if p.AutoExecute {
		a.Status = StatusApproved
	}
	a.Reversible, a.UndoDeadline = l.trail.deadline(p.ActionType, now)

	before, err := encodeJSON(a.Before)
	if err != nil {
		return Action{}, err
	}
	after, err := encodeJSON(a.After)
	if err != nil {
		return Action{}, err
	}
	payload, err := encodeJSON(a.Payload)
	if err != nil {
		return Action{}, err
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO autopilot_actions (id, user_id, item_id, rule_id, action_type, confidence,
			confidence_level, before_state, after_state, payload, status, requires_approval,
			reversible, undo_deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.ItemID, nullString(a.RuleID), string(a.ActionType), a.Confidence,
		string(a.Level), before, after, payload, string(a.Status), a.RequiresApproval,
		a.Reversible, nullMillis(a.UndoDeadline), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Action{}, fmt.Errorf("inserting action: %w", err)
	}

	slog.Debug("action recorded",
		"action_id", a.ID,
		"user_id", a.UserID,
		"action_type", a.ActionType,
		"status", a.Status,
		"confidence", a.Confidence,
	)
	return a, nil
}

const actionColumns = `id, user_id, item_id, rule_id, action_type, confidence, confidence_level,
	before_state, after_state, payload, status, requires_approval, reversible, undo_deadline,
	created_at, executed_at, error_message, retry_count, claimed_at`

func scanAction(s scanner) (Action, error) {
	var (
		a                        Action
		ruleID, errMsg           sql.NullString
		before, after, payload   string
		undoDeadline, executedAt sql.NullInt64
		claimedAt                sql.NullInt64
		createdAt                int64
	)
	err := s.Scan(&a.ID, &a.UserID, &a.ItemID, &ruleID, &a.ActionType, &a.Confidence, &a.Level,
		&before, &after, &payload, &a.Status, &a.RequiresApproval, &a.Reversible, &undoDeadline,
		&createdAt, &executedAt, &errMsg, &a.RetryCount, &claimedAt)
	if err != nil {
		return Action{}, err
	}
	a.RuleID, a.ErrorMessage = ruleID.String, errMsg.String
	if a.Before, err = decodeState(before); err != nil {
		return Action{}, err
	}
	if a.After, err = decodeState(after); err != nil {
		return Action{}, err
	}
	p, err := decodeState(payload)
	if err != nil {
		return Action{}, err
	}
	if len(p) > 0 {
		a.Payload = p
	}
	a.UndoDeadline = timePtr(undoDeadline)
	a.ExecutedAt = timePtr(executedAt)
	a.ClaimedAt = timePtr(claimedAt)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	return a, nil
}

// Get returns one action.
func (l *Ledger) Get(ctx context.Context, id string) (Action, error) {
	return l.get(ctx, l.db, id)
}

func (l *Ledger) get(ctx context.Context, q querier, id string) (Action, error) {
	a, err := scanAction(q.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM autopilot_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Action{}, fmt.Errorf("reading action: %w", err)
	}
	return a, nil
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	UserID string
	Status Status
	// MaxRetries, when positive, keeps only actions retried fewer times.
	MaxRetries int
	// Retryable drops failures whose message starts with PermanentPrefix.
	Retryable bool
	// Unclaimed drops actions an executor has already claimed.
	Unclaimed bool
}

// PermanentPrefix tags failure messages of actions that must not be retried.
const PermanentPrefix = "permanent: "

// ListActions returns actions oldest first.
func (l *Ledger) ListActions(ctx context.Context, f ActionFilter, limit int) ([]Action, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.MaxRetries > 0 {
		clauses = append(clauses, "retry_count < ?")
		args = append(args, f.MaxRetries)
	}
	if f.Retryable {
		clauses = append(clauses, "(error_message IS NULL OR substr(error_message, 1, ?) != ?)")
		args = append(args, len(PermanentPrefix), PermanentPrefix)
	}
	if f.Unclaimed {
		clauses = append(clauses, "claimed_at IS NULL")
	}
	query := `SELECT ` + actionColumns + ` FROM autopilot_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// transitionError explains why a conditional update touched no rows.
func (l *Ledger) transitionError(ctx context.Context, q querier, id string, to Status) error {
	var current Status
	err := q.QueryRowContext(ctx, `SELECT status FROM autopilot_actions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading action status: %w", err)
	}
	if current == to {
		return fmt.Errorf("action %s is already %s: %w", id, current, ErrConflict)
	}
	return fmt.Errorf("action %s cannot move from %s to %s: %w", id, current, to, ErrInvalidTransition)
}

func (l *Ledger) checkTransition(ctx context.Context, q querier, res sql.Result, id string, to Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return l.transitionError(ctx, q, id, to)
	}
	return nil
}

// Claim reserves an approved action for one executor. Only the caller whose
// claim succeeds may push the action to the marketplace; the claim is
// cleared by MarkExecuted or MarkFailed.
func (l *Ledger) Claim(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE autopilot_actions SET claimed_at = ?
		WHERE id = ? AND status = ? AND claimed_at IS NULL`,
		l.clock().UnixMilli(), id, string(StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("claiming action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current Status
	err = l.db.QueryRowContext(ctx, `SELECT status FROM autopilot_actions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading action status: %w", err)
	}
	switch current {
	case StatusApproved, StatusExecuted:
		return fmt.Errorf("action %s already claimed: %w", id, ErrConflict)
	}
	return fmt.Errorf("action %s is %s, not approved: %w", id, current, ErrInvalidTransition)
}

// MarkExecuted moves an approved action to executed and mirrors it into the
// audit trail. The undo window restarts at execution time.
func (l *Ledger) MarkExecuted(ctx context.Context, id string) (Entry, error) {
	now := l.clock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := l.get(ctx, tx, id)
	if err != nil {
		return Entry{}, err
	}
	reversible, deadline := l.trail.deadline(a.ActionType, now)

	res, err := tx.ExecContext(ctx, `
		UPDATE autopilot_actions
		SET status = ?, executed_at = ?, undo_deadline = ?, error_message = NULL, claimed_at = NULL
		WHERE id = ? AND status = ?`,
		string(StatusExecuted), now.UnixMilli(), nullMillis(deadline), id, string(StatusApproved),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("marking action executed: %w", err)
	}
	if err := l.checkTransition(ctx, tx, res, id, StatusExecuted); err != nil {
		return Entry{}, err
	}

	e := Entry{
		ID:           uuid.NewString(),
		UserID:       a.UserID,
		ItemID:       a.ItemID,
		ActionID:     a.ID,
		ActionType:   a.ActionType,
		Source:       SourceAutopilot,
		Before:       a.Before,
		After:        a.After,
		Reversible:   reversible && a.Reversible,
		UndoDeadline: deadline,
		CreatedAt:    now.UTC(),
	}
	if !e.Reversible {
		e.UndoDeadline = nil
	}
	if err := l.trail.insert(ctx, tx, e); err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("committing execution: %w", err)
	}

	slog.Info("action executed", "action_id", id, "action_type", a.ActionType, "audit_id", e.ID)
	return e, nil
}

// MarkFailed moves an approved action to failed and counts the attempt.
func (l *Ledger) MarkFailed(ctx context.Context, id, message string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE autopilot_actions
		SET status = ?, error_message = ?, retry_count = retry_count + 1, claimed_at = NULL
		WHERE id = ? AND status = ?`,
		string(StatusFailed), message, id, string(StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("marking action failed: %w", err)
	}
	if err := l.checkTransition(ctx, l.db, res, id, StatusFailed); err != nil {
		return err
	}
	slog.Warn("action failed", "action_id", id, "error", message)
	return nil
}

// Resolve applies a human decision to a pending action.
func (l *Ledger) Resolve(ctx context.Context, id string, d Decision) error {
	var to Status
	switch d {
	case DecisionApprove:
		to = StatusApproved
	case DecisionReject:
		to = StatusRejected
	default:
		return fmt.Errorf("unknown decision %q: %w", d, ErrInvalidTransition)
	}
	query := `UPDATE autopilot_actions SET status = ? WHERE id = ? AND status = ?`
	if to == StatusApproved {
		// Log-only actions are kept for the record and never run.
		query += ` AND requires_approval = 1`
	}
	res, err := l.db.ExecContext(ctx, query, string(to), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("resolving action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if to == StatusApproved {
		var (
			current  Status
			approval bool
		)
		err := l.db.QueryRowContext(ctx,
			`SELECT status, requires_approval FROM autopilot_actions WHERE id = ?`, id,
		).Scan(&current, &approval)
		if err == nil && current == StatusPending && !approval {
			return fmt.Errorf("action %s is log-only: %w", id, ErrInvalidTransition)
		}
	}
	return l.transitionError(ctx, l.db, id, to)
}

// BulkFailure is one action BulkResolve could not resolve.
type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkResolve resolves each action independently. A failure never undoes
// earlier successes.
func (l *Ledger) BulkResolve(ctx context.Context, ids []string, d Decision) BulkResult {
	res := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		if err := l.Resolve(ctx, id, d); err != nil {
			res.Failed = append(res.Failed, BulkFailure{ID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

// Retry puts a failed action back in the approved queue.
func (l *Ledger) Retry(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE autopilot_actions SET status = ? WHERE id = ? AND status = ?`,
		string(StatusApproved), id, string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("retrying action: %w", err)
	}
	return l.checkTransition(ctx, l.db, res, id, StatusApproved)
}

// ExpirePending rejects actions that have waited for approval since before
// cutoff.
func (l *Ledger) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE autopilot_actions
		SET status = ?, error_message = 'approval expired'
		WHERE status = ? AND created_at < ?`,
		string(StatusRejected), string(StatusPending), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring pending actions: %w", err)
	}
	return res.RowsAffected()
}

// markReversed is the executed -> reversed transition used by undo.
func (l *Ledger) markReversed(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE autopilot_actions SET status = ? WHERE id = ? AND status = ?`,
		string(StatusReversed), id, string(StatusExecuted),
	)
	if err != nil {
		return fmt.Errorf("marking action reversed: %w", err)
	}
	return l.checkTransition(ctx, q, res, id, StatusReversed)
}

// HasOpen reports whether the listing already has a pending or approved
// action of type t. Actions name their listing in the after state.
func (l *Ledger) HasOpen(ctx context.Context, listingID string, t ActionType) (bool, error) {
	var open bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM autopilot_actions
			WHERE json_extract(after_state, '$.listing_id') = ?
				AND action_type = ? AND status IN (?, ?)
		)`,
		listingID, string(t), string(StatusPending), string(StatusApproved),
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("checking open actions: %w", err)
	}
	return open, nil
}
