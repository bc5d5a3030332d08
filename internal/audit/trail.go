package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Trail is the append-only audit log. It also owns the undo window table,
// since reversibility is decided when an entry is written.
type Trail struct {
	db      *sql.DB
	windows map[ActionType]time.Duration
	clock   func() time.Time
}

// NewTrail creates a trail. windows maps action types to how long after
// the change an undo is still accepted; types missing from it are not
// reversible.
func NewTrail(db *sql.DB, windows map[string]time.Duration, clock func() time.Time) *Trail {
	if clock == nil {
		clock = time.Now
	}
	w := make(map[ActionType]time.Duration, len(windows))
	for k, d := range windows {
		w[ActionType(k)] = d
	}
	return &Trail{db: db, windows: w, clock: clock}
}

// UndoWindow returns the undo window for t and whether t is reversible.
func (tr *Trail) UndoWindow(t ActionType) (time.Duration, bool) {
	if t == ActionUndo {
		return 0, false
	}
	d, ok := tr.windows[t]
	return d, ok && d > 0
}

func (tr *Trail) deadline(t ActionType, from time.Time) (bool, *time.Time) {
	d, ok := tr.UndoWindow(t)
	if !ok {
		return false, nil
	}
	dl := from.Add(d)
	return true, &dl
}

// EntryInput describes a change made outside the autopilot, e.g. a manual
// price edit or a marketplace webhook.
type EntryInput struct {
	UserID       string     `json:"user_id"`
	ItemID       string     `json:"item_id"`
	ActionType   ActionType `json:"action_type"`
	Source       Source     `json:"source"`
	Before       State      `json:"before_state"`
	After        State      `json:"after_state"`
	Irreversible bool       `json:"irreversible"`
}

func (in EntryInput) validate() error {
	var problems []string
	if in.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if !in.ActionType.Valid() || in.ActionType == ActionUndo {
		problems = append(problems, fmt.Sprintf("unsupported action_type %q", in.ActionType))
	}
	if !in.Source.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported source %q", in.Source))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(problems, "; "))
	}
	return nil
}

var ErrInvalidEntry = errors.New("invalid audit entry")

// Append writes a new entry. Reversibility comes from the undo window table.
func (tr *Trail) Append(ctx context.Context, in EntryInput) (Entry, error) {
	if err := in.validate(); err != nil {
		return Entry{}, err
	}
	now := tr.clock()
	e := Entry{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		ItemID:     in.ItemID,
		ActionType: in.ActionType,
		Source:     in.Source,
		Before:     in.Before,
		After:      in.After,
		CreatedAt:  now.UTC(),
	}
	if !in.Irreversible {
		e.Reversible, e.UndoDeadline = tr.deadline(in.ActionType, now)
	}
	if err := tr.insert(ctx, tr.db, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (tr *Trail) insert(ctx context.Context, q querier, e Entry) error {
	before, err := encodeJSON(e.Before)
	if err != nil {
		return err
	}
	after, err := encodeJSON(e.After)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_entries (id, user_id, item_id, action_id, undoes_id, action_type, source,
			before_state, after_state, reversible, undo_deadline, reversed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, nullString(e.ItemID), nullString(e.ActionID), nullString(e.UndoesID),
		string(e.ActionType), string(e.Source), before, after, e.Reversible,
		nullMillis(e.UndoDeadline), nullMillis(e.ReversedAt), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, item_id, action_id, undoes_id, action_type, source,
	before_state, after_state, reversible, undo_deadline, reversed_at, created_at`

func scanEntry(s scanner) (Entry, error) {
	var (
		e                          Entry
		itemID, actionID, undoesID sql.NullString
		before, after              string
		undoDeadline, reversedAt   sql.NullInt64
		createdAt                  int64
	)
	err := s.Scan(&e.ID, &e.UserID, &itemID, &actionID, &undoesID, &e.ActionType, &e.Source,
		&before, &after, &e.Reversible, &undoDeadline, &reversedAt, &createdAt)
	if err != nil {
		return Entry{}, err
	}
	e.ItemID, e.ActionID, e.UndoesID = itemID.String, actionID.String, undoesID.String
	if e.Before, err = decodeState(before); err != nil {
		return Entry{}, err
	}
	if e.After, err = decodeState(after); err != nil {
		return Entry{}, err
	}
	e.UndoDeadline = timePtr(undoDeadline)
	e.ReversedAt = timePtr(reversedAt)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return e, nil
}

// Get returns one entry.
func (tr *Trail) Get(ctx context.Context, id string) (Entry, error) {
	return tr.get(ctx, tr.db, id)
}

func (tr *Trail) get(ctx context.Context, q querier, id string) (Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("audit entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading audit entry: %w", err)
	}
	return e, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID     string
	ActionType ActionType
	Source     Source
	ItemID     string
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.ItemID != "" {
		clauses = append(clauses, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Page is one slice of List results.
type Page struct {
	Entries    []Entry `json:"entries"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// List returns entries newest first. limit is clamped to [1, MaxPageSize]
// with DefaultPageSize used for non-positive values.
func (tr *Trail) List(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)

	where, args := f.where()

	var total int
	if err := tr.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_entries`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("counting audit entries: %w", err)
	}

	rows, err := tr.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	return Page{
		Entries:    entries,
		TotalCount: total,
		HasMore:    offset+len(entries) < total,
	}, nil
}
