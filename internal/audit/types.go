// Package audit records autopilot actions, mirrors them into a searchable
// audit trail and reverses them within their undo window.
package audit

import (
	"context"
	"errors"
	"time"

	"resellpilot/internal/confidence"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means another caller already moved the record to the
	// requested state, e.g. two executors racing on one action.
	ErrConflict = errors.New("conflicting update")
	// ErrInvalidTransition means the record's current status can never
	// reach the requested one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type ActionType string

const (
	ActionOfferAccept  ActionType = "OFFER_ACCEPT"
	ActionOfferDecline ActionType = "OFFER_DECLINE"
	ActionOfferCounter ActionType = "OFFER_COUNTER"
	ActionReprice      ActionType = "REPRICE"
	ActionDelist       ActionType = "DELIST"
	ActionRelist       ActionType = "RELIST"
	ActionUndo         ActionType = "UNDO_ACTION"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionOfferAccept, ActionOfferDecline, ActionOfferCounter,
		ActionReprice, ActionDelist, ActionRelist, ActionUndo:
		return true
	}
	return false
}

type Source string

const (
	SourceUser      Source = "USER"
	SourceAutopilot Source = "AUTOPILOT"
	SourceSystem    Source = "SYSTEM"
	SourceWebhook   Source = "WEBHOOK"
)

func (s Source) Valid() bool {
	switch s {
	case SourceUser, SourceAutopilot, SourceSystem, SourceWebhook:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusReversed Status = "reversed"
)

// Decision is a human verdict on a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// State is a JSON snapshot of whatever an action changes, e.g. {"price": 95}.
type State map[string]any

// Action is the durable record of an autopilot decision.
type Action struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	ItemID           string           `json:"item_id"`
	RuleID           string           `json:"rule_id,omitempty"`
	ActionType       ActionType       `json:"action_type"`
	Confidence       float64          `json:"confidence"`
	Level            confidence.Level `json:"confidence_level"`
	Before           State            `json:"before_state"`
	After            State            `json:"after_state"`
	Payload          map[string]any   `json:"payload,omitempty"`
	Status           Status           `json:"status"`
	RequiresApproval bool             `json:"requires_approval"`
	Reversible       bool             `json:"reversible"`
	UndoDeadline     *time.Time       `json:"undo_deadline,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExecutedAt       *time.Time       `json:"executed_at,omitempty"`
	ClaimedAt        *time.Time       `json:"claimed_at,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	RetryCount       int              `json:"retry_count"`
}

// Entry is one row of the audit trail, written for any source.
type Entry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ItemID       string     `json:"item_id,omitempty"`
	ActionID     string     `json:"action_id,omitempty"`
	UndoesID     string     `json:"undoes_id,omitempty"`
	ActionType   ActionType `json:"action_type"`
	Source       Source     `json:"source"`
	Before       State      `json:"before_state"`
	After        State      `json:"after_state"`
	Reversible   bool       `json:"reversible"`
	UndoDeadline *time.Time `json:"undo_deadline,omitempty"`
	ReversedAt   *time.Time `json:"reversed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Mutation is a change to apply against the marketplace. Undo sends the
// entry's before state with Reverse set.
type Mutation struct {
	ActionID   string
	UserID     string
	ItemID     string
	ActionType ActionType
	State      State
	Reverse    bool
}

// Applier pushes mutations to the outside world. Forward execution and undo
// share it.
type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, m Mutation) error

func (f ApplierFunc) Apply(ctx context.Context, m Mutation) error { return f(ctx, m) }
