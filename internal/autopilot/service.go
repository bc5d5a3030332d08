// Package autopilot is the entry point for callers: it wires the evaluators
// to rule storage, the rate limiter and the action ledger.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"resellpilot/internal/audit"
	"resellpilot/internal/confidence"
	"resellpilot/internal/execution"
	"resellpilot/internal/offer"
	"resellpilot/internal/ratelimit"
	"resellpilot/internal/rules"
	"resellpilot/internal/store"
	"resellpilot/internal/strategy"
)

// Service exposes every engine operation behind one facade.
type Service struct {
	store    *store.Store
	offers   *offer.Engine
	reprices *strategy.Evaluator
	limiter  *ratelimit.Limiter
	ledger   *audit.Ledger
	undoer   *audit.Undoer
	executor *execution.Executor
	clock    func() time.Time
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Store     *store.Store
	Evaluator *strategy.Evaluator
	Limiter   *ratelimit.Limiter
	Ledger    *audit.Ledger
	Undoer    *audit.Undoer
	Executor  *execution.Executor
	Clock     func() time.Time
}

func New(d Deps) *Service {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    d.Store,
		offers:   offer.NewEngine(d.Store, d.Store, d.Store, clock),
		reprices: d.Evaluator,
		limiter:  d.Limiter,
		ledger:   d.Ledger,
		undoer:   d.Undoer,
		executor: d.Executor,
		clock:    clock,
	}
}

func (s *Service) ScoreConfidence(c confidence.Context) confidence.Result {
	return confidence.Score(c)
}

// EvaluateOffer loads the user's rules, activity and rule history and
// evaluates the offer. Nothing is persisted.
func (s *Service) EvaluateOffer(ctx context.Context, c offer.Context) (offer.Evaluation, error) {
	return s.offers.Evaluate(ctx, c)
}

// EvaluateReprice evaluates c under r, or under the user's stored rules
// when r is nil.
func (s *Service) EvaluateReprice(ctx context.Context, c strategy.Context, r *rules.Reprice) (strategy.Result, error) {
	if r == nil {
		rr, err := s.store.RepriceRules(ctx, c.UserID)
		if err != nil {
			return strategy.Result{}, err
		}
		r = &rr.Rules
	}
	return s.reprices.Evaluate(c, *r)
}

func (s *Service) CheckRateLimit(ctx context.Context, userID string) (ratelimit.Status, error) {
	return s.limiter.Check(ctx, userID)
}

func (s *Service) IncrementRateLimit(ctx context.Context, userID string) error {
	return s.limiter.Increment(ctx, userID)
}

func (s *Service) RecordAction(ctx context.Context, p audit.Proposal) (audit.Action, error) {
	return s.ledger.Record(ctx, p)
}

func (s *Service) MarkExecuted(ctx context.Context, actionID string) (audit.Entry, error) {
	return s.ledger.MarkExecuted(ctx, actionID)
}

func (s *Service) MarkFailed(ctx context.Context, actionID, message string) error {
	return s.ledger.MarkFailed(ctx, actionID, message)
}

// ResolveAction applies a user's decision. Resolving counts as activity.
func (s *Service) ResolveAction(ctx context.Context, actionID string, d audit.Decision) error {
	if err := s.ledger.Resolve(ctx, actionID, d); err != nil {
		return err
	}
	s.touchFor(ctx, actionID)
	return nil
}

func (s *Service) BulkResolve(ctx context.Context, actionIDs []string, d audit.Decision) audit.BulkResult {
	res := s.ledger.BulkResolve(ctx, actionIDs, d)
	if len(res.Succeeded) > 0 {
		s.touchFor(ctx, res.Succeeded[0])
	}
	return res
}

func (s *Service) touchFor(ctx context.Context, actionID string) {
	a, err := s.ledger.Get(ctx, actionID)
	if err != nil {
		slog.Warn("loading resolved action", "action_id", actionID, "error", err)
		return
	}
	if err := s.store.TouchActivity(ctx, a.UserID, s.clock()); err != nil {
		slog.Warn("recording user activity", "user_id", a.UserID, "error", err)
	}
}

func (s *Service) ListAuditEntries(ctx context.Context, f audit.Filter, limit, offset int) (audit.Page, error) {
	return s.ledger.Trail().List(ctx, f, limit, offset)
}

// AppendAuditEntry records a change that did not come from the autopilot.
func (s *Service) AppendAuditEntry(ctx context.Context, in audit.EntryInput) (audit.Entry, error) {
	e, err := s.ledger.Trail().Append(ctx, in)
	if err != nil {
		return audit.Entry{}, err
	}
	if in.Source == audit.SourceUser {
		if err := s.store.TouchActivity(ctx, in.UserID, s.clock()); err != nil {
			slog.Warn("recording user activity", "user_id", in.UserID, "error", err)
		}
	}
	return e, nil
}

func (s *Service) Undo(ctx context.Context, auditID string) (audit.UndoResult, error) {
	return s.undoer.Undo(ctx, auditID)
}

func (s *Service) CanUndo(ctx context.Context, auditID string) (audit.UndoCheck, error) {
	return s.undoer.CanUndo(ctx, auditID)
}

func (s *Service) SetOfferRules(ctx context.Context, userID string, r rules.Offer) (string, error) {
	id, err := s.store.SetOfferRules(ctx, userID, r)
	if err != nil {
		return "", err
	}
	s.touch(ctx, userID)
	return id, nil
}

func (s *Service) SetRepriceRules(ctx context.Context, userID string, r rules.Reprice, enabled bool) (string, error) {
	id, err := s.store.SetRepriceRules(ctx, userID, r, enabled)
	if err != nil {
		return "", err
	}
	s.touch(ctx, userID)
	return id, nil
}

func (s *Service) touch(ctx context.Context, userID string) {
	if err := s.store.TouchActivity(ctx, userID, s.clock()); err != nil {
		slog.Warn("recording user activity", "user_id", userID, "error", err)
	}
}

var offerActions = map[offer.Decision]audit.ActionType{
	offer.DecisionAccept:  audit.ActionOfferAccept,
	offer.DecisionDecline: audit.ActionOfferDecline,
	offer.DecisionCounter: audit.ActionOfferCounter,
}

var offerOutcomes = map[offer.Decision]string{
	offer.DecisionAccept:  "accepted",
	offer.DecisionDecline: "declined",
	offer.DecisionCounter: "countered",
}

// HandledOffer is the outcome of HandleOffer.
type HandledOffer struct {
	offer.Evaluation
	Action   *audit.Action `json:"action,omitempty"`
	Executed bool          `json:"executed"`
}

// HandleOffer evaluates an inbound offer, records the decision and, when
// confident enough, executes it right away. Manual-review offers are left
// to the user and record nothing.
func (s *Service) HandleOffer(ctx context.Context, c offer.Context) (HandledOffer, error) {
	ev, err := s.offers.Evaluate(ctx, c)
	if err != nil {
		return HandledOffer{}, err
	}
	if err := s.store.RecordOffer(ctx, c.ItemID); err != nil {
		slog.Warn("counting offer", "item_id", c.ItemID, "error", err)
	}

	out := HandledOffer{Evaluation: ev}
	actionType, ok := offerActions[ev.Decision]
	if !ok {
		slog.Info("offer left for manual review", "offer_id", c.OfferID, "reason", ev.Reason)
		return out, nil
	}

	after := audit.State{"offer_id": c.OfferID, "status": offerOutcomes[ev.Decision]}
	if ev.CounterAmount != nil {
		after["counter_amount"] = *ev.CounterAmount
	}
	a, err := s.ledger.Record(ctx, audit.Proposal{
		UserID:     c.UserID,
		ItemID:     c.ItemID,
		RuleID:     ev.RuleID,
		ActionType: actionType,
		Confidence: ev.Confidence,
		Before:     audit.State{"offer_id": c.OfferID, "status": "open", "amount": c.OfferAmount},
		After:      after,
		Payload: map[string]any{
			"reason":         ev.Reason,
			"offer_percent":  ev.OfferPercent,
			"asking_price":   c.AskingPrice,
			"channel":        c.Channel,
			"buyer_username": c.BuyerUsername,
		},
		AutoExecute:      ev.AutoExecute,
		RequiresApproval: ev.RequiresApproval,
	})
	if err != nil {
		return HandledOffer{}, fmt.Errorf("recording offer decision: %w", err)
	}
	out.Action = &a

	if a.Status == audit.StatusApproved {
		res := s.executor.Execute(ctx, a)
		out.Executed = res.Success
	}
	return out, nil
}

// RepriceOutcome says what ProposeReprice did with a listing.
type RepriceOutcome string

const (
	RepriceHeld        RepriceOutcome = "held"
	RepriceInFlight    RepriceOutcome = "in_flight"
	RepriceDisabled    RepriceOutcome = "disabled"
	RepriceRateLimited RepriceOutcome = "rate_limited"
	RepriceApproved    RepriceOutcome = "approved"
	RepriceProposed    RepriceOutcome = "proposed"
)

// ProposeReprice evaluates one listing under its owner's current rules and
// records a REPRICE action when a drop is warranted. Auto-approved drops
// consume the owner's daily quota; low-confidence ones wait for approval
// and do not.
func (s *Service) ProposeReprice(ctx context.Context, l store.Listing) (RepriceOutcome, error) {
	rr, err := s.store.RepriceRules(ctx, l.UserID)
	if err != nil {
		return "", err
	}
	if !rr.Enabled {
		return RepriceDisabled, nil
	}
	open, err := s.ledger.HasOpen(ctx, l.ID, audit.ActionReprice)
	if err != nil {
		return "", err
	}
	if open {
		return RepriceInFlight, nil
	}

	res, err := s.reprices.Evaluate(l.RepricingContext(s.clock()), rr.Rules)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) || errors.Is(err, strategy.ErrInvalidContext) {
			slog.Warn("listing skipped", "listing_id", l.ID, "error", err)
			return RepriceHeld, nil
		}
		return "", err
	}
	if res.NewPrice == nil {
		return RepriceHeld, nil
	}

	auto := res.ShouldReprice
	if auto {
		status, ok, err := s.limiter.TryIncrement(ctx, l.UserID)
		if err != nil {
			return "", err
		}
		if !ok {
			slog.Info("reprice deferred by rate limit",
				"listing_id", l.ID,
				"user_id", l.UserID,
				"resets_at", status.ResetsAt,
			)
			return RepriceRateLimited, nil
		}
	}

	policy := confidence.PolicyFor(res.Level)
	_, err = s.ledger.Record(ctx, audit.Proposal{
		UserID:     l.UserID,
		ItemID:     l.ItemID,
		RuleID:     rr.ID,
		ActionType: audit.ActionReprice,
		Confidence: confidence.Result{Score: res.Confidence, Level: res.Level},
		Before:     audit.State{"price": l.Price, "listing_id": l.ID},
		After:      audit.State{"price": *res.NewPrice, "listing_id": l.ID},
		Payload: map[string]any{
			"reason":       res.Reason,
			"drop_percent": *res.DropPercent,
			"strategy":     string(rr.Rules.Strategy),
			"channel":      l.Channel,
		},
		AutoExecute:      auto,
		RequiresApproval: !auto && policy == confidence.PolicyRequireApproval,
	})
	if err != nil {
		return "", fmt.Errorf("recording reprice: %w", err)
	}
	if auto {
		return RepriceApproved, nil
	}
	return RepriceProposed, nil
}

func (s *Service) GetAction(ctx context.Context, actionID string) (audit.Action, error) {
	return s.ledger.Get(ctx, actionID)
}
