package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"resellpilot/internal/rules"
)

// defaultRuleID identifies the configured defaults for a user who never
// saved rules, so their execution history still accumulates.
func defaultRuleID(kind, userID string) string {
	return "default:" + kind + ":" + userID
}

// OfferRules returns the user's offer rules or the configured defaults.
func (s *Store) OfferRules(ctx context.Context, userID string) (rules.Offer, string, error) {
	var (
		r      rules.Offer
		ruleID string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, auto_accept_threshold, auto_decline_threshold, auto_counter_enabled,
			counter_strategy, max_counter_rounds, high_value_threshold
		FROM offer_rules WHERE user_id = ?`, userID,
	).Scan(&ruleID, &r.AutoAcceptThreshold, &r.AutoDeclineThreshold, &r.AutoCounterEnabled,
		&r.CounterStrategy, &r.MaxCounterRounds, &r.HighValueThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultOffer, defaultRuleID("offer", userID), nil
	}
	if err != nil {
		return rules.Offer{}, "", fmt.Errorf("reading offer rules: %w", err)
	}
	return r, ruleID, nil
}

// SetOfferRules validates and saves the user's offer rules. The rule id is
// kept across updates.
func (s *Store) SetOfferRules(ctx context.Context, userID string, r rules.Offer) (string, error) {
	if err := rules.ValidateOffer(r); err != nil {
		return "", err
	}
	var ruleID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO offer_rules (user_id, rule_id, auto_accept_threshold, auto_decline_threshold,
			auto_counter_enabled, counter_strategy, max_counter_rounds, high_value_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_accept_threshold = excluded.auto_accept_threshold,
			auto_decline_threshold = excluded.auto_decline_threshold,
			auto_counter_enabled = excluded.auto_counter_enabled,
			counter_strategy = excluded.counter_strategy,
			max_counter_rounds = excluded.max_counter_rounds,
			high_value_threshold = excluded.high_value_threshold,
			updated_at = excluded.updated_at
		RETURNING rule_id`,
		userID, uuid.NewString(), r.AutoAcceptThreshold, r.AutoDeclineThreshold, r.AutoCounterEnabled,
		string(r.CounterStrategy), r.MaxCounterRounds, r.HighValueThreshold, s.clock().UnixMilli(),
	).Scan(&ruleID)
	if err != nil {
		return "", fmt.Errorf("saving offer rules: %w", err)
	}
	return ruleID, nil
}

// RepriceRule is a user's saved repricing configuration.
type RepriceRule struct {
	ID      string        `json:"rule_id"`
	Rules   rules.Reprice `json:"rules"`
	Enabled bool          `json:"enabled"`
}

// RepriceRules returns the user's reprice rules or the configured defaults.
func (s *Store) RepriceRules(ctx context.Context, userID string) (RepriceRule, error) {
	var (
		rr        RepriceRule
		firstDrop sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, strategy, max_daily_drop_percent, max_weekly_drop_percent,
			respect_floor_price, high_value_threshold, days_before_first_drop, enabled
		FROM reprice_rules WHERE user_id = ?`, userID,
	).Scan(&rr.ID, &rr.Rules.Strategy, &rr.Rules.MaxDailyDropPercent, &rr.Rules.MaxWeeklyDropPercent,
		&rr.Rules.RespectFloorPrice, &rr.Rules.HighValueThreshold, &firstDrop, &rr.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return RepriceRule{ID: defaultRuleID("reprice", userID), Rules: s.defaultReprice, Enabled: true}, nil
	}
	if err != nil {
		return RepriceRule{}, fmt.Errorf("reading reprice rules: %w", err)
	}
	if firstDrop.Valid {
		d := int(firstDrop.Int64)
		rr.Rules.DaysBeforeFirstDrop = &d
	}
	return rr, nil
}

// SetRepriceRules validates and saves the user's reprice rules.
func (s *Store) SetRepriceRules(ctx context.Context, userID string, r rules.Reprice, enabled bool) (string, error) {
	if err := rules.ValidateReprice(r); err != nil {
		return "", err
	}
	var firstDrop any
	if r.DaysBeforeFirstDrop != nil {
		firstDrop = *r.DaysBeforeFirstDrop
	}
	var ruleID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reprice_rules (user_id, rule_id, strategy, max_daily_drop_percent,
			max_weekly_drop_percent, respect_floor_price, high_value_threshold,
			days_before_first_drop, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			strategy = excluded.strategy,
			max_daily_drop_percent = excluded.max_daily_drop_percent,
			max_weekly_drop_percent = excluded.max_weekly_drop_percent,
			respect_floor_price = excluded.respect_floor_price,
			high_value_threshold = excluded.high_value_threshold,
			days_before_first_drop = excluded.days_before_first_drop,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
		RETURNING rule_id`,
		userID, uuid.NewString(), string(r.Strategy), r.MaxDailyDropPercent, r.MaxWeeklyDropPercent,
		r.RespectFloorPrice, r.HighValueThreshold, firstDrop, enabled, s.clock().UnixMilli(),
	).Scan(&ruleID)
	if err != nil {
		return "", fmt.Errorf("saving reprice rules: %w", err)
	}
	return ruleID, nil
}

// SuccessfulExecutions counts actions of ruleID that reached the
// marketplace, including ones later undone.
func (s *Store) SuccessfulExecutions(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM autopilot_actions
		WHERE rule_id = ? AND status IN ('executed', 'reversed')`, ruleID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return n, nil
}
