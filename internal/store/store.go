// Package store holds the SQLite repositories for user rules, activity and
// listings.
package store

import (
	"database/sql"
	"errors"
	"time"

	"resellpilot/internal/rules"
)

var ErrNotFound = errors.New("not found")

// Store reads and writes rows owned by users. Rule reads always hit the
// database so edits apply to the next evaluation.
type Store struct {
	db             *sql.DB
	defaultOffer   rules.Offer
	defaultReprice rules.Reprice
	clock          func() time.Time
}

func New(db *sql.DB, defaultOffer rules.Offer, defaultReprice rules.Reprice, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, defaultOffer: defaultOffer, defaultReprice: defaultReprice, clock: clock}
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
