// Package governance owns the per-symbol governance state machine: mode,
// latches, cooldowns, decision history, and the frozen policy hash.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foresight/internal/resolver"
)

// State is the persisted governance record for one symbol.
type State struct {
	Symbol                 string
	Mode                   resolver.GovernanceMode
	LatchUntil             time.Time
	ConsecutiveHealthyDays int
	ConsecutiveWeak        int
	FrozenPolicyHash       string
	UpdatedAt              time.Time
}

// Transition is one audit record in the decision history.
type Transition struct {
	Symbol    string
	FromMode  resolver.GovernanceMode
	ToMode    resolver.GovernanceMode
	Reason    string
	Actor     string
	CreatedAt time.Time
}

// Repository persists governance state in governance.db. State is created
// lazily on first access with mode NORMAL.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Get returns the state for a symbol, creating a NORMAL record on first
// access.
func (r *Repository) Get(ctx context.Context, symbol string, now time.Time) (*State, error) {
	s, err := r.fetch(ctx, symbol)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO governance_state (symbol, mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING`,
		symbol, string(resolver.ModeNormal), now.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize governance state: %w", err)
	}
	return r.fetch(ctx, symbol)
}

func (r *Repository) fetch(ctx context.Context, symbol string) (*State, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT symbol, mode, latch_until, consecutive_healthy_days,
		       consecutive_weak, frozen_policy_hash, updated_at
		FROM governance_state WHERE symbol = ?`, symbol)

	var s State
	var mode string
	var latchUntil, updatedAt int64
	err := row.Scan(&s.Symbol, &mode, &latchUntil, &s.ConsecutiveHealthyDays,
		&s.ConsecutiveWeak, &s.FrozenPolicyHash, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan governance state: %w", err)
	}

	s.Mode = resolver.GovernanceMode(mode)
	if latchUntil > 0 {
		s.LatchUntil = time.UnixMilli(latchUntil).UTC()
	}
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &s, nil
}

// Save writes the full state record.
func (r *Repository) Save(ctx context.Context, s *State) error {
	latchUntil := int64(0)
	if !s.LatchUntil.IsZero() {
		latchUntil = s.LatchUntil.UTC().UnixMilli()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO governance_state
			(symbol, mode, latch_until, consecutive_healthy_days,
			 consecutive_weak, frozen_policy_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			mode = excluded.mode,
			latch_until = excluded.latch_until,
			consecutive_healthy_days = excluded.consecutive_healthy_days,
			consecutive_weak = excluded.consecutive_weak,
			frozen_policy_hash = excluded.frozen_policy_hash,
			updated_at = excluded.updated_at`,
		s.Symbol, string(s.Mode), latchUntil, s.ConsecutiveHealthyDays,
		s.ConsecutiveWeak, s.FrozenPolicyHash, s.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save governance state: %w", err)
	}
	return nil
}

// RecordTransition appends an audit record.
func (r *Repository) RecordTransition(ctx context.Context, t Transition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO governance_history (symbol, from_mode, to_mode, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.FromMode), string(t.ToMode), t.Reason, t.Actor,
		t.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record governance transition: %w", err)
	}
	return nil
}

// History returns the most recent transitions for a symbol, newest first.
func (r *Repository) History(ctx context.Context, symbol string, limit int) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, from_mode, to_mode, reason, actor, created_at
		FROM governance_history
		WHERE symbol = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query governance history: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var createdAt int64
		if err := rows.Scan(&t.Symbol, &from, &to, &t.Reason, &t.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.FromMode = resolver.GovernanceMode(from)
		t.ToMode = resolver.GovernanceMode(to)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
