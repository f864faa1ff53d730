// Package risk implements the engine's safety layer: a multi-level
// circuit breaker and the admission-rule gate that reads it (gate.go).
//
// The breaker is a four-level escalating state machine
// (NORMAL/WARNING/CAUTION/HALT) driven by consecutive execution failures
// and daily realized losses. There is no cooldown-based auto-reset: a bad
// day stays bad until the next scheduled daily reset, not a few minutes
// after the last loss.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/clock"
	"polyarb/pkg/types"
)

// BreakerStore is the subset of the Store interface the circuit breaker
// needs to survive a restart mid-day.
type BreakerStore interface {
	SaveCircuitBreaker(state types.CircuitBreakerState) error
	LoadCircuitBreaker() (types.CircuitBreakerState, error)
}

// Thresholds configures the escalation rules for both failure streaks and
// daily realized losses. Either condition independently can escalate the
// level; they are evaluated together and the worse of the two wins.
type Thresholds struct {
	WarnFailures   int
	CautionFailures int
	HaltFailures   int
	WarnLossUSD    decimal.Decimal
	CautionLossUSD decimal.Decimal
	HaltLossUSD    decimal.Decimal
	// ResetHour/ResetMin are the wall-clock time, in ResetLocation, at which
	// the day bucket rolls over and the level resets to NORMAL.
	ResetHour     int
	ResetMin      int
	ResetLocation *time.Location
}

// CircuitBreaker accumulates consecutive-failure and daily-PnL signals from
// the engine's execution path and the SettlementManager and exposes the resulting safety level
// to RiskGate. Level transitions are monotonic within a day bucket: once
// escalated, a level only recovers at the next scheduled daily reset.
type CircuitBreaker struct {
	mu         sync.RWMutex
	thresholds Thresholds
	store      BreakerStore
	logger     *slog.Logger
	onChange   func(old, new types.CircuitLevel)

	state types.CircuitBreakerState
}

// NewCircuitBreaker constructs a CircuitBreaker, loading any persisted state
// from store so a restart mid-day doesn't silently reset to NORMAL. onChange,
// if non-nil, is invoked (outside the lock) on every level transition for
// EventSink publication; it may be nil.
func NewCircuitBreaker(thresholds Thresholds, store BreakerStore, logger *slog.Logger, onChange func(old, new types.CircuitLevel)) *CircuitBreaker {
	cb := &CircuitBreaker{
		thresholds: thresholds,
		store:      store,
		logger:     logger.With("component", "circuit_breaker"),
		onChange:   onChange,
		state: types.CircuitBreakerState{
			Level:     types.LevelNormal,
			DayBucket: dayBucket(time.Now(), thresholds.ResetLocation, thresholds.ResetHour, thresholds.ResetMin),
		},
	}

	if loaded, err := store.LoadCircuitBreaker(); err == nil && loaded.DayBucket != "" {
		cb.state = loaded
	} else if err != nil {
		cb.logger.Warn("failed to load circuit breaker state, starting fresh", "error", err)
	}

	return cb
}

// dayBucket returns the reset-aligned day key for t: the date as of
// resetHour:resetMin in loc, so a reset time other than midnight still
// produces one stable bucket per 24h cycle.
func dayBucket(t time.Time, loc *time.Location, resetHour, resetMin int) string {
	if loc == nil {
		loc = time.UTC
	}
	shifted := t.In(loc).Add(-time.Duration(resetHour)*time.Hour - time.Duration(resetMin)*time.Minute)
	return clock.DayBucket(shifted, loc)
}

// Level returns the current safety level, rolling the day bucket forward
// first if the configured reset time has passed since the last observation.
func (cb *CircuitBreaker) Level() types.CircuitLevel {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked(time.Now())
	return cb.state.Level
}

// Snapshot returns a copy of the full persisted state.
func (cb *CircuitBreaker) Snapshot() types.CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// maybeResetLocked rolls the day bucket and resets to NORMAL if the
// configured reset wall-clock time has been crossed since the bucket was
// last stamped. Must be called with mu held.
func (cb *CircuitBreaker) maybeResetLocked(now time.Time) {
	bucket := dayBucket(now, cb.thresholds.ResetLocation, cb.thresholds.ResetHour, cb.thresholds.ResetMin)
	if bucket == cb.state.DayBucket {
		return
	}

	old := cb.state.Level
	cb.state = types.CircuitBreakerState{
		Level:     types.LevelNormal,
		DayBucket: bucket,
		UpdatedAt: now,
	}
	cb.persistLocked()

	if old != types.LevelNormal {
		cb.logger.Info("circuit breaker daily reset", "previous_level", old)
		if cb.onChange != nil {
			go cb.onChange(old, types.LevelNormal)
		}
	}
}

// RecordExecutionFailure is called by the engine for every execution
// that did not produce a full fill. A full fill resets the
// consecutive-failure counter to 0 via RecordExecutionSuccess but never
// de-escalates the level on its own.
func (cb *CircuitBreaker) RecordExecutionFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked(time.Now())

	cb.state.ConsecutiveFailures++
	cb.state.UpdatedAt = time.Now()
	cb.escalateLocked()
}

// RecordExecutionSuccess resets the consecutive-failure streak after a full
// fill. It does not lower the current level.
func (cb *CircuitBreaker) RecordExecutionSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked(time.Now())
	cb.state.ConsecutiveFailures = 0
	cb.state.UpdatedAt = time.Now()
	cb.persistLocked()
}

// RecordPnL adds a realized P&L delta (positive or negative, in USD) to the
// day's running total — from trade settlement, rebalancing, or claim
// profit/loss — and re-evaluates thresholds.
func (cb *CircuitBreaker) RecordPnL(deltaUSD decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetLocked(time.Now())

	cb.state.DailyPnLUSD = cb.state.DailyPnLUSD.Add(deltaUSD)
	cb.state.UpdatedAt = time.Now()
	cb.escalateLocked()
}

// escalateLocked recomputes the level from current counters and persists +
// signals a change if it moved. Must be called with mu held. Levels never
// move backward here — only maybeResetLocked (the daily bucket roll) can
// lower the level.
func (cb *CircuitBreaker) escalateLocked() {
	target := types.LevelNormal
	switch {
	case cb.state.ConsecutiveFailures >= cb.thresholds.HaltFailures && cb.thresholds.HaltFailures > 0,
		cb.state.DailyPnLUSD.LessThanOrEqual(cb.thresholds.HaltLossUSD.Neg()) && !cb.thresholds.HaltLossUSD.IsZero():
		target = types.LevelHalt
	case cb.state.ConsecutiveFailures >= cb.thresholds.CautionFailures && cb.thresholds.CautionFailures > 0,
		cb.state.DailyPnLUSD.LessThanOrEqual(cb.thresholds.CautionLossUSD.Neg()) && !cb.thresholds.CautionLossUSD.IsZero():
		target = types.LevelCaution
	case cb.state.ConsecutiveFailures >= cb.thresholds.WarnFailures && cb.thresholds.WarnFailures > 0,
		cb.state.DailyPnLUSD.LessThanOrEqual(cb.thresholds.WarnLossUSD.Neg()) && !cb.thresholds.WarnLossUSD.IsZero():
		target = types.LevelWarning
	}

	if levelRank(target) <= levelRank(cb.state.Level) {
		cb.persistLocked()
		return
	}

	old := cb.state.Level
	cb.state.Level = target
	cb.logger.Warn("circuit breaker escalated",
		"from", old,
		"to", target,
		"consecutive_failures", cb.state.ConsecutiveFailures,
		"daily_pnl_usd", cb.state.DailyPnLUSD,
	)
	cb.persistLocked()

	if cb.onChange != nil {
		go cb.onChange(old, target)
	}
}

func (cb *CircuitBreaker) persistLocked() {
	if err := cb.store.SaveCircuitBreaker(cb.state); err != nil {
		cb.logger.Error("failed to persist circuit breaker state", "error", err)
	}
}

func levelRank(l types.CircuitLevel) int {
	switch l {
	case types.LevelNormal:
		return 0
	case types.LevelWarning:
		return 1
	case types.LevelCaution:
		return 2
	case types.LevelHalt:
		return 3
	default:
		return 0
	}
}
