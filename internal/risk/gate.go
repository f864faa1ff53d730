// gate.go implements the admission gate between the opportunity detector
// and the sizer: an ordered rule chain every candidate passes through
// before any capital is committed — blackout, circuit breaker, per-market
// dedup, per-window budget, spread validity, then budget sizing. First
// match rejects.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/clock"
	"polyarb/pkg/types"
)

// InFlightTracker reports whether a market already has an open position —
// one half of the per-market dedup rule. The Gate itself tracks in-flight
// executions; open positions are supplied by the PositionManager.
type InFlightTracker interface {
	HasOpenPosition(conditionID string) bool
}

// BalanceSource supplies the available collateral balance for budget sizing.
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// BlackoutWindow is a daily trading-suspension window in a named location.
type BlackoutWindow struct {
	Location  *time.Location
	StartHour int
	StartMin  int
	EndHour   int
	EndMin    int
}

func (w BlackoutWindow) contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	return clock.InBlackout(t, loc, w.StartHour, w.StartMin, w.EndHour, w.EndMin)
}

// Params are the sizing- and budget-relevant configuration options the gate
// needs; everything else (thresholds) lives on the CircuitBreaker.
type Params struct {
	Blackout                BlackoutWindow
	BalanceSizingPct        decimal.Decimal
	MaxTradeSizeUSD         decimal.Decimal
	MinTradeSizeUSD         decimal.Decimal
	MaxPerWindowUSD         decimal.Decimal
}

// Gate is RiskGate: a pure-ish decision function over an Opportunity, with
// the mutable state the ordered rules need (in-flight set, per-market
// window ledger) guarded by a single mutex.
type Gate struct {
	clock   clock.Clock
	params  Params
	breaker *CircuitBreaker
	positions InFlightTracker
	balance BalanceSource

	mu          sync.Mutex
	inFlight    map[string]bool
	windowSpent map[string]decimal.Decimal
}

// NewGate constructs a RiskGate.
func NewGate(c clock.Clock, params Params, breaker *CircuitBreaker, positions InFlightTracker, balance BalanceSource) *Gate {
	return &Gate{
		clock:       c,
		params:      params,
		breaker:     breaker,
		positions:   positions,
		balance:     balance,
		inFlight:    make(map[string]bool),
		windowSpent: make(map[string]decimal.Decimal),
	}
}

// Admit applies the ordered admission rules and, on success, returns an
// Admission carrying the USD budget the Sizer may spend.
func (g *Gate) Admit(ctx context.Context, opp types.Opportunity) types.Admission {
	now := g.clock.Now()

	if g.params.Blackout.contains(now) {
		return types.Admission{Reason: types.RejectBlackout}
	}

	level := g.breaker.Level()
	if level == types.LevelHalt {
		return types.Admission{Reason: types.RejectHalted}
	}
	if level == types.LevelCaution {
		return types.Admission{Reason: types.RejectCaution}
	}

	g.mu.Lock()
	if g.inFlight[opp.ConditionID] {
		g.mu.Unlock()
		return types.Admission{Reason: types.RejectDuplicate}
	}
	g.mu.Unlock()
	if g.positions != nil && g.positions.HasOpenPosition(opp.ConditionID) {
		return types.Admission{Reason: types.RejectDuplicate}
	}

	g.mu.Lock()
	used := g.windowSpent[opp.ConditionID]
	g.mu.Unlock()
	remaining := g.params.MaxPerWindowUSD.Sub(used)
	if !remaining.IsPositive() {
		return types.Admission{Reason: types.RejectWindowFull}
	}

	costPerPair := opp.YesPrice.Add(opp.NoPrice)
	if costPerPair.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return types.Admission{Reason: types.RejectInvalidSpread}
	}

	budget, reason := g.sizeBudget(ctx, remaining, level)
	if reason != types.RejectNone {
		return types.Admission{Reason: reason}
	}

	return types.Admission{Approved: true, BudgetUSD: budget}
}

// sizeBudget computes min(balance*pct, max_trade_size) capped at the
// per-window remainder, halved under CircuitBreaker WARNING.
func (g *Gate) sizeBudget(ctx context.Context, remaining decimal.Decimal, level types.CircuitLevel) (decimal.Decimal, types.RejectReason) {
	balance, err := g.balance.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, types.RejectBudgetTooSmall
	}

	budget := decimal.Min(balance.Mul(g.params.BalanceSizingPct), g.params.MaxTradeSizeUSD)
	if level == types.LevelWarning {
		budget = budget.Div(decimal.NewFromInt(2))
	}
	budget = decimal.Min(budget, remaining)

	if budget.LessThan(g.params.MinTradeSizeUSD.Mul(decimal.NewFromInt(2))) {
		return decimal.Zero, types.RejectBudgetTooSmall
	}
	return budget, types.RejectNone
}

// MarkInFlight records that an execution is starting for conditionID,
// enforcing the one-execution-in-flight-per-market guarantee. Callers
// must call ClearInFlight once the execution (and any immediate position
// registration) completes.
func (g *Gate) MarkInFlight(conditionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[conditionID] = true
}

// TryMarkInFlight atomically claims the in-flight slot for conditionID,
// returning false if an execution is already running there. Used when
// admission and execution happen on different goroutines, where a
// separate Admit-then-Mark pair would race.
func (g *Gate) TryMarkInFlight(conditionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[conditionID] {
		return false
	}
	g.inFlight[conditionID] = true
	return true
}

// ClearInFlight releases the in-flight marker for conditionID.
func (g *Gate) ClearInFlight(conditionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, conditionID)
}

// RecordWindowSpend adds cost to conditionID's cumulative window ledger,
// called once the actual cost of an admitted trade is known.
func (g *Gate) RecordWindowSpend(conditionID string, costUSD decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowSpent[conditionID] = g.windowSpent[conditionID].Add(costUSD)
}

// ForgetWindow drops the ledger entry for a market whose position has
// closed, bounding the map's growth across the engine's lifetime.
func (g *Gate) ForgetWindow(conditionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.windowSpent, conditionID)
}
