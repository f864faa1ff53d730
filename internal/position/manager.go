// Package position owns every open arbitrage position, keyed by
// condition_id, plus the background rebalancer that closes the gap on
// one-leg-only fills. Fills accumulate into weighted-average costs per
// side; HedgeRatio is the signal the rebalancer reads, and HasOpenPosition
// is what the admission gate's dedup rule reads.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/eventsink"
	"polyarb/pkg/types"
)

// PositionStore is the subset of the durable Store the manager persists
// through on every mutation, so recovery after a restart always sees the
// latest shares/costs rather than only what was true at the last full
// fill.
type PositionStore interface {
	SavePosition(pos types.Position) error
}

// PnLRecorder receives the realized profit locked in by each sell-excess
// rebalance fill, feeding the circuit breaker's daily total.
type PnLRecorder interface {
	RecordPnL(deltaUSD decimal.Decimal)
}

// Manager owns all open positions, keyed by condition_id.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*types.Position
	logger    *slog.Logger
	store     PositionStore
	pnl       PnLRecorder
}

// New constructs an empty PositionManager.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		positions: make(map[string]*types.Position),
		logger:    logger.With("component", "position_manager"),
	}
}

// SetStore attaches the durable store positions are persisted through.
// Left unset, mutations stay in-memory only (used by tests that don't
// exercise recovery).
func (m *Manager) SetStore(store PositionStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// SetPnLRecorder attaches the realized-PnL consumer for rebalance sells.
func (m *Manager) SetPnLRecorder(pnl PnLRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pnl = pnl
}

// persistLocked writes pos through the store, if attached, logging (not
// failing) on error — a position mutation is never lost from memory just
// because the durable copy momentarily failed to write.
func (m *Manager) persistLocked(pos *types.Position) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePosition(*pos); err != nil {
		m.logger.Error("failed to persist position", "condition_id", pos.ConditionID, "error", err)
	}
}

// Register folds a TradeRecord's filled legs into the position for its
// market, creating the position on first fill. Unfilled legs (FAILED or
// EXCEPTION) contribute nothing.
func (m *Manager) Register(record types.TradeRecord, marketEnd time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[record.ConditionID]
	if !ok {
		pos = &types.Position{
			TradeID:     record.TradeID,
			ConditionID: record.ConditionID,
			Asset:       record.Asset,
			YesTokenID:  record.YesOrder.TokenID,
			NoTokenID:   record.NoOrder.TokenID,
			MarketEnd:   marketEnd,
		}
		m.positions[record.ConditionID] = pos
	}

	applyLeg(pos, true, record.YesResult)
	applyLeg(pos, false, record.NoResult)
	pos.LastUpdated = time.Now()
	m.persistLocked(pos)
}

func applyLeg(pos *types.Position, isYes bool, result types.LegResult) {
	if result.Status != types.LegMatched || !result.FilledQty.IsPositive() {
		return
	}

	if isYes {
		totalCost := pos.YesAvgCost.Mul(pos.YesShares).Add(result.Price.Mul(result.FilledQty))
		pos.YesShares = pos.YesShares.Add(result.FilledQty)
		if pos.YesShares.IsPositive() {
			pos.YesAvgCost = totalCost.Div(pos.YesShares)
		}
		return
	}

	totalCost := pos.NoAvgCost.Mul(pos.NoShares).Add(result.Price.Mul(result.FilledQty))
	pos.NoShares = pos.NoShares.Add(result.FilledQty)
	if pos.NoShares.IsPositive() {
		pos.NoAvgCost = totalCost.Div(pos.NoShares)
	}
}

// Apply mutates a position with a rebalance fill: either an additional
// buy on the deficit side or a sell (reducing shares, realizing profit
// via the caller's own bookkeeping — Apply only adjusts shares/cost).
func (m *Manager) Apply(conditionID string, tokenID string, isYesToken bool, side types.Side, price, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[conditionID]
	if !ok {
		return
	}

	if side == types.BUY {
		applyLeg(pos, isYesToken, types.LegResult{Status: types.LegMatched, FilledQty: size, Price: price})
		pos.LastUpdated = time.Now()
		m.persistLocked(pos)
		return
	}

	if isYesToken {
		pos.YesShares = pos.YesShares.Sub(size)
		if !pos.YesShares.IsPositive() {
			pos.YesShares = decimal.Zero
			pos.YesAvgCost = decimal.Zero
		}
	} else {
		pos.NoShares = pos.NoShares.Sub(size)
		if !pos.NoShares.IsPositive() {
			pos.NoShares = decimal.Zero
			pos.NoAvgCost = decimal.Zero
		}
	}
	pos.LastUpdated = time.Now()
	m.persistLocked(pos)
}

// Get returns a copy of the position for conditionID, if any.
func (m *Manager) Get(conditionID string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[conditionID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// HasOpenPosition implements risk.InFlightTracker: true when conditionID
// has any non-zero shares on either side.
func (m *Manager) HasOpenPosition(conditionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[conditionID]
	if !ok {
		return false
	}
	return pos.YesShares.IsPositive() || pos.NoShares.IsPositive()
}

// GetImbalanced returns every open position whose hedge ratio is below
// threshold — candidates for the rebalancer.
func (m *Manager) GetImbalanced(threshold decimal.Decimal) []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Position
	for _, pos := range m.positions {
		if !pos.YesShares.IsPositive() && !pos.NoShares.IsPositive() {
			continue
		}
		if pos.HedgeRatio().LessThan(threshold) {
			out = append(out, *pos)
		}
	}
	return out
}

// Close removes a fully-settled position from the open set, e.g. once
// both sides have been claimed by the SettlementManager.
func (m *Manager) Close(conditionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, conditionID)
}

// All returns a snapshot of every currently tracked position.
func (m *Manager) All() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Restore seeds the manager from persisted positions on startup,
// bypassing Register's fill-accumulation path since the shares/costs are
// already final.
func (m *Manager) Restore(positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range positions {
		p := positions[i]
		m.positions[p.ConditionID] = &p
	}
}

// BookState is the subset of market.Tracker the rebalancer needs to
// evaluate imbalanced positions against live prices.
type BookState interface {
	State(conditionID string) (types.MarketState, bool)
}

// RebalanceAction is the rebalancer's computed response to one imbalanced
// position: either close the gap by selling the excess side at its bid,
// or buying enough of the deficit side to match, or nothing if neither
// action clears the minimum per-share profit.
type RebalanceAction struct {
	ConditionID string
	TokenID     string
	IsYes       bool
	Side        types.Side
	Price       decimal.Decimal
	Size        decimal.Decimal
}

// RebalancePolicy holds the rebalancer's tunables.
type RebalancePolicy struct {
	Threshold            decimal.Decimal // hedge ratio below which a position needs rebalancing
	MinProfitPerShare    decimal.Decimal
	MaxAttemptsPerMarket int
	NoGoBeforeEnd        time.Duration
}

// EvaluateRebalance computes the rebalance action for one imbalanced
// position given its current book state, or false if no action clears
// the minimum profit bar or the position is inside the no-go window.
// Prefers selling the excess side (capital-efficient) over buying the
// deficit side when both are viable.
func EvaluateRebalance(pos types.Position, state types.MarketState, policy RebalancePolicy, now time.Time) (RebalanceAction, bool) {
	if !pos.MarketEnd.IsZero() && pos.MarketEnd.Sub(now) < policy.NoGoBeforeEnd {
		return RebalanceAction{}, false
	}

	excessYes := pos.YesShares.GreaterThan(pos.NoShares)
	diff := pos.YesShares.Sub(pos.NoShares).Abs()
	if diff.IsZero() {
		return RebalanceAction{}, false
	}

	if excessYes {
		if bid := state.YesBid; bid.IsPositive() && bid.Sub(pos.YesAvgCost).GreaterThanOrEqual(policy.MinProfitPerShare) {
			return RebalanceAction{
				ConditionID: pos.ConditionID,
				TokenID:     pos.YesTokenID,
				IsYes:       true,
				Side:        types.SELL,
				Price:       bid,
				Size:        diff,
			}, true
		}
		if ask := state.NoAsk; ask.IsPositive() {
			profitPerShare := decimal.NewFromInt(1).Sub(pos.YesAvgCost).Sub(ask)
			if profitPerShare.GreaterThanOrEqual(policy.MinProfitPerShare) {
				return RebalanceAction{
					ConditionID: pos.ConditionID,
					TokenID:     pos.NoTokenID,
					IsYes:       false,
					Side:        types.BUY,
					Price:       ask,
					Size:        diff,
				}, true
			}
		}
		return RebalanceAction{}, false
	}

	if bid := state.NoBid; bid.IsPositive() && bid.Sub(pos.NoAvgCost).GreaterThanOrEqual(policy.MinProfitPerShare) {
		return RebalanceAction{
			ConditionID: pos.ConditionID,
			TokenID:     pos.NoTokenID,
			IsYes:       false,
			Side:        types.SELL,
			Price:       bid,
			Size:        diff,
		}, true
	}
	if ask := state.YesAsk; ask.IsPositive() {
		profitPerShare := decimal.NewFromInt(1).Sub(pos.NoAvgCost).Sub(ask)
		if profitPerShare.GreaterThanOrEqual(policy.MinProfitPerShare) {
			return RebalanceAction{
				ConditionID: pos.ConditionID,
				TokenID:     pos.YesTokenID,
				IsYes:       true,
				Side:        types.BUY,
				Price:       ask,
				Size:        diff,
			}, true
		}
	}
	return RebalanceAction{}, false
}

// RebalanceExecutor places one rebalance leg. Scoped narrowly so the
// background loop can share the Executor's single-leg placement path
// without depending on the full OrderPair machinery.
type RebalanceExecutor interface {
	PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult
}

// RunRebalancer polls GetImbalanced every interval and, for each
// candidate whose EvaluateRebalance clears the profit bar, places the
// computed action and applies the resulting fill. Attempts per market
// are capped by policy.MaxAttemptsPerMarket to avoid thrash. Blocks
// until ctx is cancelled.
func (m *Manager) RunRebalancer(ctx context.Context, books BookState, exchange RebalanceExecutor, sink eventsink.Sink, policy RebalancePolicy, interval time.Duration, clockNow func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clockNow()
			for _, pos := range m.GetImbalanced(policy.Threshold) {
				if attempts[pos.ConditionID] >= policy.MaxAttemptsPerMarket {
					continue
				}
				state, ok := books.State(pos.ConditionID)
				if !ok {
					continue
				}
				action, ok := EvaluateRebalance(pos, state, policy, now)
				if !ok {
					continue
				}

				order := types.UserOrder{
					TokenID:   action.TokenID,
					Price:     action.Price,
					Size:      action.Size,
					Side:      action.Side,
					OrderType: types.OrderTypeGTC,
				}
				result := exchange.PlaceOrder(ctx, order)
				attempts[pos.ConditionID]++
				if result.Status != types.LegMatched {
					m.logger.Warn("rebalance leg not filled", "condition_id", pos.ConditionID, "status", result.Status)
					continue
				}
				m.Apply(pos.ConditionID, action.TokenID, action.IsYes, action.Side, result.Price, result.FilledQty)
				if action.Side == types.SELL && m.pnl != nil {
					avgCost := pos.NoAvgCost
					if action.IsYes {
						avgCost = pos.YesAvgCost
					}
					m.pnl.RecordPnL(result.Price.Sub(avgCost).Mul(result.FilledQty))
				}
				m.logger.Info("rebalance applied",
					"condition_id", pos.ConditionID,
					"side", action.Side,
					"is_yes", action.IsYes,
					"size", action.Size,
				)
				if sink != nil {
					sink.Publish(eventsink.Event{Kind: eventsink.KindRebalanced, ConditionID: pos.ConditionID, Data: action})
				}
			}
		}
	}
}
