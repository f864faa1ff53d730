// Package arbitrage implements the opportunity detector: the rule that
// turns a book update into a candidate two-sided arbitrage. A binary
// market pays $1.00 to exactly one side, so whenever the YES and NO asks
// sum below $1.00 the difference is capturable risk-free by buying both.
package arbitrage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// Detector watches market state updates and emits Opportunities whenever
// the combined YES+NO ask implies a risk-free spread above the configured
// minimum. It is stateless except for a per-market revision tracker that
// suppresses repeat emissions for the same book revision, so a market
// sitting at a wide-enough spread for many ticks isn't re-emitted on every
// unrelated field change.
type Detector struct {
	minSpread decimal.Decimal
	logger    *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time // condition_id -> state.UpdatedAt already emitted for
}

// NewDetector creates an OpportunityDetector with the given minimum spread
// in USD (e.g. 0.02 for two cents).
func NewDetector(minSpreadUSD float64, logger *slog.Logger) *Detector {
	return &Detector{
		minSpread: decimal.NewFromFloat(minSpreadUSD),
		logger:    logger.With("component", "opportunity_detector"),
		lastSeen:  make(map[string]time.Time),
	}
}

// Evaluate consumes one BookUpdated event and returns an Opportunity and
// true if the current state clears min_spread and both sides have
// quotable depth, or false if the market doesn't currently qualify.
// Stale markets are the BookTracker's concern to suppress before calling
// this — Evaluate trusts state.UpdatedAt at face value.
func (d *Detector) Evaluate(market types.Market, state types.MarketState) (types.Opportunity, bool) {
	if !state.HasBothSides() {
		return types.Opportunity{}, false
	}
	if state.Spread.LessThan(d.minSpread) {
		return types.Opportunity{}, false
	}

	d.mu.Lock()
	seen, ok := d.lastSeen[market.ConditionID]
	if ok && seen.Equal(state.UpdatedAt) {
		d.mu.Unlock()
		return types.Opportunity{}, false
	}
	d.lastSeen[market.ConditionID] = state.UpdatedAt
	d.mu.Unlock()

	opp := types.Opportunity{
		ConditionID: market.ConditionID,
		Asset:       market.Asset,
		YesTokenID:  market.YesTokenID,
		NoTokenID:   market.NoTokenID,
		YesPrice:    state.YesAsk,
		NoPrice:     state.NoAsk,
		YesDepth:    state.YesAskDepth,
		NoDepth:     state.NoAskDepth,
		SpreadUSD:   state.Spread,
		MarketEnd:   market.EndTime,
		DetectedAt:  time.Now(),
	}

	d.logger.Debug("opportunity detected",
		"condition_id", market.ConditionID,
		"asset", market.Asset,
		"yes_ask", opp.YesPrice,
		"no_ask", opp.NoPrice,
		"spread_cents", opp.SpreadUSD.Mul(decimal.NewFromInt(100)),
	)

	return opp, true
}

// Forget clears the revision tracker for a market, e.g. once its position
// closes and stale suppressions from the prior entry shouldn't linger.
func (d *Detector) Forget(conditionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSeen, conditionID)
}
