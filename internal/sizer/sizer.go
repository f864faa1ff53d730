// Package sizer turns an admitted Opportunity and a USD budget into an
// equal-share OrderPair: the same share count on both legs at the exact
// observed ask prices, capped to what the book can actually absorb and
// optionally split into sequential tranches for wide spreads.
package sizer

import (
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// SkipReason explains why the sizer produced no order pair.
type SkipReason string

const (
	SkipNone                 SkipReason = ""
	SkipInsufficientLiquidity SkipReason = "insufficient_liquidity"
)

// Result is the sizer's output: either a usable OrderPair (possibly split
// into tranches) or a skip reason.
type Result struct {
	Pairs  []types.OrderPair // one entry, or len(tranches) entries under gradual entry
	Reason SkipReason
}

// Ok reports whether sizing produced at least one usable pair.
func (r Result) Ok() bool { return r.Reason == SkipNone && len(r.Pairs) > 0 }

// Params are the tunables from ArbConfig the sizer needs.
type Params struct {
	MaxLiquidityConsumptionPct decimal.Decimal // cap executed shares at this fraction of book depth
	MinTradeSizeUSD            decimal.Decimal // per-leg floor below which the sizer skips
	PriceDecimalPlaces         int32           // share-count truncation precision

	GradualEntryEnabled    bool
	GradualEntryTranches   int
	GradualMinSpreadCents  decimal.Decimal
	FeeRateBps             int
}

// DepthSource supplies book depth at or below a limit price, used to cap
// num_pairs to what the market can actually fill.
type DepthSource interface {
	DepthAtOrBelow(tokenID string, price decimal.Decimal) decimal.Decimal
}

// Sizer computes OrderPairs from opportunities and budgets.
type Sizer struct {
	params Params
}

// New constructs a Sizer.
func New(params Params) *Sizer {
	return &Sizer{params: params}
}

// Size computes the equal-share-count pair for opp within budgetUSD,
// liquidity-capped, optionally tranched for wide spreads.
func (s *Sizer) Size(opp types.Opportunity, budgetUSD decimal.Decimal, tick types.TickSize, depth DepthSource) Result {
	costPerPair := opp.YesPrice.Add(opp.NoPrice)
	if !costPerPair.IsPositive() || costPerPair.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Result{Reason: SkipInsufficientLiquidity}
	}

	numPairs := budgetUSD.Div(costPerPair).Truncate(s.precision())

	yesDepth := depth.DepthAtOrBelow(opp.YesTokenID, opp.YesPrice)
	noDepth := depth.DepthAtOrBelow(opp.NoTokenID, opp.NoPrice)
	numPairs = capToLiquidity(numPairs, yesDepth, s.params.MaxLiquidityConsumptionPct)
	numPairs = capToLiquidity(numPairs, noDepth, s.params.MaxLiquidityConsumptionPct)

	if numPairs.LessThanOrEqual(decimal.Zero) {
		return Result{Reason: SkipInsufficientLiquidity}
	}

	tranches := s.trancheCounts(numPairs, opp.SpreadUSD)

	pairs := make([]types.OrderPair, 0, len(tranches))
	for _, shares := range tranches {
		if shares.LessThanOrEqual(decimal.Zero) {
			continue
		}
		yesNotional := shares.Mul(opp.YesPrice)
		noNotional := shares.Mul(opp.NoPrice)
		if yesNotional.LessThan(s.params.MinTradeSizeUSD) || noNotional.LessThan(s.params.MinTradeSizeUSD) {
			continue
		}

		pairs = append(pairs, types.OrderPair{
			ConditionID: opp.ConditionID,
			Shares:      shares,
			CostUSD:     shares.Mul(costPerPair),
			GeneratedAt: opp.DetectedAt,
			YesOrder: types.UserOrder{
				TokenID:    opp.YesTokenID,
				Price:      opp.YesPrice,
				Size:       shares,
				Side:       types.BUY,
				OrderType:  types.OrderTypeFOK,
				TickSize:   tick,
				FeeRateBps: s.params.FeeRateBps,
			},
			NoOrder: types.UserOrder{
				TokenID:    opp.NoTokenID,
				Price:      opp.NoPrice,
				Size:       shares,
				Side:       types.BUY,
				OrderType:  types.OrderTypeFOK,
				TickSize:   tick,
				FeeRateBps: s.params.FeeRateBps,
			},
		})
	}

	if len(pairs) == 0 {
		return Result{Reason: SkipInsufficientLiquidity}
	}
	return Result{Pairs: pairs}
}

func (s *Sizer) precision() int32 {
	if s.params.PriceDecimalPlaces <= 0 {
		return 2
	}
	return s.params.PriceDecimalPlaces
}

// capToLiquidity bounds numPairs so that resulting shares traded never
// exceed pct of the available depth on one side.
func capToLiquidity(numPairs, depth, pct decimal.Decimal) decimal.Decimal {
	if !depth.IsPositive() {
		return decimal.Zero
	}
	max := depth.Mul(pct)
	return decimal.Min(numPairs, max)
}

// trancheCounts splits totalShares into N roughly-equal tranches when
// gradual entry is enabled and the spread clears the configured minimum,
// else returns totalShares as a single tranche.
func (s *Sizer) trancheCounts(totalShares, spreadUSD decimal.Decimal) []decimal.Decimal {
	if !s.params.GradualEntryEnabled || s.params.GradualEntryTranches <= 1 {
		return []decimal.Decimal{totalShares}
	}
	spreadCents := spreadUSD.Mul(decimal.NewFromInt(100))
	if spreadCents.LessThan(s.params.GradualMinSpreadCents) {
		return []decimal.Decimal{totalShares}
	}

	n := int64(s.params.GradualEntryTranches)
	per := totalShares.Div(decimal.NewFromInt(n)).Truncate(0)
	if per.LessThanOrEqual(decimal.Zero) {
		return []decimal.Decimal{totalShares}
	}

	tranches := make([]decimal.Decimal, 0, n)
	remaining := totalShares
	for i := int64(0); i < n-1; i++ {
		tranches = append(tranches, per)
		remaining = remaining.Sub(per)
	}
	tranches = append(tranches, remaining)
	return tranches
}
