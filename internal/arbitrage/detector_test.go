package arbitrage

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMarket() types.Market {
	return types.Market{
		ConditionID: "cond-1",
		Asset:       "BTC",
		YesTokenID:  "yes-1",
		NoTokenID:   "no-1",
		EndTime:     time.Now().Add(10 * time.Minute),
	}
}

func TestEvaluateEmitsOnSufficientSpread(t *testing.T) {
	t.Parallel()
	det := NewDetector(0.02, testLogger())

	state := types.MarketState{
		YesAsk:      decimal.RequireFromString("0.48"),
		NoAsk:       decimal.RequireFromString("0.49"),
		YesAskDepth: decimal.RequireFromString("100"),
		NoAskDepth:  decimal.RequireFromString("100"),
		Spread:      decimal.RequireFromString("0.03"),
		UpdatedAt:   time.Now(),
	}

	opp, ok := det.Evaluate(testMarket(), state)
	if !ok {
		t.Fatal("expected opportunity to be emitted")
	}
	if !opp.SpreadUSD.Equal(state.Spread) {
		t.Errorf("SpreadUSD = %v, want %v", opp.SpreadUSD, state.Spread)
	}
}

func TestEvaluateRejectsBelowMinSpread(t *testing.T) {
	t.Parallel()
	det := NewDetector(0.02, testLogger())

	state := types.MarketState{
		YesAsk:      decimal.RequireFromString("0.50"),
		NoAsk:       decimal.RequireFromString("0.49"),
		YesAskDepth: decimal.RequireFromString("100"),
		NoAskDepth:  decimal.RequireFromString("100"),
		Spread:      decimal.RequireFromString("0.01"),
		UpdatedAt:   time.Now(),
	}

	_, ok := det.Evaluate(testMarket(), state)
	if ok {
		t.Fatal("spread below minimum should not emit")
	}
}

func TestEvaluateRejectsOneSidedBook(t *testing.T) {
	t.Parallel()
	det := NewDetector(0.02, testLogger())

	state := types.MarketState{
		YesAsk:      decimal.RequireFromString("0.40"),
		YesAskDepth: decimal.RequireFromString("100"),
		Spread:      decimal.RequireFromString("0.6"),
		UpdatedAt:   time.Now(),
	}

	_, ok := det.Evaluate(testMarket(), state)
	if ok {
		t.Fatal("one-sided book should not emit an opportunity")
	}
}

func TestEvaluateSuppressesRepeatRevision(t *testing.T) {
	t.Parallel()
	det := NewDetector(0.02, testLogger())

	state := types.MarketState{
		YesAsk:      decimal.RequireFromString("0.48"),
		NoAsk:       decimal.RequireFromString("0.49"),
		YesAskDepth: decimal.RequireFromString("100"),
		NoAskDepth:  decimal.RequireFromString("100"),
		Spread:      decimal.RequireFromString("0.03"),
		UpdatedAt:   time.Now(),
	}
	market := testMarket()

	if _, ok := det.Evaluate(market, state); !ok {
		t.Fatal("first evaluate should emit")
	}
	if _, ok := det.Evaluate(market, state); ok {
		t.Fatal("second evaluate with same revision should be suppressed")
	}
}

func TestForgetClearsRevisionTracker(t *testing.T) {
	t.Parallel()
	det := NewDetector(0.02, testLogger())

	state := types.MarketState{
		YesAsk:      decimal.RequireFromString("0.48"),
		NoAsk:       decimal.RequireFromString("0.49"),
		YesAskDepth: decimal.RequireFromString("100"),
		NoAskDepth:  decimal.RequireFromString("100"),
		Spread:      decimal.RequireFromString("0.03"),
		UpdatedAt:   time.Now(),
	}
	market := testMarket()

	det.Evaluate(market, state)
	det.Forget(market.ConditionID)

	if _, ok := det.Evaluate(market, state); !ok {
		t.Fatal("evaluate after Forget should emit again for the same revision")
	}
}
