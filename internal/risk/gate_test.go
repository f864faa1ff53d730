package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/clock"
	"polyarb/pkg/types"
)

type fakeBalance struct {
	balance decimal.Decimal
	err     error
}

func (f fakeBalance) GetBalance(context.Context) (decimal.Decimal, error) {
	return f.balance, f.err
}

type fakePositions struct {
	open map[string]bool
}

func (f fakePositions) HasOpenPosition(conditionID string) bool {
	return f.open[conditionID]
}

func testParams() Params {
	return Params{
		Blackout:         BlackoutWindow{Location: time.UTC, StartHour: 5, StartMin: 0, EndHour: 5, EndMin: 30},
		BalanceSizingPct: decimal.NewFromFloat(0.1),
		MaxTradeSizeUSD:  decimal.NewFromInt(100),
		MinTradeSizeUSD:  decimal.NewFromInt(1),
		MaxPerWindowUSD:  decimal.NewFromInt(200),
	}
}

func testOpportunity() types.Opportunity {
	return types.Opportunity{
		ConditionID: "cond-1",
		YesPrice:    decimal.NewFromFloat(0.45),
		NoPrice:     decimal.NewFromFloat(0.50),
		SpreadUSD:   decimal.NewFromFloat(0.05),
	}
}

func newTestGate(now time.Time, balance decimal.Decimal) *Gate {
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	return NewGate(clock.Frozen{At: now}, testParams(), cb, &fakePositions{open: map[string]bool{}}, fakeBalance{balance: balance})
}

func TestGateAdmitsValidOpportunity(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), decimal.NewFromInt(1000))

	adm := g.Admit(context.Background(), testOpportunity())
	if !adm.Approved {
		t.Fatalf("expected approval, got reason %v", adm.Reason)
	}
	if !adm.BudgetUSD.Equal(decimal.NewFromInt(100)) {
		t.Errorf("budget = %v, want 100 (10%% of 1000 capped at max trade size)", adm.BudgetUSD)
	}
}

func TestGateRejectsDuringBlackout(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 5, 15, 0, 0, time.UTC), decimal.NewFromInt(1000))

	adm := g.Admit(context.Background(), testOpportunity())
	if adm.Approved || adm.Reason != types.RejectBlackout {
		t.Fatalf("got %+v, want RejectBlackout", adm)
	}
}

func TestGateRejectsWhenHalted(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	cb.RecordPnL(decimal.NewFromInt(-100)) // HALT

	g := NewGate(clock.Frozen{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, testParams(), cb,
		&fakePositions{open: map[string]bool{}}, fakeBalance{balance: decimal.NewFromInt(1000)})

	adm := g.Admit(context.Background(), testOpportunity())
	if adm.Approved || adm.Reason != types.RejectHalted {
		t.Fatalf("got %+v, want RejectHalted", adm)
	}
}

func TestGateRejectsDuplicateInFlight(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), decimal.NewFromInt(1000))
	opp := testOpportunity()

	g.MarkInFlight(opp.ConditionID)
	adm := g.Admit(context.Background(), opp)
	if adm.Approved || adm.Reason != types.RejectDuplicate {
		t.Fatalf("got %+v, want RejectDuplicate", adm)
	}

	g.ClearInFlight(opp.ConditionID)
	adm = g.Admit(context.Background(), opp)
	if !adm.Approved {
		t.Fatalf("expected approval after ClearInFlight, got %+v", adm)
	}
}

func TestTryMarkInFlightClaimsAtomically(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), decimal.NewFromInt(1000))

	if !g.TryMarkInFlight("cond-1") {
		t.Fatal("first claim should succeed")
	}
	if g.TryMarkInFlight("cond-1") {
		t.Fatal("second claim on the same market should fail")
	}
	g.ClearInFlight("cond-1")
	if !g.TryMarkInFlight("cond-1") {
		t.Fatal("claim should succeed again after ClearInFlight")
	}
}

func TestGateRejectsDuplicateOnOpenPosition(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	opp := testOpportunity()
	g := NewGate(clock.Frozen{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, testParams(), cb,
		&fakePositions{open: map[string]bool{opp.ConditionID: true}},
		fakeBalance{balance: decimal.NewFromInt(1000)})

	adm := g.Admit(context.Background(), opp)
	if adm.Approved || adm.Reason != types.RejectDuplicate {
		t.Fatalf("got %+v, want RejectDuplicate", adm)
	}
}

func TestGateRejectsInvalidSpread(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), decimal.NewFromInt(1000))

	opp := testOpportunity()
	opp.YesPrice = decimal.NewFromFloat(0.51)
	opp.NoPrice = decimal.NewFromFloat(0.50) // sums to exactly 1.01, not < 1.00

	adm := g.Admit(context.Background(), opp)
	if adm.Approved || adm.Reason != types.RejectInvalidSpread {
		t.Fatalf("got %+v, want RejectInvalidSpread", adm)
	}
}

func TestGateRejectsWindowFull(t *testing.T) {
	t.Parallel()
	g := newTestGate(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), decimal.NewFromInt(1000))
	opp := testOpportunity()

	g.RecordWindowSpend(opp.ConditionID, decimal.NewFromInt(200))
	adm := g.Admit(context.Background(), opp)
	if adm.Approved || adm.Reason != types.RejectWindowFull {
		t.Fatalf("got %+v, want RejectWindowFull", adm)
	}

	g.ForgetWindow(opp.ConditionID)
	adm = g.Admit(context.Background(), opp)
	if !adm.Approved {
		t.Fatalf("expected approval after ForgetWindow, got %+v", adm)
	}
}

func TestGateHalvesBudgetUnderWarning(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	cb.RecordExecutionFailure()
	cb.RecordExecutionFailure()
	cb.RecordExecutionFailure() // WARNING

	g := NewGate(clock.Frozen{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, testParams(), cb,
		&fakePositions{open: map[string]bool{}}, fakeBalance{balance: decimal.NewFromInt(1000)})

	adm := g.Admit(context.Background(), testOpportunity())
	if !adm.Approved {
		t.Fatalf("expected approval under WARNING, got %+v", adm)
	}
	if !adm.BudgetUSD.Equal(decimal.NewFromInt(50)) {
		t.Errorf("budget = %v, want 50 (half of 100 under WARNING)", adm.BudgetUSD)
	}
}

func TestGateRejectsBudgetTooSmallOnBalanceError(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	g := NewGate(clock.Frozen{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, testParams(), cb,
		&fakePositions{open: map[string]bool{}},
		fakeBalance{err: errors.New("rpc down")})

	adm := g.Admit(context.Background(), testOpportunity())
	if adm.Approved || adm.Reason != types.RejectBudgetTooSmall {
		t.Fatalf("got %+v, want RejectBudgetTooSmall", adm)
	}
}

func TestGateRejectsBudgetBelowMinimum(t *testing.T) {
	t.Parallel()
	params := testParams()
	params.MinTradeSizeUSD = decimal.NewFromInt(60) // 2x min = 120 > the 100 budget ceiling
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)
	g := NewGate(clock.Frozen{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}, params, cb,
		&fakePositions{open: map[string]bool{}}, fakeBalance{balance: decimal.NewFromInt(1000)})

	adm := g.Admit(context.Background(), testOpportunity())
	if adm.Approved || adm.Reason != types.RejectBudgetTooSmall {
		t.Fatalf("got %+v, want RejectBudgetTooSmall", adm)
	}
}
