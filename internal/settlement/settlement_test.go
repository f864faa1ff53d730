package settlement

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/eventsink"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memStore struct {
	claimable    []types.SettlementEntry
	claimed      []types.SettlementEntry
	attemptCalls []attemptCall
}

type attemptCall struct {
	tradeID, tokenID, claimErr string
	nextAttemptAt              time.Time
}

func (s *memStore) GetUnclaimedSettlements() ([]types.SettlementEntry, error) {
	return s.claimable, nil
}

func (s *memStore) GetClaimable(now time.Time, wait time.Duration) ([]types.SettlementEntry, error) {
	return s.claimable, nil
}

func (s *memStore) MarkClaimed(tradeID, tokenID string, proceeds, profit decimal.Decimal) error {
	s.claimed = append(s.claimed, types.SettlementEntry{TradeID: tradeID, TokenID: tokenID, Shares: proceeds})
	_ = profit
	return nil
}

func (s *memStore) RecordClaimAttempt(tradeID, tokenID string, claimErr string, nextAttemptAt time.Time) error {
	s.attemptCalls = append(s.attemptCalls, attemptCall{tradeID, tokenID, claimErr, nextAttemptAt})
	return nil
}

type scriptedPlacer struct {
	result types.LegResult
}

func (p *scriptedPlacer) PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult {
	r := p.result
	r.TokenID = order.TokenID
	return r
}

type fakePositions struct {
	positions map[string]types.Position
}

func (f *fakePositions) Get(conditionID string) (types.Position, bool) {
	p, ok := f.positions[conditionID]
	return p, ok
}

func testPolicy() Policy {
	return Policy{
		ResolutionWait:     10 * time.Minute,
		ClaimSellPrice:     d("0.99"),
		BaseRetry:          time.Second,
		MaxRetry:           time.Minute,
		MaxClaimAttempts:   5,
		AlertAfterFailures: 3,
		SweepInterval:      time.Hour,
		PoolWorkers:        2,
	}
}

func testRow() types.SettlementEntry {
	return types.SettlementEntry{
		TradeID:     "t1",
		ConditionID: "c1",
		TokenID:     "yes-tok",
		Shares:      d("20"),
		State:       types.ClaimPending,
	}
}

func TestClaimMatchedMarksClaimedWithProfit(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.99")}}
	positions := &fakePositions{positions: map[string]types.Position{
		"c1": {YesTokenID: "yes-tok", YesAvgCost: d("0.40")},
	}}
	m := New(store, placer, positions, eventsink.Noop{}, testPolicy(), testLogger())
	defer m.Stop()

	m.claim(context.Background(), testRow())

	if len(store.claimed) != 1 {
		t.Fatalf("expected 1 claimed entry, got %d", len(store.claimed))
	}
	if store.claimed[0].TradeID != "t1" || store.claimed[0].TokenID != "yes-tok" {
		t.Errorf("unexpected claimed entry: %+v", store.claimed[0])
	}
}

func TestClaimPublishesProfitOnEventSink(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.99")}}
	positions := &fakePositions{positions: map[string]types.Position{
		"c1": {YesTokenID: "yes-tok", YesAvgCost: d("0.40")},
	}}
	bus := eventsink.New(testLogger())
	sub := bus.Subscribe(4)
	m := New(store, placer, positions, bus, testPolicy(), testLogger())
	defer m.Stop()

	m.claim(context.Background(), testRow())

	select {
	case evt := <-sub.Events():
		if evt.Kind != eventsink.KindSettlementClaimed {
			t.Fatalf("expected KindSettlementClaimed, got %s", evt.Kind)
		}
		claimed, ok := evt.Data.(ClaimedEvent)
		if !ok {
			t.Fatalf("expected ClaimedEvent payload, got %T", evt.Data)
		}
		if !claimed.Profit.Equal(d("11.80")) {
			t.Errorf("profit = %s, want 11.80", claimed.Profit)
		}
	default:
		t.Fatal("expected a published event")
	}
}

type recordedPnL struct {
	total decimal.Decimal
}

func (r *recordedPnL) RecordPnL(delta decimal.Decimal) {
	r.total = r.total.Add(delta)
}

func TestClaimFeedsRealizedProfitToPnLRecorder(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.99")}}
	positions := &fakePositions{positions: map[string]types.Position{
		"c1": {YesTokenID: "yes-tok", YesAvgCost: d("0.40")},
	}}
	m := New(store, placer, positions, eventsink.Noop{}, testPolicy(), testLogger())
	defer m.Stop()

	pnl := &recordedPnL{}
	m.SetPnLRecorder(pnl)

	m.claim(context.Background(), testRow())

	// proceeds 19.80 - entry cost 8.00
	if !pnl.total.Equal(d("11.80")) {
		t.Errorf("recorded pnl = %s, want 11.80", pnl.total)
	}
}

func TestClaimFailureRecordsRetryWithBackoff(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegFailed, Err: context.DeadlineExceeded}}
	m := New(store, placer, nil, eventsink.Noop{}, testPolicy(), testLogger())
	defer m.Stop()

	row := testRow()
	row.Attempts = 1
	m.claim(context.Background(), row)

	if len(store.attemptCalls) != 1 {
		t.Fatalf("expected 1 RecordClaimAttempt call, got %d", len(store.attemptCalls))
	}
	call := store.attemptCalls[0]
	if call.nextAttemptAt.IsZero() {
		t.Error("expected a non-zero next attempt time for a retryable failure")
	}
	if call.claimErr == "" {
		t.Error("expected a non-empty claim error")
	}
}

func TestClaimAbandonedAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegFailed}}
	policy := testPolicy()
	policy.MaxClaimAttempts = 3
	m := New(store, placer, nil, eventsink.Noop{}, policy, testLogger())
	defer m.Stop()

	row := testRow()
	row.Attempts = 2 // next attempt (3) reaches MaxClaimAttempts
	m.claim(context.Background(), row)

	if len(store.attemptCalls) != 1 {
		t.Fatalf("expected 1 RecordClaimAttempt call, got %d", len(store.attemptCalls))
	}
	if !store.attemptCalls[0].nextAttemptAt.IsZero() {
		t.Error("expected zero next attempt time once max attempts is reached (abandoned)")
	}
}

func TestClaimFailureStreakReachesAlertThreshold(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegFailed}}
	policy := testPolicy()
	policy.AlertAfterFailures = 2
	m := New(store, placer, nil, eventsink.Noop{}, policy, testLogger())
	defer m.Stop()

	row := testRow()
	m.claim(context.Background(), row)
	m.claim(context.Background(), row)

	key := row.TradeID + "|" + row.TokenID
	if m.failureStreak[key] != 2 {
		t.Fatalf("expected failure streak of 2, got %d", m.failureStreak[key])
	}
}

func TestSweepSubmitsOneClaimPerClaimableRow(t *testing.T) {
	t.Parallel()
	store := &memStore{claimable: []types.SettlementEntry{testRow(), {TradeID: "t2", ConditionID: "c2", TokenID: "no-tok", Shares: d("10")}}}
	placer := &scriptedPlacer{result: types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.99")}}
	m := New(store, placer, nil, eventsink.Noop{}, testPolicy(), testLogger())

	m.sweep(context.Background())
	m.pool.StopAndWait()

	if len(store.claimed) != 2 {
		t.Fatalf("expected both claimable rows claimed, got %d", len(store.claimed))
	}
}
