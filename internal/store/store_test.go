package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTrade(tradeID, conditionID string) types.TradeRecord {
	return types.TradeRecord{
		TradeID:     tradeID,
		ConditionID: conditionID,
		Asset:       types.Asset("BTC"),
		Status:      types.ExecMatched,
		YesOrder:    types.UserOrder{TokenID: "yes-tok", Price: d("0.40"), Size: d("20")},
		NoOrder:     types.UserOrder{TokenID: "no-tok", Price: d("0.58"), Size: d("20")},
		YesResult:   types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.40")},
		NoResult:    types.LegResult{Status: types.LegMatched, FilledQty: d("20"), Price: d("0.58")},
		HedgeRatio:  d("1"),
		CreatedAt:   time.Now(),
	}
}

func TestSaveTradeIsIdempotentOnTradeID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	trade := testTrade("t1", "c1")

	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("SaveTrade (replay): %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM trades WHERE trade_id = ?", "t1").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 trade row after replay, got %d", count)
	}
}

func TestEnqueueSettlementIsUniqueOnTradeAndToken(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	entry := types.SettlementEntry{
		TradeID: "t1", ConditionID: "c1", TokenID: "yes-tok", Shares: d("20"),
		MarketEnd: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}

	if err := s.EnqueueSettlement(entry); err != nil {
		t.Fatalf("EnqueueSettlement: %v", err)
	}
	if err := s.EnqueueSettlement(entry); err != nil {
		t.Fatalf("EnqueueSettlement (dup): %v", err)
	}

	rows, err := s.GetUnclaimedSettlements()
	if err != nil {
		t.Fatalf("GetUnclaimedSettlements: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 unclaimed row, got %d", len(rows))
	}
}

func TestGetClaimableRespectsResolutionWaitAndRetrySchedule(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now()

	notYetResolved := types.SettlementEntry{
		TradeID: "t1", ConditionID: "c1", TokenID: "yes-tok", Shares: d("10"),
		MarketEnd: now.Add(5 * time.Minute), CreatedAt: now,
	}
	readyToClaim := types.SettlementEntry{
		TradeID: "t2", ConditionID: "c2", TokenID: "yes-tok", Shares: d("10"),
		MarketEnd: now.Add(-20 * time.Minute), CreatedAt: now,
	}
	if err := s.EnqueueSettlement(notYetResolved); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.EnqueueSettlement(readyToClaim); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimable, err := s.GetClaimable(now, 10*time.Minute)
	if err != nil {
		t.Fatalf("GetClaimable: %v", err)
	}
	if len(claimable) != 1 || claimable[0].TradeID != "t2" {
		t.Fatalf("expected only t2 claimable, got %+v", claimable)
	}

	// Schedule a future retry for t2 and confirm it drops out of claimable.
	if err := s.RecordClaimAttempt("t2", "yes-tok", "timeout", now.Add(time.Hour)); err != nil {
		t.Fatalf("RecordClaimAttempt: %v", err)
	}
	claimable, err = s.GetClaimable(now, 10*time.Minute)
	if err != nil {
		t.Fatalf("GetClaimable: %v", err)
	}
	if len(claimable) != 0 {
		t.Fatalf("expected no claimable rows while retry is scheduled in the future, got %d", len(claimable))
	}
}

func TestRecordClaimAttemptZeroTimeAbandons(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	entry := types.SettlementEntry{
		TradeID: "t1", ConditionID: "c1", TokenID: "yes-tok", Shares: d("10"),
		MarketEnd: time.Now(), CreatedAt: time.Now(),
	}
	if err := s.EnqueueSettlement(entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.RecordClaimAttempt("t1", "yes-tok", "max attempts", time.Time{}); err != nil {
		t.Fatalf("RecordClaimAttempt: %v", err)
	}

	rows, err := s.GetUnclaimedSettlements()
	if err != nil {
		t.Fatalf("GetUnclaimedSettlements: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected abandoned row to be excluded from unclaimed, got %d", len(rows))
	}
}

func TestMarkClaimedRecordsProceedsAndProfit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	entry := types.SettlementEntry{
		TradeID: "t1", ConditionID: "c1", TokenID: "yes-tok", Shares: d("20"),
		MarketEnd: time.Now(), CreatedAt: time.Now(),
	}
	if err := s.EnqueueSettlement(entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.MarkClaimed("t1", "yes-tok", d("19.80"), d("11.80")); err != nil {
		t.Fatalf("MarkClaimed: %v", err)
	}

	rows, err := s.GetUnclaimedSettlements()
	if err != nil {
		t.Fatalf("GetUnclaimedSettlements: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected claimed row to be excluded from unclaimed, got %d", len(rows))
	}

	loaded, err := s.GetSettlement("t1", "yes-tok")
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if loaded.State != types.ClaimClaimed {
		t.Errorf("state = %v, want CLAIMED", loaded.State)
	}
	if !loaded.ClaimProceeds.Equal(d("19.80")) {
		t.Errorf("claim proceeds = %s, want 19.80", loaded.ClaimProceeds)
	}
	if !loaded.ClaimProfit.Equal(d("11.80")) {
		t.Errorf("claim profit = %s, want 11.80", loaded.ClaimProfit)
	}
	if loaded.ClaimedAt.IsZero() {
		t.Error("expected a non-zero claimed_at timestamp")
	}
}

func TestPositionsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	pos := types.Position{
		ConditionID: "c1", TradeID: "t1", Asset: types.Asset("BTC"),
		YesTokenID: "yes-tok", NoTokenID: "no-tok",
		YesShares: d("20"), NoShares: d("20"), YesAvgCost: d("0.40"), NoAvgCost: d("0.58"),
		MarketEnd: time.Now().Add(time.Hour), LastUpdated: time.Now(),
	}
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadPositions()
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 position, got %d", len(loaded))
	}
	if !loaded[0].YesShares.Equal(d("20")) {
		t.Errorf("yes shares = %s, want 20", loaded[0].YesShares)
	}
}

func TestCircuitBreakerStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	empty, err := s.LoadCircuitBreaker()
	if err != nil {
		t.Fatalf("LoadCircuitBreaker (empty): %v", err)
	}
	if empty.Level != "" {
		t.Fatalf("expected zero-value state before any save, got %+v", empty)
	}

	state := types.CircuitBreakerState{
		Level: types.LevelCaution, ConsecutiveFailures: 2, DailyPnLUSD: d("-15.50"),
		DayBucket: "2026-07-29", UpdatedAt: time.Now(),
	}
	if err := s.SaveCircuitBreaker(state); err != nil {
		t.Fatalf("SaveCircuitBreaker: %v", err)
	}

	loaded, err := s.LoadCircuitBreaker()
	if err != nil {
		t.Fatalf("LoadCircuitBreaker: %v", err)
	}
	if loaded.Level != types.LevelCaution || loaded.ConsecutiveFailures != 2 {
		t.Errorf("loaded state = %+v, want level=CAUTION failures=2", loaded)
	}
	if !loaded.DailyPnLUSD.Equal(d("-15.50")) {
		t.Errorf("daily pnl = %s, want -15.50", loaded.DailyPnLUSD)
	}
}
