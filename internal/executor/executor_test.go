package executor

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

type scriptedPlacer struct {
	responses map[string]types.LegResult // keyed by token_id
}

func (p *scriptedPlacer) PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult {
	if r, ok := p.responses[order.TokenID]; ok {
		r.TokenID = order.TokenID
		return r
	}
	return types.LegResult{TokenID: order.TokenID, Status: types.LegFailed}
}

type memStore struct {
	trades      []types.TradeRecord
	settlements []types.SettlementEntry
	saveErr     error
}

func (s *memStore) SaveTrade(trade types.TradeRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.trades = append(s.trades, trade)
	return nil
}

func (s *memStore) EnqueueSettlement(entry types.SettlementEntry) error {
	s.settlements = append(s.settlements, entry)
	return nil
}

func testPair() types.OrderPair {
	return types.OrderPair{
		ConditionID: "c1",
		Shares:      d("20"),
		YesOrder:    types.UserOrder{TokenID: "yes-tok", Price: d("0.40"), Size: d("20"), Side: types.BUY, OrderType: types.OrderTypeFOK},
		NoOrder:     types.UserOrder{TokenID: "no-tok", Price: d("0.58"), Size: d("20"), Side: types.BUY, OrderType: types.OrderTypeFOK},
	}
}

func TestExecuteFullFillRecordsMatchedAndEnqueuesBothLegs(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegMatched, FilledQty: d("20"), Price: d("0.40")},
		"no-tok":  {Status: types.LegMatched, FilledQty: d("20"), Price: d("0.58")},
	}}
	store := &memStore{}
	ex := New(placer, store, eventsink.Noop{}, 5*time.Second, false, testLogger())

	result, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.BothMatched() {
		t.Fatal("expected both legs matched")
	}
	if len(store.trades) != 1 {
		t.Fatalf("expected 1 trade record, got %d", len(store.trades))
	}
	if store.trades[0].Status != types.ExecMatched {
		t.Errorf("status = %v, want MATCHED", store.trades[0].Status)
	}
	if !store.trades[0].HedgeRatio.Equal(d("1")) {
		t.Errorf("hedge ratio = %s, want 1", store.trades[0].HedgeRatio)
	}
	if len(store.settlements) != 2 {
		t.Errorf("expected 2 settlement entries, got %d", len(store.settlements))
	}
}

func TestExecuteOneLegOnlyEnqueuesOnlyFilledSide(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegMatched, FilledQty: d("20"), Price: d("0.40")},
		"no-tok":  {Status: types.LegFailed},
	}}
	store := &memStore{}
	ex := New(placer, store, eventsink.Noop{}, 5*time.Second, false, testLogger())

	result, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.BothMatched() {
		t.Fatal("expected not both matched")
	}
	if store.trades[0].Status != types.ExecOneLegFilled {
		t.Errorf("status = %v, want ONE_LEG_FILLED", store.trades[0].Status)
	}
	if !store.trades[0].HedgeRatio.IsZero() {
		t.Errorf("hedge ratio = %s, want 0", store.trades[0].HedgeRatio)
	}
	if len(store.settlements) != 1 {
		t.Fatalf("expected 1 settlement entry (yes leg only), got %d", len(store.settlements))
	}
	if store.settlements[0].TokenID != "yes-tok" {
		t.Errorf("settlement token = %q, want yes-tok", store.settlements[0].TokenID)
	}
}

func TestExecuteBothFailedRecordsFailedWithNoSettlement(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegFailed},
		"no-tok":  {Status: types.LegException},
	}}
	store := &memStore{}
	ex := New(placer, store, eventsink.Noop{}, 5*time.Second, false, testLogger())

	_, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if store.trades[0].Status != types.ExecFailed {
		t.Errorf("status = %v, want FAILED", store.trades[0].Status)
	}
	if len(store.settlements) != 0 {
		t.Errorf("expected no settlement entries, got %d", len(store.settlements))
	}
}

func TestExecuteDryRunSkipsSettlementEnqueue(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegMatched, FilledQty: d("20")},
		"no-tok":  {Status: types.LegMatched, FilledQty: d("20")},
	}}
	store := &memStore{}
	ex := New(placer, store, eventsink.Noop{}, 5*time.Second, true, testLogger())

	_, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !store.trades[0].DryRun {
		t.Error("expected DryRun=true on trade record")
	}
	if len(store.settlements) != 0 {
		t.Errorf("dry run should not enqueue settlements, got %d", len(store.settlements))
	}
}

func TestExecutePropagatesStoreError(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegMatched, FilledQty: d("20")},
		"no-tok":  {Status: types.LegMatched, FilledQty: d("20")},
	}}
	store := &memStore{saveErr: context.DeadlineExceeded}
	ex := New(placer, store, eventsink.Noop{}, 5*time.Second, false, testLogger())

	_, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100"))
	if err == nil {
		t.Fatal("expected error when Store.SaveTrade fails")
	}
}

func TestExecutePublishesPlacementAndMatchEvents(t *testing.T) {
	t.Parallel()
	placer := &scriptedPlacer{responses: map[string]types.LegResult{
		"yes-tok": {Status: types.LegMatched, FilledQty: d("20"), Price: d("0.40")},
		"no-tok":  {Status: types.LegFailed},
	}}
	bus := eventsink.New(testLogger())
	sub := bus.Subscribe(8)
	ex := New(placer, &memStore{}, bus, 5*time.Second, false, testLogger())

	if _, err := ex.Execute(context.Background(), testPair(), types.Asset("BTC"), time.Now().Add(time.Hour), d("100"), d("100")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	counts := map[eventsink.Kind]int{}
	for {
		select {
		case evt := <-sub.Events():
			counts[evt.Kind]++
			continue
		default:
		}
		break
	}
	if counts[eventsink.KindOrderPlaced] != 2 {
		t.Errorf("order_placed events = %d, want 2 (one per leg)", counts[eventsink.KindOrderPlaced])
	}
	if counts[eventsink.KindOrderMatched] != 1 {
		t.Errorf("order_matched events = %d, want 1 (yes leg only)", counts[eventsink.KindOrderMatched])
	}
}
