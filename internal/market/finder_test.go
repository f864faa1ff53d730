package market

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"polyarb/pkg/types"
)

type fakeExchangeFinder struct {
	markets map[string][]types.GammaMarket // keyed by asset
	calls   int
}

func (f *fakeExchangeFinder) FindMarkets(ctx context.Context, asset string, slotTS int64) ([]types.GammaMarket, error) {
	f.calls++
	return f.markets[asset], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func gammaFixture(slug string, start, end time.Time) types.GammaMarket {
	return types.GammaMarket{
		ConditionID:           "cond-" + slug,
		Slug:                  slug,
		ClobTokenIds:          `["111","222"]`,
		Active:                true,
		AcceptingOrders:       true,
		EnableOrderBook:       true,
		StartDateISO:          start.Format(time.RFC3339),
		EndDateISO:            end.Format(time.RFC3339),
		OrderPriceMinTickSize: 0.01,
		OrderMinSize:          5,
	}
}

func TestSlotTSAlignsTo15Minutes(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 1, 1, 10, 7, 33, 0, time.UTC)
	got := SlotTS(ts)
	want := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).Unix()
	if got != want {
		t.Errorf("SlotTS = %d, want %d", got, want)
	}
}

func TestFinderRefreshDropsExpiredMarkets(t *testing.T) {
	t.Parallel()
	now := time.Now()
	fake := &fakeExchangeFinder{
		markets: map[string][]types.GammaMarket{
			"BTC": {
				gammaFixture("btc-live", now.Add(-5*time.Minute), now.Add(10*time.Minute)),
				gammaFixture("btc-expired", now.Add(-30*time.Minute), now.Add(-15*time.Minute)),
			},
		},
	}

	f := NewFinder(fake, []string{"BTC"}, time.Minute, testLogger())
	markets, err := f.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected 1 live market, got %d", len(markets))
	}
	if markets[0].Slug != "btc-live" {
		t.Errorf("slug = %q, want btc-live", markets[0].Slug)
	}
}

func TestFinderMemoizesPerAssetAndSlot(t *testing.T) {
	t.Parallel()
	now := time.Now()
	fake := &fakeExchangeFinder{
		markets: map[string][]types.GammaMarket{
			"ETH": {gammaFixture("eth-live", now, now.Add(15*time.Minute))},
		},
	}

	f := NewFinder(fake, []string{"ETH"}, time.Minute, testLogger())
	if _, err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if fake.calls != 1 {
		t.Errorf("exchange queried %d times, want 1 (memoized within the slot)", fake.calls)
	}
}
