package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// ExchangeFinder is the subset of the Exchange interface MarketFinder
// needs: slot-aligned market lookup via the Gamma API.
type ExchangeFinder interface {
	FindMarkets(ctx context.Context, asset string, slotTS int64) ([]types.GammaMarket, error)
}

const slotWidth = 15 * time.Minute

// SlotTS returns the slot identifier for t: floor(epoch seconds / 900) * 900.
func SlotTS(t time.Time) int64 {
	secs := t.Unix()
	width := int64(slotWidth.Seconds())
	return (secs / width) * width
}

// Finder enumerates the currently-tradeable 15-minute markets for each
// configured asset on a fixed interval, memoizing results per
// (asset, slot_ts) so a market already found is never re-queried. Lookup
// failures are soft: the previous result set is kept and a warning logged,
// never propagated as a fatal error.
type Finder struct {
	exchange ExchangeFinder
	assets   []string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	cache   map[string]types.Market // key: asset|slot_ts
	current []types.Market

	resultCh chan []types.Market
}

// NewFinder creates a MarketFinder for the given assets.
func NewFinder(exchange ExchangeFinder, assets []string, interval time.Duration, logger *slog.Logger) *Finder {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Finder{
		exchange: exchange,
		assets:   assets,
		interval: interval,
		logger:   logger.With("component", "market_finder"),
		cache:    make(map[string]types.Market),
		resultCh: make(chan []types.Market, 1),
	}
}

// Results returns the channel of refreshed market lists. Non-blocking
// producer: a stale unread result is replaced rather than backing up.
func (f *Finder) Results() <-chan []types.Market { return f.resultCh }

// Run polls on a fixed interval until ctx is cancelled, pushing each
// refresh's result to Results().
func (f *Finder) Run(ctx context.Context) error {
	if markets, err := f.Refresh(ctx); err != nil {
		f.logger.Warn("initial market refresh failed", "error", err)
	} else {
		f.publish(markets)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			markets, err := f.Refresh(ctx)
			if err != nil {
				f.logger.Warn("market refresh failed, keeping previous set", "error", err)
				continue
			}
			f.publish(markets)
		}
	}
}

// Refresh enumerates tradeable markets for every configured asset at the
// current slot, dropping any market already past its end_time.
func (f *Finder) Refresh(ctx context.Context) ([]types.Market, error) {
	now := time.Now()
	slotTS := SlotTS(now)

	var out []types.Market
	var firstErr error

	for _, asset := range f.assets {
		key := fmt.Sprintf("%s|%d", asset, slotTS)

		f.mu.RLock()
		cached, ok := f.cache[key]
		f.mu.RUnlock()
		if ok {
			if cached.EndTime.After(now) {
				out = append(out, cached)
			}
			continue
		}

		gammaMarkets, err := f.exchange.FindMarkets(ctx, asset, slotTS)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, gm := range gammaMarkets {
			mkt, err := convertMarket(types.Asset(asset), gm)
			if err != nil {
				f.logger.Debug("skipping unconvertible market", "slug", gm.Slug, "error", err)
				continue
			}
			if mkt.EndTime.Before(now) {
				continue
			}
			f.mu.Lock()
			f.cache[key] = mkt
			f.mu.Unlock()
			out = append(out, mkt)
		}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (f *Finder) publish(markets []types.Market) {
	f.mu.Lock()
	f.current = markets
	f.mu.Unlock()

	select {
	case f.resultCh <- markets:
	default:
		select {
		case <-f.resultCh:
		default:
		}
		f.resultCh <- markets
	}
}

// Current returns the most recently published market set.
func (f *Finder) Current() []types.Market {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func convertMarket(asset types.Asset, gm types.GammaMarket) (types.Market, error) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil || len(tokenIDs) != 2 {
		return types.Market{}, fmt.Errorf("parse clobTokenIds for %s: %w", gm.Slug, err)
	}

	end, err := time.Parse(time.RFC3339, gm.EndDateISO)
	if err != nil {
		return types.Market{}, fmt.Errorf("parse endDate for %s: %w", gm.Slug, err)
	}
	start, err := time.Parse(time.RFC3339, gm.StartDateISO)
	if err != nil {
		start = end.Add(-slotWidth)
	}

	return types.Market{
		ConditionID:     gm.ConditionID,
		Asset:           asset,
		Slug:            gm.Slug,
		YesTokenID:      tokenIDs[0],
		NoTokenID:       tokenIDs[1],
		TickSize:        tickSizeFromFloat(gm.OrderPriceMinTickSize),
		MinSize:         decimal.NewFromFloat(gm.OrderMinSize),
		StartTime:       start,
		EndTime:         end,
		SlotTS:          SlotTS(start),
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders && gm.EnableOrderBook,
	}, nil
}

func tickSizeFromFloat(v float64) types.TickSize {
	switch {
	case v >= 0.1:
		return types.Tick01
	case v >= 0.01:
		return types.Tick001
	case v >= 0.001:
		return types.Tick0001
	default:
		return types.Tick00001
	}
}
