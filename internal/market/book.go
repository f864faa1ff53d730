// Package market provides local order book tracking and slot-aligned
// market discovery (MarketFinder) for binary up/down markets.
//
// Book mirrors the CLOB order book for a single market's YES and NO
// tokens and derives the MarketState the OpportunityDetector consumes:
// best bid/ask, depth at the ask, and the resulting 1.00 - (yes+no)
// spread. The bid side feeds the position rebalancer's sell-excess path.
// It is updated from two sources:
//   - REST snapshots via ApplyBookResponse (initial load)
//   - WebSocket events via ApplyBookEvent (full snapshots) and
//     ApplyPriceChange (incremental updates)
//
// The Book is concurrency-safe (RWMutex protected).
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

// Book maintains a local mirror of the order book for one market's two
// outcome tokens and the derived MarketState computed from them.
type Book struct {
	mu          sync.RWMutex
	conditionID string
	yesToken    string
	noToken     string
	yesBids     types.BookSide
	noBids      types.BookSide
	yesAsks     types.BookSide
	noAsks      types.BookSide
	lastHash    map[string]string
	updated     time.Time
}

// NewBook creates a new local order book for a market.
func NewBook(conditionID, yesToken, noToken string) *Book {
	return &Book{
		conditionID: conditionID,
		yesToken:    yesToken,
		noToken:     noToken,
		lastHash:    make(map[string]string),
	}
}

// ApplyBookEvent replaces both sides for one token with a full snapshot.
func (b *Book) ApplyBookEvent(event types.WSBookEvent) {
	b.applySnapshot(event.AssetID, event.Buys, event.Sells, event.Hash)
}

// ApplyBookResponse applies a REST API book response.
func (b *Book) ApplyBookResponse(resp *types.BookResponse) {
	b.applySnapshot(resp.AssetID, resp.Bids, resp.Asks, resp.Hash)
}

func (b *Book) applySnapshot(assetID string, bids, asks []types.WirePriceLevel, hash string) {
	bidSide := toBookSide(bids, true)
	askSide := toBookSide(asks, false)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch assetID {
	case b.yesToken:
		b.yesBids = bidSide
		b.yesAsks = askSide
	case b.noToken:
		b.noBids = bidSide
		b.noAsks = askSide
	default:
		return
	}

	b.lastHash[assetID] = hash
	b.updated = time.Now()
}

// ApplyPriceChange applies an incremental price_change event. Polymarket's
// price_change payload reports best_bid/best_ask per level touched rather
// than a full replacement; since the detector and rebalancer only need
// top-of-book, each affected asset's single best bid/ask level is patched
// in place.
func (b *Book) ApplyPriceChange(event types.WSPriceChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pc := range event.PriceChanges {
		size, _ := decimal.NewFromString(pc.Size)

		if ask, err := decimal.NewFromString(pc.BestAsk); err == nil && ask.IsPositive() {
			level := types.PriceLevel{Price: ask, Size: size}
			switch pc.AssetID {
			case b.yesToken:
				b.yesAsks.Levels = []types.PriceLevel{level}
			case b.noToken:
				b.noAsks.Levels = []types.PriceLevel{level}
			}
		}
		if bid, err := decimal.NewFromString(pc.BestBid); err == nil && bid.IsPositive() {
			level := types.PriceLevel{Price: bid, Size: size}
			switch pc.AssetID {
			case b.yesToken:
				b.yesBids.Levels = []types.PriceLevel{level}
			case b.noToken:
				b.noBids.Levels = []types.PriceLevel{level}
			}
		}
		b.lastHash[pc.AssetID] = pc.Hash
	}
	b.updated = time.Now()
}

// State returns the derived MarketState for the opportunity detector.
func (b *Book) State() types.MarketState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := types.MarketState{
		ConditionID: b.conditionID,
		UpdatedAt:   b.updated,
	}

	if yesAsk, ok := b.yesAsks.BestPrice(); ok {
		state.YesAsk = yesAsk
		state.YesAskDepth = b.yesAsks.DepthAtOrBelow(yesAsk)
	}
	if noAsk, ok := b.noAsks.BestPrice(); ok {
		state.NoAsk = noAsk
		state.NoAskDepth = b.noAsks.DepthAtOrBelow(noAsk)
	}
	if yesBid, ok := b.yesBids.BestPrice(); ok {
		state.YesBid = yesBid
	}
	if noBid, ok := b.noBids.BestPrice(); ok {
		state.NoBid = noBid
	}
	if state.YesAsk.IsPositive() && state.NoAsk.IsPositive() {
		state.Spread = decimal.NewFromInt(1).Sub(state.YesAsk.Add(state.NoAsk))
	}
	return state
}

// DepthAtOrBelow returns the cumulative ask depth at or below price for the
// given token, used by the Sizer to cap trade size to what the book can
// actually absorb.
func (b *Book) DepthAtOrBelow(tokenID string, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch tokenID {
	case b.yesToken:
		return b.yesAsks.DepthAtOrBelow(price)
	case b.noToken:
		return b.noAsks.DepthAtOrBelow(price)
	default:
		return decimal.Zero
	}
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// toBookSide converts wire levels to a BookSide sorted best-first: bids
// descending, asks ascending. The CLOB API does not guarantee level order,
// so the sort is applied on every ingest rather than trusted.
func toBookSide(levels []types.WirePriceLevel, descending bool) types.BookSide {
	side := types.BookSide{Levels: make([]types.PriceLevel, 0, len(levels))}
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		side.Levels = append(side.Levels, types.PriceLevel{Price: price, Size: size})
	}
	sort.SliceStable(side.Levels, func(i, j int) bool {
		if descending {
			return side.Levels[i].Price.GreaterThan(side.Levels[j].Price)
		}
		return side.Levels[i].Price.LessThan(side.Levels[j].Price)
	})
	return side
}
