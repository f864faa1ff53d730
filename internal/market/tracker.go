// tracker.go is the multi-market book manager: one Book per tracked
// condition, driven from a WSFeed plus REST snapshots, with staleness
// surfaced to the scan loop. Markets are added as the Finder discovers
// them and removed once their slot ends.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polyarb/pkg/types"
)

// Feed is the subset of exchange.WSFeed the tracker drives. Scoped to the
// two event streams and the subscription calls so tests can fake it.
type Feed interface {
	BookEvents() <-chan types.WSBookEvent
	PriceChangeEvents() <-chan types.WSPriceChangeEvent
	Subscribe(ctx context.Context, ids []string) error
	Unsubscribe(ctx context.Context, ids []string) error
}

// SnapshotFetcher is the subset of exchange.Client the tracker needs to
// seed a freshly-tracked market with an initial REST snapshot before the
// websocket catches up.
type SnapshotFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// StaleEvent reports that a tracked market's book hasn't updated within
// the configured max age, so callers (the engine's scan loop) can skip it
// without guessing at a threshold themselves.
type StaleEvent struct {
	ConditionID string
	Age         time.Duration
}

// Tracker owns one Book per tracked market and keeps each subscribed on
// the shared market feed. It is safe for concurrent use.
type Tracker struct {
	feed    Feed
	rest    SnapshotFetcher
	maxAge  time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	books  map[string]*Book   // condition_id -> book
	tokens map[string]string  // asset_id (yes or no token) -> condition_id

	staleCh chan StaleEvent
}

// NewTracker constructs a BookTracker. maxAge is the staleness threshold
// the tracker's stale scan uses to decide which StaleEvents to emit.
func NewTracker(feed Feed, rest SnapshotFetcher, maxAge time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		feed:    feed,
		rest:    rest,
		maxAge:  maxAge,
		logger:  logger.With("component", "book_tracker"),
		books:   make(map[string]*Book),
		tokens:  make(map[string]string),
		staleCh: make(chan StaleEvent, 32),
	}
}

// StaleEvents returns the channel of staleness notifications.
func (t *Tracker) StaleEvents() <-chan StaleEvent { return t.staleCh }

// Track begins tracking market m: subscribes its two tokens on the feed
// and seeds the book with a REST snapshot. Calling Track again for a
// market already tracked is a no-op.
func (t *Tracker) Track(ctx context.Context, m types.Market) error {
	t.mu.Lock()
	if _, exists := t.books[m.ConditionID]; exists {
		t.mu.Unlock()
		return nil
	}
	book := NewBook(m.ConditionID, m.YesTokenID, m.NoTokenID)
	t.books[m.ConditionID] = book
	t.tokens[m.YesTokenID] = m.ConditionID
	t.tokens[m.NoTokenID] = m.ConditionID
	t.mu.Unlock()

	if err := t.feed.Subscribe(ctx, []string{m.YesTokenID, m.NoTokenID}); err != nil {
		t.logger.Warn("subscribe failed", "condition_id", m.ConditionID, "error", err)
	}

	t.seedSnapshot(ctx, book, m.YesTokenID)
	t.seedSnapshot(ctx, book, m.NoTokenID)

	t.logger.Info("tracking market", "condition_id", m.ConditionID, "asset", m.Asset)
	return nil
}

func (t *Tracker) seedSnapshot(ctx context.Context, book *Book, tokenID string) {
	if t.rest == nil {
		return
	}
	resp, err := t.rest.GetOrderBook(ctx, tokenID)
	if err != nil {
		t.logger.Debug("snapshot fetch failed", "token_id", tokenID, "error", err)
		return
	}
	book.ApplyBookResponse(resp)
}

// Untrack stops tracking a market: unsubscribes its tokens and drops the
// local book. Called once a market's slot has settled and its position
// fully closed.
func (t *Tracker) Untrack(ctx context.Context, conditionID string) {
	t.mu.Lock()
	if _, ok := t.books[conditionID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.books, conditionID)
	var yesToken, noToken string
	for asset, cid := range t.tokens {
		if cid != conditionID {
			continue
		}
		if yesToken == "" {
			yesToken = asset
		} else {
			noToken = asset
		}
		delete(t.tokens, asset)
	}
	t.mu.Unlock()

	ids := make([]string, 0, 2)
	if yesToken != "" {
		ids = append(ids, yesToken)
	}
	if noToken != "" {
		ids = append(ids, noToken)
	}
	if len(ids) > 0 {
		if err := t.feed.Unsubscribe(ctx, ids); err != nil {
			t.logger.Warn("unsubscribe failed", "condition_id", conditionID, "error", err)
		}
	}
}

// State returns the current derived MarketState for conditionID, or false
// if the market isn't tracked.
func (t *Tracker) State(conditionID string) (types.MarketState, bool) {
	t.mu.RLock()
	book, ok := t.books[conditionID]
	t.mu.RUnlock()
	if !ok {
		return types.MarketState{}, false
	}
	return book.State(), true
}

// BookFor returns the underlying Book for conditionID so callers needing
// depth queries (the Sizer) can use its exact decimal-typed API.
func (t *Tracker) BookFor(conditionID string) (*Book, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	book, ok := t.books[conditionID]
	return book, ok
}

// Tracked returns the condition IDs currently tracked.
func (t *Tracker) Tracked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.books))
	for id := range t.books {
		ids = append(ids, id)
	}
	return ids
}

// Run consumes book and price-change events from the feed and applies
// them to the matching tracked book, and periodically scans for stale
// markets. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	staleCheck := time.NewTicker(5 * time.Second)
	defer staleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-t.feed.BookEvents():
			t.applyToBook(evt.AssetID, func(b *Book) { b.ApplyBookEvent(evt) })

		case evt := <-t.feed.PriceChangeEvents():
			t.applyPriceChangeEvent(evt)

		case <-staleCheck.C:
			t.scanStale()
		}
	}
}

func (t *Tracker) applyPriceChangeEvent(evt types.WSPriceChangeEvent) {
	seen := make(map[string]bool)
	for _, pc := range evt.PriceChanges {
		conditionID, ok := t.lookupCondition(pc.AssetID)
		if !ok || seen[conditionID] {
			continue
		}
		seen[conditionID] = true
		t.mu.RLock()
		book := t.books[conditionID]
		t.mu.RUnlock()
		if book != nil {
			book.ApplyPriceChange(evt)
		}
	}
}

func (t *Tracker) applyToBook(assetID string, fn func(*Book)) {
	conditionID, ok := t.lookupCondition(assetID)
	if !ok {
		return
	}
	t.mu.RLock()
	book := t.books[conditionID]
	t.mu.RUnlock()
	if book == nil {
		return
	}
	fn(book)
}

func (t *Tracker) lookupCondition(assetID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conditionID, ok := t.tokens[assetID]
	return conditionID, ok
}

func (t *Tracker) scanStale() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for conditionID, book := range t.books {
		if age := time.Since(book.LastUpdated()); age > t.maxAge {
			select {
			case t.staleCh <- StaleEvent{ConditionID: conditionID, Age: age}:
			default:
			}
		}
	}
}
