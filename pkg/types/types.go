// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order types, market
// metadata, order book snapshots, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills completely and immediately, or is cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Assets and markets
// ————————————————————————————————————————————————————————————————————————

// Asset identifies the underlying instrument a 15-minute up/down market
// is written on, e.g. "BTC", "ETH", "SOL".
type Asset string

// Market is a single slot-aligned binary market: a 15-minute window asking
// whether Asset is up or down relative to its open. YES and NO always sum
// to $1.00 at resolution.
type Market struct {
	ConditionID string    // CTF condition ID — the stable identity of this market
	Asset       Asset     // underlying instrument
	Slug        string    // human-readable URL slug
	YesTokenID  string    // CLOB token ID for the YES outcome
	NoTokenID   string    // CLOB token ID for the NO outcome
	TickSize    TickSize  // price granularity
	MinSize     decimal.Decimal
	StartTime   time.Time // slot open
	EndTime     time.Time // slot resolution — condition_id is unique per slot
	SlotTS      int64     // unix seconds, start of the 15-minute window — the memoization key
	Active      bool
	Closed      bool
	AcceptingOrders bool
}

// ————————————————————————————————————————————————————————————————————————
// Order book / market state
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSide is one side (bid or ask) of one token's order book, sorted by
// price: bids descending (best first), asks ascending (best first).
type BookSide struct {
	Levels []PriceLevel
}

// BestPrice returns the top-of-book price and true, or zero and false if
// the side is empty.
func (b BookSide) BestPrice() (decimal.Decimal, bool) {
	if len(b.Levels) == 0 {
		return decimal.Zero, false
	}
	return b.Levels[0].Price, true
}

// DepthAtOrBelow sums the size available at prices <= maxPrice on an ask
// side (or >= a minPrice convention on a bid side — callers pass the side
// with the right ordering). Used by the Sizer to cap a trade to what the
// book can actually absorb at-or-better-than the quoted limit price.
func (b BookSide) DepthAtOrBelow(maxPrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range b.Levels {
		if lvl.Price.GreaterThan(maxPrice) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

// MarketState is the derived, consumer-facing view of one market's two
// order books: best bid/ask on each side plus the quantities computed
// from them. Recomputed on every book update, never mutated in place.
type MarketState struct {
	ConditionID string
	YesAsk      decimal.Decimal
	NoAsk       decimal.Decimal
	YesBid      decimal.Decimal // best bid on the YES token; zero when the bid side is empty
	NoBid       decimal.Decimal
	YesAskDepth decimal.Decimal // size available at YesAsk
	NoAskDepth  decimal.Decimal // size available at NoAsk
	Spread      decimal.Decimal // 1.00 - (YesAsk + NoAsk); positive means arbitrage exists
	UpdatedAt   time.Time
}

// IsStale reports whether the state is older than maxAge as of now.
func (m MarketState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(m.UpdatedAt) > maxAge
}

// HasBothSides reports whether both asks are populated (non-zero depth).
func (m MarketState) HasBothSides() bool {
	return m.YesAskDepth.IsPositive() && m.NoAskDepth.IsPositive()
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities, orders, sizing
// ————————————————————————————————————————————————————————————————————————

// Opportunity is the ephemeral record of a detected arbitrage window: the
// exact prices and depths observed at detection time. It is never
// persisted — RiskGate and Sizer consume it synchronously and it is
// discarded (or superseded by a TradeRecord) once execution starts.
type Opportunity struct {
	ConditionID string
	Asset       Asset
	YesTokenID  string
	NoTokenID   string
	YesPrice    decimal.Decimal // exact ask observed — the zero-slippage limit price
	NoPrice     decimal.Decimal
	YesDepth    decimal.Decimal
	NoDepth     decimal.Decimal
	SpreadUSD   decimal.Decimal // 1.00 - (YesPrice + NoPrice)
	MarketEnd   time.Time
	DetectedAt  time.Time
}

// RejectReason enumerates why RiskGate declined to admit an Opportunity.
type RejectReason string

const (
	RejectNone               RejectReason = ""
	RejectBlackout           RejectReason = "BLACKOUT"
	RejectHalted             RejectReason = "HALTED"
	RejectCaution            RejectReason = "CAUTION_ASSET_EXCLUDED"
	RejectDuplicate          RejectReason = "DUPLICATE_IN_FLIGHT"
	RejectWindowFull         RejectReason = "WINDOW_FULL"
	RejectInvalidSpread      RejectReason = "INVALID_SPREAD"
	RejectBudgetTooSmall     RejectReason = "BUDGET_TOO_SMALL"
	RejectInsufficientLiquid RejectReason = "INSUFFICIENT_LIQUIDITY"
)

// Admission is RiskGate's verdict on an Opportunity: either a budget to
// size against, or a reason it was rejected.
type Admission struct {
	Approved  bool
	BudgetUSD decimal.Decimal
	Reason    RejectReason
}

// OrderPair is the two legs the Sizer computes for one admitted
// opportunity: equal share counts at the opportunity's exact observed
// prices, ready for the Executor to place in parallel.
type OrderPair struct {
	ConditionID string
	YesOrder    UserOrder
	NoOrder     UserOrder
	Shares      decimal.Decimal // equal share count on both legs
	CostUSD     decimal.Decimal // Shares * (YesPrice + NoPrice)
	GeneratedAt time.Time
}

// UserOrder is the high-level order representation produced by the sizer.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       Side      // BUY or SELL
	OrderType  OrderType // FOK for arbitrage entries, GTC for settlement sell-backs
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /orders (batch).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "matched", "live", "unmatched"
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution outcomes
// ————————————————————————————————————————————————————————————————————————

// LegStatus is the terminal state of a single leg of a dual-leg execution.
type LegStatus string

const (
	LegMatched   LegStatus = "MATCHED"   // filled completely at the quoted price
	LegLive      LegStatus = "LIVE"      // resting unfilled — should never survive FOK; cancelled on sight
	LegFailed    LegStatus = "FAILED"    // rejected by the exchange, no position taken
	LegException LegStatus = "EXCEPTION" // request itself errored (network, timeout, etc.)
)

// LegResult is one leg's outcome from a parallel dual-leg placement.
type LegResult struct {
	TokenID   string
	Status    LegStatus
	OrderID   string
	FilledQty decimal.Decimal
	Price     decimal.Decimal
	Err       error
}

// ExecutionResult is the joint outcome of placing both legs of an
// OrderPair. BothMatched is true only when both legs landed as LegMatched —
// anything else means the arbitrage was not fully captured and must be
// unwound or recorded as a partial fill per the executor's outcome table.
type ExecutionResult struct {
	ConditionID string
	Yes         LegResult
	No          LegResult
	StartedAt   time.Time
	FinishedAt  time.Time
}

// BothMatched reports whether both legs filled completely.
func (r ExecutionResult) BothMatched() bool {
	return r.Yes.Status == LegMatched && r.No.Status == LegMatched
}

// ExecutionStatus classifies the net outcome of an attempted execution for
// recording in a TradeRecord.
type ExecutionStatus string

const (
	ExecMatched       ExecutionStatus = "MATCHED"        // both legs filled — clean arbitrage position
	ExecOneLegFilled  ExecutionStatus = "ONE_LEG_FILLED"  // partial — one side filled, other failed/killed
	ExecFailed        ExecutionStatus = "FAILED"          // neither leg filled
	ExecInvalidated   ExecutionStatus = "INVALIDATED"     // spread closed between detection and placement, never sent
)

// TradeRecord is the durable record of one execution attempt, persisted by
// the Store regardless of outcome so partial fills are never silently lost.
type TradeRecord struct {
	TradeID         string
	ConditionID     string
	Asset           Asset
	Status          ExecutionStatus
	YesOrder        UserOrder
	NoOrder         UserOrder
	YesResult       LegResult
	NoResult        LegResult
	HedgeRatio      decimal.Decimal // min(yes,no)/max(yes,no) filled shares, 1.0 = perfectly hedged
	PreFillYesDepth decimal.Decimal // book depth snapshot immediately before placement
	PreFillNoDepth  decimal.Decimal
	DryRun          bool
	CreatedAt       time.Time
}

// BothMatched reports whether both legs of the recorded execution filled.
func (t TradeRecord) BothMatched() bool {
	return t.Status == ExecMatched
}

// ————————————————————————————————————————————————————————————————————————
// Positions and settlement
// ————————————————————————————————————————————————————————————————————————

// Position is the current holding in one market, keyed by the trade that
// opened it. A market can have at most one open Position per the
// per-market dedup invariant.
type Position struct {
	TradeID      string
	ConditionID  string
	Asset        Asset
	YesTokenID   string
	NoTokenID    string
	YesShares    decimal.Decimal
	NoShares     decimal.Decimal
	YesAvgCost   decimal.Decimal
	NoAvgCost    decimal.Decimal
	MarketEnd    time.Time
	LastUpdated  time.Time
}

// HedgeRatio returns min(yes,no)/max(yes,no), 1.0 when perfectly balanced
// and 0 when one side is empty. Used by PositionManager to decide whether
// a position needs rebalancing.
func (p Position) HedgeRatio() decimal.Decimal {
	hi := decimal.Max(p.YesShares, p.NoShares)
	if hi.IsZero() {
		return decimal.NewFromInt(1)
	}
	lo := decimal.Min(p.YesShares, p.NoShares)
	return lo.Div(hi)
}

// ClaimState is the lifecycle of one settlement claim attempt.
type ClaimState string

const (
	ClaimPending  ClaimState = "PENDING"  // waiting for market resolution or next retry window
	ClaimClaiming ClaimState = "CLAIMING" // sell-back order in flight
	ClaimClaimed  ClaimState = "CLAIMED"  // sell-back confirmed filled
	ClaimAbandoned ClaimState = "ABANDONED" // exceeded max_claim_attempts
)

// SettlementEntry is one (trade_id, token_id) pair awaiting claim via
// sell-back at claim_sell_price once its market resolves. Durable across
// restarts — the Store is the source of truth, never memory alone.
type SettlementEntry struct {
	TradeID       string
	ConditionID   string
	TokenID       string
	Shares        decimal.Decimal
	MarketEnd     time.Time
	State         ClaimState
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	ClaimedAt     time.Time       // zero until the claim fills
	ClaimProceeds decimal.Decimal // sell-back proceeds once claimed
	ClaimProfit   decimal.Decimal // proceeds - entry cost once claimed
	CreatedAt     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Circuit breaker
// ————————————————————————————————————————————————————————————————————————

// CircuitLevel is one of the four escalating safety states.
type CircuitLevel string

const (
	LevelNormal  CircuitLevel = "NORMAL"  // trading freely
	LevelWarning CircuitLevel = "WARNING" // new entries allowed at half the usual budget
	LevelCaution CircuitLevel = "CAUTION" // new entries rejected; rebalance/settlement continue
	LevelHalt    CircuitLevel = "HALT"    // no new entries; rebalance/settlement continue
)

// CircuitBreakerState is the persisted safety-state snapshot, reloaded on
// restart so a bad day doesn't reset to NORMAL just because the process
// restarted.
type CircuitBreakerState struct {
	Level               CircuitLevel
	ConsecutiveFailures int
	DailyPnLUSD         decimal.Decimal
	DayBucket           string // YYYY-MM-DD in the configured timezone — the reset key
	UpdatedAt           time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book wire format (REST + WebSocket)
// ————————————————————————————————————————————————————————————————————————

// WirePriceLevel is a single bid or ask level as returned on the wire.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type WirePriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderBookSnapshot is a point-in-time view of one token's order book as
// received from REST or WebSocket, before conversion to BookSide/decimal.
type OrderBookSnapshot struct {
	AssetID   string
	Bids      []WirePriceLevel
	Asks      []WirePriceLevel
	Hash      string
	Timestamp time.Time
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string           `json:"market"`
	AssetID      string           `json:"asset_id"`
	Bids         []WirePriceLevel `json:"bids"`
	Asks         []WirePriceLevel `json:"asks"`
	Hash         string           `json:"hash"`
	Timestamp    string           `json:"timestamp"`
	MinOrderSize string           `json:"min_order_size"`
	TickSize     string           `json:"tick_size"`
	NegRisk      bool             `json:"neg_risk"`
}

// GammaMarket is the shape of one entry from the Gamma markets API, used
// by MarketFinder to discover slot-aligned markets for a configured asset.
type GammaMarket struct {
	ID              string `json:"id"`
	ConditionID     string `json:"conditionId"`
	Slug            string `json:"slug"`
	Question        string `json:"question"`
	ClobTokenIds    string `json:"clobTokenIds"` // JSON-encoded array of two token IDs
	Active          bool   `json:"active"`
	Closed          bool   `json:"closed"`
	AcceptingOrders bool   `json:"accepting_orders"`
	EnableOrderBook bool   `json:"enableOrderBook"`
	EndDateISO      string `json:"endDate"`
	StartDateISO    string `json:"startDate"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize    float64 `json:"orderMinSize"`
}

// BalanceResponse is the REST response from GET /balance-allowance.
type BalanceResponse struct {
	Asset     string `json:"asset"`
	Balance   string `json:"balance"`  // raw USDC units (6 decimals), as a string
	Allowance string `json:"allowance"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the Polymarket WebSocket.
// Market channel events: "book" (full snapshot), "price_change" (delta).
// User channel events: "trade" (fill), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string           `json:"event_type"` // always "book"
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"` // condition ID
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`  // book version hash
	Buys      []WirePriceLevel `json:"buys"`  // bid levels
	Sells     []WirePriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	Outcome         string   `json:"outcome"`
	Owner           string   `json:"owner"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe from channels
// after the initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
