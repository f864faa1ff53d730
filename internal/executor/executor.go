// Package executor places both legs of an arbitrage entry in parallel as
// fill-or-kill orders under one joint deadline, classifies the combined
// outcome, and persists the TradeRecord before any result is published.
//
// The per-market execution lock is enforced by the caller via
// risk.Gate.TryMarkInFlight/ClearInFlight; the Executor itself is stateless
// and safe to call concurrently for distinct markets.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polyarb/internal/eventsink"
	"polyarb/pkg/types"
)

// OrderPlacer is the subset of exchange.Client the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult
}

// TradeStore is the subset of the Store the executor writes through
// before a result is ever published, so a known fill is never lost.
type TradeStore interface {
	SaveTrade(trade types.TradeRecord) error
	EnqueueSettlement(entry types.SettlementEntry) error
}

// Executor places both legs of an OrderPair in parallel and classifies
// the joint outcome.
type Executor struct {
	exchange OrderPlacer
	store    TradeStore
	sink     eventsink.Sink
	timeout  time.Duration
	dryRun   bool
	logger   *slog.Logger
}

// New constructs an Executor. timeout bounds the joint dual-leg await
// (parallel_fill_timeout_s, default 10s).
func New(exchange OrderPlacer, store TradeStore, sink eventsink.Sink, timeout time.Duration, dryRun bool, logger *slog.Logger) *Executor {
	if sink == nil {
		sink = eventsink.Noop{}
	}
	return &Executor{
		exchange: exchange,
		store:    store,
		sink:     sink,
		timeout:  timeout,
		dryRun:   dryRun,
		logger:   logger.With("component", "executor"),
	}
}

// Execute places pair's two legs concurrently, classifies the joint
// result, writes the TradeRecord (and any settlement entries for matched
// legs) through the Store, and returns the result. Store failures are
// returned as errors — the caller must not treat the execution as
// recorded until Execute returns nil.
func (e *Executor) Execute(ctx context.Context, pair types.OrderPair, asset types.Asset, marketEnd time.Time, preFillYesDepth, preFillNoDepth decimal.Decimal) (types.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()

	e.sink.Publish(eventsink.Event{Kind: eventsink.KindOrderPlaced, ConditionID: pair.ConditionID, Data: pair.YesOrder})
	e.sink.Publish(eventsink.Event{Kind: eventsink.KindOrderPlaced, ConditionID: pair.ConditionID, Data: pair.NoOrder})

	var wg sync.WaitGroup
	var yesResult, noResult types.LegResult
	wg.Add(2)

	go func() {
		defer wg.Done()
		yesResult = e.placeLeg(ctx, pair.YesOrder)
	}()
	go func() {
		defer wg.Done()
		noResult = e.placeLeg(ctx, pair.NoOrder)
	}()
	wg.Wait()

	result := types.ExecutionResult{
		ConditionID: pair.ConditionID,
		Yes:         yesResult,
		No:          noResult,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}

	for _, leg := range []types.LegResult{result.Yes, result.No} {
		if leg.Status == types.LegMatched {
			e.sink.Publish(eventsink.Event{Kind: eventsink.KindOrderMatched, ConditionID: pair.ConditionID, Data: leg})
		}
	}

	record := e.buildTradeRecord(pair, asset, result, preFillYesDepth, preFillNoDepth)
	if err := e.store.SaveTrade(record); err != nil {
		e.logger.Error("failed to persist trade record", "condition_id", pair.ConditionID, "error", err)
		return record, err
	}

	if err := e.enqueueSettlements(record, marketEnd); err != nil {
		e.logger.Error("failed to enqueue settlement entries", "condition_id", pair.ConditionID, "error", err)
		return record, err
	}

	e.logger.Info("execution complete",
		"condition_id", pair.ConditionID,
		"status", record.Status,
		"hedge_ratio", record.HedgeRatio,
	)
	return record, nil
}

// placeLeg places a single leg. Any panic-worthy condition in the
// exchange client is already folded into LegException by PlaceOrder
// itself; this wrapper exists so a future exchange implementation that
// does propagate errors can't break the joint await.
func (e *Executor) placeLeg(ctx context.Context, order types.UserOrder) (result types.LegResult) {
	defer func() {
		if r := recover(); r != nil {
			result = types.LegResult{TokenID: order.TokenID, Status: types.LegException}
		}
	}()
	return e.exchange.PlaceOrder(ctx, order)
}

func (e *Executor) buildTradeRecord(pair types.OrderPair, asset types.Asset, result types.ExecutionResult, preFillYesDepth, preFillNoDepth decimal.Decimal) types.TradeRecord {
	status := classify(result)

	hedgeRatio := decimal.Zero
	yesFilled := result.Yes.FilledQty
	noFilled := result.No.FilledQty
	if yesFilled.IsPositive() && noFilled.IsPositive() {
		lo := decimal.Min(yesFilled, noFilled)
		hi := decimal.Max(yesFilled, noFilled)
		hedgeRatio = lo.Div(hi)
	}

	return types.TradeRecord{
		TradeID:         uuid.NewString(),
		ConditionID:     pair.ConditionID,
		Asset:           asset,
		Status:          status,
		YesOrder:        pair.YesOrder,
		NoOrder:         pair.NoOrder,
		YesResult:       result.Yes,
		NoResult:        result.No,
		HedgeRatio:      hedgeRatio,
		PreFillYesDepth: preFillYesDepth,
		PreFillNoDepth:  preFillNoDepth,
		DryRun:          e.dryRun,
		CreatedAt:       result.FinishedAt,
	}
}

// classify maps the two leg outcomes to the recorded execution status:
// both matched, exactly one matched, or neither.
func classify(result types.ExecutionResult) types.ExecutionStatus {
	yesOK := result.Yes.Status == types.LegMatched
	noOK := result.No.Status == types.LegMatched

	switch {
	case yesOK && noOK:
		return types.ExecMatched
	case yesOK || noOK:
		return types.ExecOneLegFilled
	default:
		return types.ExecFailed
	}
}

// enqueueSettlements appends one SettlementEntry per matched leg. Legs
// that did not fill enqueue nothing — there is nothing to claim.
func (e *Executor) enqueueSettlements(record types.TradeRecord, marketEnd time.Time) error {
	if record.DryRun {
		return nil
	}

	type leg struct {
		order  types.UserOrder
		result types.LegResult
	}
	legs := []leg{
		{record.YesOrder, record.YesResult},
		{record.NoOrder, record.NoResult},
	}

	for _, l := range legs {
		if l.result.Status != types.LegMatched {
			continue
		}
		entry := types.SettlementEntry{
			TradeID:     record.TradeID,
			ConditionID: record.ConditionID,
			TokenID:     l.order.TokenID,
			Shares:      l.result.FilledQty,
			MarketEnd:   marketEnd,
			State:       types.ClaimPending,
			CreatedAt:   record.CreatedAt,
		}
		if err := e.store.EnqueueSettlement(entry); err != nil {
			return err
		}
	}
	return nil
}
