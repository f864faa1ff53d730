// Package engine wires the arbitrage engine's components into a single
// running process and owns its lifecycle: startup recovery, the
// detect/admit/size/execute loop, and ordered shutdown.
//
// One shared scan loop evaluates every tracked market each tick and runs
// the detector/gate/sizer/executor pipeline; executions themselves run on
// their own goroutines so a slow fill (or a tranched entry's delays)
// never stalls scanning of other markets. risk.Gate's in-flight map — not
// a goroutine per market — enforces the one-execution-per-market rule.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/arbitrage"
	"polyarb/internal/clock"
	"polyarb/internal/config"
	"polyarb/internal/eventsink"
	"polyarb/internal/exchange"
	"polyarb/internal/executor"
	"polyarb/internal/market"
	"polyarb/internal/position"
	"polyarb/internal/risk"
	"polyarb/internal/settlement"
	"polyarb/internal/sizer"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

// scanInterval is how often the engine re-evaluates every tracked market
// for a crossed-spread opportunity.
const scanInterval = 500 * time.Millisecond

// Engine owns every component and the goroutines that drive them.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	exchange *exchange.Client
	marketWS *exchange.WSFeed
	userWS   *exchange.WSFeed

	clock      clock.Clock
	finder     *market.Finder
	tracker    *market.Tracker
	detector   *arbitrage.Detector
	breaker    *risk.CircuitBreaker
	gate       *risk.Gate
	sizer      *sizer.Sizer
	executor   *executor.Executor
	positions  *position.Manager
	settlement *settlement.Manager
	sink       *eventsink.Bus

	rebalancePolicy position.RebalancePolicy
	gradualDelay    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component per cfg and runs startup recovery:
// reloading open positions and resubscribing their books from the store
// before the engine ever places an order.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("build auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() && !cfg.DryRun {
		if _, err := client.DeriveAPIKey(context.Background()); err != nil {
			return nil, fmt.Errorf("derive L2 api key: %w", err)
		}
	}

	marketWS := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	userWS := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	sink := eventsink.New(logger)
	marketWS.SetOnReconnect(func() {
		sink.Publish(eventsink.Event{Kind: eventsink.KindWebsocketReconnected, Data: "market"})
	})
	userWS.SetOnReconnect(func() {
		sink.Publish(eventsink.Event{Kind: eventsink.KindWebsocketReconnected, Data: "user"})
	})

	staleThreshold := time.Duration(cfg.Arb.StaleThresholdS) * time.Second
	tracker := market.NewTracker(marketWS, client, staleThreshold, logger)
	finder := market.NewFinder(client, cfg.Arb.Assets, 0, logger)
	detector := arbitrage.NewDetector(cfg.Arb.MinSpreadUSD, logger)
	positions := position.New(logger)
	positions.SetStore(st)

	thresholds := risk.Thresholds{
		WarnFailures:    cfg.Arb.CBWarnFailures,
		CautionFailures: cfg.Arb.CBCautionFailures,
		HaltFailures:    cfg.Arb.CBHaltFailures,
		WarnLossUSD:     decimal.NewFromFloat(cfg.Arb.CBWarnLossUSD),
		CautionLossUSD:  decimal.NewFromFloat(cfg.Arb.CBCautionLossUSD),
		HaltLossUSD:     decimal.NewFromFloat(cfg.Arb.CBHaltLossUSD),
		ResetHour:       cfg.Arb.CBResetHourUTC,
		ResetMin:        cfg.Arb.CBResetMinUTC,
		ResetLocation:   time.UTC,
	}
	breaker := risk.NewCircuitBreaker(thresholds, st, logger, func(old, newLevel types.CircuitLevel) {
		sink.Publish(eventsink.Event{
			Kind: eventsink.KindCircuitBreakerChange,
			Data: struct{ Old, New types.CircuitLevel }{old, newLevel},
		})
	})

	gateParams := risk.Params{
		Blackout: risk.BlackoutWindow{
			Location:  cfg.Arb.BlackoutWindow.Location(),
			StartHour: cfg.Arb.BlackoutWindow.StartHour,
			StartMin:  cfg.Arb.BlackoutWindow.StartMin,
			EndHour:   cfg.Arb.BlackoutWindow.EndHour,
			EndMin:    cfg.Arb.BlackoutWindow.EndMin,
		},
		BalanceSizingPct: decimal.NewFromFloat(cfg.Arb.BalanceSizingPct),
		MaxTradeSizeUSD:  decimal.NewFromFloat(cfg.Arb.MaxTradeSizeUSD),
		MinTradeSizeUSD:  decimal.NewFromFloat(cfg.Arb.MinTradeSizeUSD),
		MaxPerWindowUSD:  decimal.NewFromFloat(cfg.Arb.MaxPerWindowUSD),
	}
	gate := risk.NewGate(clock.Real{}, gateParams, breaker, positions, client)

	sz := sizer.New(sizer.Params{
		MaxLiquidityConsumptionPct: decimal.NewFromFloat(cfg.Arb.MaxLiquidityConsumptionPct),
		MinTradeSizeUSD:            decimal.NewFromFloat(cfg.Arb.MinTradeSizeUSD),
		PriceDecimalPlaces:         2,
		GradualEntryEnabled:        cfg.Arb.GradualEntry.Enabled,
		GradualEntryTranches:       cfg.Arb.GradualEntry.Tranches,
		GradualMinSpreadCents:      decimal.NewFromInt(int64(cfg.Arb.GradualEntry.MinSpreadCents)),
	})

	ex := executor.New(client, st, sink, time.Duration(cfg.Arb.ParallelFillTimeoutS)*time.Second, cfg.DryRun, logger)

	settlementPolicy := settlement.Policy{
		ResolutionWait:     time.Duration(cfg.Arb.ResolutionWaitS) * time.Second,
		ClaimSellPrice:     decimal.NewFromFloat(cfg.Arb.ClaimSellPrice),
		BaseRetry:          time.Duration(cfg.Arb.SettlementBaseRetryS) * time.Second,
		MaxRetry:           time.Duration(cfg.Arb.SettlementMaxRetryS) * time.Second,
		MaxClaimAttempts:   cfg.Arb.MaxClaimAttempts,
		AlertAfterFailures: 3,
		SweepInterval:      30 * time.Second,
		PoolWorkers:        4,
	}
	settlementMgr := settlement.New(st, client, positions, sink, settlementPolicy, logger)
	settlementMgr.SetPnLRecorder(breaker)
	positions.SetPnLRecorder(breaker)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		exchange:   client,
		marketWS:   marketWS,
		userWS:     userWS,
		clock:      clock.Real{},
		finder:     finder,
		tracker:    tracker,
		detector:   detector,
		breaker:    breaker,
		gate:       gate,
		sizer:      sz,
		executor:   ex,
		positions:  positions,
		settlement: settlementMgr,
		sink:       sink,
		rebalancePolicy: position.RebalancePolicy{
			Threshold:            decimal.NewFromFloat(cfg.Arb.RebalanceThreshold),
			MinProfitPerShare:    decimal.NewFromFloat(cfg.Arb.MinRebalanceProfitPerShare),
			MaxAttemptsPerMarket: cfg.Arb.MaxRebalanceAttempts,
			NoGoBeforeEnd:        time.Duration(cfg.Arb.RebalanceNoGoSBeforeEnd) * time.Second,
		},
		gradualDelay: time.Duration(cfg.Arb.GradualEntry.DelaySeconds) * time.Second,
	}

	if err := e.recover(context.Background()); err != nil {
		logger.Warn("startup recovery incomplete", "error", err)
	}

	return e, nil
}

// recover reloads open positions and resubscribes their books so an
// in-flight hedge can still be rebalanced or claimed after a restart.
// The circuit breaker and settlement queue are already source-of-truth in
// the store itself — NewCircuitBreaker and the settlement sweep read them
// directly, nothing to replay here.
func (e *Engine) recover(ctx context.Context) error {
	open, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	e.positions.Restore(open)

	for _, pos := range open {
		m := types.Market{
			ConditionID: pos.ConditionID,
			YesTokenID:  pos.YesTokenID,
			NoTokenID:   pos.NoTokenID,
			EndTime:     pos.MarketEnd,
		}
		if err := e.tracker.Track(ctx, m); err != nil {
			e.logger.Warn("failed to resubscribe recovered market", "condition_id", pos.ConditionID, "error", err)
		}
	}

	if len(open) > 0 {
		e.logger.Info("recovered open positions", "count", len(open))
	}
	return nil
}

// Start launches every background loop and returns once they're running.
// It does not block; the caller drives shutdown via Stop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.spawn(func() error { return e.marketWS.Run(ctx) })
	e.spawn(func() error { return e.userWS.Run(ctx) })
	e.spawn(func() error { return e.finder.Run(ctx) })
	e.spawn(func() error { return e.tracker.Run(ctx) })
	e.spawn(func() error { return e.settlement.Run(ctx) })
	e.spawn(func() error {
		e.positions.RunRebalancer(ctx, e.tracker, e.exchange, e.sink, e.rebalancePolicy, 5*time.Second, time.Now)
		return nil
	})
	e.spawn(func() error { return e.runLoop(ctx) })

	e.logger.Info("engine started", "assets", e.cfg.Arb.Assets, "dry_run", e.cfg.DryRun)
	return nil
}

func (e *Engine) spawn(fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil && err != context.Canceled {
			e.logger.Error("background loop exited", "error", err)
		}
	}()
}

// Stop cancels every background loop, waits for them to exit, and closes
// the durable store. In-flight executions are not interrupted — Execute
// writes the TradeRecord before returning, so a known fill is never lost
// to a shutdown race.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.settlement.Stop()
	e.wg.Wait()

	_ = e.marketWS.Close()
	_ = e.userWS.Close()

	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}
	e.logger.Info("engine stopped")
}

// runLoop keeps the BookTracker's tracked set in step with the
// MarketFinder's rolling slot-aligned discovery (newly discovered markets
// are tracked, markets past their end_time are untracked unless a position
// is still open on them) and, on a fixed tick, re-evaluates every tracked
// market through the detect -> admit -> size -> execute pipeline. It also
// drains the tracker's staleness notifications into the event sink. All
// three concerns share one goroutine; per-market execution concurrency is
// bounded by risk.Gate's in-flight map rather than a goroutine per market.
func (e *Engine) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	tracked := make(map[string]types.Market) // condition_id -> market

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case markets, ok := <-e.finder.Results():
			if !ok {
				return nil
			}
			seen := make(map[string]bool, len(markets))
			for _, m := range markets {
				seen[m.ConditionID] = true
				if _, already := tracked[m.ConditionID]; already {
					continue
				}
				if err := e.tracker.Track(ctx, m); err != nil {
					e.logger.Warn("failed to track market", "condition_id", m.ConditionID, "error", err)
					continue
				}
				tracked[m.ConditionID] = m
			}
			now := time.Now()
			for conditionID, m := range tracked {
				if seen[conditionID] || m.EndTime.After(now) {
					continue
				}
				if e.positions.HasOpenPosition(conditionID) {
					continue
				}
				e.tracker.Untrack(ctx, conditionID)
				e.gate.ForgetWindow(conditionID)
				delete(tracked, conditionID)
			}
		case evt, ok := <-e.tracker.StaleEvents():
			if !ok {
				continue
			}
			e.sink.Publish(eventsink.Event{Kind: eventsink.KindMarketStale, ConditionID: evt.ConditionID, Data: evt.Age})
		case <-ticker.C:
			for conditionID, m := range tracked {
				state, ok := e.tracker.State(conditionID)
				if !ok || !state.HasBothSides() {
					continue
				}
				if state.IsStale(time.Now(), time.Duration(e.cfg.Arb.StaleThresholdS)*time.Second) {
					// Candidate suppression only; the tracker's own stale
					// scan publishes the MarketStale event.
					continue
				}
				e.evaluate(ctx, m, state)
			}
		}
	}
}

// evaluate runs one market through the detect/admit/size/execute pipeline.
func (e *Engine) evaluate(ctx context.Context, m types.Market, state types.MarketState) {
	opp, ok := e.detector.Evaluate(m, state)
	if !ok {
		return
	}
	e.sink.Publish(eventsink.Event{Kind: eventsink.KindOpportunityDetected, ConditionID: opp.ConditionID, Data: opp})

	admission := e.gate.Admit(ctx, opp)
	if !admission.Approved {
		e.sink.Publish(eventsink.Event{
			Kind:        eventsink.KindAdmissionRejected,
			ConditionID: opp.ConditionID,
			Data:        admission.Reason,
		})
		return
	}

	depth := bookDepth{tracker: e.tracker, conditionID: opp.ConditionID}
	result := e.sizer.Size(opp, admission.BudgetUSD, m.TickSize, depth)
	if !result.Ok() {
		e.sink.Publish(eventsink.Event{
			Kind:        eventsink.KindOpportunityDropped,
			ConditionID: opp.ConditionID,
			Data:        result.Reason,
		})
		return
	}

	if !e.gate.TryMarkInFlight(opp.ConditionID) {
		return
	}

	// Execution runs off the scan loop so a slow fill or a tranched
	// entry's delays never stall scanning of other markets. The in-flight
	// marker stays held for the whole tranche sequence.
	e.spawn(func() error {
		defer e.gate.ClearInFlight(opp.ConditionID)
		for i, pair := range result.Pairs {
			if i > 0 {
				if e.gradualDelay > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(e.gradualDelay):
					}
				}
				if !e.trancheStillValid(pair) {
					e.sink.Publish(eventsink.Event{
						Kind:        eventsink.KindOpportunityDropped,
						ConditionID: opp.ConditionID,
						Data:        "tranche invalidated by book movement",
					})
					return nil
				}
			}
			e.executeTranche(ctx, pair, m, depth)
		}
		return nil
	})
}

// trancheStillValid re-checks a later tranche against fresh book state:
// the asks must still be at or below the tranche's limit prices and the
// state must not have gone stale during the inter-tranche delay. The
// limit prices themselves are never re-derived — a moved book drops the
// tranche rather than chasing it.
func (e *Engine) trancheStillValid(pair types.OrderPair) bool {
	state, ok := e.tracker.State(pair.ConditionID)
	if !ok || !state.HasBothSides() {
		return false
	}
	if state.IsStale(time.Now(), time.Duration(e.cfg.Arb.StaleThresholdS)*time.Second) {
		return false
	}
	return state.YesAsk.LessThanOrEqual(pair.YesOrder.Price) &&
		state.NoAsk.LessThanOrEqual(pair.NoOrder.Price)
}

func (e *Engine) executeTranche(ctx context.Context, pair types.OrderPair, m types.Market, depth bookDepth) {
	preYes := depth.DepthAtOrBelow(pair.YesOrder.TokenID, pair.YesOrder.Price)
	preNo := depth.DepthAtOrBelow(pair.NoOrder.TokenID, pair.NoOrder.Price)

	// Detached from the shutdown cancel: once both legs are dispatched
	// the execution must run to its own timeout and persist its record,
	// never abort mid-flight with an unrecorded fill. Stop() joins the
	// spawn group, so shutdown still waits for this to finish.
	result, err := e.executor.Execute(context.WithoutCancel(ctx), pair, m.Asset, m.EndTime, preYes, preNo)
	if err != nil {
		e.logger.Error("execution failed to persist", "condition_id", pair.ConditionID, "error", err)
		return
	}

	e.positions.Register(result, m.EndTime)
	e.gate.RecordWindowSpend(pair.ConditionID, pair.CostUSD)

	if result.BothMatched() {
		e.breaker.RecordExecutionSuccess()
	} else {
		e.breaker.RecordExecutionFailure()
	}

	e.sink.Publish(eventsink.Event{Kind: eventsink.KindTradeRecorded, ConditionID: pair.ConditionID, Data: result})
}

// bookDepth adapts the Tracker's per-condition Book lookup to the single-
// market sizer.DepthSource the Sizer expects, since one Opportunity only
// ever needs depth for its own market.
type bookDepth struct {
	tracker     *market.Tracker
	conditionID string
}

func (d bookDepth) DepthAtOrBelow(tokenID string, price decimal.Decimal) decimal.Decimal {
	book, ok := d.tracker.BookFor(d.conditionID)
	if !ok {
		return decimal.Zero
	}
	return book.DepthAtOrBelow(tokenID, price)
}
