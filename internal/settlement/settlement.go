// Package settlement drives the durable claim queue: a periodic sweep
// that claims winning positions via a near-par sell-back once their
// market has resolved, with exponential-backoff retry on failure.
//
// Claims for distinct rows are independent, so each sweep submits them
// to a bounded pond worker pool rather than serially or via an unbounded
// goroutine per row. Retries persist their own next_attempt_at through
// the store instead of blocking in memory, so the schedule survives a
// restart.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond"
	"github.com/shopspring/decimal"

	"polyarb/internal/eventsink"
	"polyarb/pkg/retry"
	"polyarb/pkg/types"
)

// Store is the subset of the durable store the settlement manager needs.
type Store interface {
	GetUnclaimedSettlements() ([]types.SettlementEntry, error)
	GetClaimable(now time.Time, wait time.Duration) ([]types.SettlementEntry, error)
	MarkClaimed(tradeID, tokenID string, proceeds, profit decimal.Decimal) error
	RecordClaimAttempt(tradeID, tokenID string, claimErr string, nextAttemptAt time.Time) error
}

// EntryCostSource supplies the original entry cost for profit calculation.
// PositionManager can answer this from its tracked positions.
type EntryCostSource interface {
	Get(conditionID string) (types.Position, bool)
}

// ClaimPlacer places the GTC sell-back order used to claim a winning
// position. Scoped to PlaceOrder so the exchange client satisfies it
// directly alongside Executor and the rebalancer.
type ClaimPlacer interface {
	PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult
}

// PnLRecorder receives each claim's realized profit or loss so the
// circuit breaker's daily total stays current.
type PnLRecorder interface {
	RecordPnL(deltaUSD decimal.Decimal)
}


// Policy holds the settlement manager's tunables.
type Policy struct {
	ResolutionWait     time.Duration
	ClaimSellPrice     decimal.Decimal
	BaseRetry          time.Duration
	MaxRetry           time.Duration
	MaxClaimAttempts   int
	AlertAfterFailures int
	SweepInterval      time.Duration
	PoolWorkers        int
}

// Manager drives the settlement queue to completion: sweep, claim,
// retry, and eventually abandon rows that exceed MaxClaimAttempts.
type Manager struct {
	store     Store
	exchange  ClaimPlacer
	positions EntryCostSource
	sink      eventsink.Sink
	policy    Policy
	logger    *slog.Logger
	pool      *pond.WorkerPool
	pnl       PnLRecorder

	failureStreak map[string]int // trade_id|token_id -> consecutive failures, for alert_after_failures
}

// New constructs a SettlementManager with a bounded worker pool for
// concurrent claim submissions.
func New(store Store, exchange ClaimPlacer, positions EntryCostSource, sink eventsink.Sink, policy Policy, logger *slog.Logger) *Manager {
	workers := policy.PoolWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Manager{
		store:         store,
		exchange:      exchange,
		positions:     positions,
		sink:          sink,
		policy:        policy,
		logger:        logger.With("component", "settlement_manager"),
		pool:          pond.New(workers, workers*4, pond.MinWorkers(1)),
		failureStreak: make(map[string]int),
	}
}

// SetPnLRecorder attaches the realized-PnL consumer (the circuit
// breaker). Left unset, claim profits are persisted and published but not
// folded into any daily total.
func (m *Manager) SetPnLRecorder(pnl PnLRecorder) {
	m.pnl = pnl
}

// Stop waits for any in-flight claim submissions to finish and releases
// the worker pool.
func (m *Manager) Stop() {
	m.pool.StopAndWait()
}

// Run sweeps for claimable rows every SweepInterval and submits one claim
// per row to the worker pool. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	rows, err := m.store.GetClaimable(time.Now(), m.policy.ResolutionWait)
	if err != nil {
		m.logger.Error("failed to fetch claimable settlements", "error", err)
		return
	}

	for _, row := range rows {
		row := row
		m.pool.Submit(func() {
			m.claim(ctx, row)
		})
	}
}

func (m *Manager) claim(ctx context.Context, row types.SettlementEntry) {
	order := types.UserOrder{
		TokenID:   row.TokenID,
		Price:     m.policy.ClaimSellPrice,
		Size:      row.Shares,
		Side:      types.SELL,
		OrderType: types.OrderTypeGTC,
	}

	result := m.exchange.PlaceOrder(ctx, order)
	key := row.TradeID + "|" + row.TokenID

	if result.Status != types.LegMatched {
		m.handleClaimFailure(row, key, claimErrorString(result))
		return
	}

	delete(m.failureStreak, key)
	proceeds := result.Price.Mul(result.FilledQty)
	profit := proceeds.Sub(m.entryCost(row))

	if err := m.store.MarkClaimed(row.TradeID, row.TokenID, proceeds, profit); err != nil {
		m.logger.Error("failed to persist claim", "trade_id", row.TradeID, "token_id", row.TokenID, "error", err)
		return
	}
	if m.pnl != nil {
		m.pnl.RecordPnL(profit)
	}

	m.logger.Info("settlement claimed",
		"trade_id", row.TradeID,
		"token_id", row.TokenID,
		"proceeds", proceeds,
		"profit", profit,
	)
	m.publish(eventsink.KindSettlementClaimed, row.ConditionID, ClaimedEvent{
		TradeID:   row.TradeID,
		TokenID:   row.TokenID,
		Proceeds:  proceeds,
		Profit:    profit,
	})
}

// ClaimedEvent is the KindSettlementClaimed payload: the claim's proceeds
// and realized profit, for observers of the event sink. The circuit breaker
// does not read it; it receives the profit through the PnLRecorder call.
type ClaimedEvent struct {
	TradeID  string
	TokenID  string
	Proceeds decimal.Decimal
	Profit   decimal.Decimal
}

func (m *Manager) handleClaimFailure(row types.SettlementEntry, key, claimErr string) {
	attempts := row.Attempts + 1
	m.failureStreak[key]++

	if attempts >= m.policy.MaxClaimAttempts {
		if err := m.store.RecordClaimAttempt(row.TradeID, row.TokenID, claimErr, time.Time{}); err != nil {
			m.logger.Error("failed to record abandoned settlement", "trade_id", row.TradeID, "error", err)
		}
		m.logger.Error("settlement abandoned after max claim attempts",
			"trade_id", row.TradeID,
			"token_id", row.TokenID,
			"attempts", attempts,
		)
		m.publish(eventsink.KindSettlementAbandoned, row.ConditionID, row)
		return
	}

	next := time.Now().Add(retry.NextDelay(attempts, m.policy.BaseRetry, m.policy.MaxRetry))
	if err := m.store.RecordClaimAttempt(row.TradeID, row.TokenID, claimErr, next); err != nil {
		m.logger.Error("failed to record claim attempt", "trade_id", row.TradeID, "error", err)
		return
	}

	if m.failureStreak[key] >= m.policy.AlertAfterFailures {
		m.logger.Warn("settlement degraded",
			"trade_id", row.TradeID,
			"token_id", row.TokenID,
			"consecutive_failures", m.failureStreak[key],
		)
		m.publish(eventsink.KindSettlementDegraded, row.ConditionID, row)
	}
}

func (m *Manager) publish(kind eventsink.Kind, conditionID string, data any) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(eventsink.Event{Kind: kind, ConditionID: conditionID, Data: data})
}

func (m *Manager) entryCost(row types.SettlementEntry) decimal.Decimal {
	if m.positions == nil {
		return decimal.Zero
	}
	pos, ok := m.positions.Get(row.ConditionID)
	if !ok {
		return decimal.Zero
	}
	if pos.YesTokenID == row.TokenID {
		return pos.YesAvgCost.Mul(row.Shares)
	}
	return pos.NoAvgCost.Mul(row.Shares)
}

func claimErrorString(result types.LegResult) string {
	if result.Err != nil {
		return result.Err.Error()
	}
	return "claim not matched: " + string(result.Status)
}
