// Package store provides crash-safe persistence for trades, the
// settlement queue, open positions, and circuit breaker state, backed by
// a single SQLite file in WAL mode. Writes use INSERT OR REPLACE / OR
// IGNORE so retried saves stay idempotent.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id          TEXT PRIMARY KEY,
	condition_id      TEXT NOT NULL,
	asset             TEXT NOT NULL,
	status            TEXT NOT NULL,
	yes_order         TEXT NOT NULL,
	no_order          TEXT NOT NULL,
	yes_result        TEXT NOT NULL,
	no_result         TEXT NOT NULL,
	hedge_ratio       TEXT NOT NULL,
	prefill_yes_depth TEXT NOT NULL,
	prefill_no_depth  TEXT NOT NULL,
	dry_run           INTEGER NOT NULL,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_queue (
	trade_id        TEXT NOT NULL,
	condition_id    TEXT NOT NULL,
	token_id        TEXT NOT NULL,
	shares          TEXT NOT NULL,
	market_end      INTEGER NOT NULL,
	state           TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER,
	last_error      TEXT,
	claimed_at      INTEGER,
	claim_proceeds  TEXT,
	claim_profit    TEXT,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (trade_id, token_id)
);

CREATE INDEX IF NOT EXISTS idx_settlement_claimable
	ON settlement_queue (state, market_end);

CREATE TABLE IF NOT EXISTS positions (
	condition_id TEXT PRIMARY KEY,
	trade_id     TEXT NOT NULL,
	asset        TEXT NOT NULL,
	yes_token_id TEXT NOT NULL,
	no_token_id  TEXT NOT NULL,
	yes_shares   TEXT NOT NULL,
	no_shares    TEXT NOT NULL,
	yes_avg_cost TEXT NOT NULL,
	no_avg_cost  TEXT NOT NULL,
	market_end   INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS circuit_breaker_state (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	level                TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	daily_pnl_usd        TEXT NOT NULL,
	day_bucket           TEXT NOT NULL,
	updated_at           INTEGER NOT NULL
);
`

// Store persists engine state to a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) a Store backed by path, applying the schema and
// enabling WAL mode for crash-safe concurrent access.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTrade idempotently upserts a TradeRecord by trade_id.
func (s *Store) SaveTrade(trade types.TradeRecord) error {
	yesOrder, err := json.Marshal(trade.YesOrder)
	if err != nil {
		return fmt.Errorf("marshal yes order: %w", err)
	}
	noOrder, err := json.Marshal(trade.NoOrder)
	if err != nil {
		return fmt.Errorf("marshal no order: %w", err)
	}
	yesResult, err := json.Marshal(trade.YesResult)
	if err != nil {
		return fmt.Errorf("marshal yes result: %w", err)
	}
	noResult, err := json.Marshal(trade.NoResult)
	if err != nil {
		return fmt.Errorf("marshal no result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO trades
			(trade_id, condition_id, asset, status, yes_order, no_order, yes_result, no_result,
			 hedge_ratio, prefill_yes_depth, prefill_no_depth, dry_run, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.TradeID, trade.ConditionID, string(trade.Asset), string(trade.Status),
		string(yesOrder), string(noOrder), string(yesResult), string(noResult),
		trade.HedgeRatio.String(), trade.PreFillYesDepth.String(), trade.PreFillNoDepth.String(),
		boolToInt(trade.DryRun), trade.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// EnqueueSettlement inserts a new settlement row, unique on (trade_id,
// token_id). A duplicate enqueue (e.g. a retried Execute) is a no-op.
func (s *Store) EnqueueSettlement(entry types.SettlementEntry) error {
	state := entry.State
	if state == "" {
		state = types.ClaimPending
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO settlement_queue
			(trade_id, condition_id, token_id, shares, market_end, state, attempts,
			 next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)`,
		entry.TradeID, entry.ConditionID, entry.TokenID, entry.Shares.String(),
		entry.MarketEnd.UnixNano(), string(state), entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue settlement: %w", err)
	}
	return nil
}

// GetUnclaimedSettlements returns every row not yet CLAIMED or ABANDONED,
// for recovery on startup.
func (s *Store) GetUnclaimedSettlements() ([]types.SettlementEntry, error) {
	rows, err := s.db.Query(settlementColumns+`
		FROM settlement_queue
		WHERE state NOT IN (?, ?)`,
		string(types.ClaimClaimed), string(types.ClaimAbandoned),
	)
	if err != nil {
		return nil, fmt.Errorf("query unclaimed settlements: %w", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

// GetClaimable returns rows ready to attempt a claim: resolution_wait has
// elapsed since market_end, and either no retry is scheduled yet or the
// scheduled retry time has passed.
func (s *Store) GetClaimable(now time.Time, wait time.Duration) ([]types.SettlementEntry, error) {
	cutoff := now.Add(-wait).UnixNano()
	rows, err := s.db.Query(settlementColumns+`
		FROM settlement_queue
		WHERE state IN (?, ?)
		  AND market_end <= ?
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		string(types.ClaimPending), string(types.ClaimClaiming), cutoff, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query claimable settlements: %w", err)
	}
	defer rows.Close()
	return scanSettlements(rows)
}

const settlementColumns = `
		SELECT trade_id, condition_id, token_id, shares, market_end, state, attempts,
		       next_attempt_at, last_error, claimed_at, claim_proceeds, claim_profit, created_at`

// GetSettlement returns the full row for one (trade_id, token_id) pair,
// claimed or not — a diagnostic read used to inspect claim outcomes.
func (s *Store) GetSettlement(tradeID, tokenID string) (types.SettlementEntry, error) {
	rows, err := s.db.Query(settlementColumns+`
		FROM settlement_queue
		WHERE trade_id = ? AND token_id = ?`,
		tradeID, tokenID,
	)
	if err != nil {
		return types.SettlementEntry{}, fmt.Errorf("query settlement: %w", err)
	}
	defer rows.Close()

	entries, err := scanSettlements(rows)
	if err != nil {
		return types.SettlementEntry{}, err
	}
	if len(entries) == 0 {
		return types.SettlementEntry{}, sql.ErrNoRows
	}
	return entries[0], nil
}

func scanSettlements(rows *sql.Rows) ([]types.SettlementEntry, error) {
	var out []types.SettlementEntry
	for rows.Next() {
		var (
			entry                  types.SettlementEntry
			shares                 string
			marketEnd, createdAt   int64
			nextAttemptAt          sql.NullInt64
			claimedAt              sql.NullInt64
			lastError              sql.NullString
			proceeds, profit       sql.NullString
		)
		if err := rows.Scan(&entry.TradeID, &entry.ConditionID, &entry.TokenID, &shares,
			&marketEnd, &entry.State, &entry.Attempts, &nextAttemptAt, &lastError,
			&claimedAt, &proceeds, &profit, &createdAt); err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}
		entry.Shares = decimal.RequireFromString(shares)
		entry.MarketEnd = time.Unix(0, marketEnd)
		entry.CreatedAt = time.Unix(0, createdAt)
		if nextAttemptAt.Valid {
			entry.NextAttemptAt = time.Unix(0, nextAttemptAt.Int64)
		}
		if claimedAt.Valid {
			entry.ClaimedAt = time.Unix(0, claimedAt.Int64)
		}
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		if proceeds.Valid {
			entry.ClaimProceeds = decimal.RequireFromString(proceeds.String)
		}
		if profit.Valid {
			entry.ClaimProfit = decimal.RequireFromString(profit.String)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkClaimed records a successful claim: state -> CLAIMED, proceeds and
// realized profit persisted for accounting.
func (s *Store) MarkClaimed(tradeID, tokenID string, proceeds, profit decimal.Decimal) error {
	_, err := s.db.Exec(`
		UPDATE settlement_queue
		SET state = ?, claimed_at = ?, claim_proceeds = ?, claim_profit = ?
		WHERE trade_id = ? AND token_id = ?`,
		string(types.ClaimClaimed), time.Now().UnixNano(), proceeds.String(), profit.String(), tradeID, tokenID,
	)
	if err != nil {
		return fmt.Errorf("mark claimed: %w", err)
	}
	return nil
}

// RecordClaimAttempt increments the attempt counter and records the
// failure. A zero nextAttemptAt marks the row ABANDONED (max attempts
// exceeded); otherwise it schedules the next retry and keeps the row
// PENDING.
func (s *Store) RecordClaimAttempt(tradeID, tokenID string, claimErr string, nextAttemptAt time.Time) error {
	state := types.ClaimPending
	var next sql.NullInt64
	if nextAttemptAt.IsZero() {
		state = types.ClaimAbandoned
	} else {
		next = sql.NullInt64{Int64: nextAttemptAt.UnixNano(), Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE settlement_queue
		SET state = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE trade_id = ? AND token_id = ?`,
		string(state), next, claimErr, tradeID, tokenID,
	)
	if err != nil {
		return fmt.Errorf("record claim attempt: %w", err)
	}
	return nil
}

// SavePosition upserts the current state of one open position, for
// recovery after a restart.
func (s *Store) SavePosition(pos types.Position) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO positions
			(condition_id, trade_id, asset, yes_token_id, no_token_id, yes_shares, no_shares,
			 yes_avg_cost, no_avg_cost, market_end, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ConditionID, pos.TradeID, string(pos.Asset), pos.YesTokenID, pos.NoTokenID,
		pos.YesShares.String(), pos.NoShares.String(), pos.YesAvgCost.String(), pos.NoAvgCost.String(),
		pos.MarketEnd.UnixNano(), pos.LastUpdated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LoadPositions returns every persisted position, for startup recovery.
func (s *Store) LoadPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT condition_id, trade_id, asset, yes_token_id, no_token_id, yes_shares, no_shares,
		       yes_avg_cost, no_avg_cost, market_end, last_updated
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var (
			pos                          types.Position
			yesShares, noShares          string
			yesAvgCost, noAvgCost        string
			marketEnd, lastUpdated       int64
		)
		if err := rows.Scan(&pos.ConditionID, &pos.TradeID, &pos.Asset, &pos.YesTokenID, &pos.NoTokenID,
			&yesShares, &noShares, &yesAvgCost, &noAvgCost, &marketEnd, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		pos.YesShares = decimal.RequireFromString(yesShares)
		pos.NoShares = decimal.RequireFromString(noShares)
		pos.YesAvgCost = decimal.RequireFromString(yesAvgCost)
		pos.NoAvgCost = decimal.RequireFromString(noAvgCost)
		pos.MarketEnd = time.Unix(0, marketEnd)
		pos.LastUpdated = time.Unix(0, lastUpdated)
		out = append(out, pos)
	}
	return out, rows.Err()
}

// SaveCircuitBreaker upserts the single circuit breaker state row.
func (s *Store) SaveCircuitBreaker(state types.CircuitBreakerState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO circuit_breaker_state
			(id, level, consecutive_failures, daily_pnl_usd, day_bucket, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		string(state.Level), state.ConsecutiveFailures, state.DailyPnLUSD.String(),
		state.DayBucket, state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save circuit breaker state: %w", err)
	}
	return nil
}

// LoadCircuitBreaker returns the persisted circuit breaker state, or a
// zero-value state if none has been saved yet.
func (s *Store) LoadCircuitBreaker() (types.CircuitBreakerState, error) {
	var (
		state       types.CircuitBreakerState
		pnl         string
		updatedAt   int64
	)
	err := s.db.QueryRow(`
		SELECT level, consecutive_failures, daily_pnl_usd, day_bucket, updated_at
		FROM circuit_breaker_state WHERE id = 1`,
	).Scan(&state.Level, &state.ConsecutiveFailures, &pnl, &state.DayBucket, &updatedAt)
	if err == sql.ErrNoRows {
		return types.CircuitBreakerState{}, nil
	}
	if err != nil {
		return types.CircuitBreakerState{}, fmt.Errorf("load circuit breaker state: %w", err)
	}
	state.DailyPnLUSD = decimal.RequireFromString(pnl)
	state.UpdatedAt = time.Unix(0, updatedAt)
	return state, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
