package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/pkg/types"
)

type memBreakerStore struct {
	state types.CircuitBreakerState
}

func (m *memBreakerStore) SaveCircuitBreaker(state types.CircuitBreakerState) error {
	m.state = state
	return nil
}

func (m *memBreakerStore) LoadCircuitBreaker() (types.CircuitBreakerState, error) {
	return m.state, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testThresholds() Thresholds {
	return Thresholds{
		WarnFailures:    3,
		CautionFailures: 4,
		HaltFailures:    5,
		WarnLossUSD:     decimal.NewFromInt(50),
		CautionLossUSD:  decimal.NewFromInt(75),
		HaltLossUSD:     decimal.NewFromInt(100),
		ResetHour:       0,
		ResetLocation:   time.UTC,
	}
}

func TestCircuitBreakerEscalatesOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)

	for i := 0; i < 2; i++ {
		cb.RecordExecutionFailure()
	}
	if cb.Level() != types.LevelNormal {
		t.Fatalf("level = %v, want NORMAL after 2 failures", cb.Level())
	}

	cb.RecordExecutionFailure()
	if cb.Level() != types.LevelWarning {
		t.Fatalf("level = %v, want WARNING after 3 failures", cb.Level())
	}

	cb.RecordExecutionFailure()
	if cb.Level() != types.LevelCaution {
		t.Fatalf("level = %v, want CAUTION after 4 failures", cb.Level())
	}

	cb.RecordExecutionFailure()
	if cb.Level() != types.LevelHalt {
		t.Fatalf("level = %v, want HALT after 5 failures", cb.Level())
	}
}

func TestCircuitBreakerEscalatesOnDailyLoss(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)

	cb.RecordPnL(decimal.NewFromInt(-60))
	if cb.Level() != types.LevelWarning {
		t.Fatalf("level = %v, want WARNING at -60 pnl", cb.Level())
	}

	cb.RecordPnL(decimal.NewFromInt(-40))
	if cb.Level() != types.LevelHalt {
		t.Fatalf("level = %v, want HALT at -100 pnl", cb.Level())
	}
}

func TestCircuitBreakerSuccessResetsFailuresNotLevel(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)

	cb.RecordExecutionFailure()
	cb.RecordExecutionFailure()
	cb.RecordExecutionFailure() // WARNING
	if cb.Level() != types.LevelWarning {
		t.Fatalf("expected WARNING")
	}

	cb.RecordExecutionSuccess()
	if cb.Level() != types.LevelWarning {
		t.Fatalf("a success must not de-escalate the level, got %v", cb.Level())
	}

	cb.RecordExecutionFailure()
	cb.RecordExecutionFailure()
	if cb.Level() != types.LevelWarning {
		t.Fatalf("consecutive-failure counter should have reset to 0, escalated early to %v", cb.Level())
	}
}

func TestCircuitBreakerMonotonicNeverImprovesWithinDay(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(testThresholds(), &memBreakerStore{}, testLogger(), nil)

	cb.RecordPnL(decimal.NewFromInt(-100)) // HALT
	if cb.Level() != types.LevelHalt {
		t.Fatalf("expected HALT")
	}

	cb.RecordPnL(decimal.NewFromInt(200)) // large gain, should not de-escalate
	if cb.Level() != types.LevelHalt {
		t.Fatalf("level must not improve within the same day bucket, got %v", cb.Level())
	}
}

func TestCircuitBreakerPersistsState(t *testing.T) {
	t.Parallel()
	store := &memBreakerStore{}
	cb := NewCircuitBreaker(testThresholds(), store, testLogger(), nil)
	cb.RecordExecutionFailure()

	reloaded := NewCircuitBreaker(testThresholds(), store, testLogger(), nil)
	if reloaded.Snapshot().ConsecutiveFailures != 1 {
		t.Fatalf("reloaded ConsecutiveFailures = %d, want 1", reloaded.Snapshot().ConsecutiveFailures)
	}
}
