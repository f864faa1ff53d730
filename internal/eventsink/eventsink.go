// Package eventsink publishes domain events for observability consumers
// (metrics, logs, a future UI) without ever blocking the hot path that
// produced them. The engine's correctness never depends on a subscriber
// being present or keeping up.
package eventsink

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the domain event types the core publishes.
type Kind string

const (
	KindOpportunityDetected  Kind = "opportunity_detected"
	KindOrderPlaced          Kind = "order_placed"
	KindOrderMatched         Kind = "order_matched"
	KindTradeRecorded        Kind = "trade_recorded"
	KindCircuitBreakerChange Kind = "circuit_breaker_changed"
	KindSettlementClaimed    Kind = "settlement_claimed"
	KindSettlementDegraded   Kind = "settlement_degraded"
	KindSettlementAbandoned Kind = "settlement_abandoned"
	KindRebalanced           Kind = "rebalanced"
	KindWebsocketReconnected Kind = "websocket_reconnected"
	KindMarketStale          Kind = "market_stale"
	KindAdmissionRejected    Kind = "admission_rejected"
	KindOpportunityDropped   Kind = "opportunity_dropped"
)

// Event is one published occurrence: a kind, the condition ID it relates to
// (empty for global events), a free-form payload, and a timestamp.
type Event struct {
	Kind        Kind
	ConditionID string
	At          time.Time
	Data        any
}

// Sink is a fire-and-forget publisher. Publish must never block the
// caller's hot path; implementations that fan out to slow subscribers do so
// asynchronously or drop.
type Sink interface {
	Publish(evt Event)
}

// Subscriber receives a copy of every published event on Events(). A full
// subscriber channel causes its events to be dropped, never the publisher
// to block.
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's read-only event channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is the concrete, in-process Sink: it logs every event through slog
// and fans it out to any number of registered subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*Subscriber
}

// New creates an event bus that logs through logger.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "event_sink")}
}

// Subscribe registers a new subscriber with the given buffer capacity.
func (b *Bus) Subscribe(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 64
	}
	sub := &Subscriber{ch: make(chan Event, capacity)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Publish logs the event and fans it out to subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.logger.Debug("event",
		"kind", evt.Kind,
		"condition_id", evt.ConditionID,
		"data", evt.Data,
	)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber channel full, dropping event", "kind", evt.Kind)
		}
	}
}

// Noop is a Sink that discards everything; useful in tests that don't care
// about observability output.
type Noop struct{}

func (Noop) Publish(Event) {}
