// Package events provides the publish-subscribe channel for lifecycle and
// trading events. Control and notification collaborators consume it; the
// core only publishes.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventBotStateChanged EventType = "bot_state_changed"
	EventOrderPlaced     EventType = "order_placed"
	EventOrderFilled     EventType = "order_filled"
	EventOrderCancelled  EventType = "order_cancelled"
	EventOrderError      EventType = "order_error"
	EventSignalGenerated EventType = "signal_generated"
	EventSignalRejected  EventType = "signal_rejected"
	EventDealOpened      EventType = "deal_opened"
	EventDealClosed      EventType = "deal_closed"
	EventRegimeChanged   EventType = "regime_changed"
	EventEmergencyStop   EventType = "emergency_stop"
	EventPhaseAdvanced   EventType = "phase_advanced"
)

// Event is a published event with its stable payload.
type Event struct {
	Type      EventType      `json:"type"`
	Bot       string         `json:"bot,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Payload helpers keep event construction uniform at call sites.

// BotStateChanged builds the lifecycle transition payload.
func BotStateChanged(bot, from, to, reason string) Event {
	p := map[string]any{"from": from, "to": to}
	if reason != "" {
		p["reason"] = reason
	}
	return Event{Type: EventBotStateChanged, Bot: bot, Payload: p}
}

// OrderPlaced builds the order placement payload.
func OrderPlaced(bot, localID, exchangeID, role, side string, price, amount decimal.Decimal) Event {
	return Event{Type: EventOrderPlaced, Bot: bot, Payload: map[string]any{
		"local_id":    localID,
		"exchange_id": exchangeID,
		"role":        role,
		"side":        side,
		"price":       price.String(),
		"amount":      amount.String(),
	}}
}

// OrderFilled builds the fill payload.
func OrderFilled(bot, localID, exchangeID string, price, amount decimal.Decimal, realizedPnL *decimal.Decimal) Event {
	p := map[string]any{
		"local_id":      localID,
		"exchange_id":   exchangeID,
		"filled_price":  price.String(),
		"filled_amount": amount.String(),
	}
	if realizedPnL != nil {
		p["realized_pnl"] = realizedPnL.String()
	}
	return Event{Type: EventOrderFilled, Bot: bot, Payload: p}
}

// OrderCancelled builds the cancellation payload.
func OrderCancelled(bot, localID string) Event {
	return Event{Type: EventOrderCancelled, Bot: bot, Payload: map[string]any{"local_id": localID}}
}

// OrderError builds the order failure payload.
func OrderError(bot, localID, errorKind, message string) Event {
	return Event{Type: EventOrderError, Bot: bot, Payload: map[string]any{
		"local_id":   localID,
		"error_kind": errorKind,
		"message":    message,
	}}
}

// SignalGenerated builds the signal payload.
func SignalGenerated(bot, strategy, direction string, entry, sl decimal.Decimal, tps []string, confidence float64) Event {
	return Event{Type: EventSignalGenerated, Bot: bot, Payload: map[string]any{
		"strategy":   strategy,
		"direction":  direction,
		"entry":      entry.String(),
		"sl":         sl.String(),
		"tp":         tps,
		"confidence": confidence,
	}}
}

// SignalRejected builds the rejection payload. Reasons include stale and
// regime_filter; a risk denial carries the risk manager's deny reason.
func SignalRejected(bot, reason string) Event {
	return Event{Type: EventSignalRejected, Bot: bot, Payload: map[string]any{"reason": reason}}
}

// DealOpened builds the deal-open payload.
func DealOpened(bot, dealID string, entry, amount decimal.Decimal) Event {
	return Event{Type: EventDealOpened, Bot: bot, Payload: map[string]any{
		"deal_id":     dealID,
		"entry_price": entry.String(),
		"amount":      amount.String(),
	}}
}

// DealClosed builds the deal-close payload.
func DealClosed(bot, dealID, closeReason string, realizedPnL, realizedPct decimal.Decimal) Event {
	return Event{Type: EventDealClosed, Bot: bot, Payload: map[string]any{
		"deal_id":      dealID,
		"close_reason": closeReason,
		"realized_pnl": realizedPnL.String(),
		"realized_pct": realizedPct.String(),
	}}
}

// RegimeChanged builds the regime transition payload.
func RegimeChanged(bot, from, to string) Event {
	return Event{Type: EventRegimeChanged, Bot: bot, Payload: map[string]any{"from": from, "to": to}}
}

// EmergencyStop builds the emergency-stop payload.
func EmergencyStop(bot, reason string) Event {
	return Event{Type: EventEmergencyStop, Bot: bot, Payload: map[string]any{"reason": reason}}
}

// PhaseAdvanced builds the capital-phase payload.
func PhaseAdvanced(from, to string, allocation decimal.Decimal) Event {
	return Event{Type: EventPhaseAdvanced, Payload: map[string]any{
		"from":       from,
		"to":         to,
		"allocation": allocation.String(),
	}}
}

// Handler processes a delivered event.
type Handler func(Event)

// Subscription represents an active subscription.
type Subscription struct {
	id      int64
	types   map[EventType]bool // empty = all
	handler Handler
	active  atomic.Bool
}

// BusStats tracks bus performance counters.
type BusStats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	BufferSize int `json:"bufferSize"`
	// JournalSize bounds the per-bot tail kept for control-plane drains.
	JournalSize int `json:"journalSize"`
}

// DefaultBusConfig returns sensible defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{BufferSize: 4096, JournalSize: 256}
}

// Bus routes events to subscribers. A single dispatcher goroutine drains the
// channel, so events published by one bot are delivered in publish order.
type Bus struct {
	logger *zap.Logger
	config BusConfig

	mu          sync.RWMutex
	subscribers []*Subscription
	journal     map[string][]Event
	nextSubID   int64

	eventChan chan Event

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates and starts the event bus.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	if config.JournalSize <= 0 {
		config.JournalSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    logger.Named("events"),
		config:    config,
		journal:   make(map[string][]Event),
		eventChan: make(chan Event, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// dispatch delivers events in publish order.
func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.deliver(event)
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.Lock()
	if event.Bot != "" {
		tail := append(b.journal[event.Bot], event)
		if len(tail) > b.config.JournalSize {
			tail = tail[len(tail)-b.config.JournalSize:]
		}
		b.journal[event.Bot] = tail
	}
	subs := make([]*Subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.String("event_type", string(event.Type)),
						zap.Any("panic", r))
				}
			}()
			sub.handler(event)
		}()
		b.delivered.Add(1)
	}
}

// Subscribe registers a handler for the given event types; no types means
// every event.
func (b *Bus) Subscribe(handler Handler, eventTypes ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id:      b.nextSubID,
		types:   make(map[EventType]bool, len(eventTypes)),
		handler: handler,
	}
	for _, t := range eventTypes {
		sub.types[t] = true
	}
	sub.active.Store(true)
	b.subscribers = append(b.subscribers, sub)
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// Publish enqueues an event (non-blocking). A full buffer drops the event
// and counts it.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.Type)))
	}
}

// Journal returns the retained tail of a bot's events, oldest first.
func (b *Bus) Journal(bot string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tail := b.journal[bot]
	out := make([]Event, len(tail))
	copy(out, tail)
	return out
}

// Stats returns current counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Stop drains and shuts down the dispatcher.
func (b *Bus) Stop() {
	// Give the dispatcher a chance to drain what was already queued.
	deadline := time.After(5 * time.Second)
	for len(b.eventChan) > 0 {
		select {
		case <-deadline:
			b.logger.Warn("event bus shutdown with undelivered events",
				zap.Int("remaining", len(b.eventChan)))
			b.cancel()
			b.wg.Wait()
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	b.cancel()
	b.wg.Wait()
}
