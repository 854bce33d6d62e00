package controller

import (
	"log/slog"
	"sync"
	"time"

	"viessmann-go-home/internal/schedule"
)

// Event types
const (
	EventValue     = "value"
	EventWrite     = "write"
	EventBlacklist = "blacklist"
	EventLinkState = "link_state"
	EventTimers    = "timers"
)

// Event represents a controller event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ValueUpdate is the payload of EventValue.
type ValueUpdate struct {
	Datapoint string    `json:"datapoint"`
	Value     any       `json:"value"`
	Time      time.Time `json:"time"`
}

// BlacklistChange is the payload of EventBlacklist. An empty Datapoint
// with Blacklisted false means the whole blacklist was reset.
type BlacklistChange struct {
	Datapoint   string `json:"datapoint,omitempty"`
	Blacklisted bool   `json:"blacklisted"`
}

// TimerUpdate is the payload of EventTimers.
type TimerUpdate struct {
	Application string            `json:"application"`
	Document    schedule.Document `json:"document"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty: every type
	handler   EventHandler
}

// EventBus delivers controller events to subscribers in subscription
// order. Handlers run on the emitting goroutine and must not call back
// into the controller synchronously; hand off to a channel instead.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, handler: handler})
	return func() { eb.unsubscribe(id) }
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler. A panicking handler is logged and
// the others still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	subs := eb.subs
	eb.mu.RUnlock()

	for _, s := range subs {
		if s.eventType == "" || s.eventType == event.Type {
			eb.call(s.handler, event)
		}
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
