package bus

import (
	"context"
	"sync"
	"time"
)

// EventBus multiplexes session lifecycle events and message events between
// the session client and the bridge loops. Observers receive a non-blocking
// copy of everything for dashboards and tooling.
type EventBus struct {
	lifecycle chan LifecycleEvent
	messages  chan MessageEvent
	observers []chan BusEvent
	obsMu     sync.RWMutex
}

func New() *EventBus {
	return &EventBus{
		lifecycle: make(chan LifecycleEvent, 16),
		messages:  make(chan MessageEvent, 100),
		observers: make([]chan BusEvent, 0),
	}
}

// Subscribe returns a channel that receives copies of all bus events.
func (eb *EventBus) Subscribe() chan BusEvent {
	ch := make(chan BusEvent, 50)
	eb.obsMu.Lock()
	eb.observers = append(eb.observers, ch)
	eb.obsMu.Unlock()
	return ch
}

// Unsubscribe removes an observer channel.
func (eb *EventBus) Unsubscribe(ch chan BusEvent) {
	eb.obsMu.Lock()
	defer eb.obsMu.Unlock()
	for i, obs := range eb.observers {
		if obs == ch {
			eb.observers = append(eb.observers[:i], eb.observers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (eb *EventBus) notifyObservers(event BusEvent) {
	eb.obsMu.RLock()
	defer eb.obsMu.RUnlock()
	for _, obs := range eb.observers {
		select {
		case obs <- event:
		default:
			// Non-blocking: skip slow observers
		}
	}
}

// Observe fans an event out to observers without queueing it for any loop.
// Used by the bridge to surface relayed records and sent confirmations.
func (eb *EventBus) Observe(event BusEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	eb.notifyObservers(event)
}

func (eb *EventBus) PublishLifecycle(evt LifecycleEvent) {
	eb.lifecycle <- evt
	eb.notifyObservers(BusEvent{
		Type:      "lifecycle",
		Lifecycle: &evt,
		Time:      time.Now(),
	})
}

func (eb *EventBus) ConsumeLifecycle(ctx context.Context) (LifecycleEvent, bool) {
	select {
	case evt := <-eb.lifecycle:
		return evt, true
	case <-ctx.Done():
		return LifecycleEvent{}, false
	}
}

func (eb *EventBus) PublishMessage(evt MessageEvent) {
	eb.messages <- evt
	eb.notifyObservers(BusEvent{
		Type:    "message",
		Message: &evt,
		Time:    time.Now(),
	})
}

func (eb *EventBus) ConsumeMessage(ctx context.Context) (MessageEvent, bool) {
	select {
	case evt := <-eb.messages:
		return evt, true
	case <-ctx.Done():
		return MessageEvent{}, false
	}
}

func (eb *EventBus) Close() {
	close(eb.lifecycle)
	close(eb.messages)
}
