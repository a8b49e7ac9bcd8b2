package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventBus fans the engine's typed event stream out to subscribers and
// sinks. It implements engine.EventPublisher.
//
// Sinks are durable consumers such as the SQLite audit trail: their errors
// are returned from Publish in synchronous mode. Subscribers are in-process
// observers and never fail a publish.
type EventBus struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	sinks       []engine.EventPublisher
	filters     []EventFilter
	logger      *Logger
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig, logger *Logger) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		eb.buffer = make(chan engine.Event, size)
		eb.wg.Add(1)
		go eb.processEvents()
	}

	return eb
}

// Publish publishes an event to all sinks and subscribers.
func (eb *EventBus) Publish(ctx context.Context, event engine.Event) error {
	if !eb.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	for _, filter := range eb.filters {
		if !filter(event) {
			eb.mu.RUnlock()
			return nil
		}
	}
	eb.mu.RUnlock()

	if eb.buffer != nil {
		select {
		case eb.buffer <- event:
			return nil
		case <-eb.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	return eb.deliverEvent(ctx, event)
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = append(eb.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddSink adds a durable event consumer.
func (eb *EventBus) AddSink(sink engine.EventPublisher) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.sinks = append(eb.sinks, sink)
}

// AddFilter adds a global event filter.
func (eb *EventBus) AddFilter(filter EventFilter) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.filters = append(eb.filters, filter)
}

// processEvents drains the buffer in async mode.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			if err := eb.deliverEvent(eb.ctx, event); err != nil && eb.logger != nil {
				eb.logger.WithError(err).Warn("event sink failed")
			}
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.buffer:
					if err := eb.deliverEvent(context.Background(), event); err != nil && eb.logger != nil {
						eb.logger.WithError(err).Warn("event sink failed")
					}
				default:
					return
				}
			}
		}
	}
}

// deliverEvent hands an event to every sink, then to every subscriber in
// registration order. The first sink error is returned.
func (eb *EventBus) deliverEvent(ctx context.Context, event engine.Event) error {
	eb.mu.RLock()
	sinks := append([]engine.EventPublisher(nil), eb.sinks...)
	subs := append([]subscriberEntry(nil), eb.subscribers...)
	eb.mu.RUnlock()

	var firstErr error
	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to publish %s event: %w", event.Type, err)
		}
	}

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}

	return firstErr
}

// Shutdown drains pending events and stops the bus.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// Common event filters.

// FilterBySeverity only allows events at the given severity or higher.
func FilterBySeverity(minSeverity string) EventFilter {
	levels := map[string]int{
		"info":  0,
		"error": 1,
	}

	minLevel := levels[minSeverity]

	return func(event engine.Event) bool {
		return levels[event.Type.Severity()] >= minLevel
	}
}

// FilterByType only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID only allows events of a specific plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event engine.Event) bool {
		return event.PlanID == planID
	}
}

// FilterByNode only allows events concerning a specific node.
func FilterByNode(node string) EventFilter {
	return func(event engine.Event) bool {
		if event.Node == node {
			return true
		}
		return event.Task != nil && event.Task.Node == node
	}
}
