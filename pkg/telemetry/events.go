package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a published event.
type EventSubscriber func(ctx context.Context, event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher fans run events out to subscribers. It implements
// engine.EventPublisher. Subscribers are called in publication order from a
// single goroutine when async delivery is enabled.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return ep
	}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish stamps the event with an ID and timestamp when missing and delivers it.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	// Ensure event has ID and timestamp
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	// Synchronous delivery
	if ep.buffer == nil {
		ep.deliver(ctx, *event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	// Non-blocking send
	select {
	case ep.buffer <- *event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// processEvents delivers buffered events until Shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(context.Background(), event)
		case <-ep.done:
			// Drain what was accepted before shutdown.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// deliver calls matching subscribers in subscription order.
func (ep *EventPublisher) deliver(ctx context.Context, event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(ctx, event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() { close(ep.done) })

	// Wait for the worker, bounded by ctx
	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel only allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID only allows events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// LogSubscriber writes every event to the logger.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(_ context.Context, event engine.Event) {
		e := logger.zlog.Info()
		switch event.Level {
		case EventLevelWarning:
			e = logger.zlog.Warn()
		case EventLevelError:
			e = logger.zlog.Error()
		}
		e.Str("event", string(event.Type)).
			Str("run_id", event.RunID).
			Str("step", event.StepID).
			Msg(event.Message)
	}
}
