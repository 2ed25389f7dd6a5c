package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// Event is a published progress or lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source is the task ID, run ID or approach name.
	Source string `json:"source"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Percent is the completion percentage, 0..100.
	Percent float64 `json:"percent"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeApproach = "approach.progress"
	EventTypeTask     = "task.progress"
	EventTypePipeline = "pipeline.progress"
	EventTypeError    = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered in publish order by a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     uint64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.ctx.Err() != nil {
		return fmt.Errorf("event publisher stopped")
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		default:
			ep.mu.Lock()
			ep.dropped++
			ep.mu.Unlock()
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishProgress converts and publishes an engine progress event.
func (ep *EventPublisher) PublishProgress(ev engine.ProgressEvent) error {
	return ep.Publish(FromProgress(ev))
}

// ProgressSink adapts the publisher to the engine's progress hook. Publish
// errors are dropped so a slow subscriber never stalls the engine.
func (ep *EventPublisher) ProgressSink() engine.ProgressSink {
	return func(ev engine.ProgressEvent) {
		_ = ep.PublishProgress(ev)
	}
}

// FromProgress maps an engine progress event onto an Event.
func FromProgress(ev engine.ProgressEvent) Event {
	out := Event{
		Timestamp: ev.Timestamp,
		Source:    ev.Source,
		Message:   ev.Message,
		Percent:   ev.Percent,
		Level:     EventLevelInfo,
		Data:      ev.Metadata,
	}
	switch ev.Kind {
	case engine.ProgressKindApproach:
		out.Type = EventTypeApproach
	case engine.ProgressKindTask:
		out.Type = EventTypeTask
	case engine.ProgressKindPipeline:
		out.Type = EventTypePipeline
	default:
		out.Type = string(ev.Kind)
	}

	if ok, present := ev.Metadata["success"].(bool); present && !ok {
		out.Level = EventLevelWarning
	}
	if status, _ := ev.Metadata["status"].(string); status == string(engine.TaskStatusFailed) {
		out.Level = EventLevelError
	}
	return out
}

// Subscribe adds a new event subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() uint64 {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

// processEvents drains the buffer in batches until shutdown, then delivers
// whatever is still buffered.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Deliver once the buffer is momentarily empty or the batch is full.
			if len(ep.buffer) == 0 || len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subs := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySource creates a filter that only allows events from one source.
func FilterBySource(source string) EventFilter {
	return func(event Event) bool {
		return event.Source == source
	}
}
