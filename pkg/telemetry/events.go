package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a fleet lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// Provider is the cloud provider involved, if applicable.
	Provider string `json:"provider,omitempty"`

	// InstanceID is the provider instance id, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// HeartbeatID is the heartbeat id, if applicable.
	HeartbeatID string `json:"heartbeat_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstanceLaunched  = "instance.launched"
	EventTypeAdmissionRejected = "admission.rejected"
	EventTypeInstanceReclaimed = "instance.reclaimed"
	EventTypeReclaimFailed     = "instance.reclaim_failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// A nil or disabled publisher accepts and drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
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
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInstanceLaunched publishes a launch event.
func (ep *EventPublisher) PublishInstanceLaunched(provider, instanceID, heartbeatID string) error {
	return ep.Publish(Event{
		Type:        EventTypeInstanceLaunched,
		Source:      "admission",
		Provider:    provider,
		InstanceID:  instanceID,
		HeartbeatID: heartbeatID,
		Message:     fmt.Sprintf("Instance %s::%s launched", provider, instanceID),
		Level:       EventLevelInfo,
	})
}

// PublishAdmissionRejected publishes a rejected launch.
func (ep *EventPublisher) PublishAdmissionRejected(provider, category, code string) error {
	return ep.Publish(Event{
		Type:     EventTypeAdmissionRejected,
		Source:   "admission",
		Provider: provider,
		Message:  fmt.Sprintf("Launch on %s rejected: %s", provider, code),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"category": category,
			"code":     code,
		},
	})
}

// PublishInstanceReclaimed publishes a successful reclamation.
func (ep *EventPublisher) PublishInstanceReclaimed(provider, instanceID, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeInstanceReclaimed,
		Source:     "reaper",
		Provider:   provider,
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Instance %s::%s reclaimed (%s)", provider, instanceID, reason),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishReclaimFailed publishes a failed reclamation attempt.
func (ep *EventPublisher) PublishReclaimFailed(provider, instanceID, reason, failure string) error {
	return ep.Publish(Event{
		Type:       EventTypeReclaimFailed,
		Source:     "reaper",
		Provider:   provider,
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Reclaiming %s::%s failed (%s)", provider, instanceID, failure),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"reason":  reason,
			"failure": failure,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches.
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
			// Drain whatever else is queued without blocking
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			flush()
			return
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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
