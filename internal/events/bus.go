// Package events provides the in-process event bus connecting the pipeline,
// governance, and alerting to the streaming API.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of system event
type EventType string

const (
	SnapshotsWritten   EventType = "snapshots_written"
	OutcomesResolved   EventType = "outcomes_resolved"
	StatsRefreshed     EventType = "stats_refreshed"
	DriftDetected      EventType = "drift_detected"
	HealthDropped      EventType = "health_dropped"
	TailSpiked         EventType = "tail_spiked"
	GovernanceChanged  EventType = "governance_changed"
	CrisisEntered      EventType = "crisis_entered"
	CrisisExited       EventType = "crisis_exited"
	AlertRaised        EventType = "alert_raised"
	PipelineFinished   EventType = "pipeline_finished"
	JobStarted         EventType = "job_started"
	JobCompleted       EventType = "job_completed"
	JobFailed          EventType = "job_failed"
	ErrorOccurred      EventType = "error_occurred"
	SystemStatusChange EventType = "system_status_changed"
)

// Event is a single published event
type Event struct {
	Type      EventType              `json:"type"`
	Module    string                 `json:"module"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler is a subscriber callback. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(event *Event)

// Bus is a synchronous in-process publish/subscribe bus
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	log         zerolog.Logger
}

// NewBus creates an event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Handler),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish delivers an event to all handlers subscribed to its type. A
// panicking handler is logged and does not take down the publisher.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(event, handler)
	}
}

func (b *Bus) dispatch(event *Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// PublishData publishes a typed payload. The payload determines the event
// type; its fields become the event's data map.
func (b *Bus) PublishData(module string, data EventData) {
	b.Publish(&Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      toMap(data),
	})
}

// toMap flattens a typed payload through its JSON form.
func toMap(data EventData) map[string]interface{} {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
