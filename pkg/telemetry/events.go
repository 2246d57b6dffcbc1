package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Event types.
const (
	EventTypeFactInserted  = "fact.inserted"
	EventTypeFactUpdated   = "fact.updated"
	EventTypeFactRetracted = "fact.retracted"
	EventTypeCacheWarmed   = "cache.warmed"
	EventTypeSyncAnomaly   = "sync.anomaly"
	EventTypePolicyDenied  = "policy.denied"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

var (
	// ErrPublisherStopped is returned by Publish after Shutdown.
	ErrPublisherStopped = errors.New("event publisher stopped")

	// ErrBufferFull is returned by an async Publish that would block.
	ErrBufferFull = errors.New("event buffer full, event dropped")
)

// Event is a notable synchronization occurrence.
type Event struct {
	ID                string                      `json:"id"`
	Timestamp         time.Time                   `json:"timestamp"`
	Type              string                      `json:"type"`
	Source            string                      `json:"source"`
	ProcessInstanceID knowledge.ProcessInstanceID `json:"process_instance_id,omitempty"`
	Handle            knowledge.Handle            `json:"handle,omitempty"`
	Message           string                      `json:"message"`
	Level             string                      `json:"level"`
	Data              map[string]any              `json:"data,omitempty"`
}

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. In async mode events are
// queued in a bounded buffer and delivered by one goroutine; otherwise they
// are delivered on the publishing goroutine. Either way a subscriber sees
// the events of one publisher in publish order.
type EventPublisher struct {
	enabled bool

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	stopped bool
	queue   chan Event
	drained chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// drops everything.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{enabled: cfg.Enabled}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep
	}

	ep.queue = make(chan Event, max(cfg.BufferSize, 1))
	ep.drained = make(chan struct{})
	go func() {
		defer close(ep.drained)
		for e := range ep.queue {
			ep.deliver(e)
		}
	}()
	return ep
}

// Publish stamps event with an id and a timestamp when missing, applies the
// global filters and delivers or queues it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.stopped {
		return ErrPublisherStopped
	}
	for _, keep := range ep.filters {
		if !keep(event) {
			return nil
		}
	}

	if ep.queue == nil {
		ep.deliverLocked(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	ep.deliverLocked(event)
}

func (ep *EventPublisher) deliverLocked(event Event) {
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Subscribe registers fn for events accepted by filter; a nil filter accepts
// everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// AddFilter adds a filter applied to every event before any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// Shutdown rejects further events and waits until queued ones are delivered
// or ctx is done. It is safe to call more than once.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}

	ep.mu.Lock()
	if !ep.stopped {
		ep.stopped = true
		if ep.queue != nil {
			close(ep.queue)
		}
	}
	ep.mu.Unlock()

	if ep.drained == nil {
		return nil
	}
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) publish(typ, source, level string, id knowledge.ProcessInstanceID, h knowledge.Handle, data map[string]any, format string, args ...any) error {
	return ep.Publish(Event{
		Type:              typ,
		Source:            source,
		Level:             level,
		ProcessInstanceID: id,
		Handle:            h,
		Data:              data,
		Message:           fmt.Sprintf(format, args...),
	})
}

// PublishFactInserted reports a new process-instance fact.
func (ep *EventPublisher) PublishFactInserted(id knowledge.ProcessInstanceID, h knowledge.Handle) error {
	return ep.publish(EventTypeFactInserted, "lifecycle", EventLevelInfo, id, h, nil,
		"Process instance %d inserted as %s", id, h)
}

// PublishFactUpdated reports an updated fact. variable is empty when the
// update was not caused by a variable change.
func (ep *EventPublisher) PublishFactUpdated(id knowledge.ProcessInstanceID, h knowledge.Handle, variable string) error {
	return ep.publish(EventTypeFactUpdated, "lifecycle", EventLevelInfo, id, h, map[string]any{"variable": variable},
		"Process instance %d updated after %q changed", id, variable)
}

// PublishFactRetracted reports a retracted fact.
func (ep *EventPublisher) PublishFactRetracted(id knowledge.ProcessInstanceID, h knowledge.Handle) error {
	return ep.publish(EventTypeFactRetracted, "lifecycle", EventLevelInfo, id, h, nil,
		"Process instance %d retracted", id)
}

// PublishCacheWarmed reports a handle recovered by a store scan.
func (ep *EventPublisher) PublishCacheWarmed(id knowledge.ProcessInstanceID, h knowledge.Handle) error {
	return ep.publish(EventTypeCacheWarmed, "synccache", EventLevelInfo, id, h, nil,
		"Recovered handle %s for process instance %d from store scan", h, id)
}

// PublishSyncAnomaly reports more than one fact for one instance.
func (ep *EventPublisher) PublishSyncAnomaly(id knowledge.ProcessInstanceID, handles []knowledge.Handle) error {
	return ep.publish(EventTypeSyncAnomaly, "synccache", EventLevelError, id, "", map[string]any{"handles": handles},
		"Found %d facts for process instance %d", len(handles), id)
}

// PublishPolicyDenied reports an insert refused by an admission policy.
func (ep *EventPublisher) PublishPolicyDenied(id knowledge.ProcessInstanceID, policyName, reason string) error {
	return ep.publish(EventTypePolicyDenied, "policy", EventLevelWarning, id, "",
		map[string]any{"policy": policyName, "reason": reason},
		"Process instance %d kept out of the store by %s: %s", id, policyName, reason)
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(e Event) bool { return eventLevelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByInstance accepts events for one process instance.
func FilterByInstance(id knowledge.ProcessInstanceID) EventFilter {
	return func(e Event) bool { return e.ProcessInstanceID == id }
}
