package process

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// EventSupport keeps the listeners of an engine session and fires events at
// them in registration order.
type EventSupport struct {
	mu        sync.RWMutex
	listeners []EventListener
}

// NewEventSupport creates an empty listener registry.
func NewEventSupport() *EventSupport {
	return &EventSupport{}
}

// AddListener registers l.
func (s *EventSupport) AddListener(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l. It reports whether l was registered.
func (s *EventSupport) RemoveListener(l EventListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.listeners, l)
	if i < 0 {
		return false
	}
	s.listeners = slices.Delete(s.listeners, i, i+1)
	return true
}

// Listeners returns the registered listeners.
func (s *EventSupport) Listeners() []EventListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.listeners)
}

// fire calls fn for every listener. All listeners run even when one fails;
// their errors are joined.
func (s *EventSupport) fire(fn func(EventListener) error) error {
	var errs []error
	for _, l := range s.Listeners() {
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *EventSupport) FireBeforeProcessStarted(ctx context.Context, e *ProcessStartedEvent) error {
	return s.fire(func(l EventListener) error { return l.BeforeProcessStarted(ctx, e) })
}

func (s *EventSupport) FireAfterProcessStarted(ctx context.Context, e *ProcessStartedEvent) error {
	return s.fire(func(l EventListener) error { return l.AfterProcessStarted(ctx, e) })
}

func (s *EventSupport) FireBeforeProcessCompleted(ctx context.Context, e *ProcessCompletedEvent) error {
	return s.fire(func(l EventListener) error { return l.BeforeProcessCompleted(ctx, e) })
}

func (s *EventSupport) FireAfterProcessCompleted(ctx context.Context, e *ProcessCompletedEvent) error {
	return s.fire(func(l EventListener) error { return l.AfterProcessCompleted(ctx, e) })
}

func (s *EventSupport) FireBeforeNodeTriggered(ctx context.Context, e *ProcessNodeTriggeredEvent) error {
	return s.fire(func(l EventListener) error { return l.BeforeNodeTriggered(ctx, e) })
}

func (s *EventSupport) FireAfterNodeTriggered(ctx context.Context, e *ProcessNodeTriggeredEvent) error {
	return s.fire(func(l EventListener) error { return l.AfterNodeTriggered(ctx, e) })
}

func (s *EventSupport) FireBeforeNodeLeft(ctx context.Context, e *ProcessNodeLeftEvent) error {
	return s.fire(func(l EventListener) error { return l.BeforeNodeLeft(ctx, e) })
}

func (s *EventSupport) FireAfterNodeLeft(ctx context.Context, e *ProcessNodeLeftEvent) error {
	return s.fire(func(l EventListener) error { return l.AfterNodeLeft(ctx, e) })
}

func (s *EventSupport) FireBeforeVariableChanged(ctx context.Context, e *ProcessVariableChangedEvent) error {
	return s.fire(func(l EventListener) error { return l.BeforeVariableChanged(ctx, e) })
}

func (s *EventSupport) FireAfterVariableChanged(ctx context.Context, e *ProcessVariableChangedEvent) error {
	return s.fire(func(l EventListener) error { return l.AfterVariableChanged(ctx, e) })
}
