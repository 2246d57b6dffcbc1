package process

import (
	"context"

	"github.com/factsync/factsync/pkg/knowledge"
)

// ProcessEvent is the part shared by every lifecycle notification.
type ProcessEvent struct {
	// Instance is the process instance the event is about.
	Instance *Instance

	// Runtime is the knowledge store of the engine session that fired the
	// event. Listeners run their store operations against it.
	Runtime knowledge.Store
}

// ProcessStartedEvent is fired around the start of an instance.
type ProcessStartedEvent struct {
	ProcessEvent
}

// ProcessCompletedEvent is fired around the completion of an instance.
type ProcessCompletedEvent struct {
	ProcessEvent
}

// ProcessNodeTriggeredEvent is fired when execution enters a node.
type ProcessNodeTriggeredEvent struct {
	ProcessEvent
	NodeID string
}

// ProcessNodeLeftEvent is fired when execution leaves a node.
type ProcessNodeLeftEvent struct {
	ProcessEvent
	NodeID string
}

// ProcessVariableChangedEvent is fired around a variable assignment.
type ProcessVariableChangedEvent struct {
	ProcessEvent
	VariableID string
	OldValue   any
	NewValue   any
}

// EventListener receives lifecycle notifications from an engine.
//
// Notifications for one instance are delivered sequentially: start precedes
// every other event and completion is terminal. Notifications for different
// instances may arrive concurrently. A returned error fails the engine
// operation that fired the event.
type EventListener interface {
	BeforeProcessStarted(ctx context.Context, e *ProcessStartedEvent) error
	AfterProcessStarted(ctx context.Context, e *ProcessStartedEvent) error
	BeforeProcessCompleted(ctx context.Context, e *ProcessCompletedEvent) error
	AfterProcessCompleted(ctx context.Context, e *ProcessCompletedEvent) error
	BeforeNodeTriggered(ctx context.Context, e *ProcessNodeTriggeredEvent) error
	AfterNodeTriggered(ctx context.Context, e *ProcessNodeTriggeredEvent) error
	BeforeNodeLeft(ctx context.Context, e *ProcessNodeLeftEvent) error
	AfterNodeLeft(ctx context.Context, e *ProcessNodeLeftEvent) error
	BeforeVariableChanged(ctx context.Context, e *ProcessVariableChangedEvent) error
	AfterVariableChanged(ctx context.Context, e *ProcessVariableChangedEvent) error
}

// NopEventListener ignores every notification. Embed it to implement only
// the hooks you need.
type NopEventListener struct{}

var _ EventListener = NopEventListener{}

func (NopEventListener) BeforeProcessStarted(context.Context, *ProcessStartedEvent) error     { return nil }
func (NopEventListener) AfterProcessStarted(context.Context, *ProcessStartedEvent) error      { return nil }
func (NopEventListener) BeforeProcessCompleted(context.Context, *ProcessCompletedEvent) error { return nil }
func (NopEventListener) AfterProcessCompleted(context.Context, *ProcessCompletedEvent) error  { return nil }
func (NopEventListener) BeforeNodeTriggered(context.Context, *ProcessNodeTriggeredEvent) error {
	return nil
}
func (NopEventListener) AfterNodeTriggered(context.Context, *ProcessNodeTriggeredEvent) error {
	return nil
}
func (NopEventListener) BeforeNodeLeft(context.Context, *ProcessNodeLeftEvent) error { return nil }
func (NopEventListener) AfterNodeLeft(context.Context, *ProcessNodeLeftEvent) error  { return nil }
func (NopEventListener) BeforeVariableChanged(context.Context, *ProcessVariableChangedEvent) error {
	return nil
}
func (NopEventListener) AfterVariableChanged(context.Context, *ProcessVariableChangedEvent) error {
	return nil
}
