// Package lifecycle mirrors process-instance lifecycle events into a
// knowledge store.
//
// The Listener reacts to three events and ignores the rest:
//
//   - process started: insert a snapshot fact and cache its handle
//   - variable changed: update the fact in place, or insert it if neither
//     the cache nor the store knows the instance
//   - process completed: retract the fact and drop the cache entry, or do
//     nothing if there is no fact
//
// Every sequence runs under the cache's per-instance lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/policy"
	"github.com/factsync/factsync/pkg/process"
	"github.com/factsync/factsync/pkg/synccache"
	"github.com/factsync/factsync/pkg/telemetry"
)

// Lifecycle event names used in spans, metrics and logs.
const (
	EventProcessStarted   = "process_started"
	EventVariableChanged  = "variable_changed"
	EventProcessCompleted = "process_completed"
)

// Outcomes recorded per handled event.
const (
	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeRetracted = "retracted"
	OutcomeNoop      = "noop"
	OutcomeDenied    = "denied"
	OutcomeError     = "error"
)

// ErrNoRuntime is returned for events that carry no knowledge store.
var ErrNoRuntime = errors.New("event has no runtime store")

// Admitter decides whether an instance may be inserted into the store.
type Admitter interface {
	Admit(ctx context.Context, fact knowledge.ProcessInstanceFact) (*policy.PolicyResult, error)
}

// Listener keeps a knowledge store in step with process-instance lifecycle
// events.
type Listener struct {
	process.NopEventListener

	cache    *synccache.Cache
	admitter Admitter
	tel      *telemetry.Telemetry
	log      *telemetry.Logger
}

var _ process.EventListener = (*Listener)(nil)

// Option configures a Listener.
type Option func(*Listener)

// WithAdmitter gates every insert on a.
func WithAdmitter(a Admitter) Option {
	return func(l *Listener) {
		l.admitter = a
	}
}

// WithTelemetry records spans, metrics, events and logs through tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(l *Listener) {
		if tel != nil {
			l.tel = tel
		}
	}
}

// New creates a listener backed by cache.
func New(cache *synccache.Cache, opts ...Option) *Listener {
	l := &Listener{cache: cache}
	for _, opt := range opts {
		opt(l)
	}
	if l.tel == nil {
		l.tel = telemetry.Nop()
	}
	l.log = l.tel.Logger.NewComponentLogger("lifecycle")
	return l
}

// BeforeProcessStarted inserts the instance snapshot and registers its
// handle. The engine never starts an id twice; if the id is cached anyway
// the cached fact is updated instead of inserting a duplicate.
func (l *Listener) BeforeProcessStarted(ctx context.Context, e *process.ProcessStartedEvent) error {
	return l.handle(ctx, EventProcessStarted, e.ProcessEvent, func(ctx context.Context, id knowledge.ProcessInstanceID) (string, error) {
		fact := e.Instance.Snapshot()

		if h, ok := l.cache.Lookup(id); ok {
			l.log.WithInstance(id).WithHandle(h).Warn("Process instance started twice; updating cached fact")
			if err := e.Runtime.Update(ctx, h, fact); err != nil {
				return OutcomeError, fmt.Errorf("process instance %d: update fact: %w", id, err)
			}
			_ = l.tel.Events.PublishFactUpdated(id, h, "")
			return OutcomeUpdated, nil
		}

		return l.insert(ctx, e.Runtime, fact)
	})
}

// AfterVariableChanged updates the instance fact, inserting it when neither
// the cache nor the store holds one.
func (l *Listener) AfterVariableChanged(ctx context.Context, e *process.ProcessVariableChangedEvent) error {
	return l.handle(ctx, EventVariableChanged, e.ProcessEvent, func(ctx context.Context, id knowledge.ProcessInstanceID) (string, error) {
		h, ok, err := l.cache.Resolve(ctx, e.Runtime, id)
		if err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: %w", id, err)
		}

		fact := e.Instance.Snapshot()
		if !ok {
			return l.insert(ctx, e.Runtime, fact)
		}

		if err := e.Runtime.Update(ctx, h, fact); err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: update fact: %w", id, err)
		}
		_ = l.tel.Events.PublishFactUpdated(id, h, e.VariableID)
		l.log.WithInstance(id).WithHandle(h).WithField("variable", e.VariableID).Debug("Updated process instance fact")
		return OutcomeUpdated, nil
	})
}

// AfterProcessCompleted retracts the instance fact and forgets its handle.
// Completing an instance that has no fact does nothing.
func (l *Listener) AfterProcessCompleted(ctx context.Context, e *process.ProcessCompletedEvent) error {
	return l.handle(ctx, EventProcessCompleted, e.ProcessEvent, func(ctx context.Context, id knowledge.ProcessInstanceID) (string, error) {
		h, ok, err := l.cache.Resolve(ctx, e.Runtime, id)
		if err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: %w", id, err)
		}
		if !ok {
			l.log.WithInstance(id).Debug("No fact for completed process instance")
			return OutcomeNoop, nil
		}

		if err := e.Runtime.Retract(ctx, h); err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: retract fact: %w", id, err)
		}
		if err := l.cache.Forget(id); err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: %w", id, err)
		}
		_ = l.tel.Events.PublishFactRetracted(id, h)
		l.log.WithInstance(id).WithHandle(h).Debug("Retracted process instance fact")
		return OutcomeRetracted, nil
	})
}

// insert admits, inserts and registers fact. Callers hold the id lock.
func (l *Listener) insert(ctx context.Context, store knowledge.Store, fact knowledge.ProcessInstanceFact) (string, error) {
	id := fact.ID

	if l.admitter != nil {
		result, err := l.admitter.Admit(ctx, fact)
		if err != nil {
			return OutcomeError, fmt.Errorf("process instance %d: admission: %w", id, err)
		}
		if !result.Allowed {
			l.tel.Metrics.RecordPolicyDenial(result.DeniedBy())
			_ = l.tel.Events.PublishPolicyDenied(id, result.DeniedBy(), result.Reason())
			l.log.WithInstance(id).
				WithField("policy", result.DeniedBy()).
				Info("Process instance not mirrored: " + result.Reason())
			return OutcomeDenied, nil
		}
	}

	h, err := store.Insert(ctx, fact)
	if err != nil {
		return OutcomeError, fmt.Errorf("process instance %d: insert fact: %w", id, err)
	}
	if err := l.cache.Register(id, h); err != nil {
		return OutcomeError, fmt.Errorf("process instance %d: %w", id, err)
	}

	_ = l.tel.Events.PublishFactInserted(id, h)
	l.log.WithInstance(id).WithHandle(h).Debug("Inserted process instance fact")
	return OutcomeInserted, nil
}

// handle runs fn for one event under the per-id lock and records the
// outcome.
func (l *Listener) handle(ctx context.Context, event string, pe process.ProcessEvent, fn func(context.Context, knowledge.ProcessInstanceID) (string, error)) error {
	if pe.Instance == nil {
		return fmt.Errorf("%s: event has no process instance", event)
	}
	id := pe.Instance.ID()
	if pe.Runtime == nil {
		return fmt.Errorf("process instance %d: %w", id, ErrNoRuntime)
	}
	if l.cache.Closed() {
		return fmt.Errorf("process instance %d: %w", id, synccache.ErrCacheClosed)
	}

	ctx, span := l.tel.Tracer.StartLifecycleSpan(ctx, event, id)

	unlock := l.cache.Lock(id)
	defer unlock()

	outcome, err := fn(ctx, id)
	l.tel.Metrics.RecordLifecycleEvent(event, outcome)
	span.SetAttributes(telemetry.AttrLifecycleOutcome.String(outcome))
	telemetry.EndSpan(span, err)

	if err != nil {
		l.log.WithInstance(id).WithError(err).WithField("event", event).Error("Failed to mirror lifecycle event")
		return err
	}
	return nil
}
