package process

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/stores"
)

// Driver is a minimal in-process event source. It starts instances, assigns
// variables and completes instances, firing the matching events at its
// EventSupport. It has no notion of nodes beyond a start and an end node.
//
// Instance ids are allocated above the highest id already present in the
// runtime store, so ids are never reused against one store.
type Driver struct {
	runtime knowledge.Store
	events  *EventSupport
	logger  zerolog.Logger

	lastID atomic.Int64

	mu     sync.Mutex
	active map[knowledge.ProcessInstanceID]*Instance
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the driver logger.
func WithDriverLogger(logger zerolog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger.With().Str("component", "driver").Logger()
	}
}

// NewDriver creates a driver firing events for runtime.
func NewDriver(ctx context.Context, runtime knowledge.Store, events *EventSupport, opts ...DriverOption) (*Driver, error) {
	d := &Driver{
		runtime: runtime,
		events:  events,
		logger:  zerolog.Nop(),
		active:  make(map[knowledge.ProcessInstanceID]*Instance),
	}
	for _, opt := range opts {
		opt(d)
	}

	maxID, err := stores.MaxProcessInstanceID(ctx, runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to seed instance ids: %w", err)
	}
	d.lastID.Store(int64(maxID))
	d.logger.Debug().Int64("seed", int64(maxID)).Msg("Seeded process instance ids")

	return d, nil
}

// Start creates an instance with the given variables and starts it.
func (d *Driver) Start(ctx context.Context, processID string, vars map[string]any) (*Instance, error) {
	inst := NewInstance(knowledge.ProcessInstanceID(d.lastID.Add(1)), processID)
	for k, v := range vars {
		inst.SetVariable(k, v)
	}

	inst.SetState(knowledge.ProcessInstanceStateActive)

	e := &ProcessStartedEvent{ProcessEvent: d.base(inst)}
	if err := d.events.FireBeforeProcessStarted(ctx, e); err != nil {
		inst.SetState(knowledge.ProcessInstanceStateAborted)
		return nil, fmt.Errorf("start process instance %d: %w", inst.ID(), err)
	}

	d.mu.Lock()
	d.active[inst.ID()] = inst
	d.mu.Unlock()

	if err := d.traverse(ctx, inst, "start"); err != nil {
		return inst, err
	}
	if err := d.events.FireAfterProcessStarted(ctx, e); err != nil {
		return inst, fmt.Errorf("start process instance %d: %w", inst.ID(), err)
	}
	return inst, nil
}

// SetVariable assigns a variable on a started instance.
func (d *Driver) SetVariable(ctx context.Context, inst *Instance, name string, value any) error {
	old, _ := inst.Variable(name)
	e := &ProcessVariableChangedEvent{
		ProcessEvent: d.base(inst),
		VariableID:   name,
		OldValue:     old,
		NewValue:     value,
	}

	if err := d.events.FireBeforeVariableChanged(ctx, e); err != nil {
		return fmt.Errorf("set %q on process instance %d: %w", name, inst.ID(), err)
	}
	inst.SetVariable(name, value)
	if err := d.events.FireAfterVariableChanged(ctx, e); err != nil {
		return fmt.Errorf("set %q on process instance %d: %w", name, inst.ID(), err)
	}
	return nil
}

// Complete finishes an instance.
func (d *Driver) Complete(ctx context.Context, inst *Instance) error {
	e := &ProcessCompletedEvent{ProcessEvent: d.base(inst)}

	if err := d.traverse(ctx, inst, "end"); err != nil {
		return err
	}
	if err := d.events.FireBeforeProcessCompleted(ctx, e); err != nil {
		return fmt.Errorf("complete process instance %d: %w", inst.ID(), err)
	}

	inst.SetState(knowledge.ProcessInstanceStateCompleted)
	d.mu.Lock()
	delete(d.active, inst.ID())
	d.mu.Unlock()

	if err := d.events.FireAfterProcessCompleted(ctx, e); err != nil {
		return fmt.Errorf("complete process instance %d: %w", inst.ID(), err)
	}
	return nil
}

// Active returns the number of started, not yet completed instances.
func (d *Driver) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Driver) traverse(ctx context.Context, inst *Instance, node string) error {
	triggered := &ProcessNodeTriggeredEvent{ProcessEvent: d.base(inst), NodeID: node}
	left := &ProcessNodeLeftEvent{ProcessEvent: d.base(inst), NodeID: node}

	steps := []func() error{
		func() error { return d.events.FireBeforeNodeTriggered(ctx, triggered) },
		func() error { return d.events.FireAfterNodeTriggered(ctx, triggered) },
		func() error { return d.events.FireBeforeNodeLeft(ctx, left) },
		func() error { return d.events.FireAfterNodeLeft(ctx, left) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("node %q of process instance %d: %w", node, inst.ID(), err)
		}
	}
	return nil
}

func (d *Driver) base(inst *Instance) ProcessEvent {
	return ProcessEvent{Instance: inst, Runtime: d.runtime}
}

// BatchConfig describes a Run.
type BatchConfig struct {
	// ProcessID is the process definition id of every instance.
	ProcessID string

	// Instances is the number of instances to start.
	Instances int

	// Concurrency bounds how many instances are driven at once.
	Concurrency int

	// Updates is the number of variable assignments per instance.
	Updates int

	// Complete completes every instance after its updates.
	Complete bool

	// Variables are set on every instance before it starts.
	Variables map[string]any
}

// BatchResult summarizes a Run.
type BatchResult struct {
	Started   int `json:"started"`
	Updated   int `json:"updated"`
	Completed int `json:"completed"`
}

// Run drives cfg.Instances instances, each through its own start, update and
// completion sequence. Instances run concurrently; the events of one instance
// stay sequential. The first error cancels the remaining work.
func (d *Driver) Run(ctx context.Context, cfg BatchConfig) (BatchResult, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	var started, updated, completed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for n := 0; n < cfg.Instances; n++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			inst, err := d.Start(ctx, cfg.ProcessID, cfg.Variables)
			if err != nil {
				return err
			}
			started.Add(1)

			for u := 0; u < cfg.Updates; u++ {
				if err := d.SetVariable(ctx, inst, "step", u+1); err != nil {
					return err
				}
				updated.Add(1)
			}

			if cfg.Complete {
				if err := d.Complete(ctx, inst); err != nil {
					return err
				}
				completed.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return BatchResult{
		Started:   int(started.Load()),
		Updated:   int(updated.Load()),
		Completed: int(completed.Load()),
	}, err
}
