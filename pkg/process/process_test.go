package process

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/stores"
)

// recorder records the hooks it sees, in order.
type recorder struct {
	NopEventListener
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recorder) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.fail[name]
}

func (r *recorder) BeforeProcessStarted(context.Context, *ProcessStartedEvent) error {
	return r.record("before-start")
}

func (r *recorder) AfterProcessStarted(context.Context, *ProcessStartedEvent) error {
	return r.record("after-start")
}

func (r *recorder) BeforeNodeTriggered(_ context.Context, e *ProcessNodeTriggeredEvent) error {
	return r.record("before-trigger:" + e.NodeID)
}

func (r *recorder) AfterNodeLeft(_ context.Context, e *ProcessNodeLeftEvent) error {
	return r.record("after-left:" + e.NodeID)
}

func (r *recorder) AfterVariableChanged(_ context.Context, e *ProcessVariableChangedEvent) error {
	return r.record("after-var:" + e.VariableID)
}

func (r *recorder) BeforeProcessCompleted(context.Context, *ProcessCompletedEvent) error {
	return r.record("before-complete")
}

func (r *recorder) AfterProcessCompleted(context.Context, *ProcessCompletedEvent) error {
	return r.record("after-complete")
}

func TestInstance(t *testing.T) {
	inst := NewInstance(7, "order-approval")
	assert.Equal(t, knowledge.ProcessInstanceID(7), inst.ID())
	assert.Equal(t, "order-approval", inst.ProcessID())
	assert.Equal(t, knowledge.ProcessInstanceStatePending, inst.State())

	assert.Nil(t, inst.SetVariable("amount", 10))
	assert.Equal(t, 10, inst.SetVariable("amount", 20))
	v, ok := inst.Variable("amount")
	require.True(t, ok)
	assert.Equal(t, 20, v)

	inst.SetState(knowledge.ProcessInstanceStateActive)
	snap := inst.Snapshot()
	assert.Equal(t, knowledge.ProcessInstanceStateActive, snap.State)
	assert.False(t, snap.StartedAt.IsZero())

	// Snapshots do not alias instance variables.
	snap.Variables["amount"] = 99
	v, _ = inst.Variable("amount")
	assert.Equal(t, 20, v)

	started := snap.StartedAt
	inst.SetState(knowledge.ProcessInstanceStateSuspended)
	inst.SetState(knowledge.ProcessInstanceStateActive)
	assert.Equal(t, started, inst.Snapshot().StartedAt)
}

func TestEventSupport_OrderAndErrors(t *testing.T) {
	support := NewEventSupport()
	first := &recorder{fail: map[string]error{"before-start": errors.New("first failed")}}
	second := &recorder{fail: map[string]error{"before-start": errors.New("second failed")}}
	support.AddListener(first)
	support.AddListener(second)

	e := &ProcessStartedEvent{ProcessEvent: ProcessEvent{Instance: NewInstance(1, "p")}}
	err := support.FireBeforeProcessStarted(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failed")
	assert.Contains(t, err.Error(), "second failed")
	assert.Equal(t, []string{"before-start"}, second.calls, "every listener runs")

	assert.True(t, support.RemoveListener(first))
	assert.False(t, support.RemoveListener(first))
	assert.Len(t, support.Listeners(), 1)
}

func TestDriver_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	support := NewEventSupport()
	rec := &recorder{}
	support.AddListener(rec)

	d, err := NewDriver(ctx, store, support)
	require.NoError(t, err)

	inst, err := d.Start(ctx, "p", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, knowledge.ProcessInstanceID(1), inst.ID())
	assert.Equal(t, knowledge.ProcessInstanceStateActive, inst.State())
	assert.Equal(t, 1, d.Active())

	require.NoError(t, d.SetVariable(ctx, inst, "b", 2))
	require.NoError(t, d.Complete(ctx, inst))
	assert.Equal(t, knowledge.ProcessInstanceStateCompleted, inst.State())
	assert.Zero(t, d.Active())

	assert.Equal(t, []string{
		"before-start",
		"before-trigger:start",
		"after-left:start",
		"after-start",
		"after-var:b",
		"before-trigger:end",
		"after-left:end",
		"before-complete",
		"after-complete",
	}, rec.calls)
}

func TestDriver_SeedsAboveStoredIDs(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	_, err := store.Insert(ctx, knowledge.ProcessInstanceFact{ID: 41})
	require.NoError(t, err)

	d, err := NewDriver(ctx, store, NewEventSupport())
	require.NoError(t, err)

	inst, err := d.Start(ctx, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, knowledge.ProcessInstanceID(42), inst.ID())
}

func TestDriver_StartHookFailure(t *testing.T) {
	ctx := context.Background()
	support := NewEventSupport()
	support.AddListener(&recorder{fail: map[string]error{"before-start": errors.New("boom")}})

	d, err := NewDriver(ctx, stores.NewMemoryStore(), support)
	require.NoError(t, err)

	_, err = d.Start(ctx, "p", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start process instance 1")
	assert.Zero(t, d.Active())
}

func TestDriver_Run(t *testing.T) {
	ctx := context.Background()
	support := NewEventSupport()
	rec := &recorder{}
	support.AddListener(rec)

	d, err := NewDriver(ctx, stores.NewMemoryStore(), support)
	require.NoError(t, err)

	result, err := d.Run(ctx, BatchConfig{
		ProcessID:   "p",
		Instances:   25,
		Concurrency: 4,
		Updates:     3,
		Complete:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Started: 25, Updated: 75, Completed: 25}, result)
	assert.Zero(t, d.Active())
}

func TestDriver_RunStopsOnError(t *testing.T) {
	ctx := context.Background()
	support := NewEventSupport()
	support.AddListener(&recorder{fail: map[string]error{"after-var:step": errors.New("store down")}})

	d, err := NewDriver(ctx, stores.NewMemoryStore(), support)
	require.NoError(t, err)

	result, err := d.Run(ctx, BatchConfig{ProcessID: "p", Instances: 10, Concurrency: 1, Updates: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
	assert.Equal(t, 1, result.Started)
	assert.Zero(t, result.Updated)
}
