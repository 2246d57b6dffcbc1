package process

import (
	"maps"
	"sync"
	"time"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Instance is one running execution of a process definition.
// It is safe for concurrent use.
type Instance struct {
	mu        sync.RWMutex
	id        knowledge.ProcessInstanceID
	processID string
	state     knowledge.ProcessInstanceState
	variables map[string]any
	startedAt time.Time
}

// NewInstance creates a pending instance.
func NewInstance(id knowledge.ProcessInstanceID, processID string) *Instance {
	return &Instance{
		id:        id,
		processID: processID,
		state:     knowledge.ProcessInstanceStatePending,
		variables: make(map[string]any),
	}
}

// ID returns the instance identity.
func (i *Instance) ID() knowledge.ProcessInstanceID {
	return i.id
}

// ProcessID returns the process definition id.
func (i *Instance) ProcessID() string {
	return i.processID
}

// State returns the current state.
func (i *Instance) State() knowledge.ProcessInstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState changes the state. Moving to active records the start time once.
func (i *Instance) SetState(state knowledge.ProcessInstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = state
	if state == knowledge.ProcessInstanceStateActive && i.startedAt.IsZero() {
		i.startedAt = time.Now().UTC()
	}
}

// Variable returns the value of a variable.
func (i *Instance) Variable(name string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.variables[name]
	return v, ok
}

// SetVariable sets a variable and returns its previous value.
func (i *Instance) SetVariable(name string, value any) (old any) {
	i.mu.Lock()
	defer i.mu.Unlock()

	old = i.variables[name]
	i.variables[name] = value
	return old
}

// Snapshot returns the fact that mirrors the instance right now.
func (i *Instance) Snapshot() knowledge.ProcessInstanceFact {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return knowledge.ProcessInstanceFact{
		ID:        i.id,
		ProcessID: i.processID,
		State:     i.state,
		Variables: maps.Clone(i.variables),
		StartedAt: i.startedAt,
		UpdatedAt: time.Now().UTC(),
	}
}
