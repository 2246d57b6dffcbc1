package knowledge

import (
	"strconv"
	"time"
)

// ProcessInstanceID is the identity the process engine assigns to a process
// instance. It is stable for the lifetime of the instance.
type ProcessInstanceID int64

// String returns the decimal form of the id.
func (id ProcessInstanceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Handle is an opaque reference to a fact, returned by Store.Insert.
type Handle string

// String returns the handle as a string.
func (h Handle) String() string {
	return string(h)
}

// FactKind tags the variant of a Fact.
type FactKind string

const (
	// FactKindProcessInstance tags ProcessInstanceFact.
	FactKindProcessInstance FactKind = "process_instance"

	// FactKindGeneric tags GenericFact.
	FactKindGeneric FactKind = "generic"
)

// Fact is anything held by a knowledge store. The interface is sealed: only
// ProcessInstanceFact and GenericFact implement it.
type Fact interface {
	// Kind returns the variant tag.
	Kind() FactKind

	sealed()
}

// ProcessInstanceState mirrors the engine's view of an instance.
type ProcessInstanceState string

const (
	ProcessInstanceStatePending   ProcessInstanceState = "pending"
	ProcessInstanceStateActive    ProcessInstanceState = "active"
	ProcessInstanceStateCompleted ProcessInstanceState = "completed"
	ProcessInstanceStateAborted   ProcessInstanceState = "aborted"
	ProcessInstanceStateSuspended ProcessInstanceState = "suspended"
)

// ProcessInstanceFact is the snapshot of a process instance held in the store.
type ProcessInstanceFact struct {
	// ID is the engine-assigned identity.
	ID ProcessInstanceID `json:"id"`

	// ProcessID names the process definition the instance runs.
	ProcessID string `json:"process_id"`

	// State is the instance state at snapshot time.
	State ProcessInstanceState `json:"state"`

	// Variables holds the instance variables at snapshot time.
	Variables map[string]any `json:"variables,omitempty"`

	// StartedAt is when the engine started the instance.
	StartedAt time.Time `json:"started_at"`

	// UpdatedAt is when the snapshot was taken.
	UpdatedAt time.Time `json:"updated_at"`
}

// Kind implements Fact.
func (ProcessInstanceFact) Kind() FactKind { return FactKindProcessInstance }

func (ProcessInstanceFact) sealed() {}

// GenericFact is a fact that is not a process instance. factsync never
// interprets it; it exists so that stores shared with other producers can be
// scanned without confusing their facts with process instances.
type GenericFact struct {
	// Type is a producer-defined type name, e.g. "order" or "customer".
	Type string `json:"type"`

	// Key is a producer-defined identity within Type.
	Key string `json:"key,omitempty"`

	// Data is the fact payload.
	Data map[string]any `json:"data,omitempty"`
}

// Kind implements Fact.
func (GenericFact) Kind() FactKind { return FactKindGeneric }

func (GenericFact) sealed() {}
