package lifecycle

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/synccache"
)

const (
	opStart = iota
	opChange
	opComplete
	opCount
)

const propertyIDs = 5

// replay applies encoded ops to a fresh listener and reports whether the
// store and cache agree with a model of which instances are live.
func replay(ops []int, warm bool) bool {
	ctx := context.Background()
	f := &fixture{store: &countingStore{MemoryStore: stores.NewMemoryStore()}}
	f.cache = synccache.New(synccache.WithShards(2))
	defer f.cache.Close()
	f.listener = New(f.cache)

	live := make(map[knowledge.ProcessInstanceID]bool)
	seen := make(map[knowledge.ProcessInstanceID]bool)
	for _, op := range ops {
		id := knowledge.ProcessInstanceID(op/opCount + 1)

		// The engine never starts an id twice.
		kind := op % opCount
		if kind == opStart && seen[id] {
			kind = opChange
		}
		seen[id] = true

		var err error
		switch kind {
		case opStart:
			err = f.start(id, nil)
			live[id] = true
		case opChange:
			err = f.change(id, "v", op)
			live[id] = true
		case opComplete:
			err = f.complete(id)
			live[id] = false
		}
		if err != nil {
			return false
		}

		// Simulated restart: drop every entry and rebuild from scans.
		if !warm && op%2 == 0 {
			for id := range f.cache.Snapshot() {
				_ = f.cache.Forget(id)
			}
		}
	}

	for i := 1; i <= propertyIDs; i++ {
		id := knowledge.ProcessInstanceID(i)
		hs, err := f.store.MemoryStore.Scan(ctx, knowledge.MatchProcessInstance(id))
		if err != nil {
			return false
		}
		if live[id] != (len(hs) == 1) || len(hs) > 1 {
			return false
		}
		if h, ok := f.cache.Lookup(id); ok && (len(hs) != 1 || hs[0] != h) {
			return false
		}
	}
	return true
}

// TestListenerProperties checks that for any sequence of lifecycle events
// the store holds exactly one fact per live instance and no fact for any
// completed one, and that every cache entry points at that fact.
func TestListenerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	opGen := gen.SliceOf(gen.IntRange(0, propertyIDs*opCount-1))

	properties.Property("store mirrors live instances", prop.ForAll(
		func(ops []int) bool {
			return replay(ops, true)
		},
		opGen,
	))

	properties.Property("store mirrors live instances across cache loss", prop.ForAll(
		func(ops []int) bool {
			return replay(ops, false)
		},
		opGen,
	))

	properties.Property("completion of an unknown instance never mutates", prop.ForAll(
		func(id int64) bool {
			f := &fixture{store: newCountingStore(), cache: synccache.New()}
			defer f.cache.Close()
			f.listener = New(f.cache)
			return f.complete(knowledge.ProcessInstanceID(id)) == nil && f.store.mutations() == 0
		},
		gen.Int64Range(1, 1<<40),
	))

	properties.TestingRun(t)
}
