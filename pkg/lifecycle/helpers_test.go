package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/process"
	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/synccache"
)

// countingStore wraps a MemoryStore, counting calls and optionally failing
// them.
type countingStore struct {
	*stores.MemoryStore

	inserts  atomic.Int64
	updates  atomic.Int64
	retracts atomic.Int64
	scans    atomic.Int64

	failInsert  error
	failUpdate  error
	failRetract error
	failScan    error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: stores.NewMemoryStore()}
}

func (s *countingStore) Insert(ctx context.Context, fact knowledge.Fact) (knowledge.Handle, error) {
	s.inserts.Add(1)
	if s.failInsert != nil {
		return "", s.failInsert
	}
	return s.MemoryStore.Insert(ctx, fact)
}

func (s *countingStore) Update(ctx context.Context, h knowledge.Handle, fact knowledge.Fact) error {
	s.updates.Add(1)
	if s.failUpdate != nil {
		return s.failUpdate
	}
	return s.MemoryStore.Update(ctx, h, fact)
}

func (s *countingStore) Retract(ctx context.Context, h knowledge.Handle) error {
	s.retracts.Add(1)
	if s.failRetract != nil {
		return s.failRetract
	}
	return s.MemoryStore.Retract(ctx, h)
}

func (s *countingStore) Scan(ctx context.Context, p knowledge.Predicate) ([]knowledge.Handle, error) {
	s.scans.Add(1)
	if s.failScan != nil {
		return nil, s.failScan
	}
	return s.MemoryStore.Scan(ctx, p)
}

func (s *countingStore) mutations() int64 {
	return s.inserts.Load() + s.updates.Load() + s.retracts.Load()
}

// factsFor returns the handles of the facts held for id, bypassing the
// counters.
func (s *countingStore) factsFor(t *testing.T, id knowledge.ProcessInstanceID) []knowledge.Handle {
	t.Helper()
	hs, err := s.MemoryStore.Scan(context.Background(), knowledge.MatchProcessInstance(id))
	require.NoError(t, err)
	return hs
}

type fixture struct {
	store    *countingStore
	cache    *synccache.Cache
	listener *Listener
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := newCountingStore()
	cache := synccache.New(synccache.WithShards(8))
	t.Cleanup(func() { _ = cache.Close() })
	return &fixture{store: store, cache: cache, listener: New(cache, opts...)}
}

func (f *fixture) event(id knowledge.ProcessInstanceID, vars map[string]any) process.ProcessEvent {
	inst := process.NewInstance(id, "order-approval")
	for k, v := range vars {
		inst.SetVariable(k, v)
	}
	return process.ProcessEvent{Instance: inst, Runtime: f.store}
}

func (f *fixture) start(id knowledge.ProcessInstanceID, vars map[string]any) error {
	return f.listener.BeforeProcessStarted(context.Background(), &process.ProcessStartedEvent{ProcessEvent: f.event(id, vars)})
}

func (f *fixture) change(id knowledge.ProcessInstanceID, name string, value any) error {
	return f.listener.AfterVariableChanged(context.Background(), &process.ProcessVariableChangedEvent{
		ProcessEvent: f.event(id, map[string]any{name: value}),
		VariableID:   name,
		NewValue:     value,
	})
}

func (f *fixture) complete(id knowledge.ProcessInstanceID) error {
	return f.listener.AfterProcessCompleted(context.Background(), &process.ProcessCompletedEvent{ProcessEvent: f.event(id, nil)})
}
