package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/factsync/factsync/pkg/knowledge"
)

// MemoryStore keeps facts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	facts  map[knowledge.Handle]memoryEntry
	seq    uint64
	closed bool
}

type memoryEntry struct {
	fact knowledge.Fact
	seq  uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		facts: make(map[knowledge.Handle]memoryEntry),
	}
}

// Insert adds a fact and returns a fresh handle.
func (s *MemoryStore) Insert(_ context.Context, fact knowledge.Fact) (knowledge.Handle, error) {
	if err := knowledge.Validate(fact); err != nil {
		return "", invalidFact("insert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", closedStore("insert")
	}

	s.seq++
	handle := knowledge.Handle(uuid.NewString())
	s.facts[handle] = memoryEntry{fact: cloneFact(fact), seq: s.seq}
	return handle, nil
}

// Update replaces the fact referenced by handle.
func (s *MemoryStore) Update(_ context.Context, handle knowledge.Handle, fact knowledge.Fact) error {
	if err := knowledge.Validate(fact); err != nil {
		return invalidFact("update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closedStore("update")
	}

	entry, ok := s.facts[handle]
	if !ok {
		return knowledge.NotFound("update", handle)
	}
	entry.fact = cloneFact(fact)
	s.facts[handle] = entry
	return nil
}

// Retract removes the fact referenced by handle.
func (s *MemoryStore) Retract(_ context.Context, handle knowledge.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return closedStore("retract")
	}

	if _, ok := s.facts[handle]; !ok {
		return knowledge.NotFound("retract", handle)
	}
	delete(s.facts, handle)
	return nil
}

// Scan returns the handles of matching facts in insertion order.
func (s *MemoryStore) Scan(_ context.Context, predicate knowledge.Predicate) ([]knowledge.Handle, error) {
	if predicate == nil {
		return nil, invalidFact("scan", knowledge.ErrInvalidFact)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, closedStore("scan")
	}

	var matched []memoryRecord
	for h, e := range s.facts {
		if predicate.Match(e.fact) {
			matched = append(matched, memoryRecord{handle: h, entry: e})
		}
	}
	sortRecords(matched)

	handles := make([]knowledge.Handle, len(matched))
	for i, r := range matched {
		handles[i] = r.handle
	}
	return handles, nil
}

// Get returns the fact referenced by handle.
func (s *MemoryStore) Get(_ context.Context, handle knowledge.Handle) (knowledge.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, closedStore("get")
	}

	e, ok := s.facts[handle]
	if !ok {
		return nil, knowledge.NotFound("get", handle)
	}
	return cloneFact(e.fact), nil
}

// List returns every fact in insertion order.
func (s *MemoryStore) List(_ context.Context) ([]knowledge.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, closedStore("list")
	}

	all := make([]memoryRecord, 0, len(s.facts))
	for h, e := range s.facts {
		all = append(all, memoryRecord{handle: h, entry: e})
	}
	sortRecords(all)

	records := make([]knowledge.Record, len(all))
	for i, r := range all {
		records[i] = knowledge.Record{Handle: r.handle, Fact: cloneFact(r.entry.fact)}
	}
	return records, nil
}

// Len returns the number of facts held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// HealthCheck reports whether the store is open.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return closedStore("health")
	}
	return nil
}

// Close drops all facts. Later operations fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.facts = nil
	return nil
}

type memoryRecord struct {
	handle knowledge.Handle
	entry  memoryEntry
}

func sortRecords(rs []memoryRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].entry.seq < rs[j].entry.seq })
}

// MaxProcessInstanceID returns the largest process-instance id held, or 0.
func (s *MemoryStore) MaxProcessInstanceID(_ context.Context) (knowledge.ProcessInstanceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, closedStore("scan")
	}

	var maxID knowledge.ProcessInstanceID
	for _, e := range s.facts {
		if id, ok := instanceID(e.fact); ok && id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}
