package synccache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/telemetry"
)

// scanStore counts scans and can hold them until released.
type scanStore struct {
	*stores.MemoryStore
	scans atomic.Int64
	gate  chan struct{}
	err   error
}

func (s *scanStore) Scan(ctx context.Context, p knowledge.Predicate) ([]knowledge.Handle, error) {
	s.scans.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.Scan(ctx, p)
}

func newScanStore() *scanStore {
	return &scanStore{MemoryStore: stores.NewMemoryStore()}
}

func insert(t *testing.T, s *scanStore, id knowledge.ProcessInstanceID) knowledge.Handle {
	t.Helper()
	h, err := s.MemoryStore.Insert(context.Background(), knowledge.ProcessInstanceFact{ID: id, ProcessID: "p"})
	require.NoError(t, err)
	return h
}

func TestResolve_HitDoesNotScan(t *testing.T) {
	c := New()
	s := newScanStore()

	require.NoError(t, c.Register(1, "h-1"))

	h, ok, err := c.Resolve(context.Background(), s, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, knowledge.Handle("h-1"), h)
	assert.Zero(t, s.scans.Load())
	assert.Equal(t, Stats{Entries: 1, Hits: 1}, c.Stats())
}

func TestResolve_MissAbsent(t *testing.T) {
	c := New()
	s := newScanStore()

	h, ok, err := c.Resolve(context.Background(), s, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h)
	assert.Zero(t, c.Len())

	_, _, err = c.Resolve(context.Background(), s, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.scans.Load(), "absent results are not cached")
}

func TestResolve_WarmsFromStore(t *testing.T) {
	c := New()
	s := newScanStore()
	want := insert(t, s, 42)
	insert(t, s, 43)

	h, ok, err := c.Resolve(context.Background(), s, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, h)

	h, ok, err = c.Resolve(context.Background(), s, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, h)

	assert.Equal(t, int64(1), s.scans.Load())
	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1, Scans: 1}, c.Stats())
}

func TestResolve_Anomaly(t *testing.T) {
	c := New()
	s := newScanStore()
	h1 := insert(t, s, 7)
	h2 := insert(t, s, 7)

	_, ok, err := c.Resolve(context.Background(), s, 7)
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, knowledge.ErrDuplicateFacts)

	var anomaly *knowledge.AnomalyError
	require.True(t, errors.As(err, &anomaly))
	assert.Equal(t, knowledge.ProcessInstanceID(7), anomaly.ID)
	assert.ElementsMatch(t, []knowledge.Handle{h1, h2}, anomaly.Handles)

	_, cached := c.Lookup(7)
	assert.False(t, cached)
	assert.Equal(t, uint64(1), c.Stats().Anomalies)
}

func TestResolve_ScanError(t *testing.T) {
	c := New()
	s := newScanStore()
	s.err = knowledge.NewTransientError("scan", errors.New("database is locked"))

	_, ok, err := c.Resolve(context.Background(), s, 1)
	assert.False(t, ok)
	assert.True(t, knowledge.IsTransient(err))
	assert.Contains(t, err.Error(), "scan for process instance 1")
}

func TestResolve_ConcurrentMissesShareOneScan(t *testing.T) {
	c := New()
	s := newScanStore()
	want := insert(t, s, 11)
	s.gate = make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	results := make([]knowledge.Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := c.Resolve(context.Background(), s, 11)
			assert.NoError(t, err)
			results[i] = h
		}(i)
	}

	require.Eventually(t, func() bool { return s.scans.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	for _, h := range results {
		assert.Equal(t, want, h)
	}
	assert.Equal(t, int64(1), s.scans.Load())
}

func TestResolve_WriterWinsOverScan(t *testing.T) {
	c := New()
	s := newScanStore()
	insert(t, s, 3)
	s.gate = make(chan struct{})

	done := make(chan knowledge.Handle)
	go func() {
		h, _, _ := c.Resolve(context.Background(), s, 3)
		done <- h
	}()

	require.Eventually(t, func() bool { return s.scans.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Register(3, "written"))
	close(s.gate)

	assert.Equal(t, knowledge.Handle("written"), <-done)
	h, _ := c.Lookup(3)
	assert.Equal(t, knowledge.Handle("written"), h)
}

func TestRegisterForget(t *testing.T) {
	c := New(WithShards(3))
	assert.Len(t, c.shards, 4)

	require.NoError(t, c.Register(1, "a"))
	require.NoError(t, c.Register(1, "b"))
	assert.Equal(t, 1, c.Len())
	h, _ := c.Lookup(1)
	assert.Equal(t, knowledge.Handle("b"), h)

	assert.Error(t, c.Register(2, ""))

	require.NoError(t, c.Forget(1))
	require.NoError(t, c.Forget(1))
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Snapshot())
}

func TestClose(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(1, "a"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Zero(t, c.Len())

	_, ok := c.Lookup(1)
	assert.False(t, ok)
	_, _, err := c.Resolve(context.Background(), newScanStore(), 1)
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.ErrorIs(t, c.Register(1, "a"), ErrCacheClosed)
	assert.ErrorIs(t, c.Forget(1), ErrCacheClosed)
}

func TestLock_SerializesOneID(t *testing.T) {
	c := New()

	unlock := c.Lock(1)

	acquired := make(chan struct{})
	go func() {
		release := c.Lock(1)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same id must block")
	case <-time.After(50 * time.Millisecond):
	}

	// Other ids are not blocked.
	other := c.Lock(2)
	other()

	unlock()
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock was not released")
	}

	require.Eventually(t, func() bool {
		s := c.shardFor(1)
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.locks) == 0
	}, time.Second, time.Millisecond, "idle locks must be dropped")
}

func TestTelemetry(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.TestConfig(), nil)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	var warmed []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { warmed = append(warmed, e) },
		telemetry.FilterByType(telemetry.EventTypeCacheWarmed))

	c := New(WithTelemetry(tel))
	s := newScanStore()
	h := insert(t, s, 8)

	_, _, err = c.Resolve(context.Background(), s, 8)
	require.NoError(t, err)
	_, _, err = c.Resolve(context.Background(), s, 8)
	require.NoError(t, err)

	require.Len(t, warmed, 1)
	assert.Equal(t, h, warmed[0].Handle)

	metrics := tel.Metrics.Registry()
	count, err := testutil.GatherAndCount(metrics, "factsync_cache_hits_total", "factsync_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
