// Package synccache maps process-instance ids to the handles of their facts
// in a knowledge store.
//
// The cache is not durable. On a miss it rebuilds the entry from the store's
// ground truth with a predicate scan, so facts inserted by an earlier run are
// found the first time their instance is touched again.
package synccache

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/telemetry"
)

// ErrCacheClosed is returned by every operation after Close.
var ErrCacheClosed = errors.New("sync cache closed")

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// Cache resolves process-instance ids to fact handles.
//
// Entries are spread over independently locked shards. Shard locks guard map
// access only and are never held across a store call. Lock serializes work on
// one id without blocking other ids.
//
// A Cache fronts a single knowledge store: concurrent misses for the same id
// share one scan regardless of the store passed to Resolve.
type Cache struct {
	shards []*shard
	shift  uint

	group singleflight.Group

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	size   atomic.Int64
	closed atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	scans     atomic.Uint64
	anomalies atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[knowledge.ProcessInstanceID]knowledge.Handle
	locks   map[knowledge.ProcessInstanceID]*keyLock
}

// keyLock is a per-id mutex, reference counted so that idle ids hold no memory.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Scans     uint64 `json:"scans"`
	Anomalies uint64 `json:"anomalies"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithShards sets the shard count, rounded up to a power of two.
func WithShards(n int) Option {
	return func(c *Cache) {
		if n < 1 {
			n = 1
		}
		c.shards = make([]*shard, 1<<bits.Len(uint(n-1)))
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With().Str("component", "synccache").Logger()
	}
}

// WithTelemetry records cache metrics and publishes cache events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Cache) {
		if tel == nil {
			return
		}
		c.metrics = tel.Metrics
		c.events = tel.Events
		c.tracer = tel.Tracer
		c.logger = tel.Logger.NewComponentLogger("synccache").Zerolog()
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{logger: zerolog.Nop()}
	WithShards(DefaultShards)(c)
	for _, opt := range opts {
		opt(c)
	}

	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[knowledge.ProcessInstanceID]knowledge.Handle),
			locks:   make(map[knowledge.ProcessInstanceID]*keyLock),
		}
	}
	c.shift = uint(64 - bits.Len(uint(len(c.shards)-1)))
	return c
}

// shardFor picks a shard with Fibonacci hashing so that consecutive ids
// spread evenly.
func (c *Cache) shardFor(id knowledge.ProcessInstanceID) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[(uint64(id)*0x9E3779B97F4A7C15)>>c.shift]
}

// Lookup returns the cached handle for id without consulting any store.
func (c *Cache) Lookup(id knowledge.ProcessInstanceID) (knowledge.Handle, bool) {
	if c.closed.Load() {
		return "", false
	}
	s := c.shardFor(id)
	s.mu.RLock()
	h, ok := s.entries[id]
	s.mu.RUnlock()
	return h, ok
}

// Resolve returns the handle of the fact for id.
//
// A cached entry is returned without touching the store. On a miss the store
// is scanned for process-instance facts with that id: exactly one match is
// cached and returned, no match reports absent (false, nil), and more than
// one match returns a *knowledge.AnomalyError and leaves the cache unchanged.
// Scan failures are returned as is.
//
// Callers that go on to mutate the store for id should hold Lock(id).
func (c *Cache) Resolve(ctx context.Context, store knowledge.Store, id knowledge.ProcessInstanceID) (knowledge.Handle, bool, error) {
	if c.closed.Load() {
		return "", false, ErrCacheClosed
	}

	if h, ok := c.Lookup(id); ok {
		c.hits.Add(1)
		c.metrics.RecordCacheHit()
		return h, true, nil
	}
	c.misses.Add(1)
	c.metrics.RecordCacheMiss()

	v, err, _ := c.group.Do(strconv.FormatInt(int64(id), 10), func() (interface{}, error) {
		// A concurrent flight may have warmed the entry while we queued.
		if h, ok := c.Lookup(id); ok {
			return h, nil
		}
		return c.scan(ctx, store, id)
	})
	if err != nil {
		return "", false, err
	}

	h := v.(knowledge.Handle)
	return h, h != "", nil
}

func (c *Cache) scan(ctx context.Context, store knowledge.Store, id knowledge.ProcessInstanceID) (_ knowledge.Handle, err error) {
	c.scans.Add(1)

	ctx, span := c.tracer.StartScanSpan(ctx, id)
	outcome := telemetry.ScanOutcomeError
	defer func() {
		c.metrics.RecordScan(outcome)
		span.SetAttributes(telemetry.AttrScanOutcome.String(outcome))
		telemetry.EndSpan(span, err)
	}()

	handles, err := store.Scan(ctx, knowledge.MatchProcessInstance(id))
	if err != nil {
		return "", fmt.Errorf("scan for process instance %d: %w", id, err)
	}

	switch len(handles) {
	case 0:
		outcome = telemetry.ScanOutcomeAbsent
		return "", nil

	case 1:
		outcome = telemetry.ScanOutcomeFound
		h := handles[0]
		if !c.putIfAbsent(id, h) {
			// Registered by a writer while the scan ran; the writer wins.
			cur, _ := c.Lookup(id)
			return cur, nil
		}
		c.logger.Debug().
			Int64("process_instance_id", int64(id)).
			Str("handle", string(h)).
			Msg("Warmed cache entry from store scan")
		_ = c.events.PublishCacheWarmed(id, h)
		return h, nil

	default:
		outcome = telemetry.ScanOutcomeAnomaly
		c.anomalies.Add(1)
		anomaly := &knowledge.AnomalyError{ID: id, Handles: append([]knowledge.Handle(nil), handles...)}
		c.logger.Error().
			Int64("process_instance_id", int64(id)).
			Int("matches", len(handles)).
			Msg("Store holds more than one fact for process instance")
		_ = c.events.PublishSyncAnomaly(id, anomaly.Handles)
		return "", anomaly
	}
}

// Register installs the mapping id -> h, replacing any previous entry.
func (c *Cache) Register(id knowledge.ProcessInstanceID, h knowledge.Handle) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	if h == "" {
		return fmt.Errorf("register process instance %d: empty handle", id)
	}

	s := c.shardFor(id)
	s.mu.Lock()
	_, existed := s.entries[id]
	s.entries[id] = h
	s.mu.Unlock()

	if !existed {
		c.metrics.SetCacheEntries(int(c.size.Add(1)))
	}
	return nil
}

// Forget removes the entry for id, if any.
func (c *Cache) Forget(id knowledge.ProcessInstanceID) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}

	s := c.shardFor(id)
	s.mu.Lock()
	_, existed := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if existed {
		c.metrics.SetCacheEntries(int(c.size.Add(-1)))
	}
	return nil
}

func (c *Cache) putIfAbsent(id knowledge.ProcessInstanceID, h knowledge.Handle) bool {
	s := c.shardFor(id)
	s.mu.Lock()
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.entries[id] = h
	s.mu.Unlock()

	c.metrics.SetCacheEntries(int(c.size.Add(1)))
	return true
}

// Lock acquires the per-id lock and returns the function that releases it.
// Work on other ids is not blocked. The release function is idempotent.
func (c *Cache) Lock(id knowledge.ProcessInstanceID) (unlock func()) {
	s := c.shardFor(id)

	s.mu.Lock()
	kl, ok := s.locks[id]
	if !ok {
		kl = &keyLock{}
		s.locks[id] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()

			s.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(s.locks, id)
			}
			s.mu.Unlock()
		})
	}
}

// Closed reports whether Close has been called.
func (c *Cache) Closed() bool {
	return c.closed.Load()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Scans:     c.scans.Load(),
		Anomalies: c.anomalies.Load(),
	}
}

// Snapshot returns a copy of every entry.
func (c *Cache) Snapshot() map[knowledge.ProcessInstanceID]knowledge.Handle {
	out := make(map[knowledge.ProcessInstanceID]knowledge.Handle, c.Len())
	for _, s := range c.shards {
		s.mu.RLock()
		for id, h := range s.entries {
			out[id] = h
		}
		s.mu.RUnlock()
	}
	return out
}

// Close drops every entry. Later calls to Resolve, Register and Forget
// return ErrCacheClosed. Close is idempotent.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	for _, s := range c.shards {
		s.mu.Lock()
		clear(s.entries)
		s.mu.Unlock()
	}
	c.size.Store(0)
	c.metrics.SetCacheEntries(0)
	return nil
}
