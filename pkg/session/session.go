// Package session wires a sync cache and a lifecycle listener to one
// knowledge store.
//
// A Session is the explicit owner of the identity cache: nothing is shared
// between sessions, and Close tears the cache down.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/lifecycle"
	"github.com/factsync/factsync/pkg/process"
	"github.com/factsync/factsync/pkg/synccache"
	"github.com/factsync/factsync/pkg/telemetry"
)

// Session binds a cache and a listener to a store.
type Session struct {
	store    knowledge.Store
	cache    *synccache.Cache
	listener *lifecycle.Listener
	logger   zerolog.Logger

	ownsStore bool
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	tel       *telemetry.Telemetry
	admitter  lifecycle.Admitter
	shards    int
	ownsStore bool
}

// Option configures a Session.
type Option func(*options)

// WithTelemetry instruments the cache and the listener.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithAdmitter gates inserts on a policy.
func WithAdmitter(a lifecycle.Admitter) Option {
	return func(o *options) { o.admitter = a }
}

// WithShards sets the cache shard count.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithOwnedStore makes Close also close the store, if it implements
// io.Closer.
func WithOwnedStore() Option {
	return func(o *options) { o.ownsStore = true }
}

// New creates a session over store.
func New(store knowledge.Store, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("session requires a knowledge store")
	}

	o := &options{shards: synccache.DefaultShards}
	for _, opt := range opts {
		opt(o)
	}

	cacheOpts := []synccache.Option{synccache.WithShards(o.shards)}
	listenerOpts := []lifecycle.Option{}
	logger := zerolog.Nop()
	if o.tel != nil {
		cacheOpts = append(cacheOpts, synccache.WithTelemetry(o.tel))
		listenerOpts = append(listenerOpts, lifecycle.WithTelemetry(o.tel))
		logger = o.tel.Logger.NewComponentLogger("session").Zerolog()
	}
	if o.admitter != nil {
		listenerOpts = append(listenerOpts, lifecycle.WithAdmitter(o.admitter))
	}

	cache := synccache.New(cacheOpts...)
	s := &Session{
		store:     store,
		cache:     cache,
		listener:  lifecycle.New(cache, listenerOpts...),
		logger:    logger,
		ownsStore: o.ownsStore,
	}

	logger.Debug().Int("shards", o.shards).Bool("owns_store", o.ownsStore).Msg("Session opened")
	return s, nil
}

// Store returns the session's knowledge store.
func (s *Session) Store() knowledge.Store {
	return s.store
}

// Cache returns the session's identity cache.
func (s *Session) Cache() *synccache.Cache {
	return s.cache
}

// Listener returns the lifecycle listener to register with the engine.
func (s *Session) Listener() process.EventListener {
	return s.listener
}

// Attach registers the session listener with support.
func (s *Session) Attach(support *process.EventSupport) {
	support.AddListener(s.listener)
}

// Resolve returns the handle of the fact for id, scanning the store on a
// cache miss. It holds the id lock so it never interleaves with a lifecycle
// event for the same instance.
func (s *Session) Resolve(ctx context.Context, id knowledge.ProcessInstanceID) (knowledge.Handle, bool, error) {
	unlock := s.cache.Lock(id)
	defer unlock()
	return s.cache.Resolve(ctx, s.store, id)
}

// Close clears the cache and, for owned stores, closes the store. Further
// use of the session fails with synccache.ErrCacheClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		stats := s.cache.Stats()
		errs := []error{s.cache.Close()}

		if s.ownsStore {
			if c, ok := s.store.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close store: %w", err))
				}
			}
		}

		s.closeErr = errors.Join(errs...)
		s.logger.Debug().
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Uint64("scans", stats.Scans).
			Uint64("anomalies", stats.Anomalies).
			Msg("Session closed")
	})
	return s.closeErr
}
