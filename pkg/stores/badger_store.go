package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Key layout:
//
//	fact/<handle>          -> encoded fact
//	pi/<id:020d>/<handle>  -> empty, one per process-instance fact
var (
	factPrefix  = []byte("fact/")
	indexPrefix = []byte("pi/")
)

// BadgerStore implements Store on an embedded Badger database.
//
// Handles are UUIDv7 so that key order follows insertion order.
type BadgerStore struct {
	mu     sync.RWMutex
	db     *badger.DB
	logger zerolog.Logger
}

// NewBadgerStore opens a Badger database at cfg.Path, or in memory when the
// path is empty.
func NewBadgerStore(cfg Config, opts ...Option) (*BadgerStore, error) {
	o := newOptions(opts)

	var bopts badger.Options
	if cfg.Path == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		bopts = badger.DefaultOptions(cfg.Path)
	}

	bopts = bopts.WithSyncWrites(cfg.SyncWrites)
	bopts = bopts.WithNumVersionsToKeep(1)
	bopts = bopts.WithLogger(&badgerLogger{logger: o.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &BadgerStore{db: db, logger: o.logger}, nil
}

// Insert adds a fact and returns a fresh handle.
func (s *BadgerStore) Insert(_ context.Context, fact knowledge.Fact) (knowledge.Handle, error) {
	if err := knowledge.Validate(fact); err != nil {
		return "", invalidFact("insert", err)
	}
	payload, err := knowledge.MarshalFact(fact)
	if err != nil {
		return "", invalidFact("insert", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", knowledge.NewTransientError("insert", fmt.Errorf("generate handle: %w", err))
	}
	handle := knowledge.Handle(id.String())

	err = s.update("insert", func(txn *badger.Txn) error {
		if err := txn.Set(factKey(handle), payload); err != nil {
			return err
		}
		if pid, ok := instanceID(fact); ok {
			return txn.Set(indexKey(pid, handle), nil)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}

// Update replaces the fact referenced by handle, moving its index key when
// the process-instance id changes.
func (s *BadgerStore) Update(_ context.Context, handle knowledge.Handle, fact knowledge.Fact) error {
	if err := knowledge.Validate(fact); err != nil {
		return invalidFact("update", err)
	}
	payload, err := knowledge.MarshalFact(fact)
	if err != nil {
		return invalidFact("update", err)
	}

	return s.update("update", func(txn *badger.Txn) error {
		old, err := getFact(txn, handle)
		if err != nil {
			return err
		}
		if pid, ok := instanceID(old); ok {
			if err := txn.Delete(indexKey(pid, handle)); err != nil {
				return err
			}
		}
		if err := txn.Set(factKey(handle), payload); err != nil {
			return err
		}
		if pid, ok := instanceID(fact); ok {
			return txn.Set(indexKey(pid, handle), nil)
		}
		return nil
	}, handle)
}

// Retract removes the fact referenced by handle.
func (s *BadgerStore) Retract(_ context.Context, handle knowledge.Handle) error {
	return s.update("retract", func(txn *badger.Txn) error {
		old, err := getFact(txn, handle)
		if err != nil {
			return err
		}
		if pid, ok := instanceID(old); ok {
			if err := txn.Delete(indexKey(pid, handle)); err != nil {
				return err
			}
		}
		return txn.Delete(factKey(handle))
	}, handle)
}

// Scan returns the handles of matching facts in insertion order.
func (s *BadgerStore) Scan(_ context.Context, predicate knowledge.Predicate) ([]knowledge.Handle, error) {
	if predicate == nil {
		return nil, invalidFact("scan", knowledge.ErrInvalidFact)
	}

	var handles []knowledge.Handle

	if m, ok := predicate.(knowledge.ProcessInstanceMatch); ok {
		prefix := indexPrefixFor(m.ID)
		err := s.view("scan", func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().Key()
				handles = append(handles, knowledge.Handle(key[len(prefix):]))
			}
			return nil
		})
		return handles, err
	}

	err := s.each("scan", func(h knowledge.Handle, fact knowledge.Fact) {
		if predicate.Match(fact) {
			handles = append(handles, h)
		}
	})
	return handles, err
}

// Get returns the fact referenced by handle.
func (s *BadgerStore) Get(_ context.Context, handle knowledge.Handle) (knowledge.Fact, error) {
	var fact knowledge.Fact
	err := s.view("get", func(txn *badger.Txn) error {
		f, err := getFact(txn, handle)
		fact = f
		return err
	}, handle)
	return fact, err
}

// List returns every fact in insertion order.
func (s *BadgerStore) List(_ context.Context) ([]knowledge.Record, error) {
	records := []knowledge.Record{}
	err := s.each("list", func(h knowledge.Handle, fact knowledge.Fact) {
		records = append(records, knowledge.Record{Handle: h, Fact: fact})
	})
	return records, err
}

// MaxProcessInstanceID returns the largest process-instance id held, or 0.
func (s *BadgerStore) MaxProcessInstanceID(_ context.Context) (knowledge.ProcessInstanceID, error) {
	var maxID knowledge.ProcessInstanceID
	err := s.view("scan", func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: indexPrefix, Reverse: true})
		defer it.Close()

		seek := append(append([]byte{}, indexPrefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(indexPrefix) {
			return nil
		}

		rest := it.Item().Key()[len(indexPrefix):]
		idx := bytes.IndexByte(rest, '/')
		if idx < 0 {
			return fmt.Errorf("malformed index key %q", it.Item().Key())
		}
		n, err := strconv.ParseInt(string(rest[:idx]), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed index key %q: %w", it.Item().Key(), err)
		}
		maxID = knowledge.ProcessInstanceID(n)
		return nil
	})
	return maxID, err
}

// HealthCheck reports whether the database is open.
func (s *BadgerStore) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil || s.db.IsClosed() {
		return closedStore("health")
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) each(op string, fn func(knowledge.Handle, knowledge.Fact)) error {
	return s.view(op, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: factPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(factPrefix); it.ValidForPrefix(factPrefix); it.Next() {
			item := it.Item()
			h := knowledge.Handle(item.Key()[len(factPrefix):])

			payload, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fact, err := knowledge.UnmarshalFact(payload)
			if err != nil {
				return invalidFact(op, err).WithHandle(h)
			}
			fn(h, fact)
		}
		return nil
	})
}

func (s *BadgerStore) view(op string, fn func(*badger.Txn) error, handle ...knowledge.Handle) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return closedStore(op)
	}
	return classifyBadger(op, first(handle), s.db.View(fn))
}

func (s *BadgerStore) update(op string, fn func(*badger.Txn) error, handle ...knowledge.Handle) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return closedStore(op)
	}
	return classifyBadger(op, first(handle), s.db.Update(fn))
}

func getFact(txn *badger.Txn, handle knowledge.Handle) (knowledge.Fact, error) {
	item, err := txn.Get(factKey(handle))
	if err != nil {
		return nil, err
	}
	payload, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return knowledge.UnmarshalFact(payload)
}

func factKey(h knowledge.Handle) []byte {
	return append(append([]byte{}, factPrefix...), h...)
}

func indexPrefixFor(id knowledge.ProcessInstanceID) []byte {
	return fmt.Appendf(append([]byte{}, indexPrefix...), "%020d/", int64(id))
}

func indexKey(id knowledge.ProcessInstanceID, h knowledge.Handle) []byte {
	return append(indexPrefixFor(id), h...)
}

func first(hs []knowledge.Handle) knowledge.Handle {
	if len(hs) == 0 {
		return ""
	}
	return hs[0]
}

// classifyBadger maps a Badger error onto a knowledge.StoreError class.
func classifyBadger(op string, handle knowledge.Handle, err error) error {
	if err == nil {
		return nil
	}

	var se *knowledge.StoreError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, badger.ErrKeyNotFound):
		return knowledge.NotFound(op, handle)
	case errors.Is(err, knowledge.ErrInvalidFact):
		return invalidFact(op, err).WithHandle(handle)
	case errors.Is(err, badger.ErrConflict):
		return knowledge.NewConflictError(op, err).WithHandle(handle)
	case errors.Is(err, badger.ErrDBClosed):
		return knowledge.NewPermanentError(op, fmt.Errorf("%w: %v", knowledge.ErrStoreClosed, err)).
			WithCode(knowledge.ErrCodeClosed).WithHandle(handle)
	default:
		return knowledge.NewPermanentError(op, err).WithCode(knowledge.ErrCodeInternal).WithHandle(handle)
	}
}

// badgerLogger adapts zerolog to Badger's Logger interface.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
