package stores

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Driver names a store backend.
type Driver string

const (
	// DriverMemory selects MemoryStore.
	DriverMemory Driver = "memory"

	// DriverSQLite selects SQLiteStore.
	DriverSQLite Driver = "sqlite"

	// DriverBadger selects BadgerStore.
	DriverBadger Driver = "badger"
)

// Store is a knowledge store that can also be browsed, health checked and
// closed. Every backend in this package implements it.
type Store interface {
	knowledge.Store
	knowledge.Browser

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. Operations after Close fail with an error
	// matching knowledge.ErrStoreClosed.
	Close() error
}

// InstanceIDReader is implemented by stores that can report the highest
// process-instance id they hold without decoding every fact.
type InstanceIDReader interface {
	MaxProcessInstanceID(ctx context.Context) (knowledge.ProcessInstanceID, error)
}

// MaxProcessInstanceID returns the highest process-instance id held by s, or
// 0 when it holds none. Stores that are neither an InstanceIDReader nor a
// knowledge.Browser cannot answer.
func MaxProcessInstanceID(ctx context.Context, s knowledge.Store) (knowledge.ProcessInstanceID, error) {
	if r, ok := s.(InstanceIDReader); ok {
		return r.MaxProcessInstanceID(ctx)
	}

	b, ok := s.(knowledge.Browser)
	if !ok {
		return 0, fmt.Errorf("store %T cannot report process instance ids", s)
	}

	records, err := b.List(ctx)
	if err != nil {
		return 0, err
	}

	var maxID knowledge.ProcessInstanceID
	for _, r := range records {
		if id, ok := instanceID(r.Fact); ok && id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

// Config holds store configuration.
type Config struct {
	// Driver selects the backend.
	Driver Driver `yaml:"driver" json:"driver" validate:"required,oneof=memory sqlite badger"`

	// Path is the SQLite database file or Badger directory.
	// ":memory:" (SQLite) or an empty path (Badger) selects an in-memory database.
	Path string `yaml:"path" json:"path"`

	// MaxOpenConns bounds the SQLite connection pool.
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns bounds idle SQLite connections.
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime bounds how long a SQLite connection is reused.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// SyncWrites makes Badger fsync every write.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverMemory,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		BusyTimeout:     5 * time.Second,
	}
}

// Open creates, initializes and migrates the backend selected by cfg.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	o := newOptions(opts)

	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil

	case DriverSQLite:
		s, err := NewSQLiteStore(cfg, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		o.logger.Debug().Str("path", cfg.Path).Msg("Opened SQLite fact store")
		return s, nil

	case DriverBadger:
		s, err := NewBadgerStore(cfg, opts...)
		if err != nil {
			return nil, err
		}
		o.logger.Debug().Str("path", cfg.Path).Msg("Opened Badger fact store")
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// cloneFact returns fact in value form with its maps copied, so that a stored
// snapshot cannot be changed through the caller's references.
func cloneFact(fact knowledge.Fact) knowledge.Fact {
	switch v := fact.(type) {
	case knowledge.ProcessInstanceFact:
		v.Variables = maps.Clone(v.Variables)
		return v
	case *knowledge.ProcessInstanceFact:
		c := *v
		c.Variables = maps.Clone(v.Variables)
		return c
	case knowledge.GenericFact:
		v.Data = maps.Clone(v.Data)
		return v
	case *knowledge.GenericFact:
		c := *v
		c.Data = maps.Clone(v.Data)
		return c
	default:
		return fact
	}
}

// instanceID returns the process-instance id carried by fact, if any.
func instanceID(fact knowledge.Fact) (knowledge.ProcessInstanceID, bool) {
	pi, ok := knowledge.AsProcessInstance(fact)
	if !ok {
		return 0, false
	}
	return pi.ID, true
}

func invalidFact(op string, err error) *knowledge.StoreError {
	return knowledge.NewPermanentError(op, err).WithCode(knowledge.ErrCodeInvalidFact)
}

func closedStore(op string) *knowledge.StoreError {
	return knowledge.NewPermanentError(op, knowledge.ErrStoreClosed).WithCode(knowledge.ErrCodeClosed)
}
