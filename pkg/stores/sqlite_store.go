package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/factsync/factsync/pkg/knowledge"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config, opts ...Option) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to ":memory:" opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	o := newOptions(opts)
	return &SQLiteStore{
		cfg:    cfg,
		logger: o.logger,
		now:    o.now,
	}, nil
}

// Init opens the database connection and applies connection PRAGMAs.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	db, err := s.conn("migrate")
	if err != nil {
		return err
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug().Uint("version", version).Bool("dirty", dirty).Msg("Fact store schema migrated")
	}
	return nil
}

// Insert adds a fact and returns a fresh handle.
func (s *SQLiteStore) Insert(ctx context.Context, fact knowledge.Fact) (knowledge.Handle, error) {
	if err := knowledge.Validate(fact); err != nil {
		return "", invalidFact("insert", err)
	}
	payload, err := knowledge.MarshalFact(fact)
	if err != nil {
		return "", invalidFact("insert", err)
	}

	db, err := s.conn("insert")
	if err != nil {
		return "", err
	}

	handle := knowledge.Handle(uuid.NewString())
	now := s.now().UnixNano()

	query := `
		INSERT INTO facts (handle, kind, process_instance_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query, string(handle), string(fact.Kind()), nullableID(fact), string(payload), now, now)
	if err != nil {
		return "", classify("insert", "", fmt.Errorf("failed to insert fact: %w", err))
	}

	return handle, nil
}

// Update replaces the fact referenced by handle.
func (s *SQLiteStore) Update(ctx context.Context, handle knowledge.Handle, fact knowledge.Fact) error {
	if err := knowledge.Validate(fact); err != nil {
		return invalidFact("update", err)
	}
	payload, err := knowledge.MarshalFact(fact)
	if err != nil {
		return invalidFact("update", err)
	}

	db, err := s.conn("update")
	if err != nil {
		return err
	}

	query := `
		UPDATE facts
		SET kind = ?, process_instance_id = ?, payload = ?, updated_at = ?
		WHERE handle = ?
	`
	result, err := db.ExecContext(ctx, query, string(fact.Kind()), nullableID(fact), string(payload), s.now().UnixNano(), string(handle))
	if err != nil {
		return classify("update", handle, fmt.Errorf("failed to update fact: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("update", handle, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows == 0 {
		return knowledge.NotFound("update", handle)
	}

	return nil
}

// Retract removes the fact referenced by handle.
func (s *SQLiteStore) Retract(ctx context.Context, handle knowledge.Handle) error {
	db, err := s.conn("retract")
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, "DELETE FROM facts WHERE handle = ?", string(handle))
	if err != nil {
		return classify("retract", handle, fmt.Errorf("failed to delete fact: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify("retract", handle, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows == 0 {
		return knowledge.NotFound("retract", handle)
	}

	return nil
}

// Scan returns the handles of matching facts ordered by creation time.
// A knowledge.ProcessInstanceMatch is answered from the instance index; any
// other predicate decodes every row.
func (s *SQLiteStore) Scan(ctx context.Context, predicate knowledge.Predicate) ([]knowledge.Handle, error) {
	if predicate == nil {
		return nil, invalidFact("scan", knowledge.ErrInvalidFact)
	}

	db, err := s.conn("scan")
	if err != nil {
		return nil, err
	}

	if m, ok := predicate.(knowledge.ProcessInstanceMatch); ok {
		return s.scanInstance(ctx, db, m.ID)
	}

	records, err := s.list(ctx, db, "scan")
	if err != nil {
		return nil, err
	}

	var handles []knowledge.Handle
	for _, r := range records {
		if predicate.Match(r.Fact) {
			handles = append(handles, r.Handle)
		}
	}
	return handles, nil
}

func (s *SQLiteStore) scanInstance(ctx context.Context, db *sql.DB, id knowledge.ProcessInstanceID) ([]knowledge.Handle, error) {
	query := `
		SELECT handle FROM facts
		WHERE kind = ? AND process_instance_id = ?
		ORDER BY created_at, handle
	`
	rows, err := db.QueryContext(ctx, query, string(knowledge.FactKindProcessInstance), int64(id))
	if err != nil {
		return nil, classify("scan", "", fmt.Errorf("failed to scan facts: %w", err))
	}
	defer rows.Close()

	var handles []knowledge.Handle
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, classify("scan", "", fmt.Errorf("failed to scan handle: %w", err))
		}
		handles = append(handles, knowledge.Handle(h))
	}

	if err := rows.Err(); err != nil {
		return nil, classify("scan", "", fmt.Errorf("error iterating facts: %w", err))
	}

	return handles, nil
}

// Get returns the fact referenced by handle.
func (s *SQLiteStore) Get(ctx context.Context, handle knowledge.Handle) (knowledge.Fact, error) {
	db, err := s.conn("get")
	if err != nil {
		return nil, err
	}

	var payload string
	err = db.QueryRowContext(ctx, "SELECT payload FROM facts WHERE handle = ?", string(handle)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, knowledge.NotFound("get", handle)
	}
	if err != nil {
		return nil, classify("get", handle, fmt.Errorf("failed to get fact: %w", err))
	}

	fact, err := knowledge.UnmarshalFact([]byte(payload))
	if err != nil {
		return nil, invalidFact("get", err).WithHandle(handle)
	}
	return fact, nil
}

// List returns every fact ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]knowledge.Record, error) {
	db, err := s.conn("list")
	if err != nil {
		return nil, err
	}
	return s.list(ctx, db, "list")
}

func (s *SQLiteStore) list(ctx context.Context, db *sql.DB, op string) ([]knowledge.Record, error) {
	rows, err := db.QueryContext(ctx, "SELECT handle, payload FROM facts ORDER BY created_at, handle")
	if err != nil {
		return nil, classify(op, "", fmt.Errorf("failed to list facts: %w", err))
	}
	defer rows.Close()

	records := []knowledge.Record{}
	for rows.Next() {
		var h, payload string
		if err := rows.Scan(&h, &payload); err != nil {
			return nil, classify(op, "", fmt.Errorf("failed to scan fact: %w", err))
		}
		fact, err := knowledge.UnmarshalFact([]byte(payload))
		if err != nil {
			return nil, invalidFact(op, err).WithHandle(knowledge.Handle(h))
		}
		records = append(records, knowledge.Record{Handle: knowledge.Handle(h), Fact: fact})
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, "", fmt.Errorf("error iterating facts: %w", err))
	}

	return records, nil
}

// MaxProcessInstanceID returns the largest process-instance id held, or 0.
func (s *SQLiteStore) MaxProcessInstanceID(ctx context.Context) (knowledge.ProcessInstanceID, error) {
	db, err := s.conn("scan")
	if err != nil {
		return 0, err
	}

	var maxID sql.NullInt64
	err = db.QueryRowContext(ctx,
		"SELECT MAX(process_instance_id) FROM facts WHERE kind = ?",
		string(knowledge.FactKindProcessInstance),
	).Scan(&maxID)
	if err != nil {
		return 0, classify("scan", "", fmt.Errorf("failed to query max instance id: %w", err))
	}
	return knowledge.ProcessInstanceID(maxID.Int64), nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	db, err := s.conn("health")
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) conn(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, closedStore(op)
	}
	return s.db, nil
}

func nullableID(fact knowledge.Fact) sql.NullInt64 {
	id, ok := instanceID(fact)
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}

// classify maps a driver error onto a knowledge.StoreError class.
func classify(op string, handle knowledge.Handle, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, sql.ErrConnDone), strings.Contains(msg, "database is closed"):
		return knowledge.NewPermanentError(op, fmt.Errorf("%w: %v", knowledge.ErrStoreClosed, err)).
			WithCode(knowledge.ErrCodeClosed).WithHandle(handle)
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return knowledge.NewTransientError(op, err).WithCode(knowledge.ErrCodeBusy).WithHandle(handle)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return knowledge.NewTransientError(op, err).WithHandle(handle)
	default:
		return knowledge.NewPermanentError(op, err).WithCode(knowledge.ErrCodeInternal).WithHandle(handle)
	}
}
