package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/telemetry"
)

// setupTestStore creates an empty store of the given driver for testing.
func setupTestStore(t *testing.T, driver Driver) Store {
	t.Helper()

	cfg := Config{Driver: driver}
	if driver == DriverSQLite {
		cfg.Path = ":memory:"
	}

	store, err := Open(context.Background(), cfg)
	require.NoError(t, err, "failed to open %s store", driver)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var allDrivers = []Driver{DriverMemory, DriverSQLite, DriverBadger}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, d := range allDrivers {
		t.Run(string(d), func(t *testing.T) {
			fn(t, setupTestStore(t, d))
		})
	}
}

func pi(id knowledge.ProcessInstanceID, vars map[string]any) knowledge.ProcessInstanceFact {
	return knowledge.ProcessInstanceFact{
		ID:        id,
		ProcessID: "order-approval",
		State:     knowledge.ProcessInstanceStateActive,
		Variables: vars,
	}
}

func TestStore_InsertGetUpdateRetract(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		h, err := s.Insert(ctx, pi(42, map[string]any{"amount": 10.0}))
		require.NoError(t, err)
		require.NotEmpty(t, h)

		fact, err := s.Get(ctx, h)
		require.NoError(t, err)
		got, ok := knowledge.AsProcessInstance(fact)
		require.True(t, ok)
		assert.Equal(t, knowledge.ProcessInstanceID(42), got.ID)
		assert.Equal(t, 10.0, got.Variables["amount"])

		require.NoError(t, s.Update(ctx, h, pi(42, map[string]any{"amount": 20.0})))
		fact, err = s.Get(ctx, h)
		require.NoError(t, err)
		got, _ = knowledge.AsProcessInstance(fact)
		assert.Equal(t, 20.0, got.Variables["amount"])

		require.NoError(t, s.Retract(ctx, h))
		_, err = s.Get(ctx, h)
		assert.ErrorIs(t, err, knowledge.ErrFactNotFound)

		hs, err := s.Scan(ctx, knowledge.MatchProcessInstance(42))
		require.NoError(t, err)
		assert.Empty(t, hs)
	})
}

func TestStore_UnknownHandle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Update(ctx, "missing", pi(1, nil))
		assert.ErrorIs(t, err, knowledge.ErrFactNotFound)
		assert.True(t, knowledge.IsPermanent(err))

		err = s.Retract(ctx, "missing")
		assert.ErrorIs(t, err, knowledge.ErrFactNotFound)
	})
}

func TestStore_InvalidFact(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Insert(ctx, pi(0, nil))
		assert.ErrorIs(t, err, knowledge.ErrInvalidFact)
		assert.True(t, knowledge.IsPermanent(err))

		_, err = s.Scan(ctx, nil)
		assert.Error(t, err)
	})
}

func TestStore_ScanReportsDuplicates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		h1, err := s.Insert(ctx, pi(7, nil))
		require.NoError(t, err)
		h2, err := s.Insert(ctx, pi(7, nil))
		require.NoError(t, err)
		_, err = s.Insert(ctx, pi(70, nil))
		require.NoError(t, err)
		_, err = s.Insert(ctx, knowledge.GenericFact{Type: "process_instance", Key: "7"})
		require.NoError(t, err)

		hs, err := s.Scan(ctx, knowledge.MatchProcessInstance(7))
		require.NoError(t, err)
		assert.ElementsMatch(t, []knowledge.Handle{h1, h2}, hs)

		// Non-indexed predicate path.
		hs, err = s.Scan(ctx, knowledge.PredicateFunc(func(f knowledge.Fact) bool {
			p, ok := knowledge.AsProcessInstance(f)
			return ok && p.ID == 7
		}))
		require.NoError(t, err)
		assert.ElementsMatch(t, []knowledge.Handle{h1, h2}, hs)

		hs, err = s.Scan(ctx, knowledge.MatchKind(knowledge.FactKindGeneric))
		require.NoError(t, err)
		assert.Len(t, hs, 1)
	})
}

func TestStore_UpdateMovesIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		h, err := s.Insert(ctx, pi(5, nil))
		require.NoError(t, err)
		require.NoError(t, s.Update(ctx, h, pi(6, nil)))

		hs, err := s.Scan(ctx, knowledge.MatchProcessInstance(5))
		require.NoError(t, err)
		assert.Empty(t, hs)

		hs, err = s.Scan(ctx, knowledge.MatchProcessInstance(6))
		require.NoError(t, err)
		assert.Equal(t, []knowledge.Handle{h}, hs)
	})
}

func TestStore_ListAndMaxID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		maxID, err := MaxProcessInstanceID(ctx, s)
		require.NoError(t, err)
		assert.Zero(t, maxID)

		for _, id := range []knowledge.ProcessInstanceID{3, 120, 9} {
			_, err := s.Insert(ctx, pi(id, nil))
			require.NoError(t, err)
		}
		_, err = s.Insert(ctx, knowledge.GenericFact{Type: "order", Key: "o-1"})
		require.NoError(t, err)

		records, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 4)

		maxID, err = MaxProcessInstanceID(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, knowledge.ProcessInstanceID(120), maxID)
	})
}

func TestStore_StoredSnapshotIsIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		vars := map[string]any{"approved": false}
		h, err := s.Insert(ctx, pi(1, vars))
		require.NoError(t, err)

		vars["approved"] = true

		fact, err := s.Get(ctx, h)
		require.NoError(t, err)
		got, _ := knowledge.AsProcessInstance(fact)
		assert.Equal(t, false, got.Variables["approved"])
	})
}

func TestStore_ConcurrentInserts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 1; i <= 50; i++ {
			wg.Add(1)
			go func(id knowledge.ProcessInstanceID) {
				defer wg.Done()
				_, err := s.Insert(ctx, pi(id, nil))
				assert.NoError(t, err)
			}(knowledge.ProcessInstanceID(i))
		}
		wg.Wait()

		records, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, records, 50)
	})
}

func TestStore_Closed(t *testing.T) {
	for _, d := range allDrivers {
		t.Run(string(d), func(t *testing.T) {
			s := setupTestStore(t, d)
			require.NoError(t, s.HealthCheck(context.Background()))
			require.NoError(t, s.Close())

			_, err := s.Insert(context.Background(), pi(1, nil))
			assert.ErrorIs(t, err, knowledge.ErrStoreClosed)
			assert.Error(t, s.HealthCheck(context.Background()))
		})
	}
}

func TestSQLiteStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "facts.db")}

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	h, err := first.Insert(ctx, pi(42, nil))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	hs, err := second.Scan(ctx, knowledge.MatchProcessInstance(42))
	require.NoError(t, err)
	assert.Equal(t, []knowledge.Handle{h}, hs)
}

func TestBadgerStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: DriverBadger, Path: filepath.Join(t.TempDir(), "badger")}

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	h, err := first.Insert(ctx, pi(42, nil))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	hs, err := second.Scan(ctx, knowledge.MatchProcessInstance(42))
	require.NoError(t, err)
	assert.Equal(t, []knowledge.Handle{h}, hs)
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	var count int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts").Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	busy := classify("insert", "", errors.New("database is locked (5) (SQLITE_BUSY)"))
	assert.True(t, knowledge.IsTransient(busy))

	closed := classify("scan", "", errors.New("sql: database is closed"))
	assert.ErrorIs(t, closed, knowledge.ErrStoreClosed)

	other := classify("scan", "h", errors.New("no such table: facts"))
	assert.True(t, knowledge.IsPermanent(other))
}

func TestInstrument(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.TestConfig(), nil)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	s := Instrument(NewMemoryStore(), tel)
	ctx := context.Background()

	h, err := s.Insert(ctx, pi(1, nil))
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, h, pi(1, map[string]any{"x": 1.0})))
	hs, err := s.Scan(ctx, knowledge.MatchProcessInstance(1))
	require.NoError(t, err)
	assert.Equal(t, []knowledge.Handle{h}, hs)
	require.NoError(t, s.Retract(ctx, h))
	assert.ErrorIs(t, s.Retract(ctx, h), knowledge.ErrFactNotFound)

	maxID, err := MaxProcessInstanceID(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	plain := NewMemoryStore()
	assert.Equal(t, Store(plain), Instrument(plain, nil))
}
