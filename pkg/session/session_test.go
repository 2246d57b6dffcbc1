package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/policy"
	"github.com/factsync/factsync/pkg/process"
	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/synccache"
	"github.com/factsync/factsync/pkg/telemetry"
)

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSession_DriverEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()

	sess, err := New(store, WithShards(4))
	require.NoError(t, err)
	defer sess.Close()

	support := process.NewEventSupport()
	sess.Attach(support)

	d, err := process.NewDriver(ctx, store, support)
	require.NoError(t, err)

	inst, err := d.Start(ctx, "order-approval", map[string]any{"amount": 10})
	require.NoError(t, err)

	h, ok, err := sess.Resolve(ctx, inst.ID())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.SetVariable(ctx, inst, "approved", true))
	fact, err := store.Get(ctx, h)
	require.NoError(t, err)
	got, _ := knowledge.AsProcessInstance(fact)
	assert.Equal(t, true, got.Variables["approved"])
	assert.Equal(t, knowledge.ProcessInstanceStateActive, got.State)

	require.NoError(t, d.Complete(ctx, inst))
	_, ok, err = sess.Resolve(ctx, inst.ID())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

func TestSession_RestartAcrossSessions(t *testing.T) {
	ctx := context.Background()
	cfg := stores.Config{Driver: stores.DriverSQLite, Path: filepath.Join(t.TempDir(), "facts.db")}

	first, err := stores.Open(ctx, cfg)
	require.NoError(t, err)
	sess, err := New(first, WithOwnedStore())
	require.NoError(t, err)

	support := process.NewEventSupport()
	sess.Attach(support)
	d, err := process.NewDriver(ctx, first, support)
	require.NoError(t, err)
	inst, err := d.Start(ctx, "p", nil)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	second, err := stores.Open(ctx, cfg)
	require.NoError(t, err)
	sess, err = New(second, WithOwnedStore())
	require.NoError(t, err)
	defer sess.Close()

	h, ok, err := sess.Resolve(ctx, inst.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), sess.Cache().Stats().Scans)

	// Completion after the restart retracts the fact written before it.
	support = process.NewEventSupport()
	sess.Attach(support)
	d, err = process.NewDriver(ctx, second, support)
	require.NoError(t, err)
	revived := process.NewInstance(inst.ID(), "p")
	require.NoError(t, d.Complete(ctx, revived))

	_, err = second.Get(ctx, h)
	assert.ErrorIs(t, err, knowledge.ErrFactNotFound)

	next, err := d.Start(ctx, "p", nil)
	require.NoError(t, err)
	assert.Greater(t, next.ID(), inst.ID(), "ids are never reused against one store")
}

func TestSession_WithPolicyAndTelemetry(t *testing.T) {
	ctx := context.Background()
	tel, err := telemetry.NewTelemetry(telemetry.TestConfig(), nil)
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	eng, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)

	store := stores.Instrument(stores.NewMemoryStore(), tel)
	sess, err := New(store, WithTelemetry(tel), WithAdmitter(eng))
	require.NoError(t, err)
	defer sess.Close()

	support := process.NewEventSupport()
	sess.Attach(support)
	d, err := process.NewDriver(ctx, store, support)
	require.NoError(t, err)

	result, err := d.Run(ctx, process.BatchConfig{
		ProcessID:   "p",
		Instances:   10,
		Concurrency: 3,
		Updates:     2,
		Variables:   map[string]any{policy.SkipVariable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Started)
	assert.Zero(t, sess.Cache().Len())

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSession_Close(t *testing.T) {
	store := stores.NewMemoryStore()
	sess, err := New(store, WithOwnedStore())
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, _, err = sess.Resolve(context.Background(), 1)
	assert.ErrorIs(t, err, synccache.ErrCacheClosed)
	assert.Error(t, store.HealthCheck(context.Background()))

	e := &process.ProcessStartedEvent{ProcessEvent: process.ProcessEvent{Instance: process.NewInstance(1, "p"), Runtime: store}}
	err = sess.Listener().BeforeProcessStarted(context.Background(), e)
	assert.ErrorIs(t, err, synccache.ErrCacheClosed)
}

func TestSession_NotOwnedStoreStaysOpen(t *testing.T) {
	store := stores.NewMemoryStore()
	sess, err := New(store)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	assert.NoError(t, store.HealthCheck(context.Background()))
}
