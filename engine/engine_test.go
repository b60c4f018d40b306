package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline/pollsync/pkg/polling"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Fetcher: &sliceFetcher{}})
	require.ErrorContains(t, err, "cursor store")

	_, err = New(Config{Store: newMemStore()})
	require.ErrorContains(t, err, "fetcher")
}

func TestRegister_AppliesDefaultsAndValidates(t *testing.T) {
	e := newTestEngine(t, Config{Store: newMemStore(), Fetcher: &sliceFetcher{}})

	require.NoError(t, e.Register(Registration{
		Entity: polling.TrackedEntity{Name: "orders", Source: "orders"},
		Sink:   newKeyedSink(),
	}))

	o := e.orchs["orders"]
	require.NotNil(t, o)
	assert.Equal(t, DefaultBatchSize, o.Entity().BatchSize)
	assert.Equal(t, DefaultPollInterval, o.Entity().PollInterval)
	assert.Equal(t, DefaultBackoffCap, o.Entity().BackoffCap)

	err := e.Register(Registration{
		Entity: polling.TrackedEntity{Name: "orders", Source: "orders"},
		Sink:   newKeyedSink(),
	})
	require.ErrorContains(t, err, "already registered")

	err = e.Register(Registration{Entity: polling.TrackedEntity{Name: "bare"}})
	require.ErrorContains(t, err, "sink is required")

	err = e.Register(Registration{
		Entity: polling.TrackedEntity{Name: "bad", Source: "bad", BatchSize: -1},
		Sink:   newKeyedSink(),
	})
	require.ErrorContains(t, err, "batch_size")
}

func TestRun_DrivesAllEntitiesUntilCancelled(t *testing.T) {
	store := newMemStore()
	fetcher := &sliceFetcher{}
	fetcher.add(
		rec("orders", t0, 1),
		rec("customers", t0, 2),
	)
	e := newTestEngine(t, Config{Store: store, Fetcher: fetcher})

	sinks := map[string]*keyedSink{"orders": newKeyedSink(), "customers": newKeyedSink()}
	for name, sink := range sinks {
		require.NoError(t, e.Register(Registration{
			Entity: polling.TrackedEntity{
				Name:            name,
				Source:          name,
				TimestampColumn: "modified_at",
				TiebreakColumn:  "id",
				PollInterval:    time.Millisecond,
			},
			Sink: sink,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sinks["orders"].applicationCount() == 1 && sinks["customers"].applicationCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done, "cancellation is the normal exit")
	assert.Equal(t, polling.Watermark{Timestamp: t0, TiebreakID: 1}, store.watermark("orders"))
	assert.Equal(t, polling.Watermark{Timestamp: t0, TiebreakID: 2}, store.watermark("customers"))
}

func TestRun_SkipsEntitiesLockedElsewhere(t *testing.T) {
	store := newMemStore()
	fetcher := &sliceFetcher{}
	fetcher.add(
		rec("orders", t0, 1),
		rec("customers", t0, 2),
	)
	locker := &fakeLocker{held: map[string]bool{LockName("customers"): true}}
	e := newTestEngine(t, Config{Store: store, Fetcher: fetcher, Locker: locker})

	orderSink, customerSink := newKeyedSink(), newKeyedSink()
	for name, sink := range map[string]*keyedSink{"orders": orderSink, "customers": customerSink} {
		require.NoError(t, e.Register(Registration{
			Entity: polling.TrackedEntity{Name: name, Source: name, PollInterval: time.Millisecond},
			Sink:   sink,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return orderSink.applicationCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, customerSink.applicationCount(), "locked entity must not run")
	assert.Equal(t, []string{LockName("orders")}, locker.acquired)
	assert.Equal(t, []string{LockName("orders")}, locker.released)
}

func TestRun_RejectsEmptyAndDoubleStart(t *testing.T) {
	e := newTestEngine(t, Config{Store: newMemStore(), Fetcher: &sliceFetcher{}})
	require.ErrorContains(t, e.Run(context.Background()), "no entities")

	require.NoError(t, e.Register(Registration{
		Entity: polling.TrackedEntity{Name: "orders", Source: "orders", PollInterval: time.Millisecond},
		Sink:   newKeyedSink(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.running
	}, time.Second, time.Millisecond)

	require.ErrorContains(t, e.Run(ctx), "already running")
	require.ErrorContains(t, e.Register(Registration{
		Entity: polling.TrackedEntity{Name: "late", Source: "late"},
		Sink:   newKeyedSink(),
	}), "while running")

	cancel()
	require.NoError(t, <-done)
}
