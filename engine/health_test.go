package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestline/pollsync/pkg/polling"
)

func newTestHealth(alerts polling.AlertSink) (*Health, *time.Time) {
	h := NewHealth(alerts, hclog.NewNullLogger())
	now := t0
	h.now = func() time.Time { return now }
	return h, &now
}

func TestHealth_SnapshotTracksCycles(t *testing.T) {
	h, now := newTestHealth(nil)
	entity := testEntity("orders", 5)
	h.Track(entity)

	*now = t0.Add(10 * time.Second)
	h.Observe(context.Background(), polling.CycleResult{
		Entity:   "orders",
		Duration: 120 * time.Millisecond,
		Fetched:  42,
	})

	*now = t0.Add(25 * time.Second)
	snap, ok := h.Snapshot("orders")
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), snap.LastSuccessAt)
	assert.Equal(t, 42, snap.LastBatchSize)
	assert.Equal(t, 120*time.Millisecond, snap.CycleDuration)
	assert.Equal(t, 15*time.Second, snap.Staleness)
	assert.Zero(t, snap.ErrorCount)

	_, ok = h.Snapshot("unknown")
	assert.False(t, ok)
}

func TestHealth_StalenessAlertEdgeTriggered(t *testing.T) {
	alerts := &captureAlerts{}
	h, now := newTestHealth(alerts)
	entity := testEntity("orders", 5)
	entity.StalenessSLA = time.Minute
	h.Track(entity)

	failed := polling.CycleResult{Entity: "orders", ErrorCount: 1, Err: errors.New("down")}

	*now = t0.Add(30 * time.Second)
	h.Observe(context.Background(), failed)
	assert.Empty(t, alerts.kinds(), "within SLA")

	*now = t0.Add(2 * time.Minute)
	h.Observe(context.Background(), failed)
	h.Observe(context.Background(), failed)
	assert.Equal(t, []polling.AlertKind{polling.AlertStale}, alerts.kinds(), "one alert per breach, not per cycle")

	// Recovery re-arms the alert.
	h.Observe(context.Background(), polling.CycleResult{Entity: "orders"})
	*now = t0.Add(5 * time.Minute)
	h.Observe(context.Background(), failed)
	assert.Equal(t, []polling.AlertKind{polling.AlertStale, polling.AlertStale}, alerts.kinds())
}

func TestHealth_ErrorThresholdAlert(t *testing.T) {
	alerts := &captureAlerts{}
	h, _ := newTestHealth(alerts)
	entity := testEntity("orders", 5)
	entity.ErrorThreshold = 3
	entity.StalenessSLA = time.Hour
	h.Track(entity)

	for i := 1; i <= 4; i++ {
		h.Observe(context.Background(), polling.CycleResult{
			Entity:     "orders",
			ErrorCount: i,
			Err:        errors.New("boom"),
		})
	}
	assert.Equal(t, []polling.AlertKind{polling.AlertErrors}, alerts.kinds())

	h.Observe(context.Background(), polling.CycleResult{Entity: "orders"})
	snap, _ := h.Snapshot("orders")
	assert.Zero(t, snap.ErrorCount)
}

func TestHealth_SlowCycleAlert(t *testing.T) {
	alerts := &captureAlerts{}
	h, _ := newTestHealth(alerts)
	entity := testEntity("orders", 5)
	entity.LatencyBudget = 100 * time.Millisecond
	entity.StalenessSLA = time.Hour
	h.Track(entity)

	h.Observe(context.Background(), polling.CycleResult{Entity: "orders", Duration: 50 * time.Millisecond})
	assert.Empty(t, alerts.kinds())

	h.Observe(context.Background(), polling.CycleResult{Entity: "orders", Duration: 250 * time.Millisecond, Fetched: 500})
	assert.Equal(t, []polling.AlertKind{polling.AlertSlowCycle}, alerts.kinds())
}

func TestHealth_UntrackedEntityGetsNoThresholdAlerts(t *testing.T) {
	alerts := &captureAlerts{}
	h, _ := newTestHealth(alerts)

	h.Observe(context.Background(), polling.CycleResult{
		Entity:     "surprise",
		ErrorCount: 99,
		Err:        errors.New("boom"),
	})
	assert.Empty(t, alerts.kinds())

	_, ok := h.Snapshot("surprise")
	assert.True(t, ok, "observation still creates a snapshot entry")
}
