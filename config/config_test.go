package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "engine": {
    "call_timeout": "45s"
  },
  "entities": [
    {
      "name": "orders",
      "source": "dbo.orders",
      "timestamp_column": "modified_at",
      "tiebreak_column": "order_id",
      "batch_size": 500,
      "poll_interval": "10s",
      "max_poll_interval": "2m",
      "backoff_base": "2s",
      "backoff_cap": 5,
      "error_threshold": 3,
      "staleness_sla": "10m",
      "latency_budget": "30s",
      "max_fast_cycles": 4
    },
    {
      "name": "deleted_orders",
      "source": "dbo.deleted_orders",
      "timestamp_column": "deleted_at",
      "tiebreak_column": "order_id",
      "tombstone": true
    }
  ]
}`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig([]byte(sampleConfig))
	require.NoError(t, err)

	timeout, err := cfg.Engine.GetCallTimeout()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, timeout)

	entities, err := cfg.TrackedEntities()
	require.NoError(t, err)
	require.Len(t, entities, 2)

	orders := entities[0]
	assert.Equal(t, "orders", orders.Name)
	assert.Equal(t, "dbo.orders", orders.Source)
	assert.Equal(t, "modified_at", orders.TimestampColumn)
	assert.Equal(t, "order_id", orders.TiebreakColumn)
	assert.Equal(t, 500, orders.BatchSize)
	assert.Equal(t, 10*time.Second, orders.PollInterval)
	assert.Equal(t, 2*time.Minute, orders.MaxPollInterval)
	assert.Equal(t, 2*time.Second, orders.BackoffBase)
	assert.Equal(t, 5, orders.BackoffCap)
	assert.Equal(t, 3, orders.ErrorThreshold)
	assert.Equal(t, 10*time.Minute, orders.StalenessSLA)
	assert.Equal(t, 30*time.Second, orders.LatencyBudget)
	assert.Equal(t, 4, orders.MaxFastCycles)
	assert.False(t, orders.Tombstone)

	tombstones := entities[1]
	assert.True(t, tombstones.Tombstone)
	assert.Zero(t, tombstones.PollInterval)
}

func TestLoadConfig_Malformed(t *testing.T) {
	_, err := LoadConfig([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadConfig_NoEntities(t *testing.T) {
	_, err := LoadConfig([]byte(`{"engine": {}, "entities": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entities")
}

func TestLoadConfig_DuplicateEntity(t *testing.T) {
	doc := `{"entities": [
        {"name": "orders", "source": "orders", "timestamp_column": "m", "tiebreak_column": "id"},
        {"name": "orders", "source": "orders_v2", "timestamp_column": "m", "tiebreak_column": "id"}
    ]}`
	_, err := LoadConfig([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entity")
}

func TestLoadConfig_EmptyEntityName(t *testing.T) {
	doc := `{"entities": [{"name": "", "source": "orders"}]}`
	_, err := LoadConfig([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty name")
}

func TestLoadConfig_BadDurations(t *testing.T) {
	doc := `{"entities": [
        {"name": "orders", "source": "orders", "timestamp_column": "m", "tiebreak_column": "id", "poll_interval": "soon"}
    ]}`
	_, err := LoadConfig([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid poll_interval")

	doc = `{"entities": [
        {"name": "orders", "source": "orders", "timestamp_column": "m", "tiebreak_column": "id", "backoff_base": "-1s"}
    ]}`
	_, err = LoadConfig([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative backoff_base")

	doc = `{"engine": {"call_timeout": "whenever"}, "entities": [
        {"name": "orders", "source": "orders", "timestamp_column": "m", "tiebreak_column": "id"}
    ]}`
	_, err = LoadConfig([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid call_timeout")
}
