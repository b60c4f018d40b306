// Package config binds the engine's JSON configuration surface: engine-wide
// tuning plus the list of tracked entities with their per-entity polling
// parameters. Durations appear as strings ("5s", "2m") and are parsed into
// time.Duration on conversion.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/crestline/pollsync/pkg/polling"
)

// Config is the top-level document.
type Config struct {
	Engine   EngineConfig   `json:"engine"`
	Entities []EntityConfig `json:"entities"`
}

// EngineConfig holds engine-wide tuning.
type EngineConfig struct {
	// CallTimeout bounds each collaborator call (e.g. "30s").
	CallTimeout string `json:"call_timeout"`
}

// GetCallTimeout returns CallTimeout as a time.Duration; zero when unset.
func (e EngineConfig) GetCallTimeout() (time.Duration, error) {
	return parseDuration("call_timeout", e.CallTimeout)
}

// EntityConfig is the JSON form of one tracked entity.
type EntityConfig struct {
	Name            string `json:"name"`
	Source          string `json:"source"`
	TimestampColumn string `json:"timestamp_column"`
	TiebreakColumn  string `json:"tiebreak_column"`
	BatchSize       int    `json:"batch_size"`
	PollInterval    string `json:"poll_interval"`
	MaxPollInterval string `json:"max_poll_interval"`
	BackoffBase     string `json:"backoff_base"`
	BackoffCap      int    `json:"backoff_cap"`
	ErrorThreshold  int    `json:"error_threshold"`
	StalenessSLA    string `json:"staleness_sla"`
	LatencyBudget   string `json:"latency_budget"`
	MaxFastCycles   int    `json:"max_fast_cycles"`
	Tombstone       bool   `json:"tombstone"`
}

// TrackedEntity converts the JSON form, parsing all duration fields. The
// result still goes through engine defaulting and validation at
// registration.
func (e EntityConfig) TrackedEntity() (polling.TrackedEntity, error) {
	entity := polling.TrackedEntity{
		Name:            e.Name,
		Source:          e.Source,
		TimestampColumn: e.TimestampColumn,
		TiebreakColumn:  e.TiebreakColumn,
		BatchSize:       e.BatchSize,
		BackoffCap:      e.BackoffCap,
		ErrorThreshold:  e.ErrorThreshold,
		MaxFastCycles:   e.MaxFastCycles,
		Tombstone:       e.Tombstone,
	}

	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", e.PollInterval, &entity.PollInterval},
		{"max_poll_interval", e.MaxPollInterval, &entity.MaxPollInterval},
		{"backoff_base", e.BackoffBase, &entity.BackoffBase},
		{"staleness_sla", e.StalenessSLA, &entity.StalenessSLA},
		{"latency_budget", e.LatencyBudget, &entity.LatencyBudget},
	}
	for _, f := range fields {
		d, err := parseDuration(f.name, f.value)
		if err != nil {
			return polling.TrackedEntity{}, fmt.Errorf("entity %s: %w", e.Name, err)
		}
		*f.dst = d
	}
	return entity, nil
}

// LoadConfig parses a JSON document and checks it for structural problems.
func LoadConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects empty or duplicate entity definitions and unparseable
// durations.
func (c *Config) Validate() error {
	if len(c.Entities) == 0 {
		return fmt.Errorf("config: no entities defined")
	}
	if _, err := c.Engine.GetCallTimeout(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" {
			return fmt.Errorf("config: entity with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("config: duplicate entity %s", e.Name)
		}
		seen[e.Name] = true
		if _, err := e.TrackedEntity(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// TrackedEntities converts every entity definition.
func (c *Config) TrackedEntities() ([]polling.TrackedEntity, error) {
	entities := make([]polling.TrackedEntity, 0, len(c.Entities))
	for _, e := range c.Entities {
		entity, err := e.TrackedEntity()
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative %s %q", field, value)
	}
	return d, nil
}
