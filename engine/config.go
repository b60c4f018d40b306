package engine

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/pkg/polling"
)

// Defaults applied to zero-valued entity tuning fields at registration.
const (
	DefaultBatchSize      = 100
	DefaultPollInterval   = 5 * time.Second
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffCap     = 6
	DefaultErrorThreshold = 5
	DefaultStalenessSLA   = 5 * time.Minute
	DefaultLatencyBudget  = time.Minute
	DefaultMaxFastCycles  = 8
	DefaultCallTimeout    = 30 * time.Second
)

// Config carries engine-wide collaborators and tuning. Store and Fetcher are
// required; everything else has a usable default.
type Config struct {
	// Store persists per-entity watermarks.
	Store polling.CursorStore

	// Fetcher issues the bounded range queries for all entities.
	Fetcher polling.Fetcher

	// Alerts receives health notifications. Nil alerts are logged instead.
	Alerts polling.AlertSink

	// Locker, when set, gates every entity's loop behind a per-entity lock
	// so a second engine instance against the same cursor store skips
	// entities that are already being driven elsewhere.
	Locker polling.Locker

	// CallTimeout bounds each blocking collaborator call (fetch, one sink
	// application, cursor read/commit).
	CallTimeout time.Duration

	Logger hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Logger == nil {
		c.Logger = GetLogger()
	}
	return c
}

// entityDefaults fills the tuning fields the caller left zero. BatchSize and
// PollInterval get defaults before validation so a minimal registration
// (name, source, columns) works out of the box.
func entityDefaults(e polling.TrackedEntity) polling.TrackedEntity {
	if e.BatchSize == 0 {
		e.BatchSize = DefaultBatchSize
	}
	if e.PollInterval == 0 {
		e.PollInterval = DefaultPollInterval
	}
	if e.MaxPollInterval == 0 {
		e.MaxPollInterval = e.PollInterval
	}
	if e.BackoffBase == 0 {
		e.BackoffBase = DefaultBackoffBase
	}
	if e.BackoffCap == 0 {
		e.BackoffCap = DefaultBackoffCap
	}
	if e.ErrorThreshold == 0 {
		e.ErrorThreshold = DefaultErrorThreshold
	}
	if e.StalenessSLA == 0 {
		e.StalenessSLA = DefaultStalenessSLA
	}
	if e.LatencyBudget == 0 {
		e.LatencyBudget = DefaultLatencyBudget
	}
	if e.MaxFastCycles == 0 {
		e.MaxFastCycles = DefaultMaxFastCycles
	}
	return e
}
