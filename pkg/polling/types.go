package polling

import (
	"fmt"
	"time"
)

// Watermark is the resume point for one tracked entity: the composite key of
// the last row whose batch was fully processed. Rows are ordered by
// (Timestamp, TiebreakID) lexicographically; the tiebreak disambiguates rows
// sharing an identical timestamp so a batch boundary can never lose rows at a
// timestamp truncation point.
//
// The zero value is the epoch watermark: everything in the source is after it.
type Watermark struct {
	Timestamp  time.Time `json:"timestamp"`
	TiebreakID int64     `json:"tiebreak_id"`
}

// Compare returns -1, 0 or 1 ordering w against other under the composite
// (Timestamp, TiebreakID) order.
func (w Watermark) Compare(other Watermark) int {
	if w.Timestamp.Before(other.Timestamp) {
		return -1
	}
	if w.Timestamp.After(other.Timestamp) {
		return 1
	}
	switch {
	case w.TiebreakID < other.TiebreakID:
		return -1
	case w.TiebreakID > other.TiebreakID:
		return 1
	default:
		return 0
	}
}

// Less reports whether w is strictly before other.
func (w Watermark) Less(other Watermark) bool {
	return w.Compare(other) < 0
}

// IsZero reports whether w is the epoch watermark.
func (w Watermark) IsZero() bool {
	return w.Timestamp.IsZero() && w.TiebreakID == 0
}

// String renders the watermark for logs, e.g. "2024-05-01T10:00:00.000000001Z/42".
func (w Watermark) String() string {
	if w.IsZero() {
		return "epoch"
	}
	return fmt.Sprintf("%s/%d", w.Timestamp.UTC().Format(time.RFC3339Nano), w.TiebreakID)
}

// Operation classifies a change record.
type Operation string

const (
	// OpUpsert is an insert or update observed through the modified-at column.
	// Plain timestamp polling cannot tell the two apart.
	OpUpsert Operation = "upsert"

	// OpTombstone marks a deletion. Timestamp polling exposes no deletion
	// signal by itself; tombstones only appear when the caller registers a
	// separate tombstone-bearing entity (e.g. a soft-delete flag table).
	OpTombstone Operation = "tombstone"
)

// ChangeRecord is one row change produced by a Fetcher. Records may be
// redelivered after a crash between sink application and watermark commit, so
// sinks must tolerate seeing the same record more than once.
type ChangeRecord struct {
	Entity     string         `json:"entity"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	TiebreakID int64          `json:"tiebreak_id"`
	Operation  Operation      `json:"operation"`
}

// Watermark returns the record's position in the composite order.
func (r ChangeRecord) Watermark() Watermark {
	return Watermark{Timestamp: r.Timestamp, TiebreakID: r.TiebreakID}
}

// TrackedEntity describes one source of change events, typically a table or
// collection with a modified-at column and a monotonically assigned surrogate
// key. Entities are immutable once registered with the engine.
type TrackedEntity struct {
	// Name identifies the entity; it keys the cursor store and all telemetry.
	Name string `json:"name"`

	// Source names the queryable object (table, view, collection) the
	// Fetcher polls. Its interpretation belongs to the Fetcher.
	Source string `json:"source"`

	// TimestampColumn and TiebreakColumn are the ordering columns of the
	// composite key, in that order.
	TimestampColumn string `json:"timestamp_column"`
	TiebreakColumn  string `json:"tiebreak_column"`

	// BatchSize bounds how many rows a single cycle fetches.
	BatchSize int `json:"batch_size"`

	// PollInterval is the idle delay between cycles. MaxPollInterval caps the
	// idle backoff growth when consecutive cycles come back empty; zero
	// disables idle backoff.
	PollInterval    time.Duration `json:"poll_interval"`
	MaxPollInterval time.Duration `json:"max_poll_interval"`

	// BackoffBase and BackoffCap shape the error backoff
	// base * 2^min(consecutive_errors, cap).
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  int           `json:"backoff_cap"`

	// ErrorThreshold is the consecutive-error count at which the health
	// monitor alerts. StalenessSLA and LatencyBudget bound the age of the
	// last success and the duration of one cycle respectively.
	ErrorThreshold int           `json:"error_threshold"`
	StalenessSLA   time.Duration `json:"staleness_sla"`
	LatencyBudget  time.Duration `json:"latency_budget"`

	// MaxFastCycles bounds how many back-to-back cycles may run without the
	// poll-interval pause when the entity is draining a backlog, so one busy
	// entity cannot starve the others.
	MaxFastCycles int `json:"max_fast_cycles"`

	// Tombstone marks this entity as a tombstone-bearing source: every row
	// it yields is a deletion signal (OpTombstone). Callers that need
	// deletion visibility register such a source alongside the live one.
	Tombstone bool `json:"tombstone"`
}

// Validate checks the fields a caller must supply. Tuning fields left zero are
// filled with engine defaults at registration time.
func (e TrackedEntity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("tracked entity: missing name")
	}
	if e.Source == "" {
		return fmt.Errorf("tracked entity %s: missing source", e.Name)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("tracked entity %s: batch_size must be > 0, got %d", e.Name, e.BatchSize)
	}
	if e.PollInterval <= 0 {
		return fmt.Errorf("tracked entity %s: poll_interval must be > 0, got %s", e.Name, e.PollInterval)
	}
	if e.MaxPollInterval != 0 && e.MaxPollInterval < e.PollInterval {
		return fmt.Errorf("tracked entity %s: max_poll_interval %s is below poll_interval %s",
			e.Name, e.MaxPollInterval, e.PollInterval)
	}
	if e.BackoffCap < 0 {
		return fmt.Errorf("tracked entity %s: backoff_cap must be >= 0, got %d", e.Name, e.BackoffCap)
	}
	return nil
}

// SyncCursor is the persisted state of one tracked entity: the watermark plus
// bookkeeping the health monitor reads. Created with an epoch watermark on
// first registration and never deleted during normal operation; deleting a
// cursor re-syncs the entity from scratch and is an administrative action.
type SyncCursor struct {
	Entity            string    `json:"entity"`
	Watermark         Watermark `json:"watermark"`
	UpdatedAt         time.Time `json:"updated_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// HealthSnapshot is the ephemeral per-entity view the health monitor exposes.
// Recomputed on demand, never persisted.
type HealthSnapshot struct {
	Entity        string        `json:"entity"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastBatchSize int           `json:"last_batch_size"`
	CycleDuration time.Duration `json:"cycle_duration"`
	ErrorCount    int           `json:"error_count"`
	Staleness     time.Duration `json:"staleness"`
}

// CycleResult summarizes one completed orchestrator cycle for the health
// monitor. Err is nil for both applied batches and empty no-op cycles.
type CycleResult struct {
	Entity     string
	StartedAt  time.Time
	Duration   time.Duration
	Fetched    int
	Applied    int
	Watermark  Watermark
	ErrorCount int
	Err        error
}

// AlertKind classifies health notifications.
type AlertKind string

const (
	AlertStale          AlertKind = "stale"
	AlertErrors         AlertKind = "errors"
	AlertSlowCycle      AlertKind = "slow-cycle"
	AlertEntityDisabled AlertKind = "entity-disabled"
)

// Alert is one notification delivered to the registered alert sink.
type Alert struct {
	Entity string    `json:"entity"`
	Kind   AlertKind `json:"kind"`
	Detail string    `json:"detail"`
}
