package polling

import "context"

// CursorStore persists the watermark for each tracked entity. Implementations
// must make Commit atomic with respect to concurrent commits for the same
// entity and durable before returning; the orchestrator will not start the
// next cycle until Commit has returned.
type CursorStore interface {
	// Get returns the cursor for the entity, or a cursor with the epoch
	// watermark if none has been persisted yet.
	Get(ctx context.Context, entity string) (SyncCursor, error)

	// Commit advances the entity's watermark and resets its consecutive
	// error count. Commits must be strictly monotonic: a watermark at or
	// below the stored one fails with ErrWatermarkConflict, which also
	// guards against a stale orchestrator instance overwriting a newer
	// watermark after a crash/restart race.
	Commit(ctx context.Context, entity string, w Watermark) error

	// RecordError increments the entity's consecutive error count without
	// touching the watermark.
	RecordError(ctx context.Context, entity string) error
}

// Fetcher issues one bounded, ordered range query against a tracked entity.
type Fetcher interface {
	// Fetch returns up to limit records strictly greater than after under
	// the composite (timestamp, tiebreak) order, sorted ascending by that
	// same order. The strict composite ordering is the correctness anchor:
	// without it a crash mid-batch could skip rows sharing a timestamp with
	// the crash point.
	Fetch(ctx context.Context, entity TrackedEntity, after Watermark, limit int) ([]ChangeRecord, error)
}

// Sink consumes change records for one tracked entity. Apply must be
// idempotent: the engine guarantees at-least-once delivery, so a record may
// be seen again after a crash between application and watermark commit.
type Sink interface {
	Apply(ctx context.Context, rec ChangeRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec ChangeRecord) error

func (f SinkFunc) Apply(ctx context.Context, rec ChangeRecord) error {
	return f(ctx, rec)
}

// AlertSink receives health notifications. Implementations should return
// quickly; the monitor calls Alert inline from the cycle path.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// AlertFunc adapts a function to the AlertSink interface.
type AlertFunc func(ctx context.Context, a Alert)

func (f AlertFunc) Alert(ctx context.Context, a Alert) {
	f(ctx, a)
}

// Locker coordinates single-writer ownership of a tracked entity across
// orchestrator instances. AcquireLock returns an empty lease ID without error
// when the lock is already held elsewhere.
type Locker interface {
	AcquireLock(ctx context.Context, lockName string) (string, error)
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal starts a background renewal loop that stops when ctx
	// is cancelled.
	StartLockRenewal(ctx context.Context, lockName string)
}
