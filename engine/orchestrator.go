package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/backoff"
	"github.com/crestline/pollsync/pkg/polling"
)

// Orchestrator drives the cycle loop for a single tracked entity. Cycles are
// strictly sequential: cycle N+1 never starts before cycle N reaches Idle or
// Error, which is what makes the single-writer-per-entity discipline hold
// inside one engine instance.
type Orchestrator struct {
	entity  polling.TrackedEntity
	store   polling.CursorStore
	fetcher polling.Fetcher
	proc    *Processor
	health  *Health
	sizer   *BatchSizer
	log     hclog.Logger

	callTimeout  time.Duration
	idle         *backoff.IdleManager
	state        atomic.Int32
	fastCycles   int
	readFailures int
}

// NewOrchestrator wires an orchestrator for one entity. The entity must
// already be validated and defaulted; Engine.Register does both.
func NewOrchestrator(entity polling.TrackedEntity, store polling.CursorStore, fetcher polling.Fetcher,
	proc *Processor, health *Health, sizer *BatchSizer, callTimeout time.Duration, log hclog.Logger) *Orchestrator {
	if log == nil {
		log = GetLogger()
	}
	return &Orchestrator{
		entity:      entity,
		store:       store,
		fetcher:     fetcher,
		proc:        proc,
		health:      health,
		sizer:       sizer,
		log:         log.With("entity", entity.Name),
		callTimeout: callTimeout,
		idle:        backoff.NewIdleManager(entity.PollInterval, entity.MaxPollInterval),
	}
}

// Entity returns the tracked entity this orchestrator drives.
func (o *Orchestrator) Entity() polling.TrackedEntity {
	return o.entity
}

// State returns the orchestrator's current cycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Run executes cycles until ctx is cancelled or the entity is disabled by a
// fatal error. Disabling returns nil so sibling entities keep running.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("starting poll loop",
		"batch_size", o.entity.BatchSize,
		"poll_interval", o.entity.PollInterval,
		"max_poll_interval", o.entity.MaxPollInterval)

	if o.sizer != nil {
		if err := o.sizer.Start(ctx); err != nil {
			o.log.Error("entity disabled by batch sizer failure", "error", err)
			o.health.raise(ctx, polling.Alert{
				Entity: o.entity.Name,
				Kind:   polling.AlertEntityDisabled,
				Detail: err.Error(),
			})
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			o.log.Info("stopping poll loop", "reason", ctx.Err())
			return ctx.Err()
		default:
		}

		out := o.runCycle(ctx)
		if out.disabled {
			return nil
		}

		var delay time.Duration
		switch {
		case out.err != nil:
			delay = backoff.ErrorDelay(o.entity.BackoffBase, out.errCount, o.entity.BackoffCap)
			o.fastCycles = 0
			o.log.Warn("cycle failed, backing off",
				"consecutive_errors", out.errCount, "delay", delay, "error", out.err)
		case out.fullBatch && o.fastCycles < o.entity.MaxFastCycles:
			// Backlog: go straight into the next cycle.
			o.fastCycles++
			continue
		default:
			o.fastCycles = 0
			delay = o.idle.Interval()
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				o.log.Info("stopping poll loop", "reason", ctx.Err())
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

type cycleOutcome struct {
	err       error
	errCount  int
	fullBatch bool
	disabled  bool
}

// runCycle performs one fetch→process→commit round. Any failure leaves the
// persisted watermark exactly where it was.
func (o *Orchestrator) runCycle(ctx context.Context) cycleOutcome {
	started := time.Now()
	o.setState(StateFetching)

	cur, err := retryCursorGet(ctx, o.store, o.entity.Name, o.callTimeout, o.log)
	if err != nil {
		// The persisted count is unreachable while reads fail, so the
		// escalation is carried locally until a read lands again.
		o.readFailures++
		return o.fail(ctx, started, 0, o.readFailures, err)
	}
	o.readFailures = 0

	limit := o.entity.BatchSize
	if o.sizer != nil {
		limit = o.sizer.Size()
	}

	fctx, cancel := o.callCtx(ctx)
	records, err := o.fetcher.Fetch(fctx, o.entity, cur.Watermark, limit)
	cancel()
	if err != nil {
		if polling.IsFatal(err) {
			return o.disable(ctx, started, cur, err)
		}
		return o.fail(ctx, started, 0, cur.ConsecutiveErrors+1, err)
	}

	if len(records) == 0 {
		o.setState(StateIdle)
		o.idle.Increase()
		o.observe(ctx, polling.CycleResult{
			Entity:     o.entity.Name,
			StartedAt:  started,
			Duration:   time.Since(started),
			Watermark:  cur.Watermark,
			ErrorCount: cur.ConsecutiveErrors,
		})
		o.log.Debug("no changes", "watermark", cur.Watermark.String(), "next_poll_in", o.idle.Interval())
		return cycleOutcome{}
	}
	o.idle.Reset()

	o.setState(StateProcessing)
	applied, err := o.proc.Apply(ctx, records)
	if err != nil {
		return o.fail(ctx, started, len(records), cur.ConsecutiveErrors+1, err)
	}

	// A cancelled cycle is abandoned, never half-committed.
	if err := ctx.Err(); err != nil {
		o.setState(StateError)
		return cycleOutcome{err: err, errCount: cur.ConsecutiveErrors}
	}

	o.setState(StateCommitting)
	newWM := records[len(records)-1].Watermark()
	cctx, cancel := o.callCtx(ctx)
	err = o.store.Commit(cctx, o.entity.Name, newWM)
	cancel()
	if err != nil {
		return o.fail(ctx, started, len(records), cur.ConsecutiveErrors+1, err)
	}

	o.setState(StateIdle)
	o.observe(ctx, polling.CycleResult{
		Entity:    o.entity.Name,
		StartedAt: started,
		Duration:  time.Since(started),
		Fetched:   len(records),
		Applied:   applied,
		Watermark: newWM,
	})
	o.log.Info("batch committed",
		"rows", len(records), "watermark", newWM.String(), "duration", time.Since(started))

	return cycleOutcome{fullBatch: len(records) == limit}
}

// fail records the error against the cursor, reports the cycle to the health
// monitor and leaves the orchestrator in Error.
func (o *Orchestrator) fail(ctx context.Context, started time.Time, fetched, errCount int, err error) cycleOutcome {
	o.setState(StateError)
	o.recordError(ctx)
	o.observe(ctx, polling.CycleResult{
		Entity:     o.entity.Name,
		StartedAt:  started,
		Duration:   time.Since(started),
		Fetched:    fetched,
		ErrorCount: errCount,
		Err:        err,
	})
	return cycleOutcome{err: err, errCount: errCount}
}

// disable handles a fatal (misconfiguration) error: alert, record, stop
// cycling this entity.
func (o *Orchestrator) disable(ctx context.Context, started time.Time, cur polling.SyncCursor, err error) cycleOutcome {
	o.setState(StateError)
	o.recordError(ctx)
	o.log.Error("entity disabled by fatal error", "error", err)
	o.health.raise(ctx, polling.Alert{
		Entity: o.entity.Name,
		Kind:   polling.AlertEntityDisabled,
		Detail: err.Error(),
	})
	o.observe(ctx, polling.CycleResult{
		Entity:     o.entity.Name,
		StartedAt:  started,
		Duration:   time.Since(started),
		ErrorCount: cur.ConsecutiveErrors + 1,
		Err:        err,
	})
	return cycleOutcome{err: err, disabled: true}
}

func (o *Orchestrator) recordError(ctx context.Context) {
	rctx, cancel := o.callCtx(ctx)
	defer cancel()
	if err := o.store.RecordError(rctx, o.entity.Name); err != nil {
		o.log.Warn("failed to record error against cursor", "error", err)
	}
}

func (o *Orchestrator) observe(ctx context.Context, res polling.CycleResult) {
	if o.health != nil {
		o.health.Observe(ctx, res)
	}
}

// callCtx bounds one collaborator invocation with the per-call timeout.
func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.callTimeout)
}
