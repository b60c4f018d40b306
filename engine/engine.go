package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/crestline/pollsync/pkg/polling"
)

// Registration binds a tracked entity to its sink. Sizer is optional; when
// set it overrides the entity's fixed batch size with the sampled one.
type Registration struct {
	Entity polling.TrackedEntity
	Sink   polling.Sink
	Sizer  *BatchSizer
}

// Engine owns one orchestrator per registered entity and runs them
// concurrently. Cycles across entities have no ordering guarantee; cycles
// within one entity are strictly sequential.
type Engine struct {
	cfg    Config
	log    hclog.Logger
	health *Health

	mu      sync.Mutex
	orchs   map[string]*Orchestrator
	running bool
}

// New creates an engine from cfg. Store and Fetcher are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: cursor store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher is required")
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		health: NewHealth(cfg.Alerts, cfg.Logger),
		orchs:  make(map[string]*Orchestrator),
	}, nil
}

// Health exposes the engine's health monitor for snapshot queries.
func (e *Engine) Health() *Health {
	return e.health
}

// Register adds a tracked entity. Zero tuning fields are defaulted before
// validation. Entities are immutable once registered and cannot be added
// while the engine is running.
func (e *Engine) Register(r Registration) error {
	if r.Sink == nil {
		return fmt.Errorf("engine: entity %s: sink is required", r.Entity.Name)
	}
	entity := entityDefaults(r.Entity)
	if err := entity.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: cannot register %s while running", entity.Name)
	}
	if _, ok := e.orchs[entity.Name]; ok {
		return fmt.Errorf("engine: entity %s already registered", entity.Name)
	}

	proc := NewProcessor(r.Sink, e.cfg.CallTimeout, e.log.With("entity", entity.Name))
	e.orchs[entity.Name] = NewOrchestrator(entity, e.cfg.Store, e.cfg.Fetcher,
		proc, e.health, r.Sizer, e.cfg.CallTimeout, e.log)
	e.health.Track(entity)
	return nil
}

// Run starts one cycle loop per entity and blocks until ctx is cancelled.
// With a Locker configured, entities whose lock is held elsewhere are
// skipped; their loops stay off for the lifetime of this Run.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	if len(e.orchs) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("engine: no entities registered")
	}
	e.running = true
	orchs := make([]*Orchestrator, 0, len(e.orchs))
	for _, o := range e.orchs {
		orchs = append(orchs, o)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range orchs {
		name := o.Entity().Name

		if e.cfg.Locker != nil {
			lockName := LockName(name)
			leaseID, err := e.cfg.Locker.AcquireLock(gctx, lockName)
			if err != nil {
				e.log.Error("failed to acquire entity lock", "entity", name, "error", err)
				continue
			}
			if leaseID == "" {
				e.log.Info("entity locked by another instance, skipping", "entity", name)
				continue
			}
			e.cfg.Locker.StartLockRenewal(gctx, lockName)
			o := o
			g.Go(func() error {
				defer func() {
					if err := e.cfg.Locker.ReleaseLock(context.Background(), lockName, leaseID); err != nil {
						e.log.Warn("failed to release entity lock", "entity", name, "error", err)
					}
				}()
				return runIgnoringCancel(gctx, o)
			})
			continue
		}

		o := o
		g.Go(func() error { return runIgnoringCancel(gctx, o) })
	}

	e.log.Info("engine started", "entities", len(orchs))
	err := g.Wait()
	e.log.Info("engine stopped")
	return err
}

// runIgnoringCancel keeps a context cancellation from tearing down the whole
// errgroup as an error: shutdown of the group is the caller's normal exit.
func runIgnoringCancel(ctx context.Context, o *Orchestrator) error {
	if err := o.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// LockName returns the lock object name used for an entity, matching the
// cursor-store key so a lock inspector can correlate the two.
func LockName(entity string) string {
	return entity + ".lock"
}
