package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/pkg/polling"
)

// Health observes every cycle's outcome and raises alerts when an entity
// falls outside its configured envelope: staleness beyond the SLA, the
// consecutive-error count past its threshold, or a cycle blowing the latency
// budget (a sign the source is outrunning the batch size). It is a pure
// observer and never touches cursors or entity state.
type Health struct {
	alerts polling.AlertSink
	log    hclog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats map[string]*entityHealth
}

type entityHealth struct {
	entity polling.TrackedEntity

	lastSuccessAt time.Time
	lastBatchSize int
	lastDuration  time.Duration
	errorCount    int

	// Edge-trigger flags so a breach alerts once until it recovers.
	staleAlerted  bool
	errorsAlerted bool
}

// NewHealth returns a monitor delivering to alerts. A nil alerts sink
// downgrades notifications to log warnings.
func NewHealth(alerts polling.AlertSink, log hclog.Logger) *Health {
	if log == nil {
		log = GetLogger()
	}
	return &Health{
		alerts: alerts,
		log:    log,
		now:    time.Now,
		stats:  make(map[string]*entityHealth),
	}
}

// Track registers an entity with the monitor. The registration instant seeds
// the staleness clock so an entity that never completes a single cycle still
// goes stale against its SLA.
func (h *Health) Track(entity polling.TrackedEntity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.stats[entity.Name]; ok {
		return
	}
	h.stats[entity.Name] = &entityHealth{entity: entity, lastSuccessAt: h.now()}
}

// Observe records one cycle result and runs the threshold checks.
func (h *Health) Observe(ctx context.Context, res polling.CycleResult) {
	h.mu.Lock()
	s, ok := h.stats[res.Entity]
	if !ok {
		s = &entityHealth{lastSuccessAt: h.now()}
		h.stats[res.Entity] = s
	}
	s.lastDuration = res.Duration
	s.errorCount = res.ErrorCount
	if res.Err == nil {
		s.lastSuccessAt = h.now()
		s.lastBatchSize = res.Fetched
	}

	var alerts []polling.Alert

	staleness := h.now().Sub(s.lastSuccessAt)
	if sla := s.entity.StalenessSLA; sla > 0 {
		if staleness > sla && !s.staleAlerted {
			s.staleAlerted = true
			alerts = append(alerts, polling.Alert{
				Entity: res.Entity,
				Kind:   polling.AlertStale,
				Detail: fmt.Sprintf("no successful cycle for %s (SLA %s)", staleness.Round(time.Millisecond), sla),
			})
		} else if staleness <= sla {
			s.staleAlerted = false
		}
	}

	if thr := s.entity.ErrorThreshold; thr > 0 {
		if s.errorCount >= thr && !s.errorsAlerted {
			s.errorsAlerted = true
			alerts = append(alerts, polling.Alert{
				Entity: res.Entity,
				Kind:   polling.AlertErrors,
				Detail: fmt.Sprintf("%d consecutive errors (threshold %d), last: %v", s.errorCount, thr, res.Err),
			})
		} else if s.errorCount < thr {
			s.errorsAlerted = false
		}
	}

	if budget := s.entity.LatencyBudget; budget > 0 && res.Duration > budget {
		alerts = append(alerts, polling.Alert{
			Entity: res.Entity,
			Kind:   polling.AlertSlowCycle,
			Detail: fmt.Sprintf("cycle took %s against a budget of %s with %d rows", res.Duration.Round(time.Millisecond), budget, res.Fetched),
		})
	}
	h.mu.Unlock()

	for _, a := range alerts {
		h.raise(ctx, a)
	}
}

// Snapshot returns the current health view for one entity. The second return
// is false for entities the monitor has never seen.
func (h *Health) Snapshot(entity string) (polling.HealthSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stats[entity]
	if !ok {
		return polling.HealthSnapshot{}, false
	}
	return polling.HealthSnapshot{
		Entity:        entity,
		LastSuccessAt: s.lastSuccessAt,
		LastBatchSize: s.lastBatchSize,
		CycleDuration: s.lastDuration,
		ErrorCount:    s.errorCount,
		Staleness:     h.now().Sub(s.lastSuccessAt),
	}, true
}

func (h *Health) raise(ctx context.Context, a polling.Alert) {
	h.log.Warn("health alert", "entity", a.Entity, "kind", a.Kind, "detail", a.Detail)
	if h.alerts != nil {
		h.alerts.Alert(ctx, a)
	}
}
