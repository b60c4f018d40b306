package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/crestline/pollsync/pkg/polling"
)

// memStore is an in-memory CursorStore with the same monotonic CAS contract
// as the real backends.
type memStore struct {
	mu      sync.Mutex
	cursors map[string]polling.SyncCursor

	getFailures int   // fail this many Gets with ErrStorageUnavailable
	getErr      error // persistent Get failure
	commitErr   error // forced commit failure
}

func newMemStore() *memStore {
	return &memStore{cursors: make(map[string]polling.SyncCursor)}
}

func (s *memStore) Get(ctx context.Context, entity string) (polling.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getFailures > 0 {
		s.getFailures--
		return polling.SyncCursor{}, fmt.Errorf("%w: injected", polling.ErrStorageUnavailable)
	}
	if s.getErr != nil {
		return polling.SyncCursor{}, s.getErr
	}
	if cur, ok := s.cursors[entity]; ok {
		return cur, nil
	}
	return polling.SyncCursor{Entity: entity}, nil
}

func (s *memStore) Commit(ctx context.Context, entity string, w polling.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	cur := s.cursors[entity]
	if !cur.Watermark.Less(w) {
		return fmt.Errorf("%w: %s not after %s", polling.ErrWatermarkConflict, w, cur.Watermark)
	}
	cur.Entity = entity
	cur.Watermark = w
	cur.ConsecutiveErrors = 0
	s.cursors[entity] = cur
	return nil
}

func (s *memStore) RecordError(ctx context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[entity]
	cur.Entity = entity
	cur.ConsecutiveErrors++
	s.cursors[entity] = cur
	return nil
}

func (s *memStore) watermark(entity string) polling.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[entity].Watermark
}

func (s *memStore) errorCount(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[entity].ConsecutiveErrors
}

// hangingStore blocks every cursor read until its context ends.
type hangingStore struct{}

func (s *hangingStore) Get(ctx context.Context, entity string) (polling.SyncCursor, error) {
	<-ctx.Done()
	return polling.SyncCursor{}, fmt.Errorf("%w: %v", polling.ErrStorageUnavailable, ctx.Err())
}

func (s *hangingStore) Commit(ctx context.Context, entity string, w polling.Watermark) error {
	return nil
}

func (s *hangingStore) RecordError(ctx context.Context, entity string) error {
	return nil
}

// sliceFetcher serves records from a sorted in-memory slice, honoring the
// strictly-greater keyset contract.
type sliceFetcher struct {
	mu   sync.Mutex
	rows []polling.ChangeRecord
	err  error
}

func (f *sliceFetcher) Fetch(ctx context.Context, entity polling.TrackedEntity, after polling.Watermark, limit int) ([]polling.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []polling.ChangeRecord
	for _, rec := range f.rows {
		if rec.Entity == entity.Name && after.Less(rec.Watermark()) {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *sliceFetcher) add(rows ...polling.ChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
}

// keyedSink is an idempotent sink: applying the same record twice leaves the
// same end state. applications counts raw invocations, state holds the
// deduplicated outcome.
type keyedSink struct {
	mu           sync.Mutex
	state        map[string]polling.ChangeRecord
	applications []polling.ChangeRecord
	failOn       func(rec polling.ChangeRecord) error
	onApply      func(rec polling.ChangeRecord)
}

func newKeyedSink() *keyedSink {
	return &keyedSink{state: make(map[string]polling.ChangeRecord)}
}

func (s *keyedSink) Apply(ctx context.Context, rec polling.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onApply != nil {
		s.onApply(rec)
	}
	if s.failOn != nil {
		if err := s.failOn(rec); err != nil {
			return err
		}
	}
	s.applications = append(s.applications, rec)
	s.state[rec.Watermark().String()] = rec
	return nil
}

func (s *keyedSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state))
	for k := range s.state {
		out = append(out, k)
	}
	return out
}

func (s *keyedSink) applicationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applications)
}

type captureAlerts struct {
	mu     sync.Mutex
	alerts []polling.Alert
}

func (c *captureAlerts) Alert(ctx context.Context, a polling.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *captureAlerts) kinds() []polling.AlertKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]polling.AlertKind, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool // locks owned elsewhere
	acquired []string
	released []string
}

func (l *fakeLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockName] {
		return "", nil
	}
	l.acquired = append(l.acquired, lockName)
	return "lease-" + lockName, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, lockName)
	return nil
}

func (l *fakeLocker) RenewLock(ctx context.Context, lockName string) error { return nil }

func (l *fakeLocker) StartLockRenewal(ctx context.Context, lockName string) {}
