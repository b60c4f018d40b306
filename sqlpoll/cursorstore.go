package sqlpoll

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/logging"
	"github.com/crestline/pollsync/pkg/polling"
)

// DefaultCursorTable is the watermark table name unless overridden.
const DefaultCursorTable = "sync_cursors"

// CursorStore persists per-entity watermarks in a SQL table. Commit uses an
// optimistic version column: the update only lands if the version read
// inside the transaction is still current, so a stale orchestrator instance
// cannot overwrite a newer watermark.
type CursorStore struct {
	db    *sql.DB
	table string
	log   hclog.Logger
}

// CursorStoreOption customizes a CursorStore.
type CursorStoreOption func(*CursorStore)

// WithCursorTable overrides the watermark table name.
func WithCursorTable(name string) CursorStoreOption {
	return func(s *CursorStore) { s.table = name }
}

// WithCursorLogger sets the store's logger.
func WithCursorLogger(log hclog.Logger) CursorStoreOption {
	return func(s *CursorStore) { s.log = log }
}

// NewCursorStore creates a store over db using the default table name.
func NewCursorStore(db *sql.DB, opts ...CursorStoreOption) *CursorStore {
	s := &CursorStore{
		db:    db,
		table: DefaultCursorTable,
		log:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the watermark table if it does not exist. Timestamps are kept
// as fixed-width UTC text so the schema is portable across engines.
func (s *CursorStore) Init(ctx context.Context) error {
	if !identPattern.MatchString(s.table) {
		return fmt.Errorf("invalid cursor table name %q", s.table)
	}
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        entity_name        VARCHAR(255) PRIMARY KEY,
        wm_timestamp       VARCHAR(64) NOT NULL,
        wm_tiebreak        BIGINT NOT NULL,
        version            BIGINT NOT NULL,
        consecutive_errors INTEGER NOT NULL,
        updated_at         VARCHAR(64) NOT NULL
    )`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: creating %s: %v", polling.ErrStorageUnavailable, s.table, err)
	}
	s.log.Info("initialized cursor table", "table", s.table)
	return nil
}

// Get returns the cursor for entity, or an epoch cursor if none exists yet.
func (s *CursorStore) Get(ctx context.Context, entity string) (polling.SyncCursor, error) {
	query := fmt.Sprintf(
		"SELECT wm_timestamp, wm_tiebreak, consecutive_errors, updated_at FROM %s WHERE entity_name = ?", s.table)

	var (
		wmText    string
		tiebreak  int64
		errCount  int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, entity).Scan(&wmText, &tiebreak, &errCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Debug("no cursor yet, starting from epoch", "entity", entity)
		return polling.SyncCursor{Entity: entity}, nil
	}
	if err != nil {
		return polling.SyncCursor{}, fmt.Errorf("%w: loading cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}

	cur := polling.SyncCursor{
		Entity:            entity,
		Watermark:         polling.Watermark{TiebreakID: tiebreak},
		ConsecutiveErrors: errCount,
	}
	if wmText != "" {
		ts, err := time.Parse(TimeLayout, wmText)
		if err != nil {
			return polling.SyncCursor{}, fmt.Errorf("%w: corrupt watermark %q for %s: %v",
				polling.ErrStorageUnavailable, wmText, entity, err)
		}
		cur.Watermark.Timestamp = ts
	}
	if updatedAt != "" {
		if ts, err := time.Parse(TimeLayout, updatedAt); err == nil {
			cur.UpdatedAt = ts
		}
	}
	return cur, nil
}

// Commit advances the entity's watermark and resets the error count. A
// watermark at or below the stored one, or a version raced by a concurrent
// writer, fails with ErrWatermarkConflict and leaves the row untouched.
func (s *CursorStore) Commit(ctx context.Context, entity string, w polling.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning commit for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"SELECT wm_timestamp, wm_tiebreak, version FROM %s WHERE entity_name = ?", s.table)

	var (
		wmText   string
		tiebreak int64
		version  int64
	)
	now := time.Now().UTC().Format(TimeLayout)
	err = tx.QueryRowContext(ctx, query, entity).Scan(&wmText, &tiebreak, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if w.IsZero() {
			return fmt.Errorf("%w: entity %s: epoch watermark cannot be committed", polling.ErrWatermarkConflict, entity)
		}
		insert := fmt.Sprintf(`
        INSERT INTO %s (entity_name, wm_timestamp, wm_tiebreak, version, consecutive_errors, updated_at)
        VALUES (?, ?, ?, 1, 0, ?)`, s.table)
		if _, err := tx.ExecContext(ctx, insert, entity, w.Timestamp.UTC().Format(TimeLayout), w.TiebreakID, now); err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: entity %s: concurrent first commit", polling.ErrWatermarkConflict, entity)
			}
			return fmt.Errorf("%w: inserting cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
		}
	case err != nil:
		return fmt.Errorf("%w: reading cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
	default:
		stored := polling.Watermark{TiebreakID: tiebreak}
		if wmText != "" {
			if ts, perr := time.Parse(TimeLayout, wmText); perr == nil {
				stored.Timestamp = ts
			}
		}
		if !stored.Less(w) {
			return fmt.Errorf("%w: entity %s: new watermark %s is not after stored %s",
				polling.ErrWatermarkConflict, entity, w.String(), stored.String())
		}

		update := fmt.Sprintf(`
        UPDATE %s
        SET wm_timestamp = ?, wm_tiebreak = ?, version = version + 1, consecutive_errors = 0, updated_at = ?
        WHERE entity_name = ? AND version = ?`, s.table)
		res, err := tx.ExecContext(ctx, update, w.Timestamp.UTC().Format(TimeLayout), w.TiebreakID, now, entity, version)
		if err != nil {
			return fmt.Errorf("%w: updating cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: updating cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: entity %s: cursor version %d was overtaken", polling.ErrWatermarkConflict, entity, version)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing cursor for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}
	s.log.Debug("committed watermark", "entity", entity, "watermark", w.String())
	return nil
}

// RecordError bumps the entity's consecutive error count, creating the row
// with an epoch watermark if the entity has never committed.
func (s *CursorStore) RecordError(ctx context.Context, entity string) error {
	now := time.Now().UTC().Format(TimeLayout)
	update := fmt.Sprintf(
		"UPDATE %s SET consecutive_errors = consecutive_errors + 1, updated_at = ? WHERE entity_name = ?", s.table)
	res, err := s.db.ExecContext(ctx, update, now, entity)
	if err != nil {
		return fmt.Errorf("%w: recording error for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: recording error for %s: %v", polling.ErrStorageUnavailable, entity, err)
	}
	if affected == 0 {
		insert := fmt.Sprintf(`
        INSERT INTO %s (entity_name, wm_timestamp, wm_tiebreak, version, consecutive_errors, updated_at)
        VALUES (?, '', 0, 0, 1, ?)`, s.table)
		if _, err := s.db.ExecContext(ctx, insert, entity, now); err != nil {
			if isConstraintViolation(err) {
				// Raced by a concurrent writer; the count moved either way.
				return nil
			}
			return fmt.Errorf("%w: recording error for %s: %v", polling.ErrStorageUnavailable, entity, err)
		}
	}
	return nil
}

// isConstraintViolation matches primary-key violations across common drivers
// without importing any of them.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "constraint")
}
