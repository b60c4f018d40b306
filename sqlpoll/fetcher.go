package sqlpoll

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/logging"
	"github.com/crestline/pollsync/pkg/polling"
)

// TimeLayout is the fixed-width UTC text form used when timestamps are bound
// or stored as strings. Zero-padded fractional seconds keep lexical order
// identical to chronological order in TEXT columns.
const TimeLayout = "2006-01-02 15:04:05.000000000"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Fetcher issues bounded keyset range queries against tracked entities
// backed by tables or views reachable through one *sql.DB.
type Fetcher struct {
	db       *sql.DB
	log      hclog.Logger
	bindTime func(time.Time) any
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithLogger sets the fetcher's logger.
func WithLogger(log hclog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = log }
}

// WithTextTimestamps binds watermark timestamps as fixed-width UTC strings
// (TimeLayout) instead of native time values, for sources that store the
// modified-at column as TEXT.
func WithTextTimestamps() FetcherOption {
	return func(f *Fetcher) {
		f.bindTime = func(t time.Time) any { return t.UTC().Format(TimeLayout) }
	}
}

// NewFetcher creates a Fetcher over db. The driver stays with the caller.
func NewFetcher(db *sql.DB, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		db:       db,
		log:      logging.GetLogger(),
		bindTime: func(t time.Time) any { return t },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns up to limit rows of the entity strictly after the watermark,
// ascending by (timestamp, tiebreak). All selected columns land in the
// record payload; the two ordering columns are additionally lifted into the
// record's composite key.
func (f *Fetcher) Fetch(ctx context.Context, entity polling.TrackedEntity, after polling.Watermark, limit int) ([]polling.ChangeRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: non-positive limit %d for entity %s", polling.ErrQueryMalformed, limit, entity.Name)
	}
	if err := validateIdentifiers(entity); err != nil {
		return nil, err
	}

	tsCol, tbCol := entity.TimestampColumn, entity.TiebreakColumn
	query := fmt.Sprintf(`
        SELECT * FROM %s
        WHERE (%s > ?) OR (%s = ? AND %s > ?)
        ORDER BY %s, %s
        LIMIT ?`,
		entity.Source, tsCol, tsCol, tbCol, tsCol, tbCol)

	boundTS := f.bindTime(after.Timestamp)
	rows, err := f.db.QueryContext(ctx, query, boundTS, boundTS, after.TiebreakID, limit)
	if err != nil {
		return nil, f.classifyQueryError(ctx, entity, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: reading columns for %s: %v", polling.ErrSourceUnavailable, entity.Name, err)
	}
	tsIdx, tbIdx := columnIndex(cols, tsCol), columnIndex(cols, tbCol)
	if tsIdx < 0 || tbIdx < 0 {
		return nil, fmt.Errorf("%w: entity %s: ordering columns %s, %s not in result set %v",
			polling.ErrQueryMalformed, entity.Name, tsCol, tbCol, cols)
	}

	op := polling.OpUpsert
	if entity.Tombstone {
		op = polling.OpTombstone
	}

	var records []polling.ChangeRecord
	for rows.Next() {
		values := make([]any, len(cols))
		targets := make([]any, len(cols))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("%w: scanning row for %s: %v", polling.ErrSourceUnavailable, entity.Name, err)
		}

		ts, err := coerceTimestamp(values[tsIdx])
		if err != nil {
			return nil, fmt.Errorf("%w: entity %s column %s: %v", polling.ErrQueryMalformed, entity.Name, tsCol, err)
		}
		tb, err := coerceTiebreak(values[tbIdx])
		if err != nil {
			return nil, fmt.Errorf("%w: entity %s column %s: %v", polling.ErrQueryMalformed, entity.Name, tbCol, err)
		}

		payload := make(map[string]any, len(cols))
		for i, name := range cols {
			payload[name] = normalizeValue(values[i])
		}

		records = append(records, polling.ChangeRecord{
			Entity:     entity.Name,
			Payload:    payload,
			Timestamp:  ts,
			TiebreakID: tb,
			Operation:  op,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows for %s: %v", polling.ErrSourceUnavailable, entity.Name, err)
	}

	f.log.Debug("fetched batch", "entity", entity.Name, "after", after.String(), "rows", len(records), "limit", limit)
	return records, nil
}

// classifyQueryError separates a reachability failure (retryable) from a bad
// query (fatal misconfiguration). A ping that still succeeds right after the
// query failed points at the query itself.
func (f *Fetcher) classifyQueryError(ctx context.Context, entity polling.TrackedEntity, err error) error {
	if ctx.Err() != nil || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: querying %s: %v", polling.ErrSourceUnavailable, entity.Name, err)
	}
	if pingErr := f.db.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("%w: querying %s: %v", polling.ErrSourceUnavailable, entity.Name, err)
	}
	return fmt.Errorf("%w: entity %s: %v", polling.ErrQueryMalformed, entity.Name, err)
}

func validateIdentifiers(entity polling.TrackedEntity) error {
	for _, ident := range []string{entity.Source, entity.TimestampColumn, entity.TiebreakColumn} {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("%w: entity %s: invalid identifier %q", polling.ErrQueryMalformed, entity.Name, ident)
		}
	}
	return nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// coerceTimestamp accepts the shapes drivers hand back for a modified-at
// column: native time, text in a handful of layouts, or unix milliseconds.
func coerceTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is NULL")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

var timeLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func coerceTiebreak(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case nil:
		return 0, fmt.Errorf("tiebreak is NULL")
	default:
		return 0, fmt.Errorf("unsupported tiebreak type %T", v)
	}
}

// normalizeValue keeps payloads JSON-friendly; raw byte slices become
// strings.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
