// Package sqlpoll implements the polling contracts over database/sql: a
// keyset-paginated Fetcher issuing strictly-greater range queries on the
// (modified-at, tiebreak) composite key, and a CursorStore persisting
// watermarks in a table with optimistic-version compare-and-set commits.
//
// No driver is imported here; the caller supplies an opened *sql.DB. Keyset
// pagination is used instead of OFFSET because offsets shift under
// concurrent writes and can skip rows between cycles.
package sqlpoll
