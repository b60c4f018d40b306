// Package polling provides the public contracts for the incremental
// change-polling engine.
//
// The package defines the data model shared by all components (Watermark,
// ChangeRecord, TrackedEntity, SyncCursor and HealthSnapshot) together with
// the collaborator interfaces a caller supplies to the engine: CursorStore
// for watermark persistence, Fetcher for bounded ordered range queries
// against a change source, Sink for applying records downstream, AlertSink
// for health notifications and Locker for single-writer coordination.
//
// Key Components:
//   - Watermark: composite (timestamp, tiebreak) resume point with a total order
//   - ChangeRecord: one observed row change, redeliverable under at-least-once
//   - CursorStore: durable, compare-and-set watermark persistence per entity
//   - Fetcher: strictly-greater-than keyset range queries over a tracked entity
//   - Sink: idempotent per-record consumer supplied for each tracked entity
package polling
