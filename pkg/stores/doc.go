// Package stores provides knowledge store implementations for factsync.
//
// Three backends implement knowledge.Store and knowledge.Browser:
//
//   - MemoryStore keeps facts in a map guarded by a RWMutex. It is the default
//     for tests and for the simulate command.
//   - SQLiteStore persists facts in a single table managed by embedded
//     golang-migrate migrations. Handle lookups for a process instance are
//     answered from an index on (kind, process_instance_id).
//   - BadgerStore persists facts in an embedded Badger key-value store with a
//     secondary index key per process instance.
//
// Open builds the backend named by a Config. Instrument wraps any store with
// metrics and tracing from the telemetry package.
//
// No backend enforces uniqueness of process-instance ids. Keeping one fact per
// instance is the job of the synchronization layer; a store only reports what
// it holds, duplicates included.
package stores
