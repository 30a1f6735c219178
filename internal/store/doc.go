// Package store persists conversation state using SQLite.
//
// # Architecture
//
// The registry in package conversation is authoritative at runtime; this
// package keeps a durable trail of it so the gateway can restart without
// losing open conversations.
//
//   - Persister: the collaborator interface the desk writes through
//   - SQLiteStore: Persister on modernc.org/sqlite
//   - Resilient: wraps any Persister with bounded per-conversation retry lanes
//   - MockStore: in-memory Persister for tests
//
// # Data Model
//
//   - conversations: one row per conversation, upserted on every change
//   - status_history: one row per status transition
//   - messages: one row per message, unique on (conversation_id, sequence)
//
// Message content is stored as JSON so new content types need no migration.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// # Degraded Mode
//
// When a write fails, Resilient queues it in its conversation's lane and
// reports Degraded() until every lane drains. Later writes for the same
// conversation queue behind it; other conversations write straight through.
// A message that fails because its conversation row is missing lets the
// queued row write go first. A write that fails MaxAttempts times is logged
// as a dead letter and dropped. If the backlog is full the write is dropped
// with ErrBacklogFull; the in-memory state is not rolled back.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore on a t.TempDir() path
// for integration tests with real SQLite.
package store
