// Package storage is the document store behind the bookshelf services.
//
// # Overview
//
// Documents are opaque JSON bodies addressed by collection name and id.
// A document may also carry a secondary key (a book's ISBN, the ISBN of an
// active loan) which the store keeps unique within its collection. The
// services never lock anything themselves: every guarantee they need comes
// from the store's atomic single-document operations.
//
//	┌─────────────────────────────────────┐
//	│   catalog.Service  lending.Service  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           storage.Store             │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌──────────┐
//	│ Memory │  │ Redis  │  │ Postgres │
//	└────────┘  └────────┘  └──────────┘
//
// # Operations
//
//   - Insert: fails with ErrDuplicateKey if the id or secondary key is taken
//   - Get / Delete: fail with ErrNotFound for unknown ids
//   - Replace: overwrite in place, re-checking secondary-key uniqueness
//   - Update: atomic read-modify-write through an UpdateFunc
//   - List: all documents of a collection in insertion order
//
// # Backends
//
// MemoryStore keeps everything in maps under one sync.RWMutex. It is the
// default for tests and single-process runs; two processes never share it.
//
// RedisStore maps each collection onto hashes and a sorted set. Multi-key
// writes are Lua scripts; Update uses WATCH/MULTI with bounded retries.
//
// PostgresStore keeps all collections in one JSONB table. Uniqueness comes
// from a partial unique index; Update holds a row lock for the duration of
// the UpdateFunc.
//
// Open picks a backend from a URI scheme (memory, redis, postgres).
//
// # Concurrency
//
// All implementations are safe for concurrent use. The UpdateFunc passed to
// Update may run more than once on Redis when a concurrent writer wins the
// race, so it must be free of side effects.
package storage
