// Package store persists the offline delivery queue and the offline caches
// in SQLite.
//
// # Queue entries
//
// A QueueEntry is an outgoing message the user believes was sent while the
// network was unavailable. Lifecycle:
//
//	pending -> delivering -> (deleted on delivery | permanently_failed)
//
// Delivered entries are deleted; their idempotency key is kept in the
// delivered_keys table so that a concurrent delivery attempt from the other
// execution context (foreground page vs background worker) is recognized as
// a duplicate.
//
// ClaimEntry is the coordination point: it only succeeds on a pending row,
// so of two contexts racing for the same entry exactly one proceeds.
//
// # Offline caches
//
// cached_responses holds completed assistant responses for offline reuse;
// cached_templates holds pre-cached reference template bodies. Both are
// written by the background worker on request from the foreground.
//
// # Durability
//
// One SQLite file, WAL mode, shared by both contexts. The schema is created
// on open; entries survive a full restart.
package store
