// Package queue guarantees that a message the user believes was sent is
// eventually delivered or explicitly reported as failed — never silently
// lost.
//
// # Enqueue
//
// Enqueue persists the entry durably and returns at once; the caller never
// blocks on delivery. Every entry carries a client-generated idempotency
// key for its whole life.
//
// # Processing
//
// ProcessQueue walks pending entries oldest-first, preserving conversational
// order, and delivers each through the same network path as a live send.
// Both the foreground page and the background sync worker may process
// concurrently; three mechanisms keep delivery exactly-once:
//
//  1. in-process claims (dedupe cache) suppress concurrent passes in the
//     same process
//  2. the durable pending->delivering transition lets exactly one context
//     win an entry
//  3. delivered idempotency keys are recorded durably, so an entry whose
//     delivery raced a crash is recognized and discarded, not re-sent
//
// Failed attempts return the entry to pending with an incremented attempt
// counter; at the configured ceiling the entry becomes permanently failed
// and is surfaced for a manual retry. A transport failure ends the pass so
// later entries cannot overtake earlier ones; a business rejection is
// permanent immediately (retrying cannot help) and the pass continues.
//
// Delivery attempts are paced with a rate limiter so a reconnect burst does
// not hammer the backend.
package queue
