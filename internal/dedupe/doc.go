// Package dedupe tracks claimed idempotency keys so that concurrent queue
// processing from the foreground page and the background sync worker cannot
// deliver the same entry twice.
//
// CheckAndMark is the only claim primitive: it atomically tests and claims a
// key, eliminating the window between a separate check and mark. Forget
// releases a claim after a failed delivery attempt so retries of the same
// entry still go through.
//
// The cache is advisory and in-process; the durable delivered_keys table in
// the store is the cross-process source of truth.
package dedupe
