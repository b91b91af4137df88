// ABOUTME: Package documentation for the delivery orchestrator
// ABOUTME: Explains the online/offline routing and the page-side bus drain

// Package delivery routes outgoing chat messages end to end.
//
// The Orchestrator is the seam between everything else: it owns the
// connectivity flag, the active streaming session, the conversation store,
// and the page side of the sync bus.
//
// # Send routing
//
// A Send first settles any open assistant message, cancelling the session
// that was streaming into it; its partial text stands. The user turn is
// appended, then:
//
//   - offline (flag, or the dial fails): the message is persisted in the
//     offline queue and the send succeeds with Queued set. Queuing is the
//     normal offline outcome, never an error.
//   - online: a streaming session runs, each token mutating the single open
//     assistant message in receipt order. Sources attach on completion.
//   - backend rejection (usage limit, tier): a canned assistant message is
//     appended as a settled turn. Rejections are terminal and never queued.
//   - mid-stream transport failure: whatever arrived settles, followed by
//     one synthetic error message. No automatic retry.
//
// # Connectivity
//
// SetOnline(true) broadcasts the change, asks the background worker to
// drain the queue, and registers a durable platform sync once per
// transition. SetOnline(false) only broadcasts.
//
// # The page loop
//
// RunPageLoop drains worker notifications on the foreground. The background
// worker never mutates conversation state itself: a delivered queue entry
// crosses the bus as EntryDelivered and is spliced into the conversation
// here, positioned so an in-flight streaming response keeps its place.
package delivery
