// Package syncbus bridges the foreground page and the background sync
// worker with typed, fire-and-forget message passing.
//
// # Model
//
// The two execution contexts share no memory and hold no locks; the bus is
// their only connection. Every message is a one-way notification with no
// request/response correlation. Senders never block: a full inbox drops the
// message, exactly like posting to a worker that is not listening.
//
// Page -> worker: ProcessQueue, ReportQueueDepth, PrecacheTemplates,
// CacheResponse.
//
// Worker -> page: QueueDepthChanged, EntryDelivered, EntryFailed,
// TemplateServedOffline, UpdateAvailable.
//
// Unknown message types are ignored on both sides for forward
// compatibility.
//
// # Worker
//
// The Worker runs its own loop and owns queue processing: delivery can make
// progress after the page has gone away, and the page learns of outcomes
// only by observing worker notifications. Conversation state is never
// touched from the worker side; EntryDelivered tells the page to reconcile
// when it is foregrounded.
package syncbus
