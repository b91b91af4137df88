// Package conversation holds the authoritative in-memory state of the
// active conversation.
//
// # Store
//
// The Store is a pure state container: no network, no storage, no
// presentation. Exactly two writers exist by design: the live stream session
// (while a response is streaming) and the delivery orchestrator (appending
// user turns, error turns, and queue-delivered exchanges).
//
// Key operations:
//
//   - AppendMessage: add a settled turn
//   - OpenAssistant / MutateLastAssistant / SettleAssistant: stream into the
//     single open assistant message
//   - ReplaceMessages: conversation switch or reload
//
// The open-assistant invariant: at most one assistant message is ever open.
// OpenAssistant returns ErrAssistantOpen if a previous send has not been
// settled; the orchestrator cancels the active session first.
//
// # Broadcaster
//
// Every mutation publishes a Change. A rendering layer subscribes:
//
//	ch, id := broadcaster.Subscribe(ctx)
//	for change := range ch { ... }
//
// Publishing never blocks; slow subscribers lose intermediate changes but
// the OpSettle change always carries the complete final message.
package conversation
