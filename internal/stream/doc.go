// Package stream drives one in-flight chat response from dispatch to a
// terminal state.
//
// # Lifecycle
//
//	session, err := client.Start(ctx, req, "")
//	err = session.Run(ctx, onToken, hooks)
//
// Start classifies failures before any streaming begins: a transport dial
// failure is ErrUnreachable (the caller queues the message), a recognized
// business code (limit_exceeded, tier_required) is a *BusinessError (the
// caller shows a canned explanation and never retries), anything else is a
// plain error.
//
// Run applies tokens to the accumulator in receipt order and invokes the
// caller's token callback immediately. Source and suggestion lists are
// buffered and attached to the completed message.
//
// # Terminal states
//
//   - Completed: terminator frame or clean EOF; completion hooks fire
//   - Cancelled: Cancel() released the reader; accumulated text stands
//   - Failed: mid-stream transport error; the caller appends an explicit
//     error message, never retries automatically (a partially consumed
//     generative response cannot be safely replayed)
//
// # Queue delivery
//
// Deliver runs the same endpoint end to end with an Idempotency-Key header
// and returns only the final text. The offline queue uses it so queued and
// live sends share one network path.
package stream
