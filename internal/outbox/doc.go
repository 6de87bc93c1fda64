// Package outbox is the mutation queue manager.
//
// Writes made while the remote API is unreachable are persisted as queue
// items and replayed later, strictly in enqueue order. A replay pass:
//
//   - deletes items the remote accepted (2xx) and announces SYNC_COMPLETED
//   - deletes items the remote rejected (non-2xx) and announces HTTP_REJECTED
//   - counts a retry on transport failure and stops the pass, so a later
//     item never reaches the remote before an earlier one
//   - drops an item once its retry count exceeds the ceiling, announcing
//     PERMANENT_FAILURE exactly once
//
// Every replayed request carries an Idempotency-Key header so the remote can
// deduplicate a write whose response was lost.
package outbox
