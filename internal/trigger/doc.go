// Package trigger decides when the mutation queue is replayed.
//
// A Trigger moves through Unregistered → Registered → Firing → Unregistered.
// After every enqueue it is asked to RegisterSync. With a Deferred scheduler
// attached, the tag is handed to the scheduler, which fires once the network
// is up and re-registers after RetryDelay while items remain. Without one the
// trigger fires a replay pass straight away. In both modes it also fires
// once on Start and on every offline→online transition.
package trigger
