// Package pubsub is the topic broker that fans process output and state
// updates out to connected observers.
//
// Publishing to a topic nobody subscribes to is a no-op. Write-style events
// are coalesced per topic into bounded batches (size or timeout, whichever
// comes first); everything else is delivered immediately. Subscribers that
// are found disconnected on the send path are pruned as a side effect.
package pubsub
