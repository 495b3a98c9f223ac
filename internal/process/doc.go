// Package process runs external commands whose output is only pushed to
// observers while someone is watching.
//
// Every Process keeps a bounded replay buffer of its most recent output
// chunks, so an observer that attaches late still sees recent context. A
// Process publishes on topic "terminal:<name>"; see Topic.
//
// The Manager is the registry: at most one live Process per name. Exec
// refuses to start a second operation under a name that is still running.
package process
