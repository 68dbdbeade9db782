// Package collab keeps the registry of live workflow instances.
//
// The registry hands out snapshots of instances, merges producer updates
// into their shared context, and runs a background loop that reports stalled
// instances and evicts finished ones after a retention window. When a
// workflow.Repository is configured, evicted instances remain readable from
// storage until the same window prunes them there too.
package collab
