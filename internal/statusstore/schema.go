package statusstore

import "fmt"

// Redis key pattern helpers
//
// Key pattern: herald:{namespace}:{gateway}:{entity}:{id}
// Channel pattern: herald:{namespace}:status_events

// StatusKey returns the Redis key for an entity's latest-state hash.
// Pattern: herald:{namespace}:{gateway}:{entity}:{id}
func StatusKey(namespace, gateway string, entity Entity, id string) string {
	return fmt.Sprintf("herald:%s:%s:%s:%s", namespace, gateway, entity, id)
}

// TimelineKey returns the Redis key for an entity's state history ZSET.
// Pattern: herald:{namespace}:{gateway}:{entity}:{id}:timeline
func TimelineKey(namespace, gateway string, entity Entity, id string) string {
	return StatusKey(namespace, gateway, entity, id) + ":timeline"
}

// ExperimentIndexKey returns the Redis key for the set of entities recorded
// under one experiment.
// Pattern: herald:{namespace}:{gateway}:experiment:{experiment_id}:members
func ExperimentIndexKey(namespace, gateway, experimentID string) string {
	return StatusKey(namespace, gateway, EntityExperiment, experimentID) + ":members"
}

// StatusEventsChannel returns the Pub/Sub channel carrying applied updates.
// Pattern: herald:{namespace}:status_events
func StatusEventsChannel(namespace string) string {
	return fmt.Sprintf("herald:%s:status_events", namespace)
}

// indexMember is the experiment index entry for an entity.
func indexMember(entity Entity, id string) string {
	return fmt.Sprintf("%s:%s", entity, id)
}
