// Package statusstore keeps the latest lifecycle state of every experiment,
// process, task and job seen on the status exchange, backed by Redis.
//
// # Overview
//
// The store is a bookkeeping consumer of the status profile. The Recorder
// handler turns each status delivery into a Record and applies it; the
// relay command wires a Recorder to a manual-ack subscriber so a delivery is
// only acknowledged once Redis has it.
//
// Updates are applied by a Lua script that compares update times, so a
// redelivered or reordered older status never overwrites a newer one. Every
// applied update is also appended to a bounded per-entity timeline and
// published on a Redis Pub/Sub channel for live followers.
//
// # Multi-Instance Support
//
// All keys and channels are namespaced, so several relays can share one
// Redis server without interference.
//
// # Redis Schema
//
// Latest state (hash): herald:{namespace}:{gateway}:{entity}:{id}
// Timeline (ZSET scored by update time): herald:{namespace}:{gateway}:{entity}:{id}:timeline
// Experiment index (set of "entity:id"): herald:{namespace}:{gateway}:experiment:{id}:members
// Pub/Sub channel: herald:{namespace}:status_events
//
// # Usage Example
//
//	store, err := statusstore.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	rec, ok := statusstore.RecordFromEvent(&events.ProcessStatusChange{
//		State:        events.ProcessStateExecuting,
//		ProcessID:    "proc1",
//		ExperimentID: "exp1",
//		GatewayID:    "gw1",
//	}, "PROCESS_1", time.Now())
//	if ok {
//		applied, err := store.Apply(ctx, rec)
//		...
//	}
package statusstore
