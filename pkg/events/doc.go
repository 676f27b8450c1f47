// Package events defines the typed lifecycle events carried by herald.
//
// # Overview
//
// Every message on the bus carries exactly one event variant. Status events
// report a state change of an experiment, process, task or job. Command events
// ask a downstream component to do something (submit or terminate a process,
// launch or cancel an experiment).
//
// Each variant carries the identifiers of its ancestry, most specific last:
//
//	gatewayId -> experimentId -> processId -> taskId -> jobId
//
// The messaging layer derives routing keys from these identifiers, so a
// consumer bound to "gw1.exp1.#" sees every event below experiment exp1.
//
// # Message Types
//
// The MessageType tag travels in the envelope next to the encoded event. The
// tag alone does not always determine the payload shape: EXPERIMENT is an
// ExperimentStatusChange on the status exchange but an ExperimentSubmit on the
// experiment launch queue. Consumers resolve that by registering the decoder
// they expect for the tags they handle.
//
// # Usage Example
//
//	event := &events.JobStatusChange{
//		State:        events.JobStateQueued,
//		GatewayID:    "gw1",
//		ExperimentID: "exp1",
//		ProcessID:    "proc1",
//		TaskID:       "task1",
//		JobID:        "job1",
//	}
//	if err := event.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Events are immutable once published. This package never interprets state
// transitions; Validate only checks that identifiers and enum values are well
// formed.
package events
