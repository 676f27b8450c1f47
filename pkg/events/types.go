package events

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageType tags the payload carried by an envelope.
// Numeric values are part of the wire format and must never be reused.
type MessageType int

const (
	// TypeExperiment carries an ExperimentStatusChange (status exchange) or an
	// ExperimentSubmit (experiment launch queue)
	TypeExperiment MessageType = 0

	// TypeExperimentCancel carries an ExperimentSubmit naming the experiment to cancel
	TypeExperimentCancel MessageType = 1

	// TypeTask carries a TaskStatusChange
	TypeTask MessageType = 2

	// TypeProcess carries a ProcessStatusChange
	TypeProcess MessageType = 3

	// TypeJob carries a JobStatusChange
	TypeJob MessageType = 4

	// TypeLaunchTask is reserved for task launch commands
	TypeLaunchTask MessageType = 5

	// TypeTerminateTask is reserved for task termination commands
	TypeTerminateTask MessageType = 6

	// TypeLaunchProcess carries a ProcessSubmit
	TypeLaunchProcess MessageType = 7

	// TypeTerminateProcess carries a ProcessTerminate
	TypeTerminateProcess MessageType = 8

	// TypeProcessOutput is reserved for process output notifications
	TypeProcessOutput MessageType = 9

	// TypeDBEvent is reserved for registry replication events
	TypeDBEvent MessageType = 10

	// TypeIntermediateOutputs carries an ExperimentIntermediateOutputs request
	TypeIntermediateOutputs MessageType = 11

	// TypeTaskOutput carries a TaskOutputChange
	TypeTaskOutput MessageType = 12
)

var messageTypeNames = map[MessageType]string{
	TypeExperiment:          "EXPERIMENT",
	TypeExperimentCancel:    "EXPERIMENT_CANCEL",
	TypeTask:                "TASK",
	TypeProcess:             "PROCESS",
	TypeJob:                 "JOB",
	TypeLaunchTask:          "LAUNCHTASK",
	TypeTerminateTask:       "TERMINATETASK",
	TypeLaunchProcess:       "LAUNCHPROCESS",
	TypeTerminateProcess:    "TERMINATEPROCESS",
	TypeProcessOutput:       "PROCESSOUTPUT",
	TypeDBEvent:             "DB_EVENT",
	TypeIntermediateOutputs: "INTERMEDIATE_OUTPUTS",
	TypeTaskOutput:          "TASKOUTPUT",
}

// String returns the canonical upper-case name, or MessageType(n) for unknown values.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Validate checks if the MessageType is a known enum value.
func (t MessageType) Validate() error {
	if _, ok := messageTypeNames[t]; !ok {
		return fmt.Errorf("unknown message type: %d", int(t))
	}
	return nil
}

// ParseMessageType converts a canonical name (case-insensitive) into a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range messageTypeNames {
		if name == upper {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type: %q", s)
}

// NewMessageID returns a unique message id prefixed with the type name,
// e.g. "EXPERIMENT_9b2f...". Ids are opaque and used only for correlation.
func NewMessageID(t MessageType) string {
	return fmt.Sprintf("%s_%s", t, uuid.NewString())
}
