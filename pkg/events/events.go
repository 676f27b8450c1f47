package events

import (
	"fmt"
	"strings"
)

// Event is implemented by every payload variant carried on the bus.
// The set of variants is closed: only types in this package implement it.
type Event interface {
	// Gateway returns the gateway the event belongs to.
	Gateway() string

	// Validate checks identifiers and enum values. It does not judge
	// whether a state transition is legal.
	Validate() error

	isEvent()
}

// ExperimentStatusChange reports a new experiment state.
type ExperimentStatusChange struct {
	State        ExperimentState `cbor:"1,keyasint"`
	ExperimentID string          `cbor:"2,keyasint"`
	GatewayID    string          `cbor:"3,keyasint"`
}

// ProcessStatusChange reports a new process state.
type ProcessStatusChange struct {
	State        ProcessState `cbor:"1,keyasint"`
	ProcessID    string       `cbor:"2,keyasint"`
	ExperimentID string       `cbor:"3,keyasint"`
	GatewayID    string       `cbor:"4,keyasint"`
}

// TaskStatusChange reports a new task state.
type TaskStatusChange struct {
	State        TaskState `cbor:"1,keyasint"`
	TaskID       string    `cbor:"2,keyasint"`
	ProcessID    string    `cbor:"3,keyasint"`
	ExperimentID string    `cbor:"4,keyasint"`
	GatewayID    string    `cbor:"5,keyasint"`
}

// JobStatusChange reports a new job state observed by a job monitor.
type JobStatusChange struct {
	State        JobState `cbor:"1,keyasint"`
	JobID        string   `cbor:"2,keyasint"`
	TaskID       string   `cbor:"3,keyasint"`
	ProcessID    string   `cbor:"4,keyasint"`
	ExperimentID string   `cbor:"5,keyasint"`
	GatewayID    string   `cbor:"6,keyasint"`
}

// ProcessSubmit asks the process launcher to start a process.
type ProcessSubmit struct {
	ProcessID    string `cbor:"1,keyasint"`
	ExperimentID string `cbor:"2,keyasint"`
	GatewayID    string `cbor:"3,keyasint"`
	TokenID      string `cbor:"4,keyasint,omitempty"` // credential store token used for the submission
}

// ProcessTerminate asks the process launcher to cancel a running process.
type ProcessTerminate struct {
	ProcessID    string `cbor:"1,keyasint"`
	ExperimentID string `cbor:"2,keyasint"`
	GatewayID    string `cbor:"3,keyasint"`
	TokenID      string `cbor:"4,keyasint,omitempty"`
}

// OutputData is a single named output produced by a task.
type OutputData struct {
	Name  string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
	Type  string `cbor:"3,keyasint,omitempty"` // e.g. "URI", "STRING", "STDOUT"
}

// TaskOutputChange reports outputs produced by a task.
type TaskOutputChange struct {
	Output       []OutputData `cbor:"1,keyasint,omitempty"`
	TaskID       string       `cbor:"2,keyasint"`
	ProcessID    string       `cbor:"3,keyasint"`
	ExperimentID string       `cbor:"4,keyasint"`
	GatewayID    string       `cbor:"5,keyasint"`
}

// ExperimentSubmit asks the orchestrator to launch (TypeExperiment) or
// cancel (TypeExperimentCancel) an experiment.
type ExperimentSubmit struct {
	ExperimentID string `cbor:"1,keyasint"`
	GatewayID    string `cbor:"2,keyasint"`
}

// ExperimentIntermediateOutputs asks the orchestrator to fetch the named
// outputs of a running experiment.
type ExperimentIntermediateOutputs struct {
	ExperimentID string   `cbor:"1,keyasint"`
	GatewayID    string   `cbor:"2,keyasint"`
	OutputNames  []string `cbor:"3,keyasint,omitempty"`
}

func (e *ExperimentStatusChange) Gateway() string        { return e.GatewayID }
func (e *ProcessStatusChange) Gateway() string           { return e.GatewayID }
func (e *TaskStatusChange) Gateway() string              { return e.GatewayID }
func (e *JobStatusChange) Gateway() string               { return e.GatewayID }
func (e *ProcessSubmit) Gateway() string                 { return e.GatewayID }
func (e *ProcessTerminate) Gateway() string              { return e.GatewayID }
func (e *TaskOutputChange) Gateway() string              { return e.GatewayID }
func (e *ExperimentSubmit) Gateway() string              { return e.GatewayID }
func (e *ExperimentIntermediateOutputs) Gateway() string { return e.GatewayID }

func (*ExperimentStatusChange) isEvent()        {}
func (*ProcessStatusChange) isEvent()           {}
func (*TaskStatusChange) isEvent()              {}
func (*JobStatusChange) isEvent()               {}
func (*ProcessSubmit) isEvent()                 {}
func (*ProcessTerminate) isEvent()              {}
func (*TaskOutputChange) isEvent()              {}
func (*ExperimentSubmit) isEvent()              {}
func (*ExperimentIntermediateOutputs) isEvent() {}

// Validate checks identifiers and state.
func (e *ExperimentStatusChange) Validate() error {
	if err := e.State.Validate(); err != nil {
		return err
	}
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID)
}

// Validate checks identifiers and state.
func (e *ProcessStatusChange) Validate() error {
	if err := e.State.Validate(); err != nil {
		return err
	}
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID, "process", e.ProcessID)
}

// Validate checks identifiers and state.
func (e *TaskStatusChange) Validate() error {
	if err := e.State.Validate(); err != nil {
		return err
	}
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID,
		"process", e.ProcessID, "task", e.TaskID)
}

// Validate checks identifiers and state.
func (e *JobStatusChange) Validate() error {
	if err := e.State.Validate(); err != nil {
		return err
	}
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID,
		"process", e.ProcessID, "task", e.TaskID, "job", e.JobID)
}

// Validate checks identifiers.
func (e *ProcessSubmit) Validate() error {
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID, "process", e.ProcessID)
}

// Validate checks identifiers.
func (e *ProcessTerminate) Validate() error {
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID, "process", e.ProcessID)
}

// Validate checks identifiers and that every output is named.
func (e *TaskOutputChange) Validate() error {
	if err := validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID,
		"process", e.ProcessID, "task", e.TaskID); err != nil {
		return err
	}
	for i, out := range e.Output {
		if out.Name == "" {
			return fmt.Errorf("output at index %d has no name", i)
		}
	}
	return nil
}

// Validate checks identifiers.
func (e *ExperimentSubmit) Validate() error {
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID)
}

// Validate checks identifiers.
func (e *ExperimentIntermediateOutputs) Validate() error {
	return validateIDs("gateway", e.GatewayID, "experiment", e.ExperimentID)
}

// DefaultType returns the message type a variant is normally published with.
// ExperimentSubmit defaults to TypeExperiment; use TypeExperimentCancel explicitly
// to request cancellation.
func DefaultType(e Event) (MessageType, error) {
	switch e.(type) {
	case *ExperimentStatusChange, *ExperimentSubmit:
		return TypeExperiment, nil
	case *ProcessStatusChange:
		return TypeProcess, nil
	case *TaskStatusChange:
		return TypeTask, nil
	case *JobStatusChange:
		return TypeJob, nil
	case *ProcessSubmit:
		return TypeLaunchProcess, nil
	case *ProcessTerminate:
		return TypeTerminateProcess, nil
	case *TaskOutputChange:
		return TypeTaskOutput, nil
	case *ExperimentIntermediateOutputs:
		return TypeIntermediateOutputs, nil
	default:
		return 0, fmt.Errorf("unsupported event type %T", e)
	}
}

// ValidateID checks that an identifier can be used as a routing key segment:
// non-empty, no whitespace, and none of the topic metacharacters '.', '*', '#'.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if i := strings.IndexAny(id, ".*# \t\r\n"); i >= 0 {
		return fmt.Errorf("identifier %q contains invalid character %q", id, id[i])
	}
	return nil
}

// validateIDs takes alternating (label, value) pairs.
func validateIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := ValidateID(pairs[i+1]); err != nil {
			return fmt.Errorf("invalid %s id: %w", pairs[i], err)
		}
	}
	return nil
}
