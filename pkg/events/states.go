package events

import "fmt"

// ExperimentState is the lifecycle state of an experiment.
type ExperimentState string

const (
	ExperimentStateCreated   ExperimentState = "CREATED"
	ExperimentStateValidated ExperimentState = "VALIDATED"
	ExperimentStateScheduled ExperimentState = "SCHEDULED"
	ExperimentStateLaunched  ExperimentState = "LAUNCHED"
	ExperimentStateExecuting ExperimentState = "EXECUTING"
	ExperimentStateCanceling ExperimentState = "CANCELING"
	ExperimentStateCanceled  ExperimentState = "CANCELED"
	ExperimentStateCompleted ExperimentState = "COMPLETED"
	ExperimentStateFailed    ExperimentState = "FAILED"
)

// Validate checks if the ExperimentState is a valid enum value.
func (s ExperimentState) Validate() error {
	switch s {
	case ExperimentStateCreated, ExperimentStateValidated, ExperimentStateScheduled,
		ExperimentStateLaunched, ExperimentStateExecuting, ExperimentStateCanceling,
		ExperimentStateCanceled, ExperimentStateCompleted, ExperimentStateFailed:
		return nil
	default:
		return fmt.Errorf("unknown experiment state: %q", s)
	}
}

// ProcessState is the lifecycle state of a process.
type ProcessState string

const (
	ProcessStateCreated              ProcessState = "CREATED"
	ProcessStateValidated            ProcessState = "VALIDATED"
	ProcessStateStarted              ProcessState = "STARTED"
	ProcessStatePreProcessing        ProcessState = "PRE_PROCESSING"
	ProcessStateConfiguringWorkspace ProcessState = "CONFIGURING_WORKSPACE"
	ProcessStateInputDataStaging     ProcessState = "INPUT_DATA_STAGING"
	ProcessStateExecuting            ProcessState = "EXECUTING"
	ProcessStateMonitoring           ProcessState = "MONITORING"
	ProcessStateOutputDataStaging    ProcessState = "OUTPUT_DATA_STAGING"
	ProcessStatePostProcessing       ProcessState = "POST_PROCESSING"
	ProcessStateCompleted            ProcessState = "COMPLETED"
	ProcessStateFailed               ProcessState = "FAILED"
	ProcessStateCancelling           ProcessState = "CANCELLING"
	ProcessStateCanceled             ProcessState = "CANCELED"
	ProcessStateQueued               ProcessState = "QUEUED"
	ProcessStateDequeuing            ProcessState = "DEQUEUING"
	ProcessStateRequeued             ProcessState = "REQUEUED"
)

// Validate checks if the ProcessState is a valid enum value.
func (s ProcessState) Validate() error {
	switch s {
	case ProcessStateCreated, ProcessStateValidated, ProcessStateStarted,
		ProcessStatePreProcessing, ProcessStateConfiguringWorkspace,
		ProcessStateInputDataStaging, ProcessStateExecuting, ProcessStateMonitoring,
		ProcessStateOutputDataStaging, ProcessStatePostProcessing,
		ProcessStateCompleted, ProcessStateFailed, ProcessStateCancelling,
		ProcessStateCanceled, ProcessStateQueued, ProcessStateDequeuing,
		ProcessStateRequeued:
		return nil
	default:
		return fmt.Errorf("unknown process state: %q", s)
	}
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateExecuting TaskState = "EXECUTING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCanceled  TaskState = "CANCELED"
)

// Validate checks if the TaskState is a valid enum value.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateCreated, TaskStateExecuting, TaskStateCompleted,
		TaskStateFailed, TaskStateCanceled:
		return nil
	default:
		return fmt.Errorf("unknown task state: %q", s)
	}
}

// JobState is the state of a job as reported by the compute resource.
type JobState string

const (
	JobStateSubmitted       JobState = "SUBMITTED"
	JobStateQueued          JobState = "QUEUED"
	JobStateActive          JobState = "ACTIVE"
	JobStateComplete        JobState = "COMPLETE"
	JobStateCanceled        JobState = "CANCELED"
	JobStateFailed          JobState = "FAILED"
	JobStateSuspended       JobState = "SUSPENDED"
	JobStateUnknown         JobState = "UNKNOWN"
	JobStateNonCriticalFail JobState = "NON_CRITICAL_FAIL"
)

// Validate checks if the JobState is a valid enum value.
func (s JobState) Validate() error {
	switch s {
	case JobStateSubmitted, JobStateQueued, JobStateActive, JobStateComplete,
		JobStateCanceled, JobStateFailed, JobStateSuspended, JobStateUnknown,
		JobStateNonCriticalFail:
		return nil
	default:
		return fmt.Errorf("unknown job state: %q", s)
	}
}
