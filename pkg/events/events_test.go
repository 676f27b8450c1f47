package events

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventValidate_Valid tests that fully populated events pass validation
func TestEventValidate_Valid(t *testing.T) {
	valid := []Event{
		&ExperimentStatusChange{State: ExperimentStateExecuting, ExperimentID: "exp1", GatewayID: "gw1"},
		&ProcessStatusChange{State: ProcessStateStarted, ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"},
		&TaskStatusChange{State: TaskStateCompleted, TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"},
		&JobStatusChange{State: JobStateQueued, JobID: "job1", TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"},
		&ProcessSubmit{ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1", TokenID: "tok"},
		&ProcessTerminate{ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"},
		&TaskOutputChange{TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1",
			Output: []OutputData{{Name: "stdout", Value: "file:///tmp/out"}}},
		&ExperimentSubmit{ExperimentID: "exp1", GatewayID: "gw1"},
		&ExperimentIntermediateOutputs{ExperimentID: "exp1", GatewayID: "gw1", OutputNames: []string{"traj"}},
	}

	for _, e := range valid {
		t.Run(strings.TrimPrefix(fmt.Sprintf("%T", e), "*events."), func(t *testing.T) {
			assert.NoError(t, e.Validate())
			assert.Equal(t, "gw1", e.Gateway())
		})
	}
}

func TestEventValidate_InvalidIdentifiers(t *testing.T) {
	testCases := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "empty gateway",
			event: &ExperimentStatusChange{State: ExperimentStateCreated, ExperimentID: "exp1"},
			want:  "invalid gateway id",
		},
		{
			name:  "dot in experiment id",
			event: &ProcessStatusChange{State: ProcessStateStarted, ProcessID: "p", ExperimentID: "exp.1", GatewayID: "gw1"},
			want:  "invalid experiment id",
		},
		{
			name:  "wildcard in job id",
			event: &JobStatusChange{State: JobStateActive, JobID: "#", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g"},
			want:  "invalid job id",
		},
		{
			name:  "whitespace in task id",
			event: &TaskStatusChange{State: TaskStateCreated, TaskID: "task 1", ProcessID: "p", ExperimentID: "e", GatewayID: "g"},
			want:  "invalid task id",
		},
		{
			name:  "missing process on submit",
			event: &ProcessSubmit{ExperimentID: "e", GatewayID: "g"},
			want:  "invalid process id",
		},
		{
			name: "unnamed output",
			event: &TaskOutputChange{TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g",
				Output: []OutputData{{Value: "x"}}},
			want: "has no name",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEventValidate_InvalidState(t *testing.T) {
	assert.Error(t, (&ExperimentStatusChange{State: "RUNNING", ExperimentID: "e", GatewayID: "g"}).Validate())
	assert.Error(t, (&ProcessStatusChange{State: "", ProcessID: "p", ExperimentID: "e", GatewayID: "g"}).Validate())
	assert.Error(t, (&TaskStatusChange{State: "DONE", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g"}).Validate())
	assert.Error(t, (&JobStatusChange{State: "queued", JobID: "j", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g"}).Validate())
}

func TestDefaultType(t *testing.T) {
	testCases := []struct {
		event Event
		want  MessageType
	}{
		{&ExperimentStatusChange{}, TypeExperiment},
		{&ExperimentSubmit{}, TypeExperiment},
		{&ProcessStatusChange{}, TypeProcess},
		{&TaskStatusChange{}, TypeTask},
		{&JobStatusChange{}, TypeJob},
		{&ProcessSubmit{}, TypeLaunchProcess},
		{&ProcessTerminate{}, TypeTerminateProcess},
		{&TaskOutputChange{}, TypeTaskOutput},
		{&ExperimentIntermediateOutputs{}, TypeIntermediateOutputs},
	}

	for _, tc := range testCases {
		t.Run(tc.want.String(), func(t *testing.T) {
			got, err := DefaultType(tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := DefaultType(nil)
	assert.Error(t, err)
}

func TestMessageType(t *testing.T) {
	t.Run("names round-trip through ParseMessageType", func(t *testing.T) {
		for mt := range messageTypeNames {
			parsed, err := ParseMessageType(strings.ToLower(mt.String()))
			require.NoError(t, err)
			assert.Equal(t, mt, parsed)
			assert.NoError(t, mt.Validate())
		}
	})

	t.Run("unknown values", func(t *testing.T) {
		assert.Equal(t, "MessageType(99)", MessageType(99).String())
		assert.Error(t, MessageType(99).Validate())
		_, err := ParseMessageType("NOPE")
		assert.Error(t, err)
	})

	t.Run("wire values are stable", func(t *testing.T) {
		assert.Equal(t, 0, int(TypeExperiment))
		assert.Equal(t, 4, int(TypeJob))
		assert.Equal(t, 7, int(TypeLaunchProcess))
		assert.Equal(t, 12, int(TypeTaskOutput))
	})
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID(TypeJob)
	b := NewMessageID(TypeJob)
	assert.True(t, strings.HasPrefix(a, "JOB_"))
	assert.NotEqual(t, a, b)
}
