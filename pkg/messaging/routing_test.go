package messaging

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dyluth/herald/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKey_ArityAndOrder(t *testing.T) {
	testCases := []struct {
		event events.Event
		want  string
	}{
		{&events.ExperimentStatusChange{ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1"},
		{&events.ExperimentSubmit{ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1"},
		{&events.ExperimentIntermediateOutputs{ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1"},
		{&events.ProcessStatusChange{ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1"},
		{&events.ProcessSubmit{ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1"},
		{&events.ProcessTerminate{ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1"},
		{&events.TaskStatusChange{TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1.task1"},
		{&events.TaskOutputChange{TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1.task1"},
		{&events.JobStatusChange{JobID: "job1", TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "gw1.exp1.proc1.task1.job1"},
	}

	for _, tc := range testCases {
		t.Run(strings.TrimPrefix(fmt.Sprintf("%T", tc.event), "*events."), func(t *testing.T) {
			got, err := RoutingKey(tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			again, err := RoutingKey(tc.event)
			require.NoError(t, err)
			assert.Equal(t, got, again, "routing keys must be deterministic")
		})
	}
}

func TestRoutingKey_RejectsBadSegments(t *testing.T) {
	bad := []events.Event{
		&events.ExperimentStatusChange{ExperimentID: "exp1"},
		&events.ProcessStatusChange{ProcessID: "p.1", ExperimentID: "e", GatewayID: "g"},
		&events.JobStatusChange{JobID: "*", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g"},
		&events.TaskStatusChange{TaskID: "#", ProcessID: "p", ExperimentID: "e", GatewayID: "g"},
	}
	for _, e := range bad {
		_, err := RoutingKey(e)
		assert.Error(t, err, "%#v", e)
	}

	_, err := RoutingKey(nil)
	assert.Error(t, err)
}

func TestMatchTopic(t *testing.T) {
	testCases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"gw1.exp1", "gw1.exp1", true},
		{"gw1.exp1", "gw1.exp1.proc1", false},
		{"gw1.exp1", "gw1.exp2", false},
		{"gw1.exp1.#", "gw1.exp1", true},
		{"gw1.exp1.#", "gw1.exp1.proc1.task1.job1", true},
		{"gw1.exp2.#", "gw1.exp1.proc1.task1.job1", false},
		{"gw1.*", "gw1.exp1", true},
		{"gw1.*", "gw1.exp1.proc1", false},
		{"gw1.*", "gw1", false},
		{"*.*.*", "gw1.exp1.proc1", true},
		{"*.*.*", "gw1.exp1", false},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"#.job1", "gw1.exp1.proc1.task1.job1", true},
		{"gw1.#.task1.*", "gw1.exp1.proc1.task1.job1", true},
		{"gw1.#.task2.*", "gw1.exp1.proc1.task1.job1", false},
		{"#.#", "a", true},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern+"~"+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.key))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	for _, ok := range []string{"gw1", "gw1.exp1", "gw1.*", "#", "gw1.#.job1"} {
		assert.NoError(t, ValidatePattern(ok), ok)
	}
	for _, bad := range []string{"", ".", "gw1.", "gw1..exp1", "gw*", "gw1.ex#"} {
		assert.Error(t, ValidatePattern(bad), bad)
	}
}
