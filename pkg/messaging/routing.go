package messaging

import (
	"fmt"
	"strings"

	"github.com/dyluth/herald/pkg/events"
)

// RoutingKey builds the topic routing key for an event: its identifier
// chain joined by '.', most specific segment last.
//
//	ExperimentStatusChange, ExperimentSubmit, ExperimentIntermediateOutputs  gw.exp
//	ProcessStatusChange, ProcessSubmit, ProcessTerminate                      gw.exp.proc
//	TaskStatusChange, TaskOutputChange                                        gw.exp.proc.task
//	JobStatusChange                                                           gw.exp.proc.task.job
func RoutingKey(e events.Event) (string, error) {
	var segments []string
	switch ev := e.(type) {
	case *events.ExperimentStatusChange:
		segments = []string{ev.GatewayID, ev.ExperimentID}
	case *events.ExperimentSubmit:
		segments = []string{ev.GatewayID, ev.ExperimentID}
	case *events.ExperimentIntermediateOutputs:
		segments = []string{ev.GatewayID, ev.ExperimentID}
	case *events.ProcessStatusChange:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID}
	case *events.ProcessSubmit:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID}
	case *events.ProcessTerminate:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID}
	case *events.TaskStatusChange:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID, ev.TaskID}
	case *events.TaskOutputChange:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID, ev.TaskID}
	case *events.JobStatusChange:
		segments = []string{ev.GatewayID, ev.ExperimentID, ev.ProcessID, ev.TaskID, ev.JobID}
	default:
		return "", fmt.Errorf("no routing key defined for %T", e)
	}

	for i, s := range segments {
		if err := events.ValidateID(s); err != nil {
			return "", fmt.Errorf("routing key segment %d: %w", i, err)
		}
	}
	return strings.Join(segments, "."), nil
}

// ValidatePattern checks a binding pattern: dot-separated, no empty
// segments, and '*' or '#' only as whole segments.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("binding pattern cannot be empty")
	}
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "" {
			return fmt.Errorf("binding pattern %q has an empty segment", pattern)
		}
		if seg != "*" && seg != "#" && strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("binding pattern %q: wildcard must be a whole segment", pattern)
		}
	}
	return nil
}

// MatchTopic reports whether a routing key matches a topic binding pattern,
// where '*' matches exactly one segment and '#' matches zero or more.
func MatchTopic(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
