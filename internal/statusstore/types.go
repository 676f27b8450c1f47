package statusstore

import (
	"fmt"
	"time"

	"github.com/dyluth/herald/pkg/events"
)

// Entity is the kind of lifecycle object a Record describes.
type Entity string

const (
	EntityExperiment Entity = "experiment"
	EntityProcess    Entity = "process"
	EntityTask       Entity = "task"
	EntityJob        Entity = "job"
)

// rank orders entities from the outermost to the innermost.
var rank = map[Entity]int{
	EntityExperiment: 0,
	EntityProcess:    1,
	EntityTask:       2,
	EntityJob:        3,
}

// Validate checks that the entity is one of the defined kinds.
func (e Entity) Validate() error {
	if _, ok := rank[e]; !ok {
		return fmt.Errorf("invalid entity: %q", e)
	}
	return nil
}

// Record is the latest known state of one entity.
type Record struct {
	GatewayID    string `json:"gateway_id"`
	Entity       Entity `json:"entity"`
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	ProcessID    string `json:"process_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	State        string `json:"state"`
	MessageType  string `json:"message_type"`
	MessageID    string `json:"message_id"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// Validate checks the fields Apply relies on.
func (r *Record) Validate() error {
	if err := r.Entity.Validate(); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"gateway_id":    r.GatewayID,
		"id":            r.ID,
		"experiment_id": r.ExperimentID,
		"state":         r.State,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if r.UpdatedAtMs <= 0 {
		return fmt.Errorf("updated_at_ms must be positive, got %d", r.UpdatedAtMs)
	}
	return nil
}

// UpdatedAt returns the update time.
func (r *Record) UpdatedAt() time.Time {
	return time.UnixMilli(r.UpdatedAtMs)
}

// RecordFromEvent builds a Record from a status change event. It returns
// false for events that do not carry a lifecycle state.
func RecordFromEvent(e events.Event, messageID string, updated time.Time) (*Record, bool) {
	r := &Record{MessageID: messageID, UpdatedAtMs: updated.UnixMilli()}

	switch ev := e.(type) {
	case *events.ExperimentStatusChange:
		r.Entity, r.ID, r.State = EntityExperiment, ev.ExperimentID, string(ev.State)
		r.ExperimentID, r.GatewayID = ev.ExperimentID, ev.GatewayID
		r.MessageType = events.TypeExperiment.String()
	case *events.ProcessStatusChange:
		r.Entity, r.ID, r.State = EntityProcess, ev.ProcessID, string(ev.State)
		r.ExperimentID, r.GatewayID = ev.ExperimentID, ev.GatewayID
		r.MessageType = events.TypeProcess.String()
	case *events.TaskStatusChange:
		r.Entity, r.ID, r.State = EntityTask, ev.TaskID, string(ev.State)
		r.ProcessID, r.ExperimentID, r.GatewayID = ev.ProcessID, ev.ExperimentID, ev.GatewayID
		r.MessageType = events.TypeTask.String()
	case *events.JobStatusChange:
		r.Entity, r.ID, r.State = EntityJob, ev.JobID, string(ev.State)
		r.TaskID, r.ProcessID, r.ExperimentID, r.GatewayID = ev.TaskID, ev.ProcessID, ev.ExperimentID, ev.GatewayID
		r.MessageType = events.TypeJob.String()
	default:
		return nil, false
	}
	return r, true
}
