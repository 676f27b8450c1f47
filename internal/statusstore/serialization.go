package statusstore

import (
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Records and Redis hashes.
// Every field is stored as its own hash field so the hash stays readable
// from redis-cli.

// RecordToHash converts a Record to a Redis hash.
func RecordToHash(r *Record) map[string]interface{} {
	return map[string]interface{}{
		"gateway_id":    r.GatewayID,
		"entity":        string(r.Entity),
		"id":            r.ID,
		"experiment_id": r.ExperimentID,
		"process_id":    r.ProcessID,
		"task_id":       r.TaskID,
		"state":         r.State,
		"message_type":  r.MessageType,
		"message_id":    r.MessageID,
		"updated_at_ms": r.UpdatedAtMs,
	}
}

// HashToRecord converts a Redis hash back to a Record.
func HashToRecord(hash map[string]string) (*Record, error) {
	updated, err := strconv.ParseInt(hash["updated_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at_ms field: %w", err)
	}

	r := &Record{
		GatewayID:    hash["gateway_id"],
		Entity:       Entity(hash["entity"]),
		ID:           hash["id"],
		ExperimentID: hash["experiment_id"],
		ProcessID:    hash["process_id"],
		TaskID:       hash["task_id"],
		State:        hash["state"],
		MessageType:  hash["message_type"],
		MessageID:    hash["message_id"],
		UpdatedAtMs:  updated,
	}
	if err := r.Entity.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// hashArgs flattens a hash into alternating field/value script arguments.
// Field order is fixed so scripts see the same argument list for equal
// records.
func hashArgs(r *Record) []interface{} {
	h := RecordToHash(r)
	args := make([]interface{}, 0, 2*len(hashFields))
	for _, f := range hashFields {
		args = append(args, f, h[f])
	}
	return args
}

var hashFields = []string{
	"gateway_id", "entity", "id", "experiment_id", "process_id",
	"task_id", "state", "message_type", "message_id", "updated_at_ms",
}
