package statusstore

import (
	"fmt"
	"strings"
)

// Timeline tracking utilities
//
// Each entity keeps a bounded history of the states it moved through, stored
// as a ZSET where:
// - Key: herald:{namespace}:{gateway}:{entity}:{id}:timeline
// - Members: "{state}|{message_id}"
// - Score: the update time in Unix milliseconds

// TimelineEntry is one recorded state change.
type TimelineEntry struct {
	State       string
	MessageID   string
	UpdatedAtMs int64
}

// TimelineScore converts an update time to a ZSET score.
func TimelineScore(updatedAtMs int64) float64 {
	return float64(updatedAtMs)
}

// TimelineMember encodes the ZSET member for a record.
func TimelineMember(r *Record) string {
	return r.State + "|" + r.MessageID
}

// ParseTimelineMember splits a ZSET member back into state and message id.
func ParseTimelineMember(member string, score float64) (TimelineEntry, error) {
	state, messageID, ok := strings.Cut(member, "|")
	if !ok || state == "" {
		return TimelineEntry{}, fmt.Errorf("malformed timeline member: %q", member)
	}
	return TimelineEntry{State: state, MessageID: messageID, UpdatedAtMs: int64(score)}, nil
}
