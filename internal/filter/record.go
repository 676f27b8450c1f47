package filter

import (
	"path/filepath"

	"github.com/dyluth/herald/internal/statusstore"
)

// Criteria defines filtering criteria for status records.
// All filters are ANDed together - a record must match ALL criteria to pass.
type Criteria struct {
	SinceMs   int64              // Unix milliseconds, 0 = no filter
	UntilMs   int64              // Unix milliseconds, 0 = no filter
	StateGlob string             // Glob pattern for the state, empty = no filter
	Entity    statusstore.Entity // Exact entity kind, empty = no filter
}

// Matches returns true if the record matches all filter criteria.
func (c *Criteria) Matches(r *statusstore.Record) bool {
	if c.SinceMs > 0 && r.UpdatedAtMs < c.SinceMs {
		return false
	}
	if c.UntilMs > 0 && r.UpdatedAtMs > c.UntilMs {
		return false
	}

	if c.StateGlob != "" {
		matched, err := filepath.Match(c.StateGlob, r.State)
		if err != nil || !matched {
			return false
		}
	}

	if c.Entity != "" && r.Entity != c.Entity {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceMs > 0 || c.UntilMs > 0 || c.StateGlob != "" || c.Entity != ""
}

// Apply returns the records that match, keeping their order.
func (c *Criteria) Apply(records []*statusstore.Record) []*statusstore.Record {
	if !c.HasFilters() {
		return records
	}
	kept := make([]*statusstore.Record, 0, len(records))
	for _, r := range records {
		if c.Matches(r) {
			kept = append(kept, r)
		}
	}
	return kept
}
