package watch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dyluth/herald/internal/statusstore"
)

// PollInterval is how often WaitForState reads the store.
var PollInterval = 200 * time.Millisecond

// WaitForState polls the status store until the entity's recorded state is
// one of states, and returns that record. An entity that has not been
// recorded yet is waited for like any other state.
func WaitForState(ctx context.Context, store *statusstore.Client, gateway string, entity statusstore.Entity, id string, states []string, timeout time.Duration) (*statusstore.Record, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := store.Get(ctx, gateway, entity, id)
		switch {
		case err == nil:
			if slices.Contains(states, r.State) {
				return r, nil
			}
		case !statusstore.IsNotFound(err):
			return nil, fmt.Errorf("failed to read %s %s: %w", entity, id, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for %s %s after %v", entity, id, timeout)
		case <-ticker.C:
		}
	}
}
