package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/herald/internal/filter"
	"github.com/dyluth/herald/internal/statusstore"
	"github.com/dyluth/herald/pkg/events"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintExperiment(t *testing.T) {
	color.NoColor = true
	mr := miniredis.RunT(t)
	store, err := statusstore.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	apply := func(e events.Event, id string, at time.Time) {
		t.Helper()
		r, ok := statusstore.RecordFromEvent(e, id, at)
		require.True(t, ok)
		_, err := store.Apply(ctx, r)
		require.NoError(t, err)
	}
	apply(&events.ExperimentStatusChange{State: events.ExperimentStateLaunched, ExperimentID: "exp1", GatewayID: "gw1"}, "EXPERIMENT_1", base)
	apply(&events.ExperimentStatusChange{State: events.ExperimentStateExecuting, ExperimentID: "exp1", GatewayID: "gw1"}, "EXPERIMENT_2", base.Add(time.Second))
	apply(&events.ProcessStatusChange{State: events.ProcessStateStarted, ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1"}, "PROCESS_1", base)
	apply(&events.ProcessStatusChange{State: events.ProcessStateStarted, ProcessID: "other", ExperimentID: "exp2", GatewayID: "gw1"}, "PROCESS_2", base)

	t.Run("latest states", func(t *testing.T) {
		stdout, _ := quiet(t)
		n, err := printExperiment(ctx, out, store, &filter.Criteria{}, "gw1", "exp1", false)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		s := stdout.String()
		assert.Contains(t, s, "experiment")
		assert.Contains(t, s, "EXECUTING")
		assert.Contains(t, s, "proc1")
		assert.NotContains(t, s, "LAUNCHED")
		assert.NotContains(t, s, "other")
	})

	t.Run("with timeline", func(t *testing.T) {
		stdout, _ := quiet(t)
		_, err := printExperiment(ctx, out, store, &filter.Criteria{}, "gw1", "exp1", true)
		require.NoError(t, err)

		s := stdout.String()
		assert.Contains(t, s, "LAUNCHED")
		assert.Contains(t, s, "EXPERIMENT_1")
		assert.Less(t, strings.Index(s, "EXPERIMENT_1"), strings.Index(s, "EXPERIMENT_2"))
	})

	t.Run("filtered", func(t *testing.T) {
		stdout, _ := quiet(t)
		n, err := printExperiment(ctx, out, store, &filter.Criteria{Entity: statusstore.EntityProcess}, "gw1", "exp1", false)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Contains(t, stdout.String(), "proc1")
		assert.NotContains(t, stdout.String(), "EXECUTING")
	})

	t.Run("unknown experiment", func(t *testing.T) {
		stdout, _ := quiet(t)
		n, err := printExperiment(ctx, out, store, &filter.Criteria{}, "gw1", "nope", false)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, stdout.String())
	})
}

func TestStatusCriteria(t *testing.T) {
	reset := func() {
		statusSince, statusUntil, statusState, statusEntity = "", "", "", ""
	}
	t.Cleanup(reset)

	reset()
	c, err := statusCriteria()
	require.NoError(t, err)
	assert.False(t, c.HasFilters())

	statusState, statusEntity, statusSince = "cancel*", "Job", "1h"
	c, err = statusCriteria()
	require.NoError(t, err)
	assert.Equal(t, "CANCEL*", c.StateGlob)
	assert.Equal(t, statusstore.EntityJob, c.Entity)
	assert.Positive(t, c.SinceMs)

	reset()
	statusEntity = "gateway"
	_, err = statusCriteria()
	assert.Error(t, err)

	reset()
	statusSince, statusUntil = "1h", "2h"
	_, err = statusCriteria()
	assert.Error(t, err)
}
