//go:build integration

package commands

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/herald/internal/filter"
	"github.com/dyluth/herald/internal/statusstore"
	"github.com/dyluth/herald/internal/testutil"
	"github.com/dyluth/herald/pkg/events"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestE2E_RelayRecordsStatus runs 'herald relay' against real RabbitMQ and
// Redis, publishes a job lifecycle and reads it back the way 'herald status'
// does.
func TestE2E_RelayRecordsStatus(t *testing.T) {
	env := testutil.SetupE2EEnvironment(t)
	quiet(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rootCmd.SetArgs([]string{"relay", "--config", env.ConfigPath, "--namespace", "e2e", "--queue", "herald.e2e.relay"})
	go func() { done <- rootCmd.ExecuteContext(ctx) }()
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	m, err := messaging.Connect(env.Ctx, env.BrokerURL, false)
	require.NoError(t, err)
	defer m.Close()
	pub := messaging.NewPublisher(m, messaging.PublisherConfig{Exchange: messaging.ExchangeSpec{Name: "status_exchange", Type: "topic"}})
	defer pub.Close()

	job := func(state events.JobState) *messaging.Message {
		msg, err := messaging.NewMessage(&events.JobStatusChange{
			State: state, JobID: "job1", TaskID: "task1", ProcessID: "proc1", ExperimentID: "exp1", GatewayID: "gw1",
		})
		require.NoError(t, err)
		return msg
	}

	queued := job(events.JobStateQueued)

	// Events published before the relay binds its queue are dropped by the
	// exchange, so keep publishing until one lands.
	require.Eventually(t, func() bool {
		if err := pub.Publish(env.Ctx, queued); err != nil {
			return false
		}
		_, err := env.Store.Get(env.Ctx, "gw1", statusstore.EntityJob, "job1")
		return err == nil
	}, 30*time.Second, 250*time.Millisecond, "relay never recorded a status")

	require.NoError(t, pub.Publish(env.Ctx, job(events.JobStateActive)))
	final := job(events.JobStateComplete)
	require.NoError(t, pub.Publish(env.Ctx, final))

	r := env.WaitForRecord("gw1", statusstore.EntityJob, "job1", "COMPLETE", 10*time.Second)
	assert.Equal(t, final.ID, r.MessageID)
	assert.Equal(t, "exp1", r.ExperimentID)

	timeline, err := env.Store.Timeline(env.Ctx, "gw1", statusstore.EntityJob, "job1")
	require.NoError(t, err)
	require.NotEmpty(t, timeline)
	assert.Equal(t, "COMPLETE", timeline[len(timeline)-1].State)

	stdout, _ := quiet(t)
	n, err := printExperiment(env.Ctx, out, env.Store, &filter.Criteria{}, "gw1", "exp1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, stdout.String(), "job1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}
