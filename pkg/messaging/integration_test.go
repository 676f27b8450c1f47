//go:build integration

package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/herald/internal/testutil"
	"github.com/dyluth/herald/pkg/events"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ_StatusRoundTrip(t *testing.T) {
	brokerURL := testutil.StartRabbitMQ(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := messaging.Connect(ctx, brokerURL, true)
	require.NoError(t, err)
	defer m.Close()

	got := make(chan *messaging.DeliveryContext, 4)
	handler := messaging.HandlerFunc(func(_ context.Context, dc *messaging.DeliveryContext) error {
		got <- dc
		return nil
	})

	statusCfg := messaging.SubscriberConfig{Exchange: messaging.ExchangeSpec{Name: "status_exchange"}}
	statusSub := messaging.NewSubscriber(m, statusCfg)
	defer statusSub.Close()

	_, err = statusSub.Listen(messaging.StatusRegistry(messaging.AckOnSuccess(handler)),
		messaging.ListenOptions{RoutingKeys: []string{"gw1.exp1"}})
	require.NoError(t, err)

	pub := messaging.NewPublisher(m, messaging.PublisherConfig{Exchange: statusCfg.Exchange})
	defer pub.Close()

	msg, err := messaging.NewMessage(&events.ExperimentStatusChange{
		State: events.ExperimentStateExecuting, ExperimentID: "exp1", GatewayID: "gw1",
	})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, msg))

	select {
	case dc := <-got:
		assert.Equal(t, events.TypeExperiment, dc.MessageType)
		assert.Equal(t, msg.ID, dc.MessageID)
		assert.Equal(t, "gw1", dc.GatewayID)
		assert.Equal(t, "gw1.exp1", dc.RoutingKey)
	case <-ctx.Done():
		t.Fatal("status event was not delivered within timeout")
	}
}

func TestRabbitMQ_PrefetchHoldsBackUnacked(t *testing.T) {
	brokerURL := testutil.StartRabbitMQ(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := messaging.Connect(ctx, brokerURL, false)
	require.NoError(t, err)
	defer m.Close()

	exchange := messaging.ExchangeSpec{Name: "status_exchange"}
	sub := messaging.NewSubscriber(m, messaging.SubscriberConfig{Exchange: exchange, PrefetchCount: 1})
	defer sub.Close()

	got := make(chan *messaging.DeliveryContext, 4)
	registry := messaging.StatusRegistry(messaging.HandlerFunc(func(_ context.Context, dc *messaging.DeliveryContext) error {
		got <- dc
		return nil
	}))
	_, err = sub.Listen(registry, messaging.ListenOptions{Queue: "prefetch.it", Exclusive: true, RoutingKeys: []string{"gw1.#"}})
	require.NoError(t, err)

	pub := messaging.NewPublisher(m, messaging.PublisherConfig{Exchange: exchange})
	defer pub.Close()
	for _, id := range []string{"exp1", "exp2", "exp3"} {
		msg, err := messaging.NewMessage(&events.ExperimentStatusChange{
			State: events.ExperimentStateLaunched, ExperimentID: id, GatewayID: "gw1",
		})
		require.NoError(t, err)
		require.NoError(t, pub.Publish(ctx, msg))
	}

	first := <-got
	select {
	case dc := <-got:
		t.Fatalf("received %s before acking the first delivery", dc.RoutingKey)
	case <-time.After(500 * time.Millisecond):
	}

	first.Ack()
	for i := 0; i < 2; i++ {
		select {
		case dc := <-got:
			dc.Ack()
		case <-ctx.Done():
			t.Fatal("remaining deliveries were not received within timeout")
		}
	}
}
