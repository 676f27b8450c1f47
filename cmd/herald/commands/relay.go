package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/herald/internal/health"
	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/internal/statusstore"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/spf13/cobra"
)

var (
	relayQueue     string
	relayNamespace string
	relayKeys      []string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Record every status change in Redis",
	Long: `Run the status relay.

The relay consumes status events from a shared, durable queue with manual
acknowledgment and records the latest state of every experiment, process,
task and job in Redis. A delivery is acked only after Redis has it, so
stopping or crashing the relay never loses a status change. Older updates
that arrive late never overwrite newer ones.

The relay serves GET /healthz reporting broker and Redis connectivity.

Examples:
  # Relay everything
  herald relay

  # Relay one gateway into its own namespace
  herald relay --routing-key 'gw1.#' --namespace gw1`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayQueue, "queue", "herald.status.relay", "Durable queue shared by relay replicas")
	relayCmd.Flags().StringVar(&relayNamespace, "namespace", "default", "Redis key namespace")
	relayCmd.Flags().StringSliceVar(&relayKeys, "routing-key", []string{"#"}, "Status routing keys to relay")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New("herald-relay", cfg.Logging())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statusstore.NewClientFromURL(cfg.Redis.URL, relayNamespace)
	if err != nil {
		return out.Error("invalid Redis configuration", err.Error(), map[string]string{"url": cfg.Redis.URL})
	}
	defer store.Close()
	store.WithTimelineLength(cfg.Redis.TimelineLength)

	if err := store.Ping(ctx); err != nil {
		return out.Error(
			"Redis connection failed",
			err.Error(),
			map[string]string{"url": cfg.Redis.URL},
			"Check that Redis is running and reachable",
			"Set redis.url in herald.yml or REDIS_URL",
		)
	}

	m, err := connectBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	mc := cfg.Broker.Messaging()
	sub, settings, err := messaging.NewProfileSubscriber(m, mc, messaging.ProfileStatus)
	if err != nil {
		return err
	}
	defer sub.Close()

	// Status observers normally auto-ack on private queues; the relay
	// shares one durable queue and acks after recording.
	opts := settings.ListenOptions(relayKeys...)
	opts.Queue = relayQueue
	opts.Durable = true
	opts.AutoAck = false

	recorder := statusstore.NewRecorder(store, log)
	id, err := sub.Listen(messaging.StatusRegistry(recorder), opts)
	if err != nil {
		return out.Error("subscription failed", err.Error(), map[string]string{
			"exchange": settings.Exchange.Name,
			"queue":    relayQueue,
		})
	}

	hs := health.NewServer(cfg.Health.Addr, map[string]health.Check{
		"broker": func(context.Context) error {
			if !m.IsConnected() {
				return errors.New("broker connection is closed")
			}
			return nil
		},
		"redis": store.Ping,
	}, log)
	if err := hs.Start(); err != nil {
		return err
	}

	log.Info().
		Str("event", "relay_started").
		Str("subscription_id", id).
		Str("queue", relayQueue).
		Strs("routing_keys", opts.RoutingKeys).
		Str("health_addr", cfg.Health.Addr).
		Msg("Status relay running")

	<-ctx.Done()

	log.Info().Str("event", "relay_stopping").Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
