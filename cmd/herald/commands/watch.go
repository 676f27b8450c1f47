package commands

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/pkg/events"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/spf13/cobra"
)

var (
	watchProfile string
	watchQueue   string
)

var watchCmd = &cobra.Command{
	Use:   "watch [ROUTING_KEY...]",
	Short: "Stream live events",
	Long: `Stream events as they are published.

With no routing keys, the profile's default bindings are used: every status
event for the status profile. Keys use topic patterns: '*' matches one
segment and '#' zero or more.

Status watchers get their own broker-named queue and auto-ack, so watching
never takes events away from other consumers. Watching a command profile
joins its work queue and acks every command it prints.

Examples:
  # Everything for one experiment, including processes, tasks and jobs
  herald watch 'gw1.exp1.#'

  # Only experiment-level status changes on any gateway
  herald watch '*.*'

  # Process launch commands
  herald watch --profile process_launch`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchProfile, "profile", "p", string(messaging.ProfileStatus), "status, process_launch or experiment_launch")
	watchCmd.Flags().StringVarP(&watchQueue, "queue", "q", "", "Queue to consume from (default: the profile's queue)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	profile, err := messaging.ParseProfile(watchProfile)
	if err != nil {
		return out.Error("invalid profile", err.Error(), nil, "Valid profiles: status, process_launch, experiment_launch")
	}
	for _, key := range args {
		if err := messaging.ValidatePattern(key); err != nil {
			return out.Error("invalid routing key", err.Error(), map[string]string{"key": key})
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New("herald-watch", cfg.Logging())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := connectBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	sub, settings, err := messaging.NewProfileSubscriber(m, cfg.Broker.Messaging(), profile)
	if err != nil {
		return err
	}
	defer sub.Close()

	opts := settings.ListenOptions(args...)
	if watchQueue != "" {
		opts.Queue = watchQueue
	}

	id, err := sub.Listen(watchRegistry(profile), opts)
	if err != nil {
		return out.Error("subscription failed", err.Error(), map[string]string{
			"exchange": settings.Exchange.Name,
			"queue":    opts.Queue,
		})
	}
	log.Debug().Str("subscription_id", id).Msg("watching")
	out.Printf("Watching %s on %s (Ctrl-C to stop)\n", strings.Join(opts.RoutingKeys, ", "), settings.Exchange.Name)

	<-ctx.Done()
	return nil
}

// watchRegistry prints every delivery the profile's consumers accept and
// acks it afterwards when the subscription is manual-ack.
func watchRegistry(profile messaging.Profile) *messaging.Registry {
	h := messaging.AckOnSuccess(messaging.HandlerFunc(func(_ context.Context, d *messaging.DeliveryContext) error {
		out.Delivery(d)
		return nil
	}))

	switch profile {
	case messaging.ProfileProcessLaunch:
		return messaging.ProcessLaunchRegistry(h)
	case messaging.ProfileExperimentLaunch:
		return messaging.ExperimentLaunchRegistry(h)
	default:
		return messaging.StatusRegistry(h).
			MustRegister(events.TypeTaskOutput, messaging.DecoderFor[events.TaskOutputChange](), h)
	}
}
