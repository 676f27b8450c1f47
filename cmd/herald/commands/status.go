package commands

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dyluth/herald/internal/filter"
	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/internal/statusstore"
	"github.com/dyluth/herald/internal/timespec"
	"github.com/dyluth/herald/internal/watch"
	"github.com/spf13/cobra"
)

var (
	statusNamespace string
	statusTimeline  bool
	statusFollow    bool
	statusSince     string
	statusUntil     string
	statusState     string
	statusEntity    string
	statusWaitFor   []string
	statusTimeout   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status GATEWAY EXPERIMENT",
	Short: "Show recorded states of an experiment",
	Long: `Show the latest recorded state of an experiment and of every process,
task and job seen under it, as recorded by the status relay.

Examples:
  herald status gw1 exp1

  # Include each entity's state history
  herald status gw1 exp1 --timeline

  # Keep printing updates as the relay records them
  herald status gw1 exp1 --follow

  # Failed jobs updated in the last hour
  herald status gw1 exp1 --entity job --state FAILED --since 1h

  # Block until the experiment finishes (exit status 1 on timeout)
  herald status gw1 exp1 --wait-for COMPLETED,FAILED,CANCELED --timeout 30m`,
	Args: cobra.ExactArgs(2),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusNamespace, "namespace", "default", "Redis key namespace used by the relay")
	statusCmd.Flags().BoolVarP(&statusTimeline, "timeline", "t", false, "Print each entity's state history")
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Follow updates for this experiment")
	statusCmd.Flags().StringVar(&statusSince, "since", "", "Only entities updated after this time (duration like '1h' or RFC3339)")
	statusCmd.Flags().StringVar(&statusUntil, "until", "", "Only entities updated before this time (duration like '1h' or RFC3339)")
	statusCmd.Flags().StringVar(&statusState, "state", "", "Only entities whose state matches this glob (e.g. 'CANCEL*')")
	statusCmd.Flags().StringVar(&statusEntity, "entity", "", "Only this entity kind: experiment, process, task or job")
	statusCmd.Flags().StringSliceVar(&statusWaitFor, "wait-for", nil, "Wait until the experiment reaches one of these states")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Minute, "How long --wait-for waits")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	gateway, experiment := args[0], args[1]

	criteria, err := statusCriteria()
	if err != nil {
		return out.Error("invalid filter", err.Error(), nil, "See: herald status --help")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statusstore.NewClientFromURL(cfg.Redis.URL, statusNamespace)
	if err != nil {
		return out.Error("invalid Redis configuration", err.Error(), map[string]string{"url": cfg.Redis.URL})
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return out.Error("Redis connection failed", err.Error(), map[string]string{"url": cfg.Redis.URL},
			"Set redis.url in herald.yml or REDIS_URL")
	}

	if len(statusWaitFor) > 0 {
		states := make([]string, len(statusWaitFor))
		for i, st := range statusWaitFor {
			states[i] = strings.ToUpper(strings.TrimSpace(st))
		}
		r, err := watch.WaitForState(ctx, store, gateway, statusstore.EntityExperiment, experiment, states, statusTimeout)
		if err != nil {
			return out.Error("wait failed", err.Error(), map[string]string{
				"experiment": experiment,
				"states":     strings.Join(states, ","),
			})
		}
		out.Record(r)
		return nil
	}

	// Subscribe before reading so no update falls between the two.
	var sub *statusstore.Subscription
	if statusFollow {
		if sub, err = store.SubscribeStatus(ctx); err != nil {
			return err
		}
		defer sub.Close()
	}

	n, err := printExperiment(ctx, out, store, criteria, gateway, experiment, statusTimeline)
	if err != nil {
		return err
	}
	if n == 0 && !statusFollow {
		return out.Error("no status recorded",
			"Nothing has been recorded for this experiment.",
			map[string]string{"gateway": gateway, "experiment": experiment, "namespace": statusNamespace},
			"Check that 'herald relay' is running with the same --namespace")
	}

	if sub == nil {
		return nil
	}
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-sub.Records():
			if !ok {
				return nil
			}
			if r.GatewayID == gateway && r.ExperimentID == experiment && criteria.Matches(r) {
				out.Record(r)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			out.Warning("%v\n", err)
		}
	}
}

// statusCriteria builds the record filter from the status flags.
func statusCriteria() (*filter.Criteria, error) {
	since, until, err := timespec.ParseRange(statusSince, statusUntil, time.Now())
	if err != nil {
		return nil, err
	}
	c := &filter.Criteria{SinceMs: since, UntilMs: until, StateGlob: strings.ToUpper(statusState)}
	if statusEntity != "" {
		c.Entity = statusstore.Entity(strings.ToLower(statusEntity))
		if err := c.Entity.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// printExperiment prints every recorded entity of an experiment that passes
// criteria and returns how many there were.
func printExperiment(ctx context.Context, p *printer.Printer, store *statusstore.Client, criteria *filter.Criteria, gateway, experiment string, timeline bool) (int, error) {
	records, err := store.ListExperiment(ctx, gateway, experiment)
	if err != nil {
		return 0, err
	}
	records = criteria.Apply(records)

	for _, r := range records {
		p.Record(r)
		if !timeline {
			continue
		}
		entries, err := store.Timeline(ctx, gateway, r.Entity, r.ID)
		if err != nil {
			return 0, err
		}
		p.Timeline(entries)
	}
	return len(records), nil
}
