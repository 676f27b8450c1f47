package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/herald/internal/logging"
	"github.com/dyluth/herald/pkg/events"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/spf13/cobra"
)

// publishFlags holds the identifiers shared by every publish subcommand.
type publishFlags struct {
	gateway    string
	experiment string
	process    string
	task       string
	job        string
	state      string
	token      string
	outputs    []string
	routingKey string
}

var pubFlags publishFlags

// publishKinds maps each subcommand to the profile it publishes on.
var publishKinds = map[string]struct {
	profile messaging.Profile
	short   string
}{
	"experiment":   {messaging.ProfileStatus, "Publish an experiment status change"},
	"process":      {messaging.ProfileStatus, "Publish a process status change"},
	"task":         {messaging.ProfileStatus, "Publish a task status change"},
	"job":          {messaging.ProfileStatus, "Publish a job status change"},
	"submit":       {messaging.ProfileProcessLaunch, "Ask the process launcher to start a process"},
	"terminate":    {messaging.ProfileProcessLaunch, "Ask the process launcher to cancel a process"},
	"launch":       {messaging.ProfileExperimentLaunch, "Ask the orchestrator to launch an experiment"},
	"cancel":       {messaging.ProfileExperimentLaunch, "Ask the orchestrator to cancel an experiment"},
	"intermediate": {messaging.ProfileExperimentLaunch, "Ask the orchestrator to fetch intermediate outputs"},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a single event",
	Long: `Publish a single status change or command.

Status changes go to the status exchange, process commands to the process
exchange and experiment commands to the experiment exchange. The routing key
is built from the identifiers unless --routing-key is given.

Examples:
  # An experiment started executing
  herald publish experiment --gateway gw1 --experiment exp1 --state EXECUTING

  # A job was queued by the scheduler
  herald publish job --gateway gw1 --experiment exp1 --process proc1 --task task1 --job job1 --state QUEUED

  # Launch a process
  herald publish submit --gateway gw1 --experiment exp1 --process proc1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	for _, name := range []string{"experiment", "process", "task", "job", "submit", "terminate", "launch", "cancel", "intermediate"} {
		kind := name
		sub := &cobra.Command{
			Use:   kind,
			Short: publishKinds[kind].short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runPublish(cmd, kind)
			},
		}
		publishCmd.AddCommand(sub)
	}

	f := publishCmd.PersistentFlags()
	f.StringVar(&pubFlags.gateway, "gateway", "", "Gateway id (required)")
	f.StringVar(&pubFlags.experiment, "experiment", "", "Experiment id (required)")
	f.StringVar(&pubFlags.process, "process", "", "Process id")
	f.StringVar(&pubFlags.task, "task", "", "Task id")
	f.StringVar(&pubFlags.job, "job", "", "Job id")
	f.StringVar(&pubFlags.state, "state", "", "New state, for status changes")
	f.StringVar(&pubFlags.token, "token", "", "Credential token id, for process commands")
	f.StringSliceVar(&pubFlags.outputs, "output", nil, "Output names, for intermediate")
	f.StringVar(&pubFlags.routingKey, "routing-key", "", "Override the routing key")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, kind string) error {
	msg, err := buildMessage(kind, pubFlags)
	if err != nil {
		return out.Error("invalid event", err.Error(), nil, fmt.Sprintf("See: herald publish %s --help", kind))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New("herald-publish", cfg.Logging())

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	m, err := connectBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	profile := publishKinds[kind].profile
	pub, err := messaging.NewProfilePublisher(m, cfg.Broker.Messaging(), profile)
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.Publish(ctx, msg, pubFlags.routingKey); err != nil {
		return out.Error("publish failed", err.Error(), map[string]string{"profile": string(profile)})
	}

	out.Success("published %s %s\n", msg.Type, msg.ID)
	return nil
}

// buildMessage turns a publish subcommand and its flags into a message.
func buildMessage(kind string, f publishFlags) (*messaging.Message, error) {
	state := strings.ToUpper(strings.TrimSpace(f.state))
	needState := func() error {
		if state == "" {
			return fmt.Errorf("--state is required for %s status changes", kind)
		}
		return nil
	}

	var (
		e   events.Event
		typ events.MessageType
	)
	switch kind {
	case "experiment":
		if err := needState(); err != nil {
			return nil, err
		}
		e, typ = &events.ExperimentStatusChange{State: events.ExperimentState(state), ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeExperiment
	case "process":
		if err := needState(); err != nil {
			return nil, err
		}
		e, typ = &events.ProcessStatusChange{State: events.ProcessState(state), ProcessID: f.process, ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeProcess
	case "task":
		if err := needState(); err != nil {
			return nil, err
		}
		e, typ = &events.TaskStatusChange{State: events.TaskState(state), TaskID: f.task, ProcessID: f.process,
			ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeTask
	case "job":
		if err := needState(); err != nil {
			return nil, err
		}
		e, typ = &events.JobStatusChange{State: events.JobState(state), JobID: f.job, TaskID: f.task, ProcessID: f.process,
			ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeJob
	case "submit":
		e, typ = &events.ProcessSubmit{ProcessID: f.process, ExperimentID: f.experiment, GatewayID: f.gateway, TokenID: f.token}, events.TypeLaunchProcess
	case "terminate":
		e, typ = &events.ProcessTerminate{ProcessID: f.process, ExperimentID: f.experiment, GatewayID: f.gateway, TokenID: f.token}, events.TypeTerminateProcess
	case "launch":
		e, typ = &events.ExperimentSubmit{ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeExperiment
	case "cancel":
		e, typ = &events.ExperimentSubmit{ExperimentID: f.experiment, GatewayID: f.gateway}, events.TypeExperimentCancel
	case "intermediate":
		e, typ = &events.ExperimentIntermediateOutputs{ExperimentID: f.experiment, GatewayID: f.gateway, OutputNames: f.outputs}, events.TypeIntermediateOutputs
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return messaging.NewTypedMessage(e, typ), nil
}
