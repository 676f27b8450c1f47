package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/herald/internal/config"
	"github.com/dyluth/herald/internal/printer"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
	out        = printer.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - event propagation for experiment orchestration",
	Long: `Herald carries experiment, process, task and job lifecycle events and
launch commands between orchestration components over a RabbitMQ topic
exchange.

Use it to publish events by hand, watch the live event stream, run the
status relay that records the latest state of every entity in Redis, and
query those recorded states.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed by the printer package, not by Cobra
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to herald.yml (optional)")
}

// loadConfig reads --config. The default path may be absent; an explicit
// path must exist.
func loadConfig(cmd *cobra.Command) (*config.HeraldConfig, error) {
	var (
		cfg *config.HeraldConfig
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOptional(configPath)
	}
	if err != nil {
		return nil, out.Error(
			"invalid configuration",
			err.Error(),
			map[string]string{"config": configPath},
			"Fix the file, or unset the HERALD_* variable it names",
		)
	}
	return cfg, nil
}

// connectBroker opens the broker connection described by cfg.
func connectBroker(ctx context.Context, cfg *config.HeraldConfig, log zerolog.Logger) (*messaging.ConnectionManager, error) {
	mc := cfg.Broker.Messaging()
	m, err := messaging.Connect(ctx, mc.BrokerURL, mc.AutoRecoveryEnabled, messaging.WithLogger(log))
	if err != nil {
		return nil, out.Error(
			"broker connection failed",
			err.Error(),
			nil,
			"Check that RabbitMQ is running and reachable",
			"Set broker.brokerUrl in herald.yml or HERALD_BROKER_URL",
		)
	}
	return m, nil
}
