package commands

import (
	"os"

	"github.com/dyluth/herald/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter herald.yml",
	Long: `Write a herald.yml in the current directory with every setting at its
default value and the environment variable that overrides it.

Use --force to overwrite an existing herald.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing herald.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(".", forceInit)
	if err != nil {
		return out.Error("initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess(os.Stdout, path)
	return nil
}
