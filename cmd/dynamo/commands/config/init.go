package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with defaults",
	Long: `Write a configuration file holding the default settings.

By default, the configuration file is created at $XDG_CONFIG_HOME/dynamo/config.yaml.
Use --config to specify a custom path.

Examples:
  dynamo config init
  dynamo config init --config /etc/dynamo/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cmdutil.Flags.ConfigFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Define partitions and point detox.policies at the policy files")
	fmt.Println("  2. Set inventory.path to the inventory document")
	fmt.Println("  3. Check the result with: dynamo config validate")
	return nil
}
