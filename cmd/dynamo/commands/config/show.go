package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective configuration after defaults and environment
overrides, with secrets masked. Outputs YAML unless --output json is given.`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(cmdutil.Flags.ConfigFile)
	if err != nil {
		return err
	}

	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	if format == output.FormatJSON {
		return output.PrintJSON(os.Stdout, cfg.Redacted())
	}
	return output.PrintYAML(os.Stdout, cfg.Redacted())
}
