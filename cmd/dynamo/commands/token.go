package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dynamo-dm/dynamo/cmd/dynamo/cmdutil"
	"github.com/dynamo-dm/dynamo/internal/cli/output"
	"github.com/dynamo-dm/dynamo/pkg/api/auth"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a bearer token for the history API",
	Long: `Sign a read-only token for the history API with the configured
api.auth.secret. The subject names the client, e.g. a dashboard.

Examples:
  # Token with the configured lifetime
  dynamo token grafana

  # Short-lived token
  dynamo token oncall --ttl 8h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: api.auth.token_ttl)")
}

// TokenInfo is the output of the token command.
type TokenInfo struct {
	Subject   string    `json:"subject" yaml:"subject"`
	Token     string    `json:"token" yaml:"token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.Auth.Enabled() {
		return errors.New("API authentication is disabled: set api.auth.secret first")
	}

	svc, err := auth.NewService(cfg.API.Auth)
	if err != nil {
		return err
	}
	token, expires, err := svc.Issue(args[0], tokenTTL)
	if err != nil {
		return err
	}

	info := TokenInfo{Subject: args[0], Token: token, ExpiresAt: expires}
	format, err := cmdutil.GetOutputFormatParsed()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(out, info)
	case output.FormatYAML:
		return output.PrintYAML(out, info)
	default:
		_, err := fmt.Fprintln(out, token)
		return err
	}
}
