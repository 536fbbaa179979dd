// Package cli implements the loanmesh command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/loanmesh/config"
)

// Version is stamped at build time.
var Version = "0.1.0"

type rootOptions struct {
	configFile string
	cfg        *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "loanmesh",
		Short: "Multi-agent loan underwriting",
		Long: `loanmesh runs the Underwriter and DataFetcher agents.

Underwrite an application in-process, serve the agents over NATS JetStream,
or query a running mesh for session status and reports.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(ro.configFile)
			if err != nil {
				return err
			}
			ro.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&ro.configFile, "config", "", "config file (default: built-in defaults and LOANMESH_* environment)")

	cmd.AddCommand(newUnderwriteCmd(ro))
	cmd.AddCommand(newServeCmd(ro))
	cmd.AddCommand(newStatusCmd(ro))
	cmd.AddCommand(newReportCmd(ro))
	cmd.AddCommand(newReportsCmd(ro))
	cmd.AddCommand(newAnswerCmd(ro))
	cmd.AddCommand(newCancelCmd(ro))

	return cmd
}

// Execute runs the command tree.
func Execute() error {
	return NewRootCmd().Execute()
}
