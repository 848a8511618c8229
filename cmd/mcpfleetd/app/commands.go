// Package app provides the entry point for the mcpfleet daemon.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "mcpfleetd",
	DisableAutoGenTag: true,
	Short:             "mcpfleetd is the control-plane daemon for a fleet of MCP servers",
	Long: `mcpfleetd manages a fleet of MCP (Model Context Protocol) servers: local
workload containers over the container-runtime socket, remote SSE servers
behind an endpoint allowlist, OAuth credentials sealed at rest, exec
sessions with per-session mTLS material, and catalog ingestion from the
public registries.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the daemon.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
