// Package cmd holds the relay-bridge command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the relay-bridge root command. Without a subcommand it
// behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "relay-bridge",
		Short: "Connect an agent process to the relay hub over stdin/stdout",
		Long: "relay-bridge keeps one agent's connection to the relay hub alive and pipes\n" +
			"protocol frames as JSON lines: hub frames to stdout, stdin lines to the hub.\n" +
			"Settings come from RELAY_BRIDGE_* variables; flags override them.",
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addRunFlags(root)

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}
