// Package cmd holds the relay-hub command line.
package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

const logo = `
  ┏━┓┏━╸╻  ┏━┓╻ ╻
  ┣┳┛┣╸ ┃  ┣━┫┗┳┛
  ╹┗╸┗━╸┗━╸╹ ╹ ╹
`

// NewRootCmd creates the relay-hub root command. Without a subcommand it
// behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "relay-hub",
		Short: "Per-user connection relay between browsers and agents",
		Long: color.CyanString(logo) + "\n" +
			"relay-hub authenticates browser and agent connections, routes chat, streams,\n" +
			"traces and delegations between them, and keeps per-session history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
