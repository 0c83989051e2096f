package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/wizard"
	"github.com/amurg-ai/relay/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var (
		output   string
		defaults bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a hub config file with fresh secrets",
		Long: `Generate a hub config file. Without --defaults the wizard asks for the
listen address, credential provider, storage, delegation limits and push driver.
Secrets are generated and the file is written with owner-only permissions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" && defaults {
				target = wizard.DefaultOutput
			}
			// An existing file holds secrets that issued tokens depend on.
			if target != "" && !force {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", target)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}

			w := wizard.New(&cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
			if defaults {
				return w.RunDefaults(target)
			}
			return w.Run(target)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "config file path (default "+wizard.DefaultOutput+")")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "skip the questions and use defaults")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
