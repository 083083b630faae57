package cli

import (
	"github.com/spf13/cobra"

	"github.com/jrydberg/nesoi/cli/server"
)

func NewCommand() *cobra.Command {
	cobra.EnableCommandSorting = false

	cmd := &cobra.Command{
		Use:          "nesoi [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Short: "nesoi cluster coordination service",
	}

	cmd.AddCommand(server.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
