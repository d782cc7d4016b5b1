package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergo/convergo/pkg/facts"
)

func newFactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "Gather and print host facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			factSet := facts.NewGatherer().Gather(cmd.Context())
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(factSet)
		},
	}
}
