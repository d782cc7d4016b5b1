package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convergo/convergo/pkg/config"
	"github.com/convergo/convergo/pkg/engine"
	"github.com/convergo/convergo/pkg/modules"
)

func newCheckCommand(version string) *cobra.Command {
	flags := &runFlags{}
	var dotOutput bool

	cmd := &cobra.Command{
		Use:   "check <playbook.yaml>",
		Short: "Dry-run a playbook: probe and report without applying",
		Long: `Check validates the playbook, builds the execution graph, and probes
every task, reporting what would change without mutating the host.
With --dot it prints the graph in Graphviz format instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dotOutput {
				return printGraphDOT(args[0], flags)
			}
			result, err := executePlaybook(cmd.Context(), args[0], flags, version, true)
			if err != nil {
				return err
			}
			if result.Status == engine.RunStatusFailed {
				return fmt.Errorf("check failed: %d task(s) failed", result.Summary.Failed)
			}
			return nil
		},
	}

	addRunFlags(cmd, flags)
	cmd.Flags().BoolVar(&dotOutput, "dot", false, "print the execution graph in Graphviz DOT format")
	return cmd
}

func printGraphDOT(path string, flags *runFlags) error {
	renderer := config.NewTemplateRenderer()
	guards := config.NewStarlarkGuards(0)
	registry := modules.DefaultRegistry(renderer)

	pb, err := config.Load(path, renderer)
	if err != nil {
		return err
	}
	graph, err := engine.NewGraphBuilder(registry, guards, renderer).
		Build(pb.Tasks, pb.Handlers, flags.tags)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(os.Stdout, graph.ToDOT())
	return err
}
