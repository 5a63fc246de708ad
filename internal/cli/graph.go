package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/orgform/internal/binding"
	"github.com/picklr-io/orgform/internal/engine"
)

var (
	graphStackName             string
	graphParameters            string
	graphTerminationProtection bool
	graphDOT                   bool
)

var graphCmd = &cobra.Command{
	Use:   "graph <template>",
	Short: "Show the tasks update-stacks would run",
	Long: `Computes the tasks update-stacks would run against the current state and
prints them in the order the runner can start them. With --dot the task
graph is written in Graphviz DOT format:

  orgform graph template.yml --stack-name my-stack --dot | dot -Tpng > graph.png`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringVar(&graphStackName, "stack-name", "", "name of the stack (required)")
	graphCmd.Flags().StringVar(&graphParameters, "parameters", "", `stack parameters, e.g. "Key1=Value1 Key2=Value2"`)
	graphCmd.Flags().BoolVar(&graphTerminationProtection, "termination-protection", false, "enable termination protection on the stacks")
	graphCmd.Flags().BoolVar(&graphDOT, "dot", false, "write the task graph in DOT format")
	_ = graphCmd.MarkFlagRequired("stack-name")
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tmpl, err := binding.LoadTemplate(args[0])
	if err != nil {
		return err
	}
	params, err := binding.ParseParameters(graphParameters)
	if err != nil {
		return fmt.Errorf("invalid --parameters: %w", err)
	}
	stacks, err := binding.Bind(tmpl, binding.Options{
		StackName:             graphStackName,
		Parameters:            params,
		TerminationProtection: graphTerminationProtection,
	})
	if err != nil {
		return fmt.Errorf("failed to bind template: %w", err)
	}

	backend, err := openBackend(ctx, settings)
	if err != nil {
		return err
	}
	st, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	// The tasks are only inspected, never performed.
	tasks, err := engine.EnumerateTasks(stacks, st.Targets(graphStackName), nil)
	if err != nil {
		return err
	}

	g := engine.NewTaskGraph(tasks)
	if graphDOT {
		return g.WriteDOT(cmd.OutOrStdout())
	}
	return renderWaves(cmd.OutOrStdout(), g)
}

// renderWaves prints the tasks grouped by the earliest step they can run in.
func renderWaves(w io.Writer, g *engine.TaskGraph) error {
	waves, err := g.Waves()
	if len(g.Tasks()) == 0 {
		fmt.Fprintln(w, "No changes. Stacks are up to date.")
		return nil
	}
	for i, wave := range waves {
		fmt.Fprintf(w, "Step %d:\n", i+1)
		for _, t := range wave {
			deps := g.Dependencies(t)
			if len(deps) == 0 {
				fmt.Fprintf(w, "  %s\n", t)
				continue
			}
			after := make([]string, len(deps))
			for j, d := range deps {
				after[j] = d.Target.LogicalAccountID + "/" + d.Target.Region
			}
			fmt.Fprintf(w, "  %s (after %s)\n", t, strings.Join(after, ", "))
		}
	}
	return err
}
