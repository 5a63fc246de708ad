package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/state"
)

var describeStackName string

var describeStacksCmd = &cobra.Command{
	Use:   "describe-stacks",
	Short: "List the deployed stacks recorded in the state",
	Args:  cobra.NoArgs,
	RunE:  runDescribeStacks,
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func init() {
	describeStacksCmd.Flags().StringVar(&describeStackName, "stack-name", "", "only show this stack")
}

func runDescribeStacks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	backend, err := openBackend(ctx, settings)
	if err != nil {
		return err
	}
	st, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	out := cmd.OutOrStdout()
	renderTargets(out, st.Targets(describeStackName))
	if describeStackName == "" {
		renderStackSummary(out, st)
	}
	return nil
}

// renderStackSummary prints the number of deployed targets per stack.
func renderStackSummary(w io.Writer, st *state.State) {
	names := st.StackNames()
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(w, "%d stack(s):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %d target(s)\n", name, len(st.Targets(name)))
	}
}

// renderTargets prints one row per deployed target.
func renderTargets(w io.Writer, targets []*ir.TargetState) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "No stacks in state.")
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STACK", "LOGICAL ACCOUNT", "ACCOUNT", "REGION", "HASH", "LAST UPDATED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, ts := range targets {
		t.Row(ts.StackName, ts.LogicalAccountID, ts.AccountID, ts.Region, shortHash(ts.LastCommittedHash), ts.LastUpdated)
	}
	fmt.Fprintln(w, t.String())
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
