package cli

import (
	"github.com/spf13/cobra"

	"github.com/picklr-io/orgform/internal/engine"
)

var deleteStacksCmd = &cobra.Command{
	Use:   "delete-stacks <stack-name>",
	Short: "Delete every deployed target of a stack",
	Long: `Deletes the stack from every account and region it was deployed to and
removes it from the state. Targets are deleted in the reverse order of their
declared dependencies.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteStacks,
}

func init() {
	addRunFlags(deleteStacksCmd)
}

func runDeleteStacks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	coord, err := newCoordinator(ctx, settings)
	if err != nil {
		return err
	}

	res, err := coord.DeleteStacks(ctx, engine.DeleteStacksInput{
		StackName: args[0],
		Run:       runOptions(settings, args[0]),
	})
	renderResult(cmd.OutOrStdout(), res)
	return err
}
