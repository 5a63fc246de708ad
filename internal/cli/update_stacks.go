package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/orgform/internal/binding"
	"github.com/picklr-io/orgform/internal/engine"
)

var (
	updateStackName             string
	updateParameters            string
	updateTerminationProtection bool
)

var updateStacksCmd = &cobra.Command{
	Use:   "update-stacks <template>",
	Short: "Create, update or delete the stacks bound by a template",
	Long: `Binds the template to the accounts and regions of the organization and
converges the deployed stacks. Targets whose content hash is unchanged are
left alone; deployed targets that are no longer bound are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdateStacks,
}

func init() {
	updateStacksCmd.Flags().StringVar(&updateStackName, "stack-name", "", "name of the stack to deploy (required)")
	updateStacksCmd.Flags().StringVar(&updateParameters, "parameters", "", `stack parameters, e.g. "Key1=Value1 Key2=Value2"`)
	updateStacksCmd.Flags().BoolVar(&updateTerminationProtection, "termination-protection", false, "enable termination protection on the stacks")
	_ = updateStacksCmd.MarkFlagRequired("stack-name")
	addRunFlags(updateStacksCmd)
}

func runUpdateStacks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tmpl, err := binding.LoadTemplate(args[0])
	if err != nil {
		return err
	}
	params, err := binding.ParseParameters(updateParameters)
	if err != nil {
		return fmt.Errorf("invalid --parameters: %w", err)
	}

	coord, err := newCoordinator(ctx, settings)
	if err != nil {
		return err
	}

	res, err := coord.UpdateStacks(ctx, engine.UpdateStacksInput{
		Template: tmpl,
		Binding: binding.Options{
			StackName:             updateStackName,
			Parameters:            params,
			TerminationProtection: updateTerminationProtection,
		},
		Run: runOptions(settings, updateStackName),
	})
	renderResult(cmd.OutOrStdout(), res)
	return err
}
