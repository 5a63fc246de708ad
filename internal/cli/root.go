package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/picklr-io/orgform/internal/config"
	"github.com/picklr-io/orgform/internal/logging"
	"github.com/picklr-io/orgform/internal/provider"
)

var rootCmd = &cobra.Command{
	Use:   "orgform",
	Short: "Deploy CloudFormation stacks across an AWS organization",
	Long: `orgform binds a CloudFormation template to the accounts and regions of an
AWS organization and converges the deployed stacks to it.

Only targets whose template, parameters or settings changed since the last
successful run are touched. Progress is recorded in a state document so a
partially failed run can simply be repeated.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSettings,
}

// settings are the effective configuration of the running command.
var settings = config.Default()

// configFlags maps flag names to the configuration keys they override.
var configFlags = map[string]string{
	"state-bucket-name":       "state_bucket_name",
	"state-object":            "state_object",
	"state-region":            "state_region",
	"state-lock-table":        "state_lock_table",
	"state-encrypt":           "state_encrypt",
	"state-file":              "state_file",
	"master-account-id":       "master_account_id",
	"profile":                 "profile",
	"provider":                "provider",
	"role-name":               "role_name",
	"timeout":                 "timeout",
	"log-level":               "log_level",
	"log-format":              "log_format",
	"max-concurrent-stacks":   "max_concurrent_stacks",
	"failed-stacks-tolerance": "failed_stacks_tolerance",
	"count-skipped-as-failed": "count_skipped_as_failed",
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	d := config.Default()
	f := rootCmd.PersistentFlags()
	f.String("state-bucket-name", d.StateBucketName, "S3 bucket holding the state document")
	f.String("state-object", d.StateObject, "key of the state document in the bucket")
	f.String("state-region", d.StateRegion, "region of the state bucket")
	f.String("state-lock-table", "", "DynamoDB table used to lock the state (optional)")
	f.Bool("state-encrypt", false, "request server-side encryption for the state object")
	f.String("state-file", "", "keep the state in a local file instead of S3")
	f.String("master-account-id", "", "expected organization master account id")
	f.String("profile", "", "AWS profile of the master account")
	f.String("provider", d.Provider, "stack provider ("+strings.Join(provider.Names(), ", ")+")")
	f.String("role-name", d.RoleName, "role assumed in member accounts")
	f.Duration("timeout", d.Timeout, "timeout of a single stack operation")
	f.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "log format (text or json)")

	rootCmd.AddCommand(updateStacksCmd)
	rootCmd.AddCommand(deleteStacksCmd)
	rootCmd.AddCommand(describeStacksCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}

// addRunFlags registers the task runner flags of a mutating command.
func addRunFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().Int("max-concurrent-stacks", d.MaxConcurrentStacks, "maximum number of stacks deployed at the same time")
	cmd.Flags().Int("failed-stacks-tolerance", d.FailedStacksTolerance, "number of failed stacks tolerated before the run stops")
	cmd.Flags().Bool("count-skipped-as-failed", d.CountSkippedAsFailed, "count stacks skipped because a dependency failed against the tolerance")
}

// loadSettings resolves the configuration and initializes logging.
func loadSettings(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagOverrides(cmd.Flags()))
	if err != nil {
		return err
	}
	settings = cfg
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	return nil
}

// flagOverrides collects the configuration flags set on the command line.
func flagOverrides(flags *pflag.FlagSet) map[string]any {
	overrides := make(map[string]any)
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := configFlags[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return overrides
}
