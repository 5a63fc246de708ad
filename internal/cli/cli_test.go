package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/orgform/internal/config"
	"github.com/picklr-io/orgform/internal/engine"
	"github.com/picklr-io/orgform/internal/ir"
)

const cliTemplate = `
Organization:
  MasterAccount:
    Type: OC::ORG::MasterAccount
    Properties:
      AccountId: '123456789012'
  DevAccount:
    Type: OC::ORG::Account
    Properties:
      AccountId: '111111111111'

Resources:
  Topic:
    Type: AWS::SNS::Topic
    OrganizationBinding:
      Account: '*'
      IncludeMasterAccount: true
      Region: eu-central-1
    DependsOnAccount: MasterAccount
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootFlagDefaults(t *testing.T) {
	f := rootCmd.PersistentFlags()

	tests := []struct {
		flag     string
		expected string
	}{
		{"state-bucket-name", "organization-formation-${AWS::AccountId}"},
		{"state-object", "state.json"},
		{"state-region", "us-east-1"},
		{"provider", "cloudformation"},
		{"role-name", "OrganizationAccountAccessRole"},
		{"log-level", "info"},
		{"log-format", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			fl := f.Lookup(tt.flag)
			require.NotNil(t, fl)
			assert.Equal(t, tt.expected, fl.DefValue)
		})
	}

	for _, cmdName := range []string{"update-stacks", "delete-stacks"} {
		cmd, _, err := rootCmd.Find([]string{cmdName})
		require.NoError(t, err)
		assert.Equal(t, "1", cmd.Flags().Lookup("max-concurrent-stacks").DefValue)
		assert.Equal(t, "0", cmd.Flags().Lookup("failed-stacks-tolerance").DefValue)
	}
}

func TestFlagsMapToConfigKeys(t *testing.T) {
	for name := range configFlags {
		fl := rootCmd.PersistentFlags().Lookup(name)
		if fl == nil {
			fl = updateStacksCmd.Flags().Lookup(name)
		}
		assert.NotNil(t, fl, "flag %s is not registered", name)
	}
}

func TestFlagOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("max-concurrent-stacks", 1, "")
	fs.String("provider", "cloudformation", "")
	fs.String("log-level", "info", "")
	fs.String("unrelated", "", "")
	require.NoError(t, fs.Parse([]string{"--max-concurrent-stacks=4", "--provider=null", "--unrelated=x"}))

	overrides := flagOverrides(fs)
	assert.Equal(t, map[string]any{
		"max_concurrent_stacks": "4",
		"provider":              "null",
	}, overrides)

	cfg, err := config.Load(overrides)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentStacks)
	assert.Equal(t, "null", cfg.Provider)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestRunOptions(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConcurrentStacks = 5
	cfg.FailedStacksTolerance = 2
	cfg.CountSkippedAsFailed = false

	opts := runOptions(cfg, "s")
	assert.Equal(t, engine.RunOptions{StackName: "s", MaxConcurrent: 5, FailedTolerance: 2, CountSkippedAsFailed: false}, opts)
}

func TestRenderResult(t *testing.T) {
	var buf bytes.Buffer
	renderResult(&buf, &engine.RunResult{StackName: "s", Status: engine.StatusUpToDate})
	assert.Equal(t, "Stack s: up-to-date\n", buf.String())

	buf.Reset()
	renderResult(&buf, &engine.RunResult{
		StackName: "s",
		Status:    engine.StatusCompleted,
		Outcome:   &engine.RunOutcome{Succeeded: 2, Failed: 1},
	})
	assert.Equal(t, "Stack s: completed (2 succeeded, 1 failed, 0 skipped)\n", buf.String())

	buf.Reset()
	renderResult(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestRenderTargets(t *testing.T) {
	var buf bytes.Buffer
	renderTargets(&buf, nil)
	assert.Equal(t, "No stacks in state.\n", buf.String())

	buf.Reset()
	renderTargets(&buf, []*ir.TargetState{{
		LogicalAccountID:  "DevAccount",
		AccountID:         "111111111111",
		Region:            "eu-central-1",
		StackName:         "s",
		LastCommittedHash: "0123456789abcdef",
	}})
	out := buf.String()
	assert.Contains(t, out, "LOGICAL ACCOUNT")
	assert.Contains(t, out, "DevAccount")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
}

// Runs before any test sets --stack-name; cobra keeps flag state between executions.
func TestUpdateStacksRequiresStackName(t *testing.T) {
	_, err := execute(t, "update-stacks", "template.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stack-name")
}

func TestStackLifecycle(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.yml")
	require.NoError(t, os.WriteFile(tmpl, []byte(cliTemplate), 0o644))
	stateFile := filepath.Join(dir, "state.json")
	common := []string{"--provider", "null", "--state-file", stateFile}

	out, err := execute(t, append([]string{"graph", tmpl, "--stack-name", "topics"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Step 1:\n  create topics/123456789012/eu-central-1/MasterAccount")
	assert.Contains(t, out, "Step 2:\n  create topics/111111111111/eu-central-1/DevAccount (after MasterAccount/eu-central-1)")

	out, err = execute(t, append([]string{"update-stacks", tmpl, "--stack-name", "topics", "--max-concurrent-stacks", "2"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Stack topics: completed (2 succeeded, 0 failed, 0 skipped)")

	out, err = execute(t, append([]string{"update-stacks", tmpl, "--stack-name", "topics"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Stack topics: up-to-date")

	out, err = execute(t, append([]string{"describe-stacks"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "111111111111")
	assert.Contains(t, out, "123456789012")
	assert.Contains(t, out, "1 stack(s):\n  topics: 2 target(s)")

	out, err = execute(t, append([]string{"delete-stacks", "topics"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Stack topics: completed (2 succeeded, 0 failed, 0 skipped)")

	out, err = execute(t, append([]string{"describe-stacks"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No stacks in state.")
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := execute(t, "describe-stacks", "--provider", "terraform")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
