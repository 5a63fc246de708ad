// Package cloudformation deploys bound stacks with AWS CloudFormation. Stacks
// in member accounts are managed through a role assumed from the master
// account.
package cloudformation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/orgform/internal/ir"
	"github.com/picklr-io/orgform/internal/logging"
)

// DefaultRoleName is the role AWS Organizations creates in member accounts.
const DefaultRoleName = "OrganizationAccountAccessRole"

var capabilities = []types.Capability{
	types.CapabilityCapabilityIam,
	types.CapabilityCapabilityNamedIam,
	types.CapabilityCapabilityAutoExpand,
}

// Config configures the performer.
type Config struct {
	Profile  string
	RoleName string
	Timeout  time.Duration
}

type cfnAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, in *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	UpdateTerminationProtection(ctx context.Context, in *cloudformation.UpdateTerminationProtectionInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateTerminationProtectionOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// clientFactory returns a CloudFormation client for an account and region.
// assumeRole is false for the account the base credentials belong to.
type clientFactory func(accountID, region string, assumeRole bool) cfnAPI

// Performer creates, updates and deletes CloudFormation stacks.
type Performer struct {
	cfg       Config
	sts       stsAPI
	newClient clientFactory

	mu            sync.Mutex
	callerAccount string
	clients       map[string]cfnAPI
}

// New loads the AWS configuration and returns a performer. No AWS call is
// made before the first stack operation.
func New(ctx context.Context, cfg Config) (*Performer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	base, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	if base.Region == "" {
		base.Region = "us-east-1"
	}

	stsClient := sts.NewFromConfig(base)
	factory := func(accountID, region string, assumeRole bool) cfnAPI {
		c := base.Copy()
		c.Region = region
		if assumeRole {
			arn := fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, roleName(cfg))
			c.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, arn, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = "orgform"
			}))
		}
		return cloudformation.NewFromConfig(c)
	}
	return newPerformer(cfg, stsClient, factory), nil
}

func newPerformer(cfg Config, stsClient stsAPI, factory clientFactory) *Performer {
	if cfg.RoleName == "" {
		cfg.RoleName = DefaultRoleName
	}
	return &Performer{
		cfg:       cfg,
		sts:       stsClient,
		newClient: factory,
		clients:   make(map[string]cfnAPI),
	}
}

func roleName(cfg Config) string {
	if cfg.RoleName == "" {
		return DefaultRoleName
	}
	return cfg.RoleName
}

// client returns the cached client for the target's account and region.
func (p *Performer) client(ctx context.Context, target ir.Target) (cfnAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.callerAccount == "" {
		out, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to determine caller account: %w", err)
		}
		p.callerAccount = aws.ToString(out.Account)
	}

	key := target.AccountID + "/" + target.Region
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c := p.newClient(target.AccountID, target.Region, target.AccountID != p.callerAccount)
	p.clients[key] = c
	return c, nil
}

// Create creates the stack. A stack that already exists is updated instead,
// and one left in ROLLBACK_COMPLETE by an earlier failed create is replaced.
func (p *Performer) Create(ctx context.Context, stack *ir.DesiredStack) error {
	ctx, cancel := WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	client, err := p.client(ctx, stack.Target)
	if err != nil {
		return err
	}

	status, err := stackStatus(ctx, client, stack.Target.StackName)
	if err != nil {
		return err
	}
	switch status {
	case "":
	case types.StackStatusRollbackComplete:
		logging.FromContext(ctx).Debug("replacing stack left in ROLLBACK_COMPLETE", "target", stack.Target.String())
		if err := p.deleteStack(ctx, client, stack.Target.StackName); err != nil {
			return err
		}
	default:
		return p.update(ctx, client, stack)
	}
	return p.create(ctx, client, stack)
}

// Update updates the stack, creating it when it no longer exists.
func (p *Performer) Update(ctx context.Context, stack *ir.DesiredStack) error {
	ctx, cancel := WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	client, err := p.client(ctx, stack.Target)
	if err != nil {
		return err
	}

	status, err := stackStatus(ctx, client, stack.Target.StackName)
	if err != nil {
		return err
	}
	if status == "" {
		return p.create(ctx, client, stack)
	}
	return p.update(ctx, client, stack)
}

// Delete deletes the stack. A stack that does not exist counts as deleted.
func (p *Performer) Delete(ctx context.Context, target ir.Target) error {
	ctx, cancel := WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	client, err := p.client(ctx, target)
	if err != nil {
		return err
	}

	status, err := stackStatus(ctx, client, target.StackName)
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}

	if _, err := client.UpdateTerminationProtection(ctx, &cloudformation.UpdateTerminationProtectionInput{
		StackName:                   aws.String(target.StackName),
		EnableTerminationProtection: aws.Bool(false),
	}); err != nil {
		return fmt.Errorf("failed to disable termination protection: %w", err)
	}
	return p.deleteStack(ctx, client, target.StackName)
}

func (p *Performer) create(ctx context.Context, client cfnAPI, stack *ir.DesiredStack) error {
	_, err := client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:                   aws.String(stack.Target.StackName),
		TemplateBody:                aws.String(stack.TemplateBody),
		Parameters:                  parameters(stack.Parameters),
		Capabilities:                capabilities,
		EnableTerminationProtection: aws.Bool(stack.TerminationProtection),
	})
	if err != nil {
		return fmt.Errorf("failed to create stack: %w", err)
	}

	waiter := cloudformation.NewStackCreateCompleteWaiter(client)
	if err := waiter.Wait(ctx, describe(stack.Target.StackName), remaining(ctx, p.timeout())); err != nil {
		return fmt.Errorf("failed to wait for stack create: %w", err)
	}
	return nil
}

func (p *Performer) update(ctx context.Context, client cfnAPI, stack *ir.DesiredStack) error {
	if _, err := client.UpdateTerminationProtection(ctx, &cloudformation.UpdateTerminationProtectionInput{
		StackName:                   aws.String(stack.Target.StackName),
		EnableTerminationProtection: aws.Bool(stack.TerminationProtection),
	}); err != nil {
		return fmt.Errorf("failed to update termination protection: %w", err)
	}

	_, err := client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stack.Target.StackName),
		TemplateBody: aws.String(stack.TemplateBody),
		Parameters:   parameters(stack.Parameters),
		Capabilities: capabilities,
	})
	if err != nil {
		if isNoUpdates(err) {
			return nil
		}
		return fmt.Errorf("failed to update stack: %w", err)
	}

	waiter := cloudformation.NewStackUpdateCompleteWaiter(client)
	if err := waiter.Wait(ctx, describe(stack.Target.StackName), remaining(ctx, p.timeout())); err != nil {
		return fmt.Errorf("failed to wait for stack update: %w", err)
	}
	return nil
}

func (p *Performer) deleteStack(ctx context.Context, client cfnAPI, name string) error {
	if _, err := client.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete stack: %w", err)
	}
	waiter := cloudformation.NewStackDeleteCompleteWaiter(client)
	if err := waiter.Wait(ctx, describe(name), remaining(ctx, p.timeout())); err != nil {
		return fmt.Errorf("failed to wait for stack delete: %w", err)
	}
	return nil
}

func (p *Performer) timeout() time.Duration {
	if p.cfg.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.cfg.Timeout
}

// stackStatus returns the status of the stack, or "" when it does not exist
// or was deleted.
func stackStatus(ctx context.Context, client cfnAPI, name string) (types.StackStatus, error) {
	out, err := client.DescribeStacks(ctx, describe(name))
	if err != nil {
		if isNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to describe stack: %w", err)
	}
	if len(out.Stacks) == 0 || out.Stacks[0].StackStatus == types.StackStatusDeleteComplete {
		return "", nil
	}
	return out.Stacks[0].StackStatus, nil
}

func describe(name string) *cloudformation.DescribeStacksInput {
	return &cloudformation.DescribeStacksInput{StackName: aws.String(name)}
}

func parameters(params map[string]string) []types.Parameter {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(params[k])})
	}
	return out
}

func isNotExist(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ValidationError" && strings.Contains(ae.ErrorMessage(), "does not exist")
}

func isNoUpdates(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ValidationError" && strings.Contains(ae.ErrorMessage(), "No updates are to be performed")
}
