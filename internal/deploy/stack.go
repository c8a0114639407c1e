package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// StackDeployerAPI defines the interface for stack deployment operations
type StackDeployerAPI interface {
	DeployStack(ctx context.Context, templateBody string) (*StackOutput, error)
	DeleteStack(ctx context.Context) error
	GetStackOutputs(ctx context.Context) (*StackOutput, error)
}

// StackDeployer handles CloudFormation stack operations for the control plane
type StackDeployer struct {
	cfn       awsclients.CloudFormationAPI
	stackName string

	createTimeout time.Duration
	deleteTimeout time.Duration
}

// NewStackDeployer creates a new stack deployer
func NewStackDeployer(cfn awsclients.CloudFormationAPI, stackName string) *StackDeployer {
	return &StackDeployer{
		cfn:           cfn,
		stackName:     stackName,
		createTimeout: 15 * time.Minute,
		deleteTimeout: 20 * time.Minute,
	}
}

// StackOutput holds the control plane outputs used by the CLI
type StackOutput struct {
	StackName                   string
	StackStatus                 string
	RestAPIURL                  string
	WebSocketURL                string
	WebSocketManagementEndpoint string
	DebuggerLayerArn            string
	DebuggerRoleArn             string
	CreationTime                *time.Time
	LastUpdatedTime             *time.Time
}

// Endpoints checks that both API endpoints are present.
func (o *StackOutput) Endpoints() (restURL, webSocketURL string, err error) {
	if o.RestAPIURL == "" || o.WebSocketURL == "" {
		return "", "", fmt.Errorf("stack %s does not expose %s and %s: %w",
			o.StackName, shared.RestAPIURLOutputKey, shared.WebSocketURLOutputKey, shared.ErrNotFound)
	}
	return o.RestAPIURL, o.WebSocketURL, nil
}

// DeployStack deploys or updates the stack
func (s *StackDeployer) DeployStack(ctx context.Context, templateBody string) (*StackOutput, error) {
	shared.LogProgressf("Deploying CloudFormation stack: %s", s.stackName)

	exists, err := s.stackExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check if stack exists: %w", err)
	}
	if exists {
		return s.updateStack(ctx, templateBody)
	}
	return s.createStack(ctx, templateBody)
}

// DeleteStack deletes the stack and waits until it is gone
func (s *StackDeployer) DeleteStack(ctx context.Context) error {
	exists, err := s.stackExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check if stack exists: %w", err)
	}
	if !exists {
		shared.LogInfof("Stack %s does not exist", s.stackName)
		return nil
	}

	shared.LogProgressf("Deleting CloudFormation stack: %s", s.stackName)
	if _, err := s.cfn.DeleteStackWithContext(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(s.stackName),
	}); err != nil {
		return shared.Upstream("delete stack "+s.stackName, err)
	}

	if err := s.waitForStackOperation(ctx, cloudformation.StackStatusDeleteComplete, s.deleteTimeout); err != nil {
		return fmt.Errorf("stack deletion failed: %w", err)
	}
	shared.LogSuccessf("Stack %s deleted", s.stackName)
	return nil
}

// GetStackOutputs retrieves outputs from the stack
func (s *StackDeployer) GetStackOutputs(ctx context.Context) (*StackOutput, error) {
	result, err := s.cfn.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(s.stackName),
	})
	if err != nil {
		if isStackMissing(err) {
			return nil, fmt.Errorf("stack %s: %w", s.stackName, shared.ErrNotFound)
		}
		return nil, shared.Upstream("describe stack "+s.stackName, err)
	}
	if len(result.Stacks) == 0 {
		return nil, fmt.Errorf("stack %s: %w", s.stackName, shared.ErrNotFound)
	}
	return extractStackOutputs(result.Stacks[0]), nil
}

func (s *StackDeployer) createStack(ctx context.Context, templateBody string) (*StackOutput, error) {
	result, err := s.cfn.CreateStackWithContext(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(s.stackName),
		TemplateBody: aws.String(templateBody),
		Capabilities: []*string{
			aws.String(cloudformation.CapabilityCapabilityNamedIam),
		},
		Tags: []*cloudformation.Tag{
			{Key: aws.String("Project"), Value: aws.String("plldb")},
			{Key: aws.String("Component"), Value: aws.String("control-plane")},
			{Key: aws.String("ManagedBy"), Value: aws.String("plldb-cli")},
		},
	})
	if err != nil {
		return nil, shared.Upstream("create stack "+s.stackName, err)
	}
	shared.LogInfof("Stack creation initiated. Stack ID: %s", aws.StringValue(result.StackId))

	if err := s.waitForStackOperation(ctx, cloudformation.StackStatusCreateComplete, s.createTimeout); err != nil {
		return nil, fmt.Errorf("stack creation failed: %w", err)
	}
	shared.LogSuccessf("Stack %s created", s.stackName)
	return s.GetStackOutputs(ctx)
}

func (s *StackDeployer) updateStack(ctx context.Context, templateBody string) (*StackOutput, error) {
	_, err := s.cfn.UpdateStackWithContext(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(s.stackName),
		TemplateBody: aws.String(templateBody),
		Capabilities: []*string{
			aws.String(cloudformation.CapabilityCapabilityNamedIam),
		},
	})
	if err != nil {
		if shared.AWSErrorCode(err) == "ValidationError" && strings.Contains(err.Error(), "No updates are to be performed") {
			shared.LogInfof("No updates needed for stack %s", s.stackName)
			return s.GetStackOutputs(ctx)
		}
		return nil, shared.Upstream("update stack "+s.stackName, err)
	}

	if err := s.waitForStackOperation(ctx, cloudformation.StackStatusUpdateComplete, s.createTimeout); err != nil {
		return nil, fmt.Errorf("stack update failed: %w", err)
	}
	shared.LogSuccessf("Stack %s updated", s.stackName)
	return s.GetStackOutputs(ctx)
}

func (s *StackDeployer) stackExists(ctx context.Context) (bool, error) {
	_, err := s.cfn.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(s.stackName),
	})
	if err != nil {
		if isStackMissing(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DescribeStacks reports a missing stack as a ValidationError.
func isStackMissing(err error) bool {
	return shared.AWSErrorCode(err) == "ValidationError" && strings.Contains(err.Error(), "does not exist")
}

func (s *StackDeployer) waitForStackOperation(ctx context.Context, targetStatus string, timeout time.Duration) error {
	checkFn := func() (bool, error) {
		result, err := s.cfn.DescribeStacksWithContext(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(s.stackName),
		})
		if err != nil {
			if targetStatus == cloudformation.StackStatusDeleteComplete && isStackMissing(err) {
				return true, nil
			}
			return false, err
		}
		if len(result.Stacks) == 0 {
			return false, fmt.Errorf("stack not found")
		}

		currentStatus := aws.StringValue(result.Stacks[0].StackStatus)
		shared.LogDebugf("Stack status: %s", currentStatus)
		if currentStatus == targetStatus {
			return true, nil
		}
		if strings.Contains(currentStatus, "FAILED") || strings.HasSuffix(currentStatus, "ROLLBACK_COMPLETE") {
			return false, fmt.Errorf("stack operation failed with status: %s", currentStatus)
		}
		return false, nil
	}

	return awsclients.WaitForOperation(ctx, checkFn, timeout)
}

func extractStackOutputs(stack *cloudformation.Stack) *StackOutput {
	output := &StackOutput{
		StackName:       aws.StringValue(stack.StackName),
		StackStatus:     aws.StringValue(stack.StackStatus),
		CreationTime:    stack.CreationTime,
		LastUpdatedTime: stack.LastUpdatedTime,
	}

	for _, o := range stack.Outputs {
		value := aws.StringValue(o.OutputValue)
		switch aws.StringValue(o.OutputKey) {
		case shared.RestAPIURLOutputKey:
			output.RestAPIURL = value
		case shared.WebSocketURLOutputKey:
			output.WebSocketURL = value
		case shared.ManagementOutputKey:
			output.WebSocketManagementEndpoint = value
		case shared.LayerArnOutputKey:
			output.DebuggerLayerArn = value
		case shared.DebuggerRoleOutputKey:
			output.DebuggerRoleArn = value
		}
	}
	return output
}
