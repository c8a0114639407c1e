package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/lambda"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// Instrumenter adds and removes the shim activation on a stack's functions.
type Instrumenter interface {
	Instrument(ctx context.Context, stackName, sessionID, connectionID string) (*Report, error)
	Deinstrument(ctx context.Context, stackName string) (*Report, error)
}

// Report summarises one pass over a stack. Failed functions never abort the pass.
type Report struct {
	Updated []string
	Skipped []string
	Failed  map[string]error
}

func newReport() *Report {
	return &Report{Failed: make(map[string]error)}
}

// Err joins the per-function failures, or returns nil.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for fn, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", fn, err))
	}
	return errors.Join(errs...)
}

// Controller instruments functions through the Lambda API.
type Controller struct {
	cfn    awsclients.CloudFormationAPI
	lambda awsclients.LambdaAPI
	layer  LayerResolver

	attempts uint
	delay    time.Duration
}

// Option customises a Controller.
type Option func(*Controller)

// WithRetry sets the attempts and base delay used when a function update
// conflicts with another in-flight change.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Controller) {
		c.attempts = attempts
		c.delay = delay
	}
}

// NewController creates an instrumentation controller.
func NewController(cfn awsclients.CloudFormationAPI, l awsclients.LambdaAPI, layer LayerResolver, opts ...Option) *Controller {
	c := &Controller{
		cfn:      cfn,
		lambda:   l,
		layer:    layer,
		attempts: shared.UpdateConflictRetries,
		delay:    time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListFunctions returns the physical names of every Lambda function in stackName.
func ListFunctions(ctx context.Context, cfn awsclients.CloudFormationAPI, stackName string) ([]string, error) {
	var names []string
	err := cfn.ListStackResourcesPagesWithContext(ctx, &cloudformation.ListStackResourcesInput{
		StackName: aws.String(stackName),
	}, func(page *cloudformation.ListStackResourcesOutput, _ bool) bool {
		for _, r := range page.StackResourceSummaries {
			if aws.StringValue(r.ResourceType) != shared.LambdaFunctionType {
				continue
			}
			if aws.StringValue(r.ResourceStatus) == cloudformation.ResourceStatusDeleteComplete {
				continue
			}
			if name := aws.StringValue(r.PhysicalResourceId); name != "" {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, shared.Upstream(fmt.Sprintf("list resources of stack %s", stackName), err)
	}
	return names, nil
}

// Instrument marks every function of stackName for the given session.
func (c *Controller) Instrument(ctx context.Context, stackName, sessionID, connectionID string) (*Report, error) {
	layerArn, err := c.layer.LayerArn(ctx)
	if err != nil {
		return nil, err
	}
	return c.forEach(ctx, "instrument", stackName, func(cfg FunctionConfig) (FunctionConfig, bool) {
		return Apply(cfg, sessionID, connectionID, layerArn)
	})
}

// Deinstrument removes the markers and shim layer from every function of stackName.
func (c *Controller) Deinstrument(ctx context.Context, stackName string) (*Report, error) {
	layerArn, err := c.layer.LayerArn(ctx)
	if err != nil {
		return nil, err
	}
	return c.forEach(ctx, "deinstrument", stackName, func(cfg FunctionConfig) (FunctionConfig, bool) {
		return Strip(cfg, layerArn)
	})
}

func (c *Controller) forEach(ctx context.Context, action, stackName string, mutate func(FunctionConfig) (FunctionConfig, bool)) (*Report, error) {
	functions, err := ListFunctions(ctx, c.cfn, stackName)
	if err != nil {
		return nil, err
	}

	report := newReport()
	for _, fn := range functions {
		updated, err := c.updateFunction(ctx, fn, mutate)
		switch {
		case err != nil:
			report.Failed[fn] = err
			shared.LogErrorf("%s %s failed: %v", action, fn, err)
			shared.LogResourceEvent(action, fn, "failed")
		case updated:
			report.Updated = append(report.Updated, fn)
			shared.LogResourceEvent(action, fn, "updated")
		default:
			report.Skipped = append(report.Skipped, fn)
			shared.LogResourceEvent(action, fn, "unchanged")
		}
	}

	shared.LogSuccessf("%s %s: %d updated, %d unchanged, %d failed",
		action, stackName, len(report.Updated), len(report.Skipped), len(report.Failed))
	return report, nil
}

// updateFunction runs one read-modify-write cycle, retried when Lambda reports a
// concurrent update or the revision moved underneath us.
func (c *Controller) updateFunction(ctx context.Context, name string, mutate func(FunctionConfig) (FunctionConfig, bool)) (bool, error) {
	var updated bool
	err := retry.Do(func() error {
		current, err := c.lambda.GetFunctionConfigurationWithContext(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(name),
		})
		if err != nil {
			return retry.Unrecoverable(shared.Upstream("get function configuration", err))
		}

		next, changed := mutate(fromLambda(current))
		if !changed {
			updated = false
			return nil
		}

		_, err = c.lambda.UpdateFunctionConfigurationWithContext(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(name),
			RevisionId:   current.RevisionId,
			Environment:  &lambda.Environment{Variables: aws.StringMap(next.Environment)},
			Layers:       stringSlice(next.Layers),
		})
		if err != nil {
			switch shared.AWSErrorCode(err) {
			case lambda.ErrCodeResourceConflictException, lambda.ErrCodePreconditionFailedException:
				return shared.Upstream("update function configuration", err)
			}
			return retry.Unrecoverable(shared.Upstream("update function configuration", err))
		}
		updated = true
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return updated, err
}

func fromLambda(cfg *lambda.FunctionConfiguration) FunctionConfig {
	out := FunctionConfig{Environment: map[string]string{}}
	if cfg.Environment != nil {
		out.Environment = aws.StringValueMap(cfg.Environment.Variables)
	}
	for _, l := range cfg.Layers {
		out.Layers = append(out.Layers, aws.StringValue(l.Arn))
	}
	return out
}

// stringSlice keeps an empty list non-nil so the update clears all layers.
func stringSlice(in []string) []*string {
	out := make([]*string, 0, len(in))
	for _, s := range in {
		out = append(out, aws.String(s))
	}
	return out
}

// LayerResolver yields the shim layer version ARN.
type LayerResolver interface {
	LayerArn(ctx context.Context) (string, error)
}

// StaticLayer is a LayerResolver for a configured ARN.
type StaticLayer string

func (s StaticLayer) LayerArn(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: layer ARN is empty", shared.ErrInvalidInput)
	}
	return string(s), nil
}

// StackOutputLayer reads the layer ARN from the control plane stack outputs
// and caches the first successful lookup.
type StackOutputLayer struct {
	cfn       awsclients.CloudFormationAPI
	stackName string

	mu  sync.Mutex
	arn string
}

// NewStackOutputLayer creates a resolver on the DebuggerLayerArn output of stackName.
func NewStackOutputLayer(cfn awsclients.CloudFormationAPI, stackName string) *StackOutputLayer {
	return &StackOutputLayer{cfn: cfn, stackName: stackName}
}

func (s *StackOutputLayer) LayerArn(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arn != "" {
		return s.arn, nil
	}

	outputs, err := awsclients.StackOutputs(ctx, s.cfn, s.stackName)
	if err != nil {
		return "", shared.Upstream("describe stack "+s.stackName, err)
	}
	if arn := outputs[shared.LayerArnOutputKey]; arn != "" {
		s.arn = arn
		return s.arn, nil
	}
	return "", fmt.Errorf("stack %s has no %s output: %w", s.stackName, shared.LayerArnOutputKey, shared.ErrNotFound)
}
