package instrument

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/go-playground/validator/v10"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// Command names accepted by the instrumentation handler.
const (
	CommandInstrument   = "instrument"
	CommandUninstrument = "uninstrument"
)

// Command is the payload of the asynchronous instrumentation function.
type Command struct {
	Command      string `json:"command" validate:"required,oneof=instrument uninstrument"`
	StackName    string `json:"stackName" validate:"required"`
	SessionID    string `json:"sessionId,omitempty" validate:"required_if=Command instrument"`
	ConnectionID string `json:"connectionId,omitempty" validate:"required_if=Command instrument"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields for the given command.
func (c Command) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	return nil
}

// Execute runs cmd against inst.
func Execute(ctx context.Context, inst Instrumenter, cmd Command) (*Report, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Command == CommandInstrument {
		return inst.Instrument(ctx, cmd.StackName, cmd.SessionID, cmd.ConnectionID)
	}
	return inst.Deinstrument(ctx, cmd.StackName)
}

// AsyncInvoker hands instrumentation to a separate Lambda function with an
// Event invocation, so the WebSocket route handlers return immediately.
type AsyncInvoker struct {
	lambda   awsclients.LambdaAPI
	function string
}

// NewAsyncInvoker creates an Instrumenter that queues commands on function.
func NewAsyncInvoker(l awsclients.LambdaAPI, function string) *AsyncInvoker {
	return &AsyncInvoker{lambda: l, function: function}
}

func (a *AsyncInvoker) Instrument(ctx context.Context, stackName, sessionID, connectionID string) (*Report, error) {
	return a.send(ctx, Command{Command: CommandInstrument, StackName: stackName, SessionID: sessionID, ConnectionID: connectionID})
}

func (a *AsyncInvoker) Deinstrument(ctx context.Context, stackName string) (*Report, error) {
	return a.send(ctx, Command{Command: CommandUninstrument, StackName: stackName})
}

func (a *AsyncInvoker) send(ctx context.Context, cmd Command) (*Report, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	_, err = a.lambda.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(a.function),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	})
	if err != nil {
		return nil, shared.Upstream("invoke "+a.function, err)
	}
	shared.LogProgressf("Queued %s of %s on %s", cmd.Command, cmd.StackName, a.function)
	return newReport(), nil
}
