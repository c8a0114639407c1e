package instrument

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/pkg/shared"
)

// FunctionState is the instrumentation state of one function.
type FunctionState struct {
	Name         string `json:"name" yaml:"name"`
	Instrumented bool   `json:"instrumented" yaml:"instrumented"`
	SessionID    string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty" yaml:"connection_id,omitempty"`
	ShimLayer    bool   `json:"shim_layer" yaml:"shim_layer"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Inspect reports the state of every function in stackName. A function whose
// configuration cannot be read is reported with Error set.
func Inspect(ctx context.Context, cfn awsclients.CloudFormationAPI, l awsclients.LambdaAPI, stackName, layerArn string) ([]FunctionState, error) {
	functions, err := ListFunctions(ctx, cfn, stackName)
	if err != nil {
		return nil, err
	}

	states := make([]FunctionState, 0, len(functions))
	for _, fn := range functions {
		state := FunctionState{Name: fn}
		current, err := l.GetFunctionConfigurationWithContext(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(fn),
		})
		if err != nil {
			state.Error = shared.Upstream("get function configuration", err).Error()
			states = append(states, state)
			continue
		}
		cfg := fromLambda(current)
		state.Instrumented = HasMarkers(cfg)
		state.SessionID = cfg.Environment[shared.EnvSessionID]
		state.ConnectionID = cfg.Environment[shared.EnvConnectionID]
		if layerArn != "" {
			for _, layer := range cfg.Layers {
				if sameLayer(layer, layerArn) {
					state.ShimLayer = true
				}
			}
		}
		states = append(states, state)
	}
	return states, nil
}
