package shim

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/dynamodb"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/internal/pushchannel"
	"github.com/dan-v/plldb/internal/store"
	"github.com/dan-v/plldb/pkg/shared"
)

// FromEnvironment builds the shim for the current sandbox. The bridge and its
// AWS clients are only created when the debug markers are present.
func FromEnvironment(ctx context.Context, registry *Registry, configPath string) (*Shim, error) {
	env := shared.Snapshot(os.Environ())
	host := env["AWS_LAMBDA_RUNTIME_API"]
	if host == "" {
		return nil, fmt.Errorf("%w: AWS_LAMBDA_RUNTIME_API is not set", shared.ErrInvalidInput)
	}
	rt := NewRuntimeClient(host)

	if ModeFor(env) == ModePassthrough {
		return New(rt, registry, env, nil)
	}

	forwarder, err := newForwarder(ctx, env, configPath)
	if err != nil {
		rt.InitFail(ctx, err.Error(), ErrorTypeBridge)
		return nil, err
	}
	return New(rt, registry, env, forwarder)
}

func newForwarder(ctx context.Context, env map[string]string, configPath string) (*bridge.Bridge, error) {
	cfg, err := config.LoadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}

	base, err := shared.CreateAWSSession(cfg.Region)
	if err != nil {
		return nil, err
	}

	roleArn := cfg.RoleArn
	if roleArn == "" {
		account, err := awsclients.NewClientFactoryFromSession(base).GetAccountID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve debugger role: %w", err)
		}
		roleArn = shared.DebuggerRoleArn(account)
	}

	sessionName := "plldb-" + env["AWS_LAMBDA_FUNCTION_NAME"]
	if len(sessionName) > 64 {
		sessionName = sessionName[:64]
	}
	assumed := shared.AssumeRoleSession(base, roleArn, cfg.ExternalID, sessionName)
	factory := awsclients.NewClientFactoryFromSession(assumed)
	ddb := dynamodb.New(assumed)

	endpoint := cfg.WebSocketEndpoint
	if endpoint == "" {
		outputs, err := awsclients.StackOutputs(ctx, cloudformation.New(assumed), cfg.InfrastructureStack)
		if err != nil {
			return nil, shared.Upstream("describe stack "+cfg.InfrastructureStack, err)
		}
		if endpoint = outputs[shared.ManagementOutputKey]; endpoint == "" {
			return nil, fmt.Errorf("stack %s has no %s output: %w", cfg.InfrastructureStack, shared.ManagementOutputKey, shared.ErrNotFound)
		}
	}

	opts := []bridge.Option{bridge.WithPolling(cfg.PollInterval, cfg.Timeout)}
	if cfg.VerifySession {
		opts = append(opts, bridge.WithSessionCheck(store.NewDynamoSessionStore(ddb, cfg.SessionsTable)))
	}

	target := bridge.Target{
		SessionID:    env[shared.EnvSessionID],
		ConnectionID: env[shared.EnvConnectionID],
	}
	shared.LogTargetf("Bridging session %s via %s", target.SessionID, endpoint)

	return bridge.New(
		store.NewDynamoCorrelationStore(ddb, cfg.CorrelationTable),
		pushchannel.NewManagementNotifier(factory.ManagementClient(endpoint)),
		target,
		env,
		opts...,
	), nil
}
