// Command plldb-control is the single binary behind every control plane
// function. The function's handler setting (_HANDLER) selects the route.
package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/service/cloudformation"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go/service/lambda"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/internal/gateway"
	"github.com/dan-v/plldb/internal/instrument"
	"github.com/dan-v/plldb/internal/pushchannel"
	"github.com/dan-v/plldb/internal/session"
	"github.com/dan-v/plldb/internal/store"
	"github.com/dan-v/plldb/pkg/shared"
)

// Handler names as configured in the infrastructure template.
const (
	HandlerRestAPI         = "restapi"
	HandlerAuthorize       = "authorize"
	HandlerConnect         = "connect"
	HandlerDisconnect      = "disconnect"
	HandlerDefault         = "default"
	HandlerInstrumentation = "instrumentation"
)

func main() {
	name := os.Getenv("_HANDLER")
	shared.InitLogger(shared.LambdaLogConfig("plldb-" + name))

	handlers, err := build(name)
	if err != nil {
		shared.LogError("initialise "+name, err)
		os.Exit(1)
	}

	switch name {
	case HandlerRestAPI:
		lambda.Start(handlers.RestAPI)
	case HandlerAuthorize:
		lambda.Start(handlers.Authorize)
	case HandlerConnect:
		lambda.Start(handlers.Connect)
	case HandlerDisconnect:
		lambda.Start(handlers.Disconnect)
	case HandlerDefault:
		lambda.Start(handlers.Default)
	case HandlerInstrumentation:
		lambda.Start(handlers.Instrumentation)
	default:
		shared.LogErrorf("Unknown handler %q", name)
		os.Exit(1)
	}
}

func build(name string) (*gateway.Handlers, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: _HANDLER is not set", shared.ErrInvalidInput)
	}
	cfg, err := config.LoadControlPlaneConfig()
	if err != nil {
		return nil, err
	}
	sess, err := shared.CreateAWSSession(cfg.Region)
	if err != nil {
		return nil, err
	}
	factory := awsclients.NewClientFactoryFromSession(sess)
	ddb := dynamodb.New(sess)
	cfn := cloudformation.New(sess)
	lambdaClient := awslambda.New(sess)

	var layer instrument.LayerResolver = instrument.NewStackOutputLayer(cfn, cfg.InfrastructureStack)
	if cfg.LayerArn != "" {
		layer = instrument.StaticLayer(cfg.LayerArn)
	}

	// The instrumentation function does the work itself; the WebSocket routes
	// hand it off when a command function is configured.
	var instrumenter instrument.Instrumenter = instrument.NewController(cfn, lambdaClient, layer)
	if name != HandlerInstrumentation && cfg.InstrumentationFunction != "" {
		instrumenter = instrument.NewAsyncInvoker(lambdaClient, cfg.InstrumentationFunction)
	}

	notifiers := func(endpoint string) bridge.Notifier {
		if cfg.WebSocketEndpoint != "" {
			endpoint = cfg.WebSocketEndpoint
		}
		return pushchannel.NewManagementNotifier(factory.ManagementClient(endpoint))
	}

	sessions := store.NewDynamoSessionStore(ddb, cfg.SessionsTable)
	shared.LogDebugf("Handler %s using tables %s and %s", name, cfg.SessionsTable, cfg.CorrelationTable)

	return &gateway.Handlers{
		Sessions:     session.NewController(sessions, instrumenter, nil),
		Records:      store.NewDynamoCorrelationStore(ddb, cfg.CorrelationTable),
		Instrumenter: instrumenter,
		Notifiers:    notifiers,
		CompletedTTL: cfg.CompletedTTL,
	}, nil
}
