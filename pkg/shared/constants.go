package shared

import "time"

// Instrumentation markers placed on a target function's environment.
const (
	EnvSessionID    = "DEBUGGER_SESSION_ID"
	EnvConnectionID = "DEBUGGER_CONNECTION_ID"
	EnvExecWrapper  = "AWS_LAMBDA_EXEC_WRAPPER"

	// ExecWrapperPath is where the layer ships the shim bootstrap.
	ExecWrapperPath = "/opt/bin/bootstrap"
)

// Control plane defaults
const (
	DefaultAWSRegion          = "us-west-2"
	DefaultInfrastructureName = "plldb-infrastructure"
	SessionsTable             = "PLLDBSessions"
	CorrelationTable          = "PLLDBDebugger"
	ConnectionIndex           = "ConnectionId-index"
	DebuggerRoleName          = "PLLDBDebuggerRole"
	DebuggerExternalID        = "plldb-debugger"
	LayerArnOutputKey         = "DebuggerLayerArn"
	RestAPIURLOutputKey       = "RestApiUrl"
	WebSocketURLOutputKey     = "WebSocketUrl"
	ManagementOutputKey       = "WebSocketManagementEndpoint"
	DebuggerRoleOutputKey     = "DebuggerRoleArn"
	BootstrapBucketPattern    = "plldb-core-infrastructure-%s-%s"
	LambdaFunctionType        = "AWS::Lambda::Function"
)

// Timing
const (
	SessionTTL            = time.Hour
	DefaultBridgeTimeout  = 5 * time.Minute
	ResponsePollInterval  = 500 * time.Millisecond
	CorrelationGrace      = 5 * time.Minute
	CompletedRecordTTL    = 10 * time.Minute
	DefaultReceiveWait    = time.Second
	DefaultMaxConcurrent  = 4
	UpdateConflictRetries = 5
)

// BridgeTimeoutMessage is the error message reported when no debugger replied in time.
const BridgeTimeoutMessage = "Timeout waiting for debugger response"

// Runtime API paths, relative to http://$AWS_LAMBDA_RUNTIME_API
const (
	RuntimeAPIVersion     = "2018-06-01"
	RuntimeNextPath       = "/2018-06-01/runtime/invocation/next"
	RuntimeResponsePath   = "/2018-06-01/runtime/invocation/%s/response"
	RuntimeErrorPath      = "/2018-06-01/runtime/invocation/%s/error"
	RuntimeInitErrorPath  = "/2018-06-01/runtime/init/error"
	HeaderRequestID       = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs      = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionArn     = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID         = "Lambda-Runtime-Trace-Id"
	HeaderClientContext   = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity = "Lambda-Runtime-Cognito-Identity"
)
