// Package shim runs the invocation loop inside an instrumented sandbox. Each
// invocation is either passed to the original handler or bridged to the
// remote debugger, depending on the debug markers present at cold start.
package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

// Mode is the per-sandbox routing decision.
type Mode string

const (
	ModePassthrough Mode = "PASSTHROUGH"
	ModeBridged     Mode = "BRIDGED"
)

// Error types reported to the Runtime API.
const (
	ErrorTypeNoHandler      = "Runtime.NoHandler"
	ErrorTypeUnknownHandler = "Runtime.HandlerNotFound"
	ErrorTypePanic          = "Runtime.Panic"
	ErrorTypeBridge         = "Runtime.BridgeFailure"
)

var (
	ErrNoHandler      = errors.New("No handler specified")
	ErrUnknownHandler = errors.New("handler not registered")
)

// ModeFor decides routing from an environment snapshot: both session and
// connection markers must be present to bridge.
func ModeFor(env map[string]string) Mode {
	if env[shared.EnvSessionID] != "" && env[shared.EnvConnectionID] != "" {
		return ModeBridged
	}
	return ModePassthrough
}

// Forwarder bridges one invocation.
type Forwarder interface {
	Forward(ctx context.Context, inv bridge.Invocation) (bridge.Outcome, error)
}

// Runtime is the platform side of the loop.
type Runtime interface {
	Next(ctx context.Context) (*Event, error)
	Respond(ctx context.Context, requestID string, payload []byte) error
	Fail(ctx context.Context, requestID, message, errorType string) error
}

// Shim is one sandbox's invocation loop.
type Shim struct {
	runtime     Runtime
	registry    *Registry
	handlerName string
	env         map[string]string
	mode        Mode
	forwarder   Forwarder
}

// New creates a shim. env is the snapshot taken at sandbox start; forwarder may
// be nil when env selects PASSTHROUGH.
func New(rt Runtime, registry *Registry, env map[string]string, forwarder Forwarder) (*Shim, error) {
	s := &Shim{
		runtime:     rt,
		registry:    registry,
		handlerName: env["_HANDLER"],
		env:         env,
		mode:        ModeFor(env),
		forwarder:   forwarder,
	}
	if s.mode == ModeBridged && forwarder == nil {
		return nil, fmt.Errorf("%w: bridged mode needs a forwarder", shared.ErrInvalidInput)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s, nil
}

// Mode returns the routing decision for this sandbox.
func (s *Shim) Mode() Mode { return s.mode }

// Run processes invocations until ctx is cancelled or the Runtime API fails.
func (s *Shim) Run(ctx context.Context) error {
	shared.LogInfof("Runtime shim started in %s mode", s.mode)
	for {
		ev, err := s.runtime.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.Handle(ctx, ev); err != nil {
			shared.LogError("report invocation "+ev.RequestID, err)
		}
	}
}

// Handle completes one invocation. The returned error only concerns reporting
// the result to the Runtime API.
func (s *Shim) Handle(ctx context.Context, ev *Event) error {
	start := time.Now()
	if ev.FunctionName == "" {
		ev.FunctionName = functionName(ev.FunctionArn, s.env)
	}

	var (
		payload   []byte
		errMsg    string
		errorType string
	)
	switch s.mode {
	case ModeBridged:
		out, err := s.forwarder.Forward(ctx, ev.Invocation)
		switch {
		case err != nil:
			errMsg, errorType = err.Error(), ErrorTypeBridge
		case out.Failed():
			shared.LogErrorWithDetails("bridged invocation", out.Err(),
				slog.String("request_id", ev.RequestID),
				slog.Int("status_code", out.StatusCode))
			errMsg, errorType = out.ErrorMessage, out.ErrorType
		default:
			payload = out.Response
		}
	default:
		metrics.RecordPassthrough()
		payload, errMsg, errorType = s.passthrough(ctx, ev)
	}

	shared.LogInvocation(ev.RequestID, string(s.mode), time.Since(start))
	if errMsg != "" {
		return s.runtime.Fail(ctx, ev.RequestID, errMsg, errorType)
	}
	return s.runtime.Respond(ctx, ev.RequestID, payload)
}

func (s *Shim) passthrough(ctx context.Context, ev *Event) (payload []byte, errMsg, errorType string) {
	handler, err := s.registry.Lookup(s.handlerName)
	if err != nil {
		if errors.Is(err, ErrNoHandler) {
			return nil, err.Error(), ErrorTypeNoHandler
		}
		return nil, err.Error(), ErrorTypeUnknownHandler
	}

	invokeCtx := lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       ev.RequestID,
		InvokedFunctionArn: ev.FunctionArn,
	})
	if !ev.Deadline.IsZero() {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithDeadline(invokeCtx, ev.Deadline)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			shared.LogErrorf("Handler panic: %v\n%s", r, debug.Stack())
			payload, errMsg, errorType = nil, fmt.Sprint(r), ErrorTypePanic
		}
	}()

	out, err := handler.Invoke(invokeCtx, ev.Payload)
	if err != nil {
		return nil, err.Error(), errorTypeOf(err)
	}
	return out, "", ""
}

// errorTypeOf names the error's concrete type the way the Go runtime client does.
func errorTypeOf(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Error"
	}
	return t.Name()
}

// functionName prefers the platform's AWS_LAMBDA_FUNCTION_NAME and falls back
// to the last ARN segment.
func functionName(arn string, env map[string]string) string {
	if name := env["AWS_LAMBDA_FUNCTION_NAME"]; name != "" {
		return name
	}
	parts := strings.Split(arn, ":")
	if len(parts) >= 7 {
		return parts[6]
	}
	return arn
}
