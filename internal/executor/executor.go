// Package executor runs forwarded invocations against local code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

// Result is the outcome of one local execution.
type Result struct {
	StatusCode   int
	Response     string
	ErrorMessage string
}

// Failed reports whether the execution produced an error.
func (r Result) Failed() bool { return r.ErrorMessage != "" }

// Reply converts the result into the message sent back over the push channel.
func (r Result) Reply(requestID string) shared.DebuggerResponse {
	if r.Failed() {
		return shared.NewErrorResponse(requestID, r.StatusCode, r.ErrorMessage)
	}
	return shared.NewSuccessResponse(requestID, r.Response)
}

// Executor resolves and runs DebuggerRequests.
type Executor struct {
	inventory *Inventory
	resolver  Resolver
}

// New creates an executor. A nil inventory treats function names as logical ids.
func New(inventory *Inventory, resolver Resolver) *Executor {
	return &Executor{inventory: inventory, resolver: resolver}
}

// Execute never returns an error; failures are carried in the Result.
func (e *Executor) Execute(ctx context.Context, req shared.DebuggerRequest) Result {
	logicalID, err := e.resolve(req.FunctionName)
	if err != nil {
		shared.LogWarnf("Cannot run %s: %v", req.FunctionName, err)
		return Result{StatusCode: http.StatusNotFound, ErrorMessage: err.Error()}
	}
	target, err := e.resolver.Resolve(logicalID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, shared.ErrNotFound) {
			status = http.StatusNotFound
		}
		shared.LogWarnf("Cannot run %s: %v", logicalID, err)
		return Result{StatusCode: status, ErrorMessage: err.Error()}
	}

	done := metrics.ExecutionStarted()
	out, err := invoke(ctx, target, Invocation{
		RequestID:    req.RequestID,
		FunctionName: req.FunctionName,
		LogicalID:    logicalID,
		Event:        []byte(req.Event),
		Environment:  req.EnvironmentVariables,
	})
	done(err != nil)
	if err != nil {
		shared.LogErrorf("Execution of %s (%s) failed: %v", logicalID, req.RequestID, err)
		return Result{StatusCode: http.StatusInternalServerError, ErrorMessage: err.Error()}
	}
	shared.LogSuccessf("Executed %s (%s)", logicalID, req.RequestID)
	return Result{StatusCode: http.StatusOK, Response: string(out)}
}

func (e *Executor) resolve(functionName string) (string, error) {
	if functionName == "" {
		return "", fmt.Errorf("%w: request has no function name", shared.ErrNotFound)
	}
	if e.inventory == nil {
		return functionName, nil
	}
	logicalID, ok := e.inventory.LogicalID(functionName)
	if !ok {
		return "", fmt.Errorf("function %s is not part of stack %s: %w", functionName, e.inventory.StackName(), shared.ErrNotFound)
	}
	return logicalID, nil
}

// invoke recovers handler panics into errors.
func invoke(ctx context.Context, t Target, inv Invocation) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", shared.ErrExecutionFailure, r)
		}
	}()
	return t.Invoke(ctx, inv)
}
