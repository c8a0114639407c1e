package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"

	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/pkg/shared"
)

const contentTypeJSON = "application/json"

// RuntimeClient talks to the Lambda Runtime API at AWS_LAMBDA_RUNTIME_API.
type RuntimeClient struct {
	baseURL string
	http    *http.Client
}

// NewRuntimeClient creates a client for host (host:port, no scheme).
func NewRuntimeClient(host string) *RuntimeClient {
	return &RuntimeClient{
		baseURL: "http://" + host,
		// next blocks until an invocation arrives, so no client timeout
		http: &http.Client{Timeout: 0},
	}
}

// Event is one invocation handed out by the Runtime API.
type Event struct {
	bridge.Invocation
	ClientContext   string
	CognitoIdentity string
}

// Next blocks until the platform delivers the next invocation.
func (c *RuntimeClient) Next(ctx context.Context) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+shared.RuntimeNextPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime api next: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read invocation body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime api next returned %d: %s", resp.StatusCode, body)
	}

	ev := &Event{
		Invocation: bridge.Invocation{
			RequestID:   resp.Header.Get(shared.HeaderRequestID),
			FunctionArn: resp.Header.Get(shared.HeaderFunctionArn),
			TraceID:     resp.Header.Get(shared.HeaderTraceID),
			Payload:     body,
		},
		ClientContext:   resp.Header.Get(shared.HeaderClientContext),
		CognitoIdentity: resp.Header.Get(shared.HeaderCognitoIdentity),
	}
	if ev.RequestID == "" {
		return nil, fmt.Errorf("runtime api next: missing %s header", shared.HeaderRequestID)
	}
	if ms, err := strconv.ParseInt(resp.Header.Get(shared.HeaderDeadlineMs), 10, 64); err == nil {
		ev.Deadline = time.UnixMilli(ms)
	}
	return ev, nil
}

// Respond reports a successful result for requestID.
func (c *RuntimeClient) Respond(ctx context.Context, requestID string, payload []byte) error {
	return c.post(ctx, fmt.Sprintf(shared.RuntimeResponsePath, requestID), payload, "")
}

// Fail reports an invocation error for requestID.
func (c *RuntimeClient) Fail(ctx context.Context, requestID, message, errorType string) error {
	return c.postError(ctx, fmt.Sprintf(shared.RuntimeErrorPath, requestID), message, errorType)
}

// InitFail reports a sandbox initialisation error.
func (c *RuntimeClient) InitFail(ctx context.Context, message, errorType string) error {
	return c.postError(ctx, shared.RuntimeInitErrorPath, message, errorType)
}

func (c *RuntimeClient) postError(ctx context.Context, path, message, errorType string) error {
	body, err := json.Marshal(messages.InvokeResponse_Error{Message: message, Type: errorType})
	if err != nil {
		return err
	}
	return c.post(ctx, path, body, errorType)
}

func (c *RuntimeClient) post(ctx context.Context, path string, body []byte, errorType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	if errorType != "" {
		req.Header.Set("Lambda-Runtime-Function-Error-Type", errorType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime api post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime api post %s returned %d", path, resp.StatusCode)
	}
	return nil
}
