// Package bridge forwards an intercepted invocation to the remote debugger
// and waits for its result. The correlation store is the mailbox; the push
// notification only shortens latency and is never relied upon.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/internal/store"
	"github.com/dan-v/plldb/pkg/shared"
)

// ErrorTypeDebugger tags error responses produced by the debugger side.
const ErrorTypeDebugger = "DebuggerError"

// Notifier pushes a message to a push-channel connection.
type Notifier interface {
	Notify(ctx context.Context, connectionID string, payload []byte) error
}

// Invocation is one intercepted invocation as received from the Runtime API.
type Invocation struct {
	RequestID    string
	FunctionName string
	FunctionArn  string
	TraceID      string
	Deadline     time.Time
	Payload      []byte
}

// Outcome is what the shim reports back to the platform.
type Outcome struct {
	StatusCode   int
	Response     []byte
	ErrorMessage string
	ErrorType    string
}

// Failed reports whether the outcome must be posted as an invocation error.
func (o Outcome) Failed() bool {
	return o.ErrorMessage != ""
}

// Err classifies a failed outcome: shared.ErrBridgeTimeout for a 504 and
// shared.ErrExecutionFailure otherwise. It is nil on success.
func (o Outcome) Err() error {
	switch {
	case !o.Failed():
		return nil
	case o.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", shared.ErrBridgeTimeout, o.ErrorMessage)
	default:
		return fmt.Errorf("%w: status %d: %s", shared.ErrExecutionFailure, o.StatusCode, o.ErrorMessage)
	}
}

// Target identifies the session and connection a sandbox was instrumented for.
type Target struct {
	SessionID    string
	ConnectionID string
}

// Bridge forwards invocations for one sandbox.
type Bridge struct {
	records  store.CorrelationStore
	sessions store.SessionStore
	notifier Notifier
	clock    clock.Clock

	target       Target
	environment  map[string]string
	pollInterval time.Duration
	timeout      time.Duration
}

// Option customises a Bridge.
type Option func(*Bridge)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithPolling sets the poll interval and overall wait bound.
func WithPolling(interval, timeout time.Duration) Option {
	return func(b *Bridge) {
		b.pollInterval = interval
		b.timeout = timeout
	}
}

// WithSessionCheck makes Forward fail fast when the session is no longer ACTIVE
// on the instrumented connection.
func WithSessionCheck(sessions store.SessionStore) Option {
	return func(b *Bridge) { b.sessions = sessions }
}

// New creates a bridge. environment is the sandbox snapshot sent with every request.
func New(records store.CorrelationStore, notifier Notifier, target Target, environment map[string]string, opts ...Option) *Bridge {
	b := &Bridge{
		records:      records,
		notifier:     notifier,
		clock:        clock.New(),
		target:       target,
		environment:  environment,
		pollInterval: shared.ResponsePollInterval,
		timeout:      shared.DefaultBridgeTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Forward records the invocation, notifies the debugger and polls for the
// reply until the timeout. A returned error means the correlation store could
// not be used; the caller reports it as an error for this invocation only.
func (b *Bridge) Forward(ctx context.Context, inv Invocation) (Outcome, error) {
	start := b.clock.Now()
	deadline := start.Add(b.timeout)

	if err := b.checkSession(ctx); err != nil {
		return Outcome{}, err
	}

	request, err := encodeRequest(inv)
	if err != nil {
		return Outcome{}, err
	}
	err = b.records.Create(ctx, &store.CorrelationRecord{
		RequestID:            inv.RequestID,
		SessionID:            b.target.SessionID,
		ConnectionID:         b.target.ConnectionID,
		Request:              request,
		EnvironmentVariables: b.environment,
		TTL:                  deadline.Add(shared.CorrelationGrace).Unix(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create correlation record %s: %w", inv.RequestID, err)
	}
	shared.LogStoragef("Recorded invocation %s for session %s", inv.RequestID, b.target.SessionID)

	b.push(ctx, shared.NewDebuggerInfo("INFO", fmt.Sprintf("Invocation %s of %s waiting for debugger", inv.RequestID, inv.FunctionName)))
	b.push(ctx, shared.DebuggerRequest{
		Type:                 shared.TypeDebuggerRequest,
		RequestID:            inv.RequestID,
		SessionID:            b.target.SessionID,
		FunctionName:         inv.FunctionName,
		Event:                string(inv.Payload),
		EnvironmentVariables: b.environment,
	})

	out, err := b.await(ctx, inv.RequestID, deadline)
	if err == nil {
		metrics.RecordBridged(b.clock.Since(start))
	}
	return out, err
}

func (b *Bridge) checkSession(ctx context.Context) error {
	if b.sessions == nil {
		return nil
	}
	s, err := b.sessions.Get(ctx, b.target.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", b.target.SessionID, err)
	}
	if s.Status != store.StatusActive || s.ConnectionID != b.target.ConnectionID {
		return fmt.Errorf("session %s is %s: %w", b.target.SessionID, s.Status, shared.ErrInvalidState)
	}
	return nil
}

// push is best effort; the poller decides completion.
func (b *Bridge) push(ctx context.Context, msg interface{}) {
	if b.notifier == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		shared.LogWarnf("Failed to encode push message: %v", err)
		return
	}
	if err := b.notifier.Notify(ctx, b.target.ConnectionID, payload); err != nil {
		metrics.RecordPushFailure()
		shared.LogWarnf("Push to connection %s failed: %v", b.target.ConnectionID, err)
	}
}

func (b *Bridge) await(ctx context.Context, requestID string, deadline time.Time) (Outcome, error) {
	ticker := b.clock.Ticker(b.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		rec, err := b.records.Get(ctx, requestID)
		metrics.RecordPoll()
		switch {
		case err != nil:
			lastErr = err
			shared.LogDebugf("Poll of %s failed: %v", requestID, err)
		case rec.Completed():
			return fromRecord(rec), nil
		}

		if !b.clock.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}

	return b.expire(ctx, requestID, lastErr)
}

// expire writes the timeout result unless a reply got there first.
func (b *Bridge) expire(ctx context.Context, requestID string, pollErr error) (Outcome, error) {
	won, err := b.records.Complete(ctx, requestID, store.Completion{
		StatusCode:   http.StatusGatewayTimeout,
		ErrorMessage: shared.BridgeTimeoutMessage,
	}, b.clock.Now().Add(shared.CompletedRecordTTL))
	if err != nil {
		return Outcome{}, fmt.Errorf("record timeout for %s: %w", requestID, errors.Join(err, pollErr))
	}
	if won {
		metrics.RecordBridgeTimeout()
		shared.LogWarnf("No debugger response for %s", requestID)
		return Outcome{StatusCode: http.StatusGatewayTimeout, ErrorMessage: shared.BridgeTimeoutMessage, ErrorType: ErrorTypeDebugger}, nil
	}

	rec, err := b.records.Get(ctx, requestID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read reply for %s: %w", requestID, err)
	}
	if !rec.Completed() {
		return Outcome{}, fmt.Errorf("correlation record %s vanished: %w", requestID, shared.ErrNotFound)
	}
	return fromRecord(rec), nil
}

func fromRecord(rec *store.CorrelationRecord) Outcome {
	if rec.Response != "" {
		return Outcome{StatusCode: rec.StatusCode, Response: []byte(rec.Response)}
	}
	return Outcome{StatusCode: rec.StatusCode, ErrorMessage: rec.ErrorMessage, ErrorType: ErrorTypeDebugger}
}

// encodeRequest builds {"event": ..., "context": {...}}. A non-JSON payload is
// embedded as a string.
func encodeRequest(inv Invocation) (string, error) {
	doc := "{}"
	var err error
	if gjson.ValidBytes(inv.Payload) && len(inv.Payload) > 0 {
		doc, err = sjson.SetRaw(doc, "event", string(inv.Payload))
	} else {
		doc, err = sjson.Set(doc, "event", string(inv.Payload))
	}
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	fields := []struct {
		path  string
		value interface{}
	}{
		{"context.aws_request_id", inv.RequestID},
		{"context.function_name", inv.FunctionName},
		{"context.invoked_function_arn", inv.FunctionArn},
		{"context.trace_id", inv.TraceID},
		{"context.deadline_ms", inv.Deadline.UnixMilli()},
	}
	for _, f := range fields {
		if doc, err = sjson.Set(doc, f.path, f.value); err != nil {
			return "", fmt.Errorf("encode %s: %w", f.path, err)
		}
	}
	return doc, nil
}

// RecordReply stores a debugger reply. It returns false when the invocation
// was already completed, which callers treat as a dropped late reply.
func RecordReply(ctx context.Context, records store.CorrelationStore, clk clock.Clock, resp shared.DebuggerResponse) (bool, error) {
	return RecordReplyRetained(ctx, records, clk, "", resp, shared.CompletedRecordTTL)
}

// RecordReplyRetained is RecordReply with an explicit retention for the
// completed record. A non-empty connectionID must be the connection the
// invocation was bridged to, otherwise the reply fails with
// shared.ErrUnauthorized.
func RecordReplyRetained(ctx context.Context, records store.CorrelationStore, clk clock.Clock, connectionID string, resp shared.DebuggerResponse, retain time.Duration) (bool, error) {
	if err := resp.Validate(); err != nil {
		return false, err
	}
	rec, err := records.Get(ctx, resp.RequestID)
	if err != nil {
		return false, fmt.Errorf("reply for %s: %w", resp.RequestID, err)
	}
	if connectionID != "" && rec.ConnectionID != connectionID {
		return false, fmt.Errorf("reply for %s from connection %s: %w", resp.RequestID, connectionID, shared.ErrUnauthorized)
	}
	if clk == nil {
		clk = clock.New()
	}
	if retain <= 0 {
		retain = shared.CompletedRecordTTL
	}
	return records.Complete(ctx, resp.RequestID, store.Completion{
		StatusCode:   resp.StatusCode,
		Response:     resp.Response,
		ErrorMessage: resp.ErrorMessage,
	}, clk.Now().Add(retain))
}
