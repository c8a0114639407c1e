// Package debugger is the developer-side loop: it receives forwarded
// invocations over the push channel, runs them locally and sends the results
// back.
package debugger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"github.com/dan-v/plldb/internal/executor"
	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

// Connection is the client end of the push channel.
type Connection interface {
	Receive(ctx context.Context, wait time.Duration) ([]byte, error)
	Send(payload []byte) error
	Close() error
}

// Runner executes one forwarded invocation.
type Runner interface {
	Execute(ctx context.Context, req shared.DebuggerRequest) executor.Result
}

// Client owns one push-channel connection for the lifetime of Run.
type Client struct {
	conn          Connection
	runner        Runner
	receiveWait   time.Duration
	maxConcurrent int
	out           io.Writer
}

// Option configures a Client.
type Option func(*Client)

// WithReceiveWait bounds each receive-loop iteration.
func WithReceiveWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.receiveWait = d
		}
	}
}

// WithMaxConcurrent limits executions in flight.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithOutput redirects rendered DebuggerInfo notices (default stderr).
func WithOutput(w io.Writer) Option {
	return func(c *Client) { c.out = w }
}

func New(conn Connection, runner Runner, opts ...Option) *Client {
	c := &Client{
		conn:          conn,
		runner:        runner,
		receiveWait:   shared.DefaultReceiveWait,
		maxConcurrent: shared.DefaultMaxConcurrent,
		out:           os.Stderr,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes messages until ctx is cancelled or the connection ends.
// In-flight executions are drained and the connection is closed before Run
// returns. Cancellation is not an error.
func (c *Client) Run(ctx context.Context) error {
	replies := make(chan shared.DebuggerResponse, c.maxConcurrent)
	writerDone := make(chan struct{})
	go c.writeLoop(replies, writerDone)

	sem := make(chan struct{}, c.maxConcurrent)
	var wg sync.WaitGroup

	err := c.receiveLoop(ctx, func(req shared.DebuggerRequest) bool {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			replies <- c.execute(ctx, req)
		}()
		return true
	})

	wg.Wait()
	close(replies)
	<-writerDone

	if cerr := c.conn.Close(); cerr != nil {
		shared.LogDebugf("Close push channel: %v", cerr)
	}
	return err
}

func (c *Client) receiveLoop(ctx context.Context, schedule func(shared.DebuggerRequest) bool) error {
	shared.LogInfof("Waiting for invocations (Ctrl+C to detach)")
	for {
		data, err := c.conn.Receive(ctx, c.receiveWait)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("receive: %w", err)
		case data == nil:
			continue
		}
		if req, ok := c.dispatch(data); ok {
			if !schedule(req) {
				return nil
			}
		}
	}
}

// dispatch renders notices and returns requests that must be executed.
func (c *Client) dispatch(data []byte) (shared.DebuggerRequest, bool) {
	switch kind := gjson.GetBytes(data, "type").String(); kind {
	case shared.TypeDebuggerInfo:
		var info shared.DebuggerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			shared.LogWarnf("Dropping malformed %s: %v", kind, err)
			return shared.DebuggerRequest{}, false
		}
		c.render(info)
	case shared.TypeDebuggerRequest:
		var req shared.DebuggerRequest
		if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
			shared.LogWarnf("Dropping malformed %s", kind)
			return shared.DebuggerRequest{}, false
		}
		shared.LogTargetf("Invocation %s of %s", req.RequestID, req.FunctionName)
		return req, true
	default:
		// API Gateway reports route errors as {"message": ...}
		if msg := gjson.GetBytes(data, "message"); msg.Exists() {
			shared.LogWarnf("Push channel: %s", msg.String())
		} else {
			shared.LogWarnf("Dropping message of unknown shape (%d bytes)", len(data))
		}
	}
	return shared.DebuggerRequest{}, false
}

func (c *Client) execute(ctx context.Context, req shared.DebuggerRequest) (resp shared.DebuggerResponse) {
	defer func() {
		if r := recover(); r != nil {
			shared.LogErrorf("Panic while executing %s: %v", req.RequestID, r)
			resp = shared.NewErrorResponse(req.RequestID, 500, fmt.Sprintf("panic: %v", r))
		}
	}()
	return c.runner.Execute(ctx, req).Reply(req.RequestID)
}

// writeLoop is the only writer on the connection.
func (c *Client) writeLoop(replies <-chan shared.DebuggerResponse, done chan<- struct{}) {
	defer close(done)
	for resp := range replies {
		payload, err := json.Marshal(resp)
		if err != nil {
			shared.LogError("encode reply "+resp.RequestID, err)
			continue
		}
		if err := c.conn.Send(payload); err != nil {
			shared.LogError("send reply "+resp.RequestID, err)
			continue
		}
		metrics.RecordReplySent()
		shared.LogNetworkf("Reply for %s sent (status %d)", resp.RequestID, resp.StatusCode)
	}
}

var levelColors = map[string]*color.Color{
	"ERROR":   color.New(color.FgRed, color.Bold),
	"WARNING": color.New(color.FgYellow),
	"WARN":    color.New(color.FgYellow),
	"INFO":    color.New(color.FgCyan),
	"DEBUG":   color.New(color.Faint),
}

func (c *Client) render(info shared.DebuggerInfo) {
	col, ok := levelColors[info.LogLevel]
	if !ok {
		col = color.New(color.Reset)
	}
	ts := info.Timestamp
	if t, err := time.Parse(time.RFC3339, info.Timestamp); err == nil {
		ts = t.Local().Format("15:04:05")
	}
	col.Fprintf(c.out, "[%s] %-7s %s\n", ts, info.LogLevel, info.Message)
}
