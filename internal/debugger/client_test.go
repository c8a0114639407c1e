package debugger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-v/plldb/internal/executor"
	"github.com/dan-v/plldb/internal/pushchannel"
	"github.com/dan-v/plldb/pkg/shared"
)

var errHungUp = errors.New("peer hung up")

type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16)}
}

func (f *fakeConn) Receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.incoming:
		if !ok {
			return nil, errHungUp
		}
		return data, nil
	case <-time.After(wait):
		return nil, nil
	}
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) replies(t *testing.T) []shared.DebuggerResponse {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]shared.DebuggerResponse, 0, len(f.sent))
	for _, p := range f.sent {
		var r shared.DebuggerResponse
		require.NoError(t, json.Unmarshal(p, &r))
		out = append(out, r)
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type runnerFunc func(ctx context.Context, req shared.DebuggerRequest) executor.Result

func (fn runnerFunc) Execute(ctx context.Context, req shared.DebuggerRequest) executor.Result {
	return fn(ctx, req)
}

func echoRunner() runnerFunc {
	return func(_ context.Context, req shared.DebuggerRequest) executor.Result {
		return executor.Result{StatusCode: 200, Response: req.Event}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func requestMessage(t *testing.T, id, event string) []byte {
	t.Helper()
	data, err := json.Marshal(shared.DebuggerRequest{
		Type:         shared.TypeDebuggerRequest,
		RequestID:    id,
		SessionID:    "sess-1",
		FunctionName: "app-Orders",
		Event:        event,
	})
	require.NoError(t, err)
	return data
}

func start(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestInfoIsRenderedWithoutReply(t *testing.T) {
	conn := newFakeConn()
	out := &lockedBuffer{}
	c := New(conn, echoRunner(), WithReceiveWait(10*time.Millisecond), WithOutput(out))
	cancel, done := start(t, c)

	info, err := json.Marshal(shared.NewDebuggerInfo("WARNING", "Invocation abc already completed"))
	require.NoError(t, err)
	conn.incoming <- info

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Invocation abc already completed")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "WARNING")

	cancel()
	require.NoError(t, wait(t, done))
	assert.Empty(t, conn.replies(t))
	assert.True(t, conn.isClosed())
}

func TestRequestIsExecutedAndAnswered(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, echoRunner(), WithReceiveWait(10*time.Millisecond))
	cancel, done := start(t, c)

	conn.incoming <- requestMessage(t, "req-1", `{"order":"o-1"}`)

	assert.Eventually(t, func() bool { return len(conn.replies(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	reply := conn.replies(t)[0]
	assert.Equal(t, shared.ActionDebuggerResponse, reply.Action)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, 200, reply.StatusCode)
	assert.JSONEq(t, `{"order":"o-1"}`, reply.Response)
	assert.Empty(t, reply.ErrorMessage)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestFailedExecutionIsAnsweredWithError(t *testing.T) {
	conn := newFakeConn()
	runner := runnerFunc(func(_ context.Context, req shared.DebuggerRequest) executor.Result {
		if req.RequestID == "req-panic" {
			panic("nil map")
		}
		return executor.Result{StatusCode: 404, ErrorMessage: "function app-Orders is not part of stack app"}
	})
	c := New(conn, runner, WithReceiveWait(10*time.Millisecond))
	cancel, done := start(t, c)

	conn.incoming <- requestMessage(t, "req-missing", `{}`)
	conn.incoming <- requestMessage(t, "req-panic", `{}`)

	assert.Eventually(t, func() bool { return len(conn.replies(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	byID := map[string]shared.DebuggerResponse{}
	for _, r := range conn.replies(t) {
		byID[r.RequestID] = r
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, 404, byID["req-missing"].StatusCode)
	assert.Equal(t, 500, byID["req-panic"].StatusCode)
	assert.Contains(t, byID["req-panic"].ErrorMessage, "nil map")

	cancel()
	require.NoError(t, wait(t, done))
}

func TestConcurrencyIsBounded(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	var inFlight, peak int32
	runner := runnerFunc(func(_ context.Context, req shared.DebuggerRequest) executor.Result {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return executor.Result{StatusCode: 200, Response: `"ok"`}
	})
	c := New(conn, runner, WithReceiveWait(10*time.Millisecond), WithMaxConcurrent(2))
	cancel, done := start(t, c)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		conn.incoming <- requestMessage(t, id, `{}`)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&inFlight) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Empty(t, conn.replies(t))

	close(release)
	assert.Eventually(t, func() bool { return len(conn.replies(t)) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	cancel()
	require.NoError(t, wait(t, done))
}

func TestUnknownShapesAreDropped(t *testing.T) {
	conn := newFakeConn()
	var calls int32
	runner := runnerFunc(func(_ context.Context, req shared.DebuggerRequest) executor.Result {
		atomic.AddInt32(&calls, 1)
		return executor.Result{StatusCode: 200, Response: `null`}
	})
	c := New(conn, runner, WithReceiveWait(10*time.Millisecond))
	cancel, done := start(t, c)

	conn.incoming <- []byte(`{"message":"Forbidden","connectionId":"c-1"}`)
	conn.incoming <- []byte(`{"type":"DebuggerRequest"}`)
	conn.incoming <- []byte(`not json`)
	conn.incoming <- []byte(`{"type":"Telemetry","value":1}`)
	conn.incoming <- requestMessage(t, "req-valid", `{}`)

	assert.Eventually(t, func() bool { return len(conn.replies(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "req-valid", conn.replies(t)[0].RequestID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	cancel()
	require.NoError(t, wait(t, done))
}

func TestConnectionLossEndsRun(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, echoRunner(), WithReceiveWait(10*time.Millisecond))
	_, done := start(t, c)

	close(conn.incoming)
	err := wait(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, errHungUp)
	assert.True(t, conn.isClosed())
}

func TestCancelClosesConnection(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, echoRunner(), WithReceiveWait(time.Hour))
	cancel, done := start(t, c)

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))
	assert.True(t, conn.isClosed())
}

// TestOverWebSocket runs the client against a real WebSocket peer.
func TestOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	replies := make(chan shared.DebuggerResponse, 1)
	closeCode := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionId") != "sess-1" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		req, _ := json.Marshal(shared.DebuggerRequest{
			Type:         shared.TypeDebuggerRequest,
			RequestID:    "req-ws",
			FunctionName: "app-Orders",
			Event:        `{"id":"o-9"}`,
		})
		if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					closeCode <- ce.Code
				}
				return
			}
			var resp shared.DebuggerResponse
			if json.Unmarshal(data, &resp) == nil {
				replies <- resp
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := pushchannel.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "sess-1")
	require.NoError(t, err)

	type order struct {
		ID string `json:"id"`
	}
	exec := executor.New(
		executor.NewInventory("app", map[string]string{"app-Orders": "Orders"}),
		executor.StaticResolver{"Orders": lambda.NewHandler(func(in order) (string, error) {
			return "shipped " + in.ID, nil
		})},
	)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- New(conn, exec, WithReceiveWait(20*time.Millisecond)).Run(runCtx) }()

	select {
	case resp := <-replies:
		assert.Equal(t, "req-ws", resp.RequestID)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, `"shipped o-9"`, resp.Response)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply received")
	}

	stop()
	require.NoError(t, wait(t, done))
	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("no close frame received")
	}
}
