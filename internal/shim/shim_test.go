package shim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-v/plldb/internal/bridge"
	"github.com/dan-v/plldb/pkg/shared"
)

type posted struct {
	path      string
	body      string
	errorType string
}

// fakeRuntimeAPI serves queued invocations and records results.
type fakeRuntimeAPI struct {
	*httptest.Server
	mu      sync.Mutex
	queue   []string
	results []posted
	done    chan struct{}
}

func newFakeRuntimeAPI(t *testing.T, events ...string) *fakeRuntimeAPI {
	t.Helper()
	f := &fakeRuntimeAPI{queue: events, done: make(chan struct{})}
	var closeOnce sync.Once
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == shared.RuntimeNextPath:
			if len(f.queue) == 0 {
				closeOnce.Do(func() { close(f.done) })
				http.Error(w, "no more events", http.StatusInternalServerError)
				return
			}
			ev := f.queue[0]
			f.queue = f.queue[1:]
			id := "req-" + string(rune('a'+len(f.results)))
			w.Header().Set(shared.HeaderRequestID, id)
			w.Header().Set(shared.HeaderFunctionArn, "arn:aws:lambda:us-east-1:123456789012:function:orders")
			w.Header().Set(shared.HeaderDeadlineMs, "4102444800000")
			w.Write([]byte(ev))
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.results = append(f.results, posted{
				path:      r.URL.Path,
				body:      string(body),
				errorType: r.Header.Get("Lambda-Runtime-Function-Error-Type"),
			})
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRuntimeAPI) client() *RuntimeClient {
	return NewRuntimeClient(strings.TrimPrefix(f.URL, "http://"))
}

func (f *fakeRuntimeAPI) recorded() []posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posted(nil), f.results...)
}

type stubForwarder struct {
	mu   sync.Mutex
	seen []bridge.Invocation
	out  bridge.Outcome
	err  error
}

func (s *stubForwarder) Forward(_ context.Context, inv bridge.Invocation) (bridge.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, inv)
	return s.out, s.err
}

var bridgedEnv = map[string]string{
	shared.EnvSessionID:        "s1",
	shared.EnvConnectionID:     "c1",
	"AWS_LAMBDA_FUNCTION_NAME": "orders",
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeBridged, ModeFor(bridgedEnv))
	assert.Equal(t, ModePassthrough, ModeFor(map[string]string{shared.EnvSessionID: "s1"}))
	assert.Equal(t, ModePassthrough, ModeFor(map[string]string{shared.EnvConnectionID: "c1"}))
	assert.Equal(t, ModePassthrough, ModeFor(nil))
}

func TestNewBridgedNeedsForwarder(t *testing.T) {
	_, err := New(nil, nil, bridgedEnv, nil)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func run(t *testing.T, api *fakeRuntimeAPI, s *Shim) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	select {
	case <-api.done:
	case <-time.After(5 * time.Second):
		t.Fatal("shim did not drain the queue")
	}
	assert.Error(t, <-errc, "Run stops when the Runtime API fails")
}

func TestPassthroughRunsHandler(t *testing.T) {
	api := newFakeRuntimeAPI(t, `{"name":"ada"}`)
	registry := NewRegistry()
	registry.Register("main", func(ctx context.Context, in struct{ Name string }) (map[string]string, error) {
		lc, ok := lambdacontext.FromContext(ctx)
		require.True(t, ok)
		return map[string]string{"hello": in.Name, "request": lc.AwsRequestID}, nil
	})

	s, err := New(api.client(), registry, map[string]string{"_HANDLER": "main"}, nil)
	require.NoError(t, err)
	run(t, api, s)

	results := api.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, "/2018-06-01/runtime/invocation/req-a/response", results[0].path)
	assert.JSONEq(t, `{"hello":"ada","request":"req-a"}`, results[0].body)
}

func TestPassthroughErrors(t *testing.T) {
	tests := []struct {
		name      string
		handler   string
		register  interface{}
		wantType  string
		wantInMsg string
	}{
		{"no handler", "", nil, ErrorTypeNoHandler, "No handler specified"},
		{"unknown handler", "missing", func() error { return nil }, ErrorTypeUnknownHandler, "missing"},
		{"handler error", "main", func() error { return errors.New("card declined") }, "errorString", "card declined"},
		{"handler panic", "main", func() error { panic("nil map") }, ErrorTypePanic, "nil map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeRuntimeAPI(t, `{}`, `{}`)
			registry := NewRegistry()
			if tt.register != nil {
				registry.Register("main", tt.register)
				registry.Register("other", func() error { return nil })
			}
			s, err := New(api.client(), registry, map[string]string{"_HANDLER": tt.handler}, nil)
			require.NoError(t, err)
			run(t, api, s)

			results := api.recorded()
			require.Len(t, results, 2, "the loop keeps going after a failure")
			for _, res := range results {
				assert.True(t, strings.HasSuffix(res.path, "/error"))
				var body struct {
					ErrorMessage string `json:"errorMessage"`
					ErrorType    string `json:"errorType"`
				}
				require.NoError(t, json.Unmarshal([]byte(res.body), &body))
				assert.Contains(t, body.ErrorMessage, tt.wantInMsg)
				assert.Equal(t, tt.wantType, body.ErrorType)
				assert.Equal(t, tt.wantType, res.errorType)
			}
		})
	}
}

func TestBridgedSuccess(t *testing.T) {
	api := newFakeRuntimeAPI(t, `{"orderId":1}`)
	fwd := &stubForwarder{out: bridge.Outcome{StatusCode: 200, Response: []byte(`{"ok":true}`)}}
	s, err := New(api.client(), nil, bridgedEnv, fwd)
	require.NoError(t, err)
	run(t, api, s)

	require.Len(t, fwd.seen, 1)
	assert.Equal(t, "req-a", fwd.seen[0].RequestID)
	assert.Equal(t, "orders", fwd.seen[0].FunctionName)
	assert.Equal(t, `{"orderId":1}`, string(fwd.seen[0].Payload))
	assert.Equal(t, int64(4102444800000), fwd.seen[0].Deadline.UnixMilli())

	results := api.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, "/2018-06-01/runtime/invocation/req-a/response", results[0].path)
	assert.Equal(t, `{"ok":true}`, results[0].body)
}

func TestBridgedTimeoutReported(t *testing.T) {
	api := newFakeRuntimeAPI(t, `{}`)
	fwd := &stubForwarder{out: bridge.Outcome{StatusCode: 504, ErrorMessage: shared.BridgeTimeoutMessage, ErrorType: bridge.ErrorTypeDebugger}}
	s, err := New(api.client(), nil, bridgedEnv, fwd)
	require.NoError(t, err)
	run(t, api, s)

	results := api.recorded()
	require.Len(t, results, 1)
	assert.Equal(t, "/2018-06-01/runtime/invocation/req-a/error", results[0].path)
	assert.JSONEq(t, `{"errorMessage":"Timeout waiting for debugger response","errorType":"DebuggerError"}`, results[0].body)
}

func TestBridgedStoreFailureOnlyFailsThatInvocation(t *testing.T) {
	api := newFakeRuntimeAPI(t, `{}`, `{}`)
	fwd := &stubForwarder{err: shared.Upstream("put item", errors.New("dial tcp: timeout"))}
	s, err := New(api.client(), nil, bridgedEnv, fwd)
	require.NoError(t, err)
	run(t, api, s)

	results := api.recorded()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, ErrorTypeBridge, res.errorType)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("")
	assert.ErrorIs(t, err, ErrNoHandler)

	r.Register("only", func() (string, error) { return "x", nil })
	h, err := r.Lookup("")
	require.NoError(t, err, "single handler is the default")
	out, err := h.Invoke(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(out))

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.Equal(t, 1, r.Len())
}

func TestFunctionName(t *testing.T) {
	assert.Equal(t, "fn", functionName("arn:aws:lambda:us-east-1:1:function:fn", nil))
	assert.Equal(t, "env", functionName("arn:aws:lambda:us-east-1:1:function:fn", map[string]string{"AWS_LAMBDA_FUNCTION_NAME": "env"}))
}
