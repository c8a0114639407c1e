package metrics

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

var (
	// Bridge (shim side)
	bridgedInvocations     = expvar.NewInt("bridged_invocations_total")
	passthroughInvocations = expvar.NewInt("passthrough_invocations_total")
	bridgeTimeouts         = expvar.NewInt("bridge_timeouts_total")
	bridgePolls            = expvar.NewInt("bridge_polls_total")
	pushFailures           = expvar.NewInt("push_failures_total")
	bridgeLatencyMs        = expvar.NewFloat("bridge_latency_ms")

	// Debugger client
	messagesReceived  = expvar.NewInt("messages_received_total")
	executions        = expvar.NewInt("executions_total")
	executionFailures = expvar.NewInt("execution_failures_total")
	repliesSent       = expvar.NewInt("replies_sent_total")
	activeExecutions  = expvar.NewInt("active_executions")
	connected         = expvar.NewInt("push_channel_connected")

	// AWS
	awsAPILatency = expvar.NewFloat("aws_api_latency_ms")

	// System
	systemGoroutines  = expvar.NewInt("system_goroutines")
	systemMemoryAlloc = expvar.NewInt("system_memory_alloc_bytes")
	systemMemorySys   = expvar.NewInt("system_memory_sys_bytes")

	latencyMu    sync.Mutex
	latencySum   float64
	latencyCount int64

	startTime   = time.Now()
	publishOnce sync.Once
)

// RecordBridged counts a bridged invocation and folds its duration into the
// running average.
func RecordBridged(elapsed time.Duration) {
	bridgedInvocations.Add(1)
	latencyMu.Lock()
	defer latencyMu.Unlock()
	latencySum += float64(elapsed.Milliseconds())
	latencyCount++
	bridgeLatencyMs.Set(latencySum / float64(latencyCount))
}

func RecordPassthrough()   { passthroughInvocations.Add(1) }
func RecordBridgeTimeout() { bridgeTimeouts.Add(1) }
func RecordPoll()          { bridgePolls.Add(1) }
func RecordPushFailure()   { pushFailures.Add(1) }

func RecordMessageReceived() { messagesReceived.Add(1) }
func RecordReplySent()       { repliesSent.Add(1) }

// ExecutionStarted marks an executor run in flight. The returned func records
// its outcome.
func ExecutionStarted() func(failed bool) {
	executions.Add(1)
	activeExecutions.Add(1)
	return func(failed bool) {
		activeExecutions.Add(-1)
		if failed {
			executionFailures.Add(1)
		}
	}
}

func SetConnected(ok bool) {
	if ok {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

func RecordAWSAPILatency(latency time.Duration) {
	awsAPILatency.Set(float64(latency.Milliseconds()))
}

// UpdateSystemMetrics samples runtime statistics.
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	systemGoroutines.Set(int64(runtime.NumGoroutine()))
	systemMemoryAlloc.Set(int64(m.Alloc))
	systemMemorySys.Set(int64(m.Sys))
}

// Snapshot returns the current counter values keyed by metric name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"bridged_invocations_total":     bridgedInvocations.Value(),
		"passthrough_invocations_total": passthroughInvocations.Value(),
		"bridge_timeouts_total":         bridgeTimeouts.Value(),
		"push_failures_total":           pushFailures.Value(),
		"messages_received_total":       messagesReceived.Value(),
		"executions_total":              executions.Value(),
		"execution_failures_total":      executionFailures.Value(),
		"replies_sent_total":            repliesSent.Value(),
		"active_executions":             activeExecutions.Value(),
	}
}

// Handler serves Prometheus-style text on /metrics and expvar JSON on /debug/vars.
func Handler() http.Handler {
	publishOnce.Do(func() {
		expvar.Publish("uptime_seconds", expvar.Func(func() interface{} {
			return time.Since(startTime).Seconds()
		}))
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// Serve runs the metrics server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: Handler()}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
				return
			case <-ticker.C:
				UpdateSystemMetrics()
			}
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type series struct {
	name, kind, help string
	value            func() interface{}
}

func intValue(v *expvar.Int) func() interface{}     { return func() interface{} { return v.Value() } }
func floatValue(v *expvar.Float) func() interface{} { return func() interface{} { return v.Value() } }

var exported = []series{
	{"bridged_invocations_total", "counter", "Invocations forwarded to the debugger", intValue(bridgedInvocations)},
	{"passthrough_invocations_total", "counter", "Invocations run by the original handler", intValue(passthroughInvocations)},
	{"bridge_timeouts_total", "counter", "Bridged invocations that timed out", intValue(bridgeTimeouts)},
	{"bridge_polls_total", "counter", "Correlation record polls", intValue(bridgePolls)},
	{"push_failures_total", "counter", "Failed best-effort pushes", intValue(pushFailures)},
	{"bridge_latency_ms", "gauge", "Average bridged invocation duration in milliseconds", floatValue(bridgeLatencyMs)},
	{"messages_received_total", "counter", "Push channel messages received", intValue(messagesReceived)},
	{"executions_total", "counter", "Local executions started", intValue(executions)},
	{"execution_failures_total", "counter", "Local executions that failed", intValue(executionFailures)},
	{"replies_sent_total", "counter", "Replies sent to the control plane", intValue(repliesSent)},
	{"active_executions", "gauge", "Local executions in flight", intValue(activeExecutions)},
	{"push_channel_connected", "gauge", "Whether the push channel is connected (1) or not (0)", intValue(connected)},
	{"aws_api_latency_ms", "gauge", "Latency of the last AWS API call in milliseconds", floatValue(awsAPILatency)},
	{"system_goroutines", "gauge", "Number of active goroutines", intValue(systemGoroutines)},
	{"system_memory_alloc_bytes", "gauge", "Currently allocated memory in bytes", intValue(systemMemoryAlloc)},
	{"system_memory_sys_bytes", "gauge", "Memory obtained from the OS in bytes", intValue(systemMemorySys)},
}

// metricsHandler writes Prometheus-compatible output
func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, s := range exported {
		fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
		fmt.Fprintf(w, "%s %v\n", s.name, s.value())
	}
	fmt.Fprintf(w, "# HELP uptime_seconds Process uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE uptime_seconds gauge\n")
	fmt.Fprintf(w, "uptime_seconds %v\n", time.Since(startTime).Seconds())
}
