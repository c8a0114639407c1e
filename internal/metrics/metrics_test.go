package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestExecutionCounters(t *testing.T) {
	before := Snapshot()

	done := ExecutionStarted()
	if got := Snapshot()["active_executions"]; got != before["active_executions"]+1 {
		t.Errorf("Expected one active execution, got %d", got-before["active_executions"])
	}
	done(true)

	after := Snapshot()
	if after["executions_total"] != before["executions_total"]+1 {
		t.Errorf("executions_total not incremented")
	}
	if after["execution_failures_total"] != before["execution_failures_total"]+1 {
		t.Errorf("execution_failures_total not incremented")
	}
	if after["active_executions"] != before["active_executions"] {
		t.Errorf("active_executions not restored")
	}
}

func TestBridgeCounters(t *testing.T) {
	before := Snapshot()
	RecordBridged(120 * time.Millisecond)
	RecordBridgeTimeout()
	RecordPushFailure()

	after := Snapshot()
	for _, name := range []string{"bridged_invocations_total", "bridge_timeouts_total", "push_failures_total"} {
		if after[name] != before[name]+1 {
			t.Errorf("Expected %s to increase by one", name)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	RecordPassthrough()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"# TYPE passthrough_invocations_total counter",
		"bridge_timeouts_total ",
		"uptime_seconds ",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}

	vars, err := http.Get(srv.URL + "/debug/vars")
	if err != nil {
		t.Fatalf("GET /debug/vars: %v", err)
	}
	vars.Body.Close()
	if vars.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /debug/vars, got %d", vars.StatusCode)
	}
}
