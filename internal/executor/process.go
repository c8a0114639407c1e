package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/dan-v/plldb/pkg/shared"
)

// Variables from the sandbox snapshot that never reach a local process.
var sandboxOnly = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AWS_SECURITY_TOKEN",
	"AWS_CONTAINER_CREDENTIALS_FULL_URI",
	"AWS_CONTAINER_AUTHORIZATION_TOKEN",
	"AWS_LAMBDA_RUNTIME_API",
	shared.EnvSessionID,
	shared.EnvConnectionID,
	shared.EnvExecWrapper,
}

const (
	stderrTail = 2048
	waitDelay  = time.Second
)

// ProcessRunner runs a command with the event on stdin and reads the
// response from stdout.
type ProcessRunner struct {
	Command []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

func (p *ProcessRunner) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", shared.ErrInvalidInput)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Dir = p.Dir
	cmd.Env = MergeEnv(os.Environ(), inv.Environment, p.Env)
	cmd.Stdin = bytes.NewReader(inv.Event)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not hold Wait past cancellation
	cmd.WaitDelay = waitDelay

	shared.LogTargetf("Running %s for %s (%s)", strings.Join(p.Command, " "), inv.LogicalID, inv.RequestID)
	if err := cmd.Run(); err != nil {
		msg := tail(stderr.String())
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s timed out after %s", shared.ErrExecutionFailure, inv.LogicalID, p.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg == "" {
				msg = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			}
			return nil, fmt.Errorf("%w: %s", shared.ErrExecutionFailure, msg)
		}
		return nil, fmt.Errorf("%w: start %s: %v", shared.ErrExecutionFailure, p.Command[0], err)
	}
	if stderr.Len() > 0 {
		shared.LogDebugf("%s stderr: %s", inv.LogicalID, tail(stderr.String()))
	}
	return normalizeOutput(stdout.Bytes())
}

// normalizeOutput keeps JSON output as is and encodes anything else as a
// JSON string.
func normalizeOutput(out []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	if gjson.ValidBytes(trimmed) {
		return trimmed, nil
	}
	return json.Marshal(string(trimmed))
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

// MergeEnv layers the sandbox snapshot (minus credentials and debug markers)
// and then overrides over the local environment, returning KEY=VALUE pairs
// sorted by key.
func MergeEnv(local []string, snapshot, overrides map[string]string) []string {
	merged := lo.Assign(
		shared.Snapshot(local),
		lo.OmitByKeys(snapshot, sandboxOnly),
		overrides,
	)
	keys := lo.Keys(merged)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string { return k + "=" + merged[k] })
}
