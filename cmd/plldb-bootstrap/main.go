// Command plldb-bootstrap is shipped in the debugger layer as /opt/bin/bootstrap
// and referenced by AWS_LAMBDA_EXEC_WRAPPER. Lambda starts it with the
// original runtime command as arguments.
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/internal/shim"
	"github.com/dan-v/plldb/pkg/shared"
)

func main() {
	shared.InitLogger(shared.LambdaLogConfig("plldb-bootstrap"))

	env := shared.Snapshot(os.Environ())
	if shim.ModeFor(env) == shim.ModePassthrough {
		execRuntime(os.Args[1:])
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	s, err := shim.FromEnvironment(ctx, shim.NewRegistry(), config.RuntimeConfigPath)
	if err != nil {
		shared.LogError("start runtime shim", err)
		os.Exit(1)
	}
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		shared.LogError("runtime shim", err)
		os.Exit(1)
	}
}

// execRuntime replaces this process with the original runtime command.
func execRuntime(args []string) {
	if len(args) == 0 {
		shared.LogErrorf("No runtime command to execute")
		os.Exit(1)
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		shared.LogError("resolve runtime "+args[0], err)
		os.Exit(1)
	}
	// the wrapper variable must not re-enter this binary
	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, shared.EnvExecWrapper+"=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	if err := syscall.Exec(path, args, filtered); err != nil {
		shared.LogError("exec runtime", err)
		os.Exit(1)
	}
}
