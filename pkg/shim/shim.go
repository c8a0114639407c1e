// Package shim lets a Go Lambda function link the plldb runtime shim in place
// of lambda.Start:
//
//	func main() {
//		shim.Start(handleOrder)
//	}
//
// When the function carries no debug markers the handler runs as usual.
package shim

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dan-v/plldb/internal/config"
	internal "github.com/dan-v/plldb/internal/shim"
	"github.com/dan-v/plldb/pkg/shared"
)

var registry = internal.NewRegistry()

// Register makes handler available under name, matched against the
// function's _HANDLER setting.
func Register(name string, handler interface{}) {
	registry.Register(name, handler)
}

// Start registers handler under the current _HANDLER (when given) and runs the
// invocation loop. It never returns under normal operation.
func Start(handler interface{}) {
	if handler != nil {
		registry.Register(os.Getenv("_HANDLER"), handler)
	}

	shared.InitLogger(shared.LambdaLogConfig("plldb-shim"))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	s, err := internal.FromEnvironment(ctx, registry, config.RuntimeConfigPath)
	if err != nil {
		shared.LogError("start runtime shim", err)
		os.Exit(1)
	}
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		shared.LogError("runtime shim", err)
		os.Exit(1)
	}
}
