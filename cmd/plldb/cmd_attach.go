package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/internal/debugger"
	"github.com/dan-v/plldb/internal/deploy"
	"github.com/dan-v/plldb/internal/executor"
	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/internal/pushchannel"
	"github.com/dan-v/plldb/internal/sessionapi"
	"github.com/dan-v/plldb/pkg/shared"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a local debugger to a deployed stack",
	Long: `Attach a debugging session to every Lambda function of a CloudFormation stack.

This command will:
- Discover the control plane endpoints from its stack outputs
- Create a debugging session for the target stack
- Connect to the push channel, which instruments the stack's functions
- Run each redirected invocation locally through the function manifest
- Reply with the local result so the original caller receives it

Press Ctrl+C to detach. Disconnecting restores the functions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttach(cmd)
	},
}

func init() {
	attachCmd.Flags().StringP("stack-name", "s", "", "CloudFormation stack to debug (required)")
	attachCmd.Flags().String("infrastructure-stack", "", "control plane stack name (overrides config)")
	attachCmd.Flags().StringP("manifest", "m", "", "function manifest (overrides config)")
	attachCmd.Flags().String("metrics", "", "serve expvar metrics on this address, e.g. :6060")
}

func runAttach(cmd *cobra.Command) error {
	stackName, err := targetStack(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if manifest, _ := cmd.Flags().GetString("manifest"); manifest != "" {
		cfg.Debugger.Manifest = manifest
	}
	if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
		cfg.Debugger.MetricsAddress = addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clientFactory, err := awsclients.NewClientFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS clients: %w", err)
	}
	if err := clientFactory.ValidateCredentials(ctx); err != nil {
		return fmt.Errorf("invalid AWS credentials: %w", err)
	}
	clients := clientFactory.GetClients()

	// Build the executor before touching the session so a bad manifest fails fast.
	exec, err := buildExecutor(ctx, clients, cfg, stackName)
	if err != nil {
		return err
	}

	stackOutput, err := deploy.NewStackDeployer(clients.CloudFormation, cfg.Infrastructure.StackName).GetStackOutputs(ctx)
	if err != nil {
		return fmt.Errorf("control plane stack %s: %w", cfg.Infrastructure.StackName, err)
	}
	restURL, wsURL, err := stackOutput.Endpoints()
	if err != nil {
		return err
	}

	sessions := sessionapi.New(restURL, cfg.AWS.Region, clientFactory.Session().Config.Credentials)
	sessionID, err := sessions.CreateSession(ctx, stackName)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	shared.LogSuccessf("Session %s created for stack %s", sessionID, stackName)

	conn, err := pushchannel.Dial(ctx, wsURL, sessionID)
	if err != nil {
		return fmt.Errorf("failed to connect session %s: %w", sessionID, err)
	}

	if cfg.Debugger.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Debugger.MetricsAddress); err != nil {
				shared.LogError("metrics server", err)
			}
		}()
		shared.LogNetworkf("Metrics available at http://%s/debug/vars", cfg.Debugger.MetricsAddress)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n🐞 Debugging %s. Press Ctrl+C to detach.\n\n", stackName)
	client := debugger.New(conn, exec,
		debugger.WithReceiveWait(cfg.Debugger.ReceiveWait),
		debugger.WithMaxConcurrent(cfg.Debugger.MaxConcurrent),
		debugger.WithOutput(cmd.OutOrStdout()),
	)
	err = client.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("debugger stopped: %w", err)
	}
	shared.LogClosef("Detached from %s", stackName)
	return nil
}

func buildExecutor(ctx context.Context, clients *awsclients.Clients, cfg *config.CLIConfig, stackName string) (*executor.Executor, error) {
	resolver, err := executor.LoadManifest(cfg.Debugger.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	resolver.DefaultTimeout = cfg.Debugger.ExecTimeout

	inventory, err := executor.LoadInventory(ctx, clients.CloudFormation, stackName)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack %s: %w", stackName, err)
	}
	if inventory.Len() == 0 {
		return nil, fmt.Errorf("stack %s has no Lambda functions: %w", stackName, shared.ErrNotFound)
	}

	for _, fn := range inventory.Functions() {
		logicalID, _ := inventory.LogicalID(fn)
		if _, err := resolver.Resolve(logicalID); err != nil {
			shared.LogWarnf("%s (%s) has no manifest entry; its invocations will fail with 404", fn, logicalID)
		}
	}
	shared.LogInfof("Loaded %d functions from %s, %d manifest entries", inventory.Len(), stackName, len(resolver.LogicalIDs()))
	return executor.New(inventory, resolver), nil
}
