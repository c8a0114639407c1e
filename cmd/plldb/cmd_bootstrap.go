package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/spf13/cobra"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/internal/deploy"
	"github.com/dan-v/plldb/internal/instrument"
	"github.com/dan-v/plldb/pkg/shared"
)

// bootstrapCmd represents the bootstrap command
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Manage the plldb control plane",
	Long: `Create or remove the per-account plldb control plane.

The control plane consists of an artifact bucket
(plldb-core-infrastructure-<region>-<account>) and a CloudFormation stack
holding the session tables, the REST and WebSocket APIs, their handlers and
the debugger layer.`,
}

// bootstrapSetupCmd represents the bootstrap setup command
var bootstrapSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Deploy the control plane",
	Long: `Deploy the control plane.

This command will:
- Create the artifact bucket with public access blocked
- Package plldb-control and plldb-bootstrap from the artifacts directory when zips are missing
- Upload the control plane and debugger layer artifacts
- Deploy or update the control plane CloudFormation stack

The deployment typically takes 2-5 minutes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBootstrapSetup(cmd)
	},
}

// bootstrapDestroyCmd represents the bootstrap destroy command
var bootstrapDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove the control plane",
	Long: `Remove the control plane stack, its log groups and the artifact bucket.

WARNING: This action is irreversible. Active debugging sessions are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBootstrapDestroy(cmd, cmd.InOrStdin())
	},
}

func init() {
	bootstrapCmd.AddCommand(bootstrapSetupCmd)
	bootstrapCmd.AddCommand(bootstrapDestroyCmd)

	bootstrapCmd.PersistentFlags().String("infrastructure-stack", "", "control plane stack name (overrides config)")

	bootstrapSetupCmd.Flags().String("artifacts-dir", "", "directory holding the artifacts (overrides config)")
	bootstrapSetupCmd.Flags().String("template", "", "custom CloudFormation template file")
	bootstrapSetupCmd.Flags().Bool("dry-run", false, "Show what would be deployed without deploying")

	bootstrapDestroyCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompt")
	bootstrapDestroyCmd.Flags().Bool("keep-bucket", false, "Keep the artifact bucket")
	bootstrapDestroyCmd.Flags().Bool("keep-logs", false, "Keep the control plane log groups")
}

func runBootstrapSetup(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("artifacts-dir"); dir != "" {
		cfg.Infrastructure.ArtifactsDir = dir
	}
	templatePath, _ := cmd.Flags().GetString("template")

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return runSetupDryRun(cmd.OutOrStdout(), cfg, templatePath)
	}

	shared.LogInfof("AWS Region: %s", cfg.AWS.Region)
	shared.LogInfof("Control plane stack: %s", cfg.Infrastructure.StackName)

	clientFactory, err := awsclients.NewClientFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS clients: %w", err)
	}
	accountID, err := clientFactory.GetAccountID(ctx)
	if err != nil {
		return fmt.Errorf("invalid AWS credentials: %w", err)
	}
	clients := clientFactory.GetClients()

	shared.LogProgressf("Step 1/3: Preparing artifact bucket...")
	bootstrap := deploy.NewBootstrap(clients.S3, cfg.AWS.Region, accountID)
	if err := bootstrap.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up artifact bucket: %w", err)
	}

	shared.LogProgressf("Step 2/3: Uploading artifacts from %s...", cfg.Infrastructure.ArtifactsDir)
	settings := deploy.DefaultRuntimeSettings(cfg.AWS.Region, cfg.Infrastructure.StackName)
	if err := deploy.PrepareArtifacts(cfg.Infrastructure.ArtifactsDir, settings); err != nil {
		return fmt.Errorf("failed to package artifacts: %w", err)
	}
	if _, err := bootstrap.Upload(ctx, cfg.Infrastructure.ArtifactsDir); err != nil {
		return fmt.Errorf("failed to upload artifacts: %w", err)
	}

	shared.LogProgressf("Step 3/3: Deploying CloudFormation stack...")
	template, err := deploy.GetCloudFormationTemplate(deploy.TemplateParams{
		StackName:      cfg.Infrastructure.StackName,
		ArtifactBucket: bootstrap.Bucket(),
	}, templatePath)
	if err != nil {
		return fmt.Errorf("failed to get CloudFormation template: %w", err)
	}
	stackOutput, err := deploy.NewStackDeployer(clients.CloudFormation, cfg.Infrastructure.StackName).DeployStack(ctx, template)
	if err != nil {
		return fmt.Errorf("failed to deploy stack: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n🎉 Control plane deployed successfully!")
	fmt.Fprintf(out, "Stack Name:     %s\n", stackOutput.StackName)
	fmt.Fprintf(out, "Region:         %s\n", cfg.AWS.Region)
	fmt.Fprintf(out, "Bucket:         %s\n", bootstrap.Bucket())
	fmt.Fprintf(out, "REST API:       %s\n", stackOutput.RestAPIURL)
	fmt.Fprintf(out, "WebSocket API:  %s\n", stackOutput.WebSocketURL)
	fmt.Fprintf(out, "Debugger layer: %s\n", stackOutput.DebuggerLayerArn)
	fmt.Fprintln(out, "\nYou can now debug a stack with:")
	fmt.Fprintln(out, "  plldb attach --stack-name <your-stack>")
	return nil
}

func runSetupDryRun(out io.Writer, cfg *config.CLIConfig, templatePath string) error {
	template, err := deploy.GetCloudFormationTemplate(deploy.TemplateParams{
		StackName:      cfg.Infrastructure.StackName,
		ArtifactBucket: shared.BootstrapBucketName(cfg.AWS.Region, "<account>"),
	}, templatePath)
	if err != nil {
		return fmt.Errorf("failed to get CloudFormation template: %w", err)
	}
	resources, err := deploy.TemplateResources(template)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "🔍 Dry run - showing what would be deployed:")
	fmt.Fprintf(out, "Stack Name: %s\n", cfg.Infrastructure.StackName)
	fmt.Fprintf(out, "AWS Region: %s\n", cfg.AWS.Region)
	fmt.Fprintf(out, "Bucket:     %s\n", shared.BootstrapBucketName(cfg.AWS.Region, "<account>"))
	fmt.Fprintf(out, "Artifacts:  %s, %s\n",
		filepath.Join(cfg.Infrastructure.ArtifactsDir, deploy.ControlPlaneArtifact),
		filepath.Join(cfg.Infrastructure.ArtifactsDir, deploy.LayerArtifact))
	fmt.Fprintf(out, "Resources:  %d\n", len(resources))
	fmt.Fprintln(out, "\nTo perform actual deployment, run without --dry-run flag")
	return nil
}

func runBootstrapDestroy(cmd *cobra.Command, in io.Reader) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	keepBucket, _ := cmd.Flags().GetBool("keep-bucket")
	keepLogs, _ := cmd.Flags().GetBool("keep-logs")

	clientFactory, err := awsclients.NewClientFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS clients: %w", err)
	}
	accountID, err := clientFactory.GetAccountID(ctx)
	if err != nil {
		return fmt.Errorf("invalid AWS credentials: %w", err)
	}
	clients := clientFactory.GetClients()
	bootstrap := deploy.NewBootstrap(clients.S3, cfg.AWS.Region, accountID)

	// log groups outlive the stack, so collect the handler names first
	functions, err := instrument.ListFunctions(ctx, clients.CloudFormation, cfg.Infrastructure.StackName)
	if err != nil {
		shared.LogWarnf("Could not list control plane functions: %v", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n🔥 plldb Destruction Plan\n")
	fmt.Fprintf(out, "========================\n\n")
	fmt.Fprintf(out, "📦 CloudFormation Stack: %s\n", cfg.Infrastructure.StackName)
	if !keepBucket {
		fmt.Fprintf(out, "🪣 S3 Bucket: %s\n", bootstrap.Bucket())
	}
	if !keepLogs {
		for _, fn := range functions {
			fmt.Fprintf(out, "📋 CloudWatch Logs: /aws/lambda/%s\n", fn)
		}
	}
	fmt.Fprintf(out, "\n⚠️  WARNING: This action cannot be undone!\n\n")

	if force, _ := cmd.Flags().GetBool("force"); !force {
		fmt.Fprintf(out, "Type 'yes' to continue with destruction: ")
		input, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(input)) != "yes" {
			fmt.Fprintln(out, "Destruction cancelled.")
			return nil
		}
	}

	if err := deploy.NewStackDeployer(clients.CloudFormation, cfg.Infrastructure.StackName).DeleteStack(ctx); err != nil {
		return fmt.Errorf("failed to delete stack: %w", err)
	}

	if !keepLogs {
		deleteLogGroups(ctx, clients.CloudWatchLogs, functions)
	}

	if !keepBucket {
		if err := bootstrap.Destroy(ctx); err != nil {
			return fmt.Errorf("failed to delete artifact bucket: %w", err)
		}
	}

	fmt.Fprintln(out, "\n✅ Control plane removed.")
	return nil
}

// deleteLogGroups removes each function's log group; failures are logged only.
func deleteLogGroups(ctx context.Context, logs awsclients.CloudWatchLogsAPI, functions []string) {
	for _, fn := range functions {
		group := "/aws/lambda/" + fn
		_, err := logs.DeleteLogGroupWithContext(ctx, &cloudwatchlogs.DeleteLogGroupInput{
			LogGroupName: aws.String(group),
		})
		switch {
		case err == nil:
			shared.LogSuccessf("Deleted log group %s", group)
		case shared.AWSErrorCode(err) == cloudwatchlogs.ErrCodeResourceNotFoundException:
			shared.LogDebugf("Log group %s does not exist", group)
		default:
			shared.LogWarnf("Failed to delete log group %s: %v", group, err)
		}
	}
}
