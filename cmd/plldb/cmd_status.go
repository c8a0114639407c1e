package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	awsclients "github.com/dan-v/plldb/internal/aws"
	"github.com/dan-v/plldb/internal/deploy"
	"github.com/dan-v/plldb/internal/instrument"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show control plane and instrumentation status",
	Long: `Show the status of the plldb control plane and of a target stack.

This command displays:
- Control plane CloudFormation stack status and endpoints
- Per-function instrumentation state of the target stack (with --stack-name)
- Recent control plane logs (with --logs)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd)
	},
}

// StatusInfo holds deployment status information
type StatusInfo struct {
	ControlPlane *ControlPlaneStatus        `json:"control_plane,omitempty" yaml:"control_plane,omitempty"`
	Target       string                     `json:"target,omitempty" yaml:"target,omitempty"`
	Functions    []instrument.FunctionState `json:"functions,omitempty" yaml:"functions,omitempty"`
	Logs         []LogEntry                 `json:"logs,omitempty" yaml:"logs,omitempty"`
	Summary      *StatusSummary             `json:"summary" yaml:"summary"`
}

type ControlPlaneStatus struct {
	Name         string     `json:"name" yaml:"name"`
	Status       string     `json:"status" yaml:"status"`
	CreatedAt    *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	RestAPIURL   string     `json:"rest_api_url,omitempty" yaml:"rest_api_url,omitempty"`
	WebSocketURL string     `json:"websocket_url,omitempty" yaml:"websocket_url,omitempty"`
	LayerArn     string     `json:"layer_arn,omitempty" yaml:"layer_arn,omitempty"`
}

type LogEntry struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Function  string `json:"function" yaml:"function"`
	Message   string `json:"message" yaml:"message"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
}

type StatusSummary struct {
	Overall      string `json:"overall" yaml:"overall"`
	StackOK      bool   `json:"stack_ok" yaml:"stack_ok"`
	Instrumented int    `json:"instrumented" yaml:"instrumented"`
	LastUpdated  string `json:"last_updated" yaml:"last_updated"`
}

func init() {
	statusCmd.Flags().StringP("stack-name", "s", "", "target stack to inspect")
	statusCmd.Flags().String("infrastructure-stack", "", "control plane stack name (overrides config)")
	statusCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().BoolP("logs", "l", false, "Show recent control plane logs")
}

func runStatus(cmd *cobra.Command) error {
	ctx := context.Background()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	var target string
	if cmd.Flags().Changed("stack-name") {
		if target, err = targetStack(cmd); err != nil {
			return err
		}
	}

	clientFactory, err := awsclients.NewClientFactory(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AWS clients: %w", err)
	}
	if err := clientFactory.ValidateCredentials(ctx); err != nil {
		return fmt.Errorf("invalid AWS credentials: %w", err)
	}
	clients := clientFactory.GetClients()

	info := &StatusInfo{
		Target:  target,
		Summary: &StatusSummary{LastUpdated: time.Now().Format("2006-01-02 15:04:05 MST")},
	}

	var layerArn string
	if stackOutput, err := deploy.NewStackDeployer(clients.CloudFormation, cfg.Infrastructure.StackName).GetStackOutputs(ctx); err == nil {
		info.ControlPlane = &ControlPlaneStatus{
			Name:         stackOutput.StackName,
			Status:       stackOutput.StackStatus,
			CreatedAt:    stackOutput.CreationTime,
			UpdatedAt:    stackOutput.LastUpdatedTime,
			RestAPIURL:   stackOutput.RestAPIURL,
			WebSocketURL: stackOutput.WebSocketURL,
			LayerArn:     stackOutput.DebuggerLayerArn,
		}
		layerArn = stackOutput.DebuggerLayerArn
		info.Summary.StackOK = strings.HasSuffix(stackOutput.StackStatus, "_COMPLETE") &&
			!strings.Contains(stackOutput.StackStatus, "ROLLBACK") &&
			!strings.HasPrefix(stackOutput.StackStatus, "DELETE")
	}

	if target != "" {
		states, err := instrument.Inspect(ctx, clients.CloudFormation, clients.Lambda, target, layerArn)
		if err != nil {
			return fmt.Errorf("failed to inspect stack %s: %w", target, err)
		}
		info.Functions = states
		info.Summary.Instrumented = lo.CountBy(states, func(s instrument.FunctionState) bool { return s.Instrumented })
	}

	if showLogs, _ := cmd.Flags().GetBool("logs"); showLogs && info.ControlPlane != nil {
		functions, err := instrument.ListFunctions(ctx, clients.CloudFormation, cfg.Infrastructure.StackName)
		if err == nil {
			for _, fn := range functions {
				// a handler that never ran has no log group yet
				if entries, err := getRecentLogs(ctx, clients.CloudWatchLogs, fn); err == nil {
					info.Logs = append(info.Logs, entries...)
				}
			}
		}
	}

	info.Summary.Overall = overallStatus(info)

	format, _ := cmd.Flags().GetString("output")
	return outputStatus(cmd.OutOrStdout(), info, format)
}

func overallStatus(info *StatusInfo) string {
	switch {
	case !info.Summary.StackOK:
		return "UNHEALTHY"
	case lo.SomeBy(info.Functions, func(s instrument.FunctionState) bool { return s.Error != "" }):
		return "DEGRADED"
	case info.Summary.Instrumented > 0:
		return "DEBUGGING"
	default:
		return "HEALTHY"
	}
}

func getRecentLogs(ctx context.Context, logs awsclients.CloudWatchLogsAPI, functionName string) ([]LogEntry, error) {
	logGroupName := fmt.Sprintf("/aws/lambda/%s", functionName)

	streams, err := logs.DescribeLogStreamsWithContext(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(logGroupName),
		OrderBy:      aws.String(cloudwatchlogs.OrderByLastEventTime),
		Descending:   aws.Bool(true),
		Limit:        aws.Int64(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get log streams: %w", err)
	}
	if len(streams.LogStreams) == 0 {
		return nil, nil
	}

	events, err := logs.GetLogEventsWithContext(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(logGroupName),
		LogStreamName: streams.LogStreams[0].LogStreamName,
		StartFromHead: aws.Bool(false),
		Limit:         aws.Int64(10),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get log events: %w", err)
	}

	var entries []LogEntry
	for _, event := range events.Events {
		if event.Message == nil || event.Timestamp == nil {
			continue
		}
		message := strings.TrimSpace(*event.Message)
		entries = append(entries, LogEntry{
			Timestamp: time.UnixMilli(*event.Timestamp).Format("2006-01-02 15:04:05"),
			Function:  functionName,
			Message:   message,
			Level:     logLevel(message),
		})
	}
	return entries, nil
}

// logLevel picks the level out of a slog JSON or text line.
func logLevel(message string) string {
	for _, level := range []string{"ERROR", "WARN", "INFO", "DEBUG"} {
		if strings.Contains(message, `"level":"`+level+`"`) || strings.Contains(message, "level="+level) {
			return level
		}
	}
	return ""
}

func outputStatus(out io.Writer, status *StatusInfo, format string) error {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(out, string(data))
	case "table":
		return outputStatusTable(out, status)
	default:
		return fmt.Errorf("unsupported format: %s (use table, json, or yaml)", format)
	}
	return nil
}

func outputStatusTable(out io.Writer, status *StatusInfo) error {
	fmt.Fprintf(out, "\n🐞 plldb Status\n")
	fmt.Fprintf(out, "==============\n\n")

	statusEmoji := "❌"
	switch status.Summary.Overall {
	case "HEALTHY", "DEBUGGING":
		statusEmoji = "✅"
	case "DEGRADED":
		statusEmoji = "⚠️"
	}
	fmt.Fprintf(out, "Overall Status: %s %s\n", statusEmoji, status.Summary.Overall)
	fmt.Fprintf(out, "Last Updated:   %s\n\n", status.Summary.LastUpdated)

	fmt.Fprintf(out, "📦 Control Plane\n")
	fmt.Fprintf(out, "----------------\n")
	if cp := status.ControlPlane; cp != nil {
		fmt.Fprintf(out, "Status:      %s %s\n", boolToIcon(status.Summary.StackOK), cp.Status)
		fmt.Fprintf(out, "Name:        %s\n", cp.Name)
		if cp.CreatedAt != nil {
			fmt.Fprintf(out, "Created:     %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		if cp.UpdatedAt != nil {
			fmt.Fprintf(out, "Updated:     %s\n", cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(out, "REST API:    %s\n", cp.RestAPIURL)
		fmt.Fprintf(out, "WebSocket:   %s\n", cp.WebSocketURL)
		fmt.Fprintf(out, "Layer:       %s\n", cp.LayerArn)
	} else {
		fmt.Fprintf(out, "Status:      ❌ NOT FOUND\n")
	}
	fmt.Fprintln(out)

	if status.Target != "" {
		fmt.Fprintf(out, "⚡ Functions of %s (%d instrumented)\n\n", status.Target, status.Summary.Instrumented)
		table := tablewriter.NewWriter(out)
		table.Header("Function", "Instrumented", "Session", "Connection", "Layer", "Error")
		for _, fn := range status.Functions {
			row := []string{fn.Name, yesNo(fn.Instrumented), fn.SessionID, fn.ConnectionID, yesNo(fn.ShimLayer), fn.Error}
			if err := table.Append(row); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	if len(status.Logs) > 0 {
		fmt.Fprintf(out, "📋 Recent Logs\n")
		fmt.Fprintf(out, "--------------\n")
		for _, entry := range status.Logs {
			levelIcon := "ℹ️"
			switch entry.Level {
			case "ERROR":
				levelIcon = "❌"
			case "WARN":
				levelIcon = "⚠️"
			}
			fmt.Fprintf(out, "%s [%s] %s: %s\n", levelIcon, entry.Timestamp, entry.Function, entry.Message)
		}
		fmt.Fprintln(out)
	}

	if status.ControlPlane == nil {
		fmt.Fprintf(out, "💡 Getting Started\n")
		fmt.Fprintf(out, "------------------\n")
		fmt.Fprintf(out, "No control plane found. To get started:\n\n")
		fmt.Fprintf(out, "1. Deploy the control plane:\n")
		fmt.Fprintf(out, "   plldb bootstrap setup\n\n")
		fmt.Fprintf(out, "2. Attach to your stack:\n")
		fmt.Fprintf(out, "   plldb attach --stack-name <your-stack>\n")
	}
	return nil
}

func boolToIcon(b bool) string {
	if b {
		return "✅"
	}
	return "❌"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
