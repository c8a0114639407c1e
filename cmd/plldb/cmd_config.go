package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dan-v/plldb/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long: `Manage plldb configuration files.

Configuration is loaded from multiple sources in order of precedence:
1. Command line flags
2. Environment variables (PLLDB_ prefix, plus AWS_REGION and AWS_PROFILE)
3. Configuration file
4. Default values

The configuration file is searched in:
- Current directory (plldb.yaml)
- ~/.config/plldb/plldb.yaml (XDG config home)
- /etc/plldb/plldb.yaml (system-wide)`,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a new configuration file with default values.

The file is written to the user's config directory (~/.config/plldb/)
unless --output is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigInit(cmd)
	},
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the merged configuration from defaults, the config file,
environment variables and command line flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringP("output", "o", "", "Output file path (defaults to XDG config directory)")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite existing config file")

	configShowCmd.Flags().StringP("format", "", "yaml", "Output format (yaml, json, table)")
}

func runConfigInit(cmd *cobra.Command) error {
	outputPath, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if outputPath == "" {
		outputPath = config.GetDefaultConfigPath()
	}

	out := cmd.OutOrStdout()
	if _, err := os.Stat(outputPath); err == nil && !force {
		fmt.Fprintf(out, "Configuration file already exists at: %s\n", outputPath)
		fmt.Fprintln(out, "Use --force to overwrite it, or 'plldb config show' to view it.")
		return nil
	}

	if err := config.WriteExampleConfig(outputPath); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Fprintf(out, "Configuration file created: %s\n", outputPath)
	fmt.Fprintln(out, "Edit this file to customize your plldb settings.")
	return nil
}

func runConfigShow(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadCLIConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# Configuration loaded from: %s\n\n", getConfigSource(configPath))

	format, _ := cmd.Flags().GetString("format")
	return writeConfig(out, cfg, format)
}

func writeConfig(out io.Writer, cfg *config.CLIConfig, format string) error {
	switch format {
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(cfg)
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "table":
		table := tablewriter.NewWriter(out)
		table.Header("Key", "Value")
		rows := [][]string{
			{"aws.region", cfg.AWS.Region},
			{"aws.profile", cfg.AWS.Profile},
			{"infrastructure.stack_name", cfg.Infrastructure.StackName},
			{"infrastructure.artifacts_dir", cfg.Infrastructure.ArtifactsDir},
			{"debugger.receive_wait", cfg.Debugger.ReceiveWait.String()},
			{"debugger.max_concurrent", fmt.Sprint(cfg.Debugger.MaxConcurrent)},
			{"debugger.manifest", cfg.Debugger.Manifest},
			{"debugger.exec_timeout", cfg.Debugger.ExecTimeout.String()},
			{"debugger.metrics_address", cfg.Debugger.MetricsAddress},
		}
		for _, row := range rows {
			if err := table.Append(row); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// getConfigSource returns a user-friendly description of where config is loaded from
func getConfigSource(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if foundPath, err := config.FindConfigFile(); err == nil {
		return foundPath
	}
	return "defaults (no config file found)"
}
