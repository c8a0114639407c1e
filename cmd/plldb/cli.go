package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dan-v/plldb/internal/config"
	"github.com/dan-v/plldb/pkg/shared"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

// executeCliCommand executes the cobra CLI
func executeCliCommand() error {
	return rootCmd.Execute()
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plldb",
	Short: "Debug deployed AWS Lambda functions on your machine",
	Long: `plldb redirects invocations of a deployed CloudFormation stack's Lambda
functions to handlers running on your machine, then returns their responses
to the original callers.

Get started with:
  plldb bootstrap setup
  plldb attach --stack-name my-app`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger(cmd.ErrOrStderr(), flagBool(cmd, "debug"))
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long:  "Print the version information for plldb",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "plldb %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("region", "r", "", "AWS region (overrides config)")
	rootCmd.PersistentFlags().String("profile", "", "AWS profile (overrides config)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogger(out io.Writer, debug bool) {
	level := shared.ParseLevel(os.Getenv("PLLDB_LOG_LEVEL"))
	if debug {
		level = shared.LevelDebug
	}
	shared.InitLogger(&shared.LogConfig{
		Level:       level,
		Format:      "text",
		ServiceName: "plldb-cli",
		Output:      out,
	})
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// loadConfig loads the CLI configuration and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.CLIConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadCLIConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if region, _ := cmd.Flags().GetString("region"); cmd.Flags().Changed("region") {
		cfg.AWS.Region = region
	}
	if profile, _ := cmd.Flags().GetString("profile"); cmd.Flags().Changed("profile") {
		cfg.AWS.Profile = profile
	}
	if f := cmd.Flags().Lookup("infrastructure-stack"); f != nil && f.Changed {
		cfg.Infrastructure.StackName = f.Value.String()
	}

	if errs := config.ValidateCLIConfig(cfg); len(errs) > 0 {
		out := cmd.ErrOrStderr()
		fmt.Fprintf(out, "❌ Configuration validation failed:\n\n")
		for _, err := range errs {
			errMsg := err.Error()
			fmt.Fprintf(out, "  • %s\n", errMsg)
			switch {
			case strings.Contains(errMsg, "region"):
				fmt.Fprintf(out, "    💡 Set region with: --region us-west-2 or in config file\n")
			case strings.Contains(errMsg, "stack"):
				fmt.Fprintf(out, "    💡 Stack names must be 1-128 chars, letters/numbers/hyphens only\n")
			}
		}
		fmt.Fprintf(out, "\n💡 Generate a sample config file with: plldb config init\n")
		return nil, fmt.Errorf("configuration validation failed")
	}
	return cfg, nil
}

// targetStack reads and validates the required --stack-name flag.
func targetStack(cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("stack-name")
	if name == "" {
		return "", fmt.Errorf("%w: --stack-name is required", shared.ErrInvalidInput)
	}
	if errs := config.ValidateStackName(name); len(errs) > 0 {
		return "", fmt.Errorf("%w: %v", shared.ErrInvalidInput, errs[0])
	}
	return name, nil
}
