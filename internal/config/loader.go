package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const appName = "plldb"

// LoadCLIConfig loads configuration from files, environment, and returns a merged config
func LoadCLIConfig(configPath string) (*CLIConfig, error) {
	cfg := DefaultCLIConfig()

	v := viper.New()
	v.SetConfigName(appName)
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
		v.AddConfigPath("/etc/" + appName)
		for _, dir := range xdg.ConfigDirs {
			v.AddConfigPath(filepath.Join(dir, appName))
		}
	}

	// Defaults make every key visible to AutomaticEnv during Unmarshal.
	v.SetDefault("aws.region", cfg.AWS.Region)
	v.SetDefault("aws.profile", cfg.AWS.Profile)
	v.SetDefault("infrastructure.stack_name", cfg.Infrastructure.StackName)
	v.SetDefault("infrastructure.artifacts_dir", cfg.Infrastructure.ArtifactsDir)
	v.SetDefault("debugger.receive_wait", cfg.Debugger.ReceiveWait)
	v.SetDefault("debugger.max_concurrent", cfg.Debugger.MaxConcurrent)
	v.SetDefault("debugger.manifest", cfg.Debugger.Manifest)
	v.SetDefault("debugger.exec_timeout", cfg.Debugger.ExecTimeout)
	v.SetDefault("debugger.metrics_address", cfg.Debugger.MetricsAddress)

	v.SetEnvPrefix("PLLDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("aws.region", "PLLDB_AWS_REGION", "AWS_REGION")
	v.BindEnv("aws.profile", "PLLDB_AWS_PROFILE", "AWS_PROFILE")
	v.BindEnv("infrastructure.stack_name", "PLLDB_INFRASTRUCTURE_STACK_NAME", "AWS_CLOUDFORMATION_STACK_NAME")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// WriteExampleConfig creates an example configuration file
func WriteExampleConfig(filePath string) error {
	exampleConfig := `# plldb configuration file
# All options are shown with their default values.

aws:
  region: "us-west-2"          # region hosting both the control plane and the target stack
  profile: ""                  # AWS profile (empty uses the default credential chain)

infrastructure:
  stack_name: "plldb-infrastructure"  # control plane CloudFormation stack
  artifacts_dir: "dist"               # local directory uploaded by 'plldb bootstrap setup'

debugger:
  receive_wait: 1s             # bounded wait per receive-loop iteration
  max_concurrent: 4            # concurrent local executions
  manifest: "plldb-functions.yaml" # logical id -> local command mapping
  exec_timeout: 5m             # per-request local execution limit
  metrics_address: ""          # e.g. ":6060" to serve expvar metrics while attached
`

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(filePath, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}

	return nil
}

// FindConfigFile searches for a config file in XDG-compliant locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		appName + ".yaml",
		appName + ".yml",
		filepath.Join(xdg.ConfigHome, appName, appName+".yaml"),
		filepath.Join(xdg.ConfigHome, appName, appName+".yml"),
		"/etc/" + appName + "/" + appName + ".yaml",
	}
	for _, dir := range xdg.ConfigDirs {
		searchPaths = append(searchPaths, filepath.Join(dir, appName, appName+".yaml"))
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found in standard locations")
}

// GetDefaultConfigPath returns the default path for creating a new config file
func GetDefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, appName+".yaml")
}
