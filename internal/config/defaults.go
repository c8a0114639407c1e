package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/dan-v/plldb/pkg/shared"
)

var regionPattern = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)

// DefaultCLIConfig returns a CLIConfig with all default values
func DefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		AWS: AWSConfig{
			Region:  shared.DefaultAWSRegion,
			Profile: "", // default credential chain
		},
		Infrastructure: InfrastructureConfig{
			StackName:    shared.DefaultInfrastructureName,
			ArtifactsDir: "dist",
		},
		Debugger: DebuggerConfig{
			ReceiveWait:   shared.DefaultReceiveWait,
			MaxConcurrent: shared.DefaultMaxConcurrent,
			Manifest:      "plldb-functions.yaml",
			ExecTimeout:   shared.DefaultBridgeTimeout,
		},
	}
}

// ValidateCLIConfig validates a CLIConfig and returns any errors
func ValidateCLIConfig(cfg *CLIConfig) []error {
	var errors []error

	if cfg.AWS.Region == "" {
		errors = append(errors, &ConfigError{
			Field:   "aws.region",
			Value:   cfg.AWS.Region,
			Message: "AWS region cannot be empty",
		})
	} else if !regionPattern.MatchString(cfg.AWS.Region) {
		errors = append(errors, &ConfigError{
			Field:   "aws.region",
			Value:   cfg.AWS.Region,
			Message: "invalid AWS region format",
		})
	}

	errors = append(errors, validateStackName("infrastructure.stack_name", cfg.Infrastructure.StackName)...)

	if cfg.Debugger.ReceiveWait <= 0 || cfg.Debugger.ReceiveWait > time.Minute {
		errors = append(errors, &ConfigError{
			Field:   "debugger.receive_wait",
			Value:   cfg.Debugger.ReceiveWait,
			Message: "receive wait must be between 0 and 1m",
		})
	}

	if cfg.Debugger.MaxConcurrent < 1 {
		errors = append(errors, &ConfigError{
			Field:   "debugger.max_concurrent",
			Value:   cfg.Debugger.MaxConcurrent,
			Message: "max concurrent executions must be at least 1",
		})
	}

	if cfg.Debugger.ExecTimeout <= 0 {
		errors = append(errors, &ConfigError{
			Field:   "debugger.exec_timeout",
			Value:   cfg.Debugger.ExecTimeout,
			Message: "exec timeout must be positive",
		})
	}

	return errors
}

// ValidateStackName checks a target stack name supplied on the command line.
func ValidateStackName(name string) []error {
	return validateStackName("stack_name", name)
}

func validateStackName(field, name string) []error {
	var errors []error
	if name == "" {
		return append(errors, &ConfigError{
			Field:   field,
			Value:   name,
			Message: "stack name cannot be empty",
		})
	}
	if len(name) > 128 {
		errors = append(errors, &ConfigError{
			Field:   field,
			Value:   name,
			Message: "stack name must be 128 characters or less",
		})
	}
	for _, char := range name {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') || char == '-') {
			errors = append(errors, &ConfigError{
				Field:   field,
				Value:   name,
				Message: "stack name can only contain letters, numbers, and hyphens",
			})
			break
		}
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		errors = append(errors, &ConfigError{
			Field:   field,
			Value:   name,
			Message: "stack name cannot start or end with a hyphen",
		})
	}
	return errors
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
