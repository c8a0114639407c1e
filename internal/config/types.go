package config

import (
	"time"
)

// CLIConfig represents the complete configuration for the plldb CLI
type CLIConfig struct {
	// AWS configuration
	AWS AWSConfig `yaml:"aws" json:"aws" mapstructure:"aws"`

	// Control plane infrastructure
	Infrastructure InfrastructureConfig `yaml:"infrastructure" json:"infrastructure" mapstructure:"infrastructure"`

	// Local debugger client
	Debugger DebuggerConfig `yaml:"debugger" json:"debugger" mapstructure:"debugger"`
}

// AWSConfig holds AWS-specific settings
type AWSConfig struct {
	Region  string `yaml:"region" json:"region" mapstructure:"region"`
	Profile string `yaml:"profile" json:"profile" mapstructure:"profile"`
}

// InfrastructureConfig locates the control plane deployment
type InfrastructureConfig struct {
	StackName    string `yaml:"stack_name" json:"stack_name" mapstructure:"stack_name"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir" mapstructure:"artifacts_dir"`
}

// DebuggerConfig tunes the local client and executor
type DebuggerConfig struct {
	ReceiveWait    time.Duration `yaml:"receive_wait" json:"receive_wait" mapstructure:"receive_wait"`
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent" mapstructure:"max_concurrent"`
	Manifest       string        `yaml:"manifest" json:"manifest" mapstructure:"manifest"`
	ExecTimeout    time.Duration `yaml:"exec_timeout" json:"exec_timeout" mapstructure:"exec_timeout"`
	MetricsAddress string        `yaml:"metrics_address" json:"metrics_address" mapstructure:"metrics_address"`
}

// Merge merges another CLIConfig into this one, with the other taking precedence
func (c *CLIConfig) Merge(other *CLIConfig) {
	if other.AWS.Region != "" {
		c.AWS.Region = other.AWS.Region
	}
	if other.AWS.Profile != "" {
		c.AWS.Profile = other.AWS.Profile
	}

	if other.Infrastructure.StackName != "" {
		c.Infrastructure.StackName = other.Infrastructure.StackName
	}
	if other.Infrastructure.ArtifactsDir != "" {
		c.Infrastructure.ArtifactsDir = other.Infrastructure.ArtifactsDir
	}

	if other.Debugger.ReceiveWait != 0 {
		c.Debugger.ReceiveWait = other.Debugger.ReceiveWait
	}
	if other.Debugger.MaxConcurrent != 0 {
		c.Debugger.MaxConcurrent = other.Debugger.MaxConcurrent
	}
	if other.Debugger.Manifest != "" {
		c.Debugger.Manifest = other.Debugger.Manifest
	}
	if other.Debugger.ExecTimeout != 0 {
		c.Debugger.ExecTimeout = other.Debugger.ExecTimeout
	}
	if other.Debugger.MetricsAddress != "" {
		c.Debugger.MetricsAddress = other.Debugger.MetricsAddress
	}
}
