package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/dan-v/plldb/pkg/shared"
)

// RuntimeConfigPath is where the debugger layer ships the shim settings.
const RuntimeConfigPath = "/opt/plldb/runtime.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// ControlPlaneConfig configures the plldb-control Lambda handlers.
type ControlPlaneConfig struct {
	Region                  string        `mapstructure:"region" validate:"required"`
	SessionsTable           string        `mapstructure:"sessions_table" validate:"required"`
	CorrelationTable        string        `mapstructure:"correlation_table" validate:"required"`
	InfrastructureStack     string        `mapstructure:"infrastructure_stack" validate:"required"`
	LayerArn                string        `mapstructure:"layer_arn"`
	WebSocketEndpoint       string        `mapstructure:"websocket_endpoint" validate:"omitempty,url"`
	InstrumentationFunction string        `mapstructure:"instrumentation_function"`
	CompletedTTL            time.Duration `mapstructure:"completed_ttl" validate:"gt=0"`
}

// RuntimeConfig configures the shim running inside an instrumented sandbox.
type RuntimeConfig struct {
	Region            string `mapstructure:"region" yaml:"region" validate:"required"`
	RoleArn           string `mapstructure:"role_arn" yaml:"role_arn"`
	ExternalID        string `mapstructure:"external_id" yaml:"external_id" validate:"required"`
	WebSocketEndpoint string `mapstructure:"websocket_endpoint" yaml:"websocket_endpoint" validate:"omitempty,url"`

	// InfrastructureStack supplies the management endpoint when WebSocketEndpoint is empty.
	InfrastructureStack string `mapstructure:"infrastructure_stack" yaml:"infrastructure_stack" validate:"required"`

	SessionsTable    string        `mapstructure:"sessions_table" yaml:"sessions_table" validate:"required"`
	CorrelationTable string        `mapstructure:"correlation_table" yaml:"correlation_table" validate:"required"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gtfield=PollInterval"`
	VerifySession    bool          `mapstructure:"verify_session" yaml:"verify_session"`
}

// LoadControlPlaneConfig reads handler settings from the Lambda environment.
func LoadControlPlaneConfig() (*ControlPlaneConfig, error) {
	v := newEnvViper()
	v.SetDefault("region", shared.DefaultAWSRegion)
	v.SetDefault("sessions_table", shared.SessionsTable)
	v.SetDefault("correlation_table", shared.CorrelationTable)
	v.SetDefault("infrastructure_stack", shared.DefaultInfrastructureName)
	v.SetDefault("layer_arn", "")
	v.SetDefault("websocket_endpoint", "")
	v.SetDefault("instrumentation_function", "")
	v.SetDefault("completed_ttl", shared.CompletedRecordTTL)

	v.BindEnv("region", "PLLDB_REGION", "AWS_REGION")
	v.BindEnv("infrastructure_stack", "PLLDB_INFRASTRUCTURE_STACK", "AWS_CLOUDFORMATION_STACK_NAME")
	v.BindEnv("layer_arn", "PLLDB_LAYER_ARN", "DEBUGGER_LAYER_ARN")
	v.BindEnv("websocket_endpoint", "PLLDB_WEBSOCKET_ENDPOINT", "WEBSOCKET_API_ENDPOINT")

	cfg := &ControlPlaneConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling control plane config: %w", err)
	}
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRuntimeConfig reads the shim settings. path may be empty to skip the
// layer file and rely on the environment only.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	v := newEnvViper()
	v.SetConfigType("yaml")
	v.SetDefault("region", "")
	v.SetDefault("role_arn", "")
	v.SetDefault("external_id", shared.DebuggerExternalID)
	v.SetDefault("websocket_endpoint", "")
	v.SetDefault("infrastructure_stack", shared.DefaultInfrastructureName)
	v.SetDefault("sessions_table", shared.SessionsTable)
	v.SetDefault("correlation_table", shared.CorrelationTable)
	v.SetDefault("poll_interval", shared.ResponsePollInterval)
	v.SetDefault("timeout", shared.DefaultBridgeTimeout)
	v.SetDefault("verify_session", false)

	v.BindEnv("region", "PLLDB_REGION", "AWS_REGION")
	v.BindEnv("websocket_endpoint", "PLLDB_WEBSOCKET_ENDPOINT", "WEBSOCKET_API_ENDPOINT")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading runtime config %s: %w", path, err)
			}
		}
	}

	cfg := &RuntimeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling runtime config: %w", err)
	}
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PLLDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// validateStruct turns validator failures into ConfigErrors joined together.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	var all []error
	for _, fe := range verrs {
		all = append(all, &ConfigError{
			Field:   fe.Field(),
			Value:   fe.Value(),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
	}
	return fmt.Errorf("configuration validation failed: %w", errors.Join(all...))
}
