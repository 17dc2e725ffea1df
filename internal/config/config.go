// Package config loads batchwatch configuration.
//
// Precedence, highest first: runtime overrides, environment variables
// (BATCHWATCH_*), the config file (batchwatch.yaml), defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Poll     PollConfig     `mapstructure:"poll"`
	Provider ProviderConfig `mapstructure:"provider"`
	Events   EventsConfig   `mapstructure:"events"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Profile string `mapstructure:"profile" validate:"oneof=STRUCTURED CONSOLE"`
}

// PollConfig controls how jobs are polled.
type PollConfig struct {
	// Interval between status checks of one job. The cron substrate rounds
	// sub-second values up to one second.
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`

	// RequestTimeout bounds each status check. A check that runs out of time
	// is retried on the next tick. Zero, the default, disables the bound.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`

	// StateDir holds job.json snapshots of active jobs. Empty disables
	// persistence.
	StateDir string `mapstructure:"state_dir"`

	// Resume re-admits persisted jobs on serve start.
	Resume bool `mapstructure:"resume"`
}

type ProviderConfig struct {
	Type              string  `mapstructure:"type" validate:"oneof=dropbox"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	ClientID          string  `mapstructure:"client_id" validate:"required"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// EventsConfig configures the websocket event stream.
type EventsConfig struct {
	// AllowedOrigins lists Origin patterns accepted on upgrade. Empty allows
	// same-origin requests only.
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	// Buffer is the per-client outbound queue length.
	Buffer int `mapstructure:"buffer" validate:"gte=1"`
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ConfigErrors collects every invalid field.
type ConfigErrors []*ConfigError

func (e ConfigErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ce := range e {
		msgs = append(msgs, ce.Error())
	}
	return strings.Join(msgs, "; ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ConfigErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &ConfigError{
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("must be a URL, got %q", fe.Value())
	default:
		return fmt.Sprintf("failed %s=%s (value %v)", fe.Tag(), fe.Param(), fe.Value())
	}
}
