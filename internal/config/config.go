// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/liamcoop/coachrules/scheduler"
	"github.com/liamcoop/coachrules/storage/sqlstore"
)

// Config holds every tunable of the server.
type Config struct {
	Port string `env:"PORT" envDefault:"8080" validate:"required,numeric"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres" validate:"oneof=postgres sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" validate:"required"`

	WakeInterval          time.Duration `env:"COACH_WAKE_INTERVAL" envDefault:"300s" validate:"min=1s"`
	SimulatedWakeInterval time.Duration `env:"COACH_SIMULATED_WAKE_INTERVAL" envDefault:"15s" validate:"min=1s"`
	HoursUntilUnanswered  int           `env:"COACH_HOURS_UNTIL_UNANSWERED" envDefault:"4" validate:"min=1,max=96"`
	HourToSendMessage     int           `env:"COACH_HOUR_TO_SEND_MESSAGE" envDefault:"18" validate:"min=1,max=23"`
	DuePolicy             string        `env:"COACH_DUE_POLICY" envDefault:"daily" validate:"oneof=daily wake"`
	WorkerConcurrency     int           `env:"COACH_WORKER_CONCURRENCY" envDefault:"8" validate:"min=1,max=256"`
	BatchSize             int           `env:"COACH_BATCH_SIZE" envDefault:"500" validate:"min=1"`
	// MaxVariableHistory is -1 for unlimited history and 0 for none.
	MaxVariableHistory int    `env:"COACH_MAX_VARIABLE_HISTORY" envDefault:"-1" validate:"min=-1"`
	Timezone           string `env:"COACH_TIMEZONE" envDefault:"UTC" validate:"required,timezone"`

	SimulatedClock         bool `env:"COACH_SIMULATED_CLOCK" envDefault:"false"`
	FastForwardMultiplier  int  `env:"COACH_FAST_FORWARD_MULTIPLIER" envDefault:"360" validate:"min=1"`
	ShutdownTimeoutSeconds int  `env:"COACH_SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30" validate:"min=1"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

// newValidator reports fields by their environment variable name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks cfg and lists every violated constraint.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}

	var msgs []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		for _, e := range verrs {
			msgs = append(msgs, formatValidationError(e))
		}
	}

	if cfg.DatabaseDriver == sqlstore.DriverPostgres && cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		msgs = append(msgs, "DATABASE_URL must be a postgres:// URL when DATABASE_DRIVER is postgres")
	}

	if len(msgs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Scheduler returns the worker configuration.
func (c *Config) Scheduler() (scheduler.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	policy, err := scheduler.ParseDuePolicy(c.DuePolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		WakeInterval:          c.WakeInterval,
		SimulatedWakeInterval: c.SimulatedWakeInterval,
		HoursUntilUnanswered:  c.HoursUntilUnanswered,
		HourToSendMessage:     c.HourToSendMessage,
		DuePolicy:             policy,
		Concurrency:           c.WorkerConcurrency,
		BatchSize:             c.BatchSize,
		Location:              loc,
	}, nil
}

// ShutdownTimeout bounds the graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// formatValidationError formats a single validation error with field path and details.
func formatValidationError(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, e.Param(), e.Value())
	case "numeric":
		return fmt.Sprintf("%s must be numeric (got: %v)", field, e.Value())
	case "timezone":
		return fmt.Sprintf("%s must be an IANA time zone (got: %v)", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", field, e.Tag(), e.Value())
	}
}
