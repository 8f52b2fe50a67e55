package resilience

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape for tuning the resilience primitives from a
// file. Durations use Go syntax ("500ms", "30s"). Environment variables in
// the file are expanded before parsing.
//
// Example file:
//
//	retry:
//	  max_attempts: 5
//	  initial_delay: 500ms
//	  strategy: exponential
//	circuit_breaker:
//	  failure_threshold: 3
//	  reset_timeout: 30s
//	health:
//	  check_timeout: 2s
//	  interval: 15s
//	handler:
//	  environment: ${APP_ENV}
type FileConfig struct {
	Retry          RetryFileConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerFileConfig `yaml:"circuit_breaker"`
	Health         HealthFileConfig         `yaml:"health"`
	Handler        HandlerFileConfig        `yaml:"handler"`
}

// RetryFileConfig tunes the retry executor.
type RetryFileConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Strategy     string        `yaml:"strategy"`
}

// CircuitBreakerFileConfig tunes circuit breakers.
type CircuitBreakerFileConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MonitoringWindow time.Duration `yaml:"monitoring_window"`
}

// HealthFileConfig tunes the health registry.
type HealthFileConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// HandlerFileConfig tunes the error handler facade.
type HandlerFileConfig struct {
	Environment string `yaml:"environment"`
}

// LoadConfig reads a YAML configuration file, expands environment
// variables, fills in defaults for anything unset, and validates the
// result.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults fills unset fields from the package defaults.
func (c *FileConfig) setDefaults() {
	retryDefaults := DefaultRetryConfig()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retryDefaults.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = retryDefaults.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = retryDefaults.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = retryDefaults.Multiplier
	}
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = string(retryDefaults.Strategy)
	}

	breakerDefaults := DefaultCircuitBreakerConfig()
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = breakerDefaults.FailureThreshold
	}
	if c.CircuitBreaker.ResetTimeout == 0 {
		c.CircuitBreaker.ResetTimeout = breakerDefaults.ResetTimeout
	}
	if c.CircuitBreaker.MonitoringWindow == 0 {
		c.CircuitBreaker.MonitoringWindow = breakerDefaults.MonitoringWindow
	}

	registryDefaults := DefaultRegistryConfig()
	if c.Health.CheckTimeout == 0 {
		c.Health.CheckTimeout = registryDefaults.CheckTimeout
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = registryDefaults.Interval
	}

	if c.Handler.Environment == "" {
		c.Handler.Environment = DefaultHandlerConfig().Environment
	}
}

// validate rejects values the primitives cannot run with.
func (c *FileConfig) validate() error {
	switch RetryStrategy(c.Retry.Strategy) {
	case RetryStrategyExponential, RetryStrategyConstant, RetryStrategyFibonacci:
	default:
		return fmt.Errorf("unknown retry strategy %q", c.Retry.Strategy)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure_threshold must be at least 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", c.Health.Interval)
	}
	if c.Health.CheckTimeout <= 0 {
		return fmt.Errorf("health check_timeout must be positive, got %s", c.Health.CheckTimeout)
	}

	return nil
}

// RetryOptions converts the file settings into retry options.
func (c *FileConfig) RetryOptions() []RetryOption {
	return []RetryOption{
		WithMaxAttempts(c.Retry.MaxAttempts),
		WithMultiplier(c.Retry.Multiplier),
		func(rc *RetryConfig) {
			rc.Strategy = RetryStrategy(c.Retry.Strategy)
			rc.InitialDelay = c.Retry.InitialDelay
			rc.MaxDelay = c.Retry.MaxDelay
		},
	}
}

// CircuitBreakerOptions converts the file settings into breaker options.
func (c *FileConfig) CircuitBreakerOptions() []CircuitBreakerOption {
	return []CircuitBreakerOption{
		WithFailureThreshold(c.CircuitBreaker.FailureThreshold),
		WithResetTimeout(c.CircuitBreaker.ResetTimeout),
		WithMonitoringWindow(c.CircuitBreaker.MonitoringWindow),
	}
}

// RegistryOptions converts the file settings into health registry options.
func (c *FileConfig) RegistryOptions() []RegistryOption {
	return []RegistryOption{
		WithCheckTimeout(c.Health.CheckTimeout),
		WithCheckInterval(c.Health.Interval),
	}
}

// HandlerOptions converts the file settings into handler options.
func (c *FileConfig) HandlerOptions() []HandlerOption {
	return []HandlerOption{
		WithEnvironment(c.Handler.Environment),
	}
}
