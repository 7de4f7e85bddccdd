package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from various sources
type Loader struct {
	// ConfigFile is the path to the YAML configuration file
	ConfigFile string
	// EnvPrefix is the prefix for environment variables (defaults to "AARGH64")
	EnvPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		EnvPrefix: "AARGH64",
	}
}

// WithConfigFile sets the configuration file path
func (l *Loader) WithConfigFile(path string) *Loader {
	l.ConfigFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.EnvPrefix = prefix
	return l
}

// Load loads configuration from all sources in priority order:
// 1. Default configuration
// 2. Configuration file (if specified)
// 3. Environment variables
func (l *Loader) Load() (*Aargh64Config, error) {
	config := DefaultConfig()

	if l.ConfigFile != "" {
		if err := l.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	l.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func (l *Loader) loadFromFile(config *Aargh64Config) error {
	data, err := os.ReadFile(l.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.ConfigFile, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (l *Loader) loadFromEnv(config *Aargh64Config) {
	// Operator configuration
	if val := l.getEnv("OPERATOR_NAMESPACE"); val != "" {
		config.Operator.Namespace = val
	}
	if val, ok := l.lookupEnv("OPERATOR_OVERRIDE_NAMESPACE"); ok {
		config.Operator.OverrideNamespace = val
	}
	if val := l.getEnv("OPERATOR_WATCH_OVERRIDES"); val != "" {
		config.Operator.WatchOverrides = l.parseBool(val, config.Operator.WatchOverrides)
	}
	if val := l.getEnv("OPERATOR_GRACEFUL_SHUTDOWN_TIMEOUT"); val != "" {
		config.Operator.GracefulShutdownTimeout = l.parseDuration(val, config.Operator.GracefulShutdownTimeout)
	}

	// Webhook configuration
	if val := l.getEnv("WEBHOOK_PORT"); val != "" {
		config.Webhook.Port = l.parseInt(val, config.Webhook.Port)
	}
	if val := l.getEnv("WEBHOOK_CERT_DIR"); val != "" {
		config.Webhook.CertDir = val
	}
	if val := l.getEnv("WEBHOOK_CERT_NAME"); val != "" {
		config.Webhook.CertName = val
	}
	if val := l.getEnv("WEBHOOK_KEY_NAME"); val != "" {
		config.Webhook.KeyName = val
	}
	if val := l.getEnv("WEBHOOK_FAILURE_POLICY"); val != "" {
		config.Webhook.FailurePolicy = strings.ToLower(val)
	}
	if val := l.getEnv("WEBHOOK_REQUEST_TIMEOUT"); val != "" {
		config.Webhook.RequestTimeout = l.parseDuration(val, config.Webhook.RequestTimeout)
	}
	if val := l.getEnv("WEBHOOK_REGISTER"); val != "" {
		config.Webhook.Register = l.parseBool(val, config.Webhook.Register)
	}
	if val := l.getEnv("WEBHOOK_UNREGISTER_ON_SHUTDOWN"); val != "" {
		config.Webhook.UnregisterOnShutdown = l.parseBool(val, config.Webhook.UnregisterOnShutdown)
	}
	if val := l.getEnv("WEBHOOK_SERVICE_NAME"); val != "" {
		config.Webhook.ServiceName = val
	}
	if val := l.getEnv("WEBHOOK_SERVICE_NAMESPACE"); val != "" {
		config.Webhook.ServiceNamespace = val
	}

	// Registry configuration
	if val := l.getEnv("REGISTRY_TIMEOUT"); val != "" {
		config.Registry.Timeout = l.parseDuration(val, config.Registry.Timeout)
	}
	if val := l.getEnv("REGISTRY_QPS"); val != "" {
		config.Registry.QPS = l.parseFloat(val, config.Registry.QPS)
	}
	if val := l.getEnv("REGISTRY_BURST"); val != "" {
		config.Registry.Burst = l.parseInt(val, config.Registry.Burst)
	}
	if val := l.getEnv("REGISTRY_FAILURE_THRESHOLD"); val != "" {
		config.Registry.FailureThreshold = l.parseInt(val, config.Registry.FailureThreshold)
	}
	if val := l.getEnv("REGISTRY_RECOVERY_TIMEOUT"); val != "" {
		config.Registry.RecoveryTimeout = l.parseDuration(val, config.Registry.RecoveryTimeout)
	}
	if val := l.getEnv("REGISTRY_PLAIN_HTTP"); val != "" {
		config.Registry.PlainHTTP = l.parseList(val)
	}
	if val := l.getEnv("REGISTRY_USER_AGENT"); val != "" {
		config.Registry.UserAgent = val
	}

	// Resolution configuration
	if val := l.getEnv("RESOLUTION_SKIP_DIGEST_PINNED"); val != "" {
		config.Resolution.SkipDigestPinned = l.parseBool(val, config.Resolution.SkipDigestPinned)
	}
	if val := l.getEnv("RESOLUTION_MAX_CONCURRENT_FETCHES"); val != "" {
		config.Resolution.MaxConcurrentFetches = l.parseInt(val, config.Resolution.MaxConcurrentFetches)
	}

	// Metrics configuration
	if val := l.getEnv("METRICS_ENABLED"); val != "" {
		config.Observability.Metrics.Enabled = l.parseBool(val, config.Observability.Metrics.Enabled)
	}

	// Logging configuration
	if val := l.getEnv("LOGGING_LEVEL"); val != "" {
		config.Observability.Logging.Level = val
	}
	if val := l.getEnv("LOGGING_FORMAT"); val != "" {
		config.Observability.Logging.Format = val
	}
	if val := l.getEnv("LOGGING_DEVELOPMENT"); val != "" {
		config.Observability.Logging.Development = l.parseBool(val, config.Observability.Logging.Development)
	}

	// Health configuration
	if val := l.getEnv("HEALTH_ENABLED"); val != "" {
		config.Observability.Health.Enabled = l.parseBool(val, config.Observability.Health.Enabled)
	}
	if val := l.getEnv("HEALTH_BIND_ADDRESS"); val != "" {
		config.Observability.Health.BindAddress = val
	}
}

// getEnv gets an environment variable with the configured prefix
func (l *Loader) getEnv(key string) string {
	return os.Getenv(l.EnvPrefix + "_" + key)
}

// lookupEnv is getEnv for settings where an empty value is meaningful
func (l *Loader) lookupEnv(key string) (string, bool) {
	return os.LookupEnv(l.EnvPrefix + "_" + key)
}

// parseBool parses a boolean string, returning fallback on error
func (l *Loader) parseBool(val string, fallback bool) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// parseInt parses an integer string, returning fallback on error
func (l *Loader) parseInt(val string, fallback int) int {
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return fallback
}

// parseFloat parses a float string, returning fallback on error
func (l *Loader) parseFloat(val string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return fallback
}

// parseDuration parses a duration string, returning fallback on error
func (l *Loader) parseDuration(val string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return fallback
}

// parseList splits a comma-separated list, dropping empty entries
func (l *Loader) parseList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Save saves the configuration to a YAML file
func (config *Aargh64Config) Save(filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadFromFile is a convenience function to load configuration from a file
func LoadFromFile(filename string) (*Aargh64Config, error) {
	return NewLoader().WithConfigFile(filename).Load()
}

// LoadFromEnv is a convenience function to load configuration from environment variables only
func LoadFromEnv() (*Aargh64Config, error) {
	return NewLoader().Load()
}
