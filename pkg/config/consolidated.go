// Package config provides consolidated configuration structures and defaults for the aargh64 webhook.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Failure policies applied when image resolution fails for a Pod
const (
	// FailurePolicyOpen admits the Pod unmodified and logs the failure
	FailurePolicyOpen = "open"

	// FailurePolicyClosed denies the Pod with the failure as reason
	FailurePolicyClosed = "closed"
)

// Aargh64Config is the root configuration structure for the aargh64 webhook
type Aargh64Config struct {
	// Operator contains process-wide configuration
	Operator OperatorConfig `yaml:"operator" json:"operator"`

	// Webhook contains webhook server configuration
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`

	// Registry contains registry client configuration
	Registry RegistryConfig `yaml:"registry" json:"registry"`

	// Resolution contains per-Pod resolution configuration
	Resolution ResolutionConfig `yaml:"resolution" json:"resolution"`

	// Observability contains metrics, logging, and health check configuration
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// OperatorConfig contains process-wide configuration
type OperatorConfig struct {
	// Namespace is the namespace where the webhook is deployed
	Namespace string `yaml:"namespace" json:"namespace"`

	// OverrideNamespace is where PlatformOverride objects are read; empty means all namespaces
	OverrideNamespace string `yaml:"overrideNamespace" json:"overrideNamespace"`

	// WatchOverrides runs the PlatformOverride watcher that reports misconfiguration
	WatchOverrides bool `yaml:"watchOverrides" json:"watchOverrides"`

	// GracefulShutdownTimeout bounds how long in-flight requests may drain on shutdown
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout" json:"gracefulShutdownTimeout"`
}

// WebhookConfig contains webhook server configuration
type WebhookConfig struct {
	// Port is the TLS port of the webhook server
	Port int `yaml:"port" json:"port"`

	// CertDir is the directory containing TLS certificates
	CertDir string `yaml:"certDir" json:"certDir"`

	// CertName and KeyName are the file names inside CertDir
	CertName string `yaml:"certName" json:"certName"`
	KeyName  string `yaml:"keyName" json:"keyName"`

	// Path is the HTTP path the mutating webhook is served on
	Path string `yaml:"path" json:"path"`

	// FailurePolicy is "open" or "closed"
	FailurePolicy string `yaml:"failurePolicy" json:"failurePolicy"`

	// RequestTimeout bounds the resolution of a single admission request
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout"`

	// Register creates or updates the MutatingWebhookConfiguration at startup
	Register bool `yaml:"register" json:"register"`

	// UnregisterOnShutdown deletes the registered configuration when the
	// process stops; leave it off for rolling updates of several replicas
	UnregisterOnShutdown bool `yaml:"unregisterOnShutdown" json:"unregisterOnShutdown"`

	// ConfigurationName is the name of the MutatingWebhookConfiguration
	ConfigurationName string `yaml:"configurationName" json:"configurationName"`

	// ServiceName and ServiceNamespace address the webhook Service
	ServiceName      string `yaml:"serviceName" json:"serviceName"`
	ServiceNamespace string `yaml:"serviceNamespace" json:"serviceNamespace"`
}

// RegistryConfig contains registry client configuration
type RegistryConfig struct {
	// Timeout bounds a single manifest request
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// QPS and Burst rate limit requests per registry host
	QPS   float64 `yaml:"qps" json:"qps"`
	Burst int     `yaml:"burst" json:"burst"`

	// FailureThreshold consecutive failures open a registry's circuit; 0 disables it
	FailureThreshold int `yaml:"failureThreshold" json:"failureThreshold"`

	// RecoveryTimeout is how long an open circuit rejects requests
	RecoveryTimeout time.Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`

	// PlainHTTP lists registry hosts reached without TLS
	PlainHTTP []string `yaml:"plainHTTP" json:"plainHTTP"`

	// UserAgent is sent with registry requests
	UserAgent string `yaml:"userAgent" json:"userAgent"`
}

// ResolutionConfig contains per-Pod resolution configuration
type ResolutionConfig struct {
	// SkipDigestPinned leaves images that already name a digest untouched
	SkipDigestPinned bool `yaml:"skipDigestPinned" json:"skipDigestPinned"`

	// MaxConcurrentFetches bounds registry fetches per Pod; 0 means unbounded
	MaxConcurrentFetches int `yaml:"maxConcurrentFetches" json:"maxConcurrentFetches"`
}

// ObservabilityConfig contains metrics, logging, and health check configuration
type ObservabilityConfig struct {
	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Health checks configuration
	Health HealthConfig `yaml:"health" json:"health"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	// Enabled serves /metrics on the health server
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Development enables development mode (pretty printing, etc.)
	Development bool `yaml:"development" json:"development"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled enables/disables the probe server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BindAddress is the address to bind the probe server
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
}

// DefaultConfig returns the default aargh64 configuration
func DefaultConfig() *Aargh64Config {
	return &Aargh64Config{
		Operator: OperatorConfig{
			Namespace:               "aargh64-system",
			OverrideNamespace:       "default",
			WatchOverrides:          true,
			GracefulShutdownTimeout: 0,
		},
		Webhook: WebhookConfig{
			Port:              8443,
			CertDir:           "/certs",
			CertName:          "admission-controller-tls.crt",
			KeyName:           "admission-controller-tls.key",
			Path:              "/mutate",
			FailurePolicy:     FailurePolicyOpen,
			RequestTimeout:    10 * time.Second,
			Register:          false,
			ConfigurationName: "aargh64",
			ServiceName:       "aargh64",
			ServiceNamespace:  "aargh64-system",
		},
		Registry: RegistryConfig{
			Timeout:          8 * time.Second,
			QPS:              20.0,
			Burst:            30,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			UserAgent:        "aargh64",
		},
		Resolution: ResolutionConfig{
			SkipDigestPinned:     true,
			MaxConcurrentFetches: 0,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
			},
			Logging: LoggingConfig{
				Level:       "info",
				Format:      "json",
				Development: false,
			},
			Health: HealthConfig{
				Enabled:     true,
				BindAddress: ":8081",
			},
		},
	}
}

// Validate validates the configuration
func (c *Aargh64Config) Validate() error {
	if c.Operator.Namespace == "" {
		return fmt.Errorf("operator.namespace cannot be empty")
	}

	if c.Operator.GracefulShutdownTimeout < 0 {
		return fmt.Errorf("operator.gracefulShutdownTimeout cannot be negative")
	}

	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 1 and 65535, got %d", c.Webhook.Port)
	}

	if c.Webhook.CertName == "" || c.Webhook.KeyName == "" {
		return fmt.Errorf("webhook.certName and webhook.keyName cannot be empty")
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /, got %q", c.Webhook.Path)
	}

	switch c.Webhook.FailurePolicy {
	case FailurePolicyOpen, FailurePolicyClosed:
	default:
		return fmt.Errorf("webhook.failurePolicy must be %q or %q, got %q",
			FailurePolicyOpen, FailurePolicyClosed, c.Webhook.FailurePolicy)
	}

	if c.Webhook.RequestTimeout <= 0 {
		return fmt.Errorf("webhook.requestTimeout must be positive")
	}

	if c.Webhook.Register && (c.Webhook.ServiceName == "" || c.Webhook.ServiceNamespace == "") {
		return fmt.Errorf("webhook.serviceName and webhook.serviceNamespace are required when webhook.register is set")
	}

	if c.Webhook.UnregisterOnShutdown && !c.Webhook.Register {
		return fmt.Errorf("webhook.unregisterOnShutdown requires webhook.register")
	}

	if c.Registry.Timeout < 0 {
		return fmt.Errorf("registry.timeout cannot be negative")
	}

	if c.Registry.QPS > 0 && c.Registry.Burst <= 0 {
		return fmt.Errorf("registry.burst must be positive when registry.qps is set")
	}

	if c.Registry.FailureThreshold > 0 && c.Registry.RecoveryTimeout <= 0 {
		return fmt.Errorf("registry.recoveryTimeout must be positive when the circuit breaker is enabled")
	}

	if c.Resolution.MaxConcurrentFetches < 0 {
		return fmt.Errorf("resolution.maxConcurrentFetches cannot be negative")
	}

	return nil
}

// FailClosed reports whether resolution failures deny admission
func (c *WebhookConfig) FailClosed() bool {
	return c.FailurePolicy == FailurePolicyClosed
}
