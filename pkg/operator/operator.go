/*
Copyright 2024 The aargh64 Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package operator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/platforms"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	ctrlwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/akquinet/aargh64/internal/server"
	"github.com/akquinet/aargh64/pkg/config"
	"github.com/akquinet/aargh64/pkg/controllers"
	"github.com/akquinet/aargh64/pkg/logging"
	"github.com/akquinet/aargh64/pkg/metrics"
	"github.com/akquinet/aargh64/pkg/registry"
	"github.com/akquinet/aargh64/pkg/resolver"
	"github.com/akquinet/aargh64/pkg/webhook"
)

const (
	// overrideControllerName names the PlatformOverride watcher
	overrideControllerName = "platformoverride-watcher"

	// unregisterTimeout bounds the webhook configuration delete on shutdown
	unregisterTimeout = 10 * time.Second
)

// Operator is the assembled aargh64 webhook: a controller-runtime manager
// running the TLS admission server, the certificate watcher, the override
// watcher and the probe server
type Operator struct {
	manager.Manager

	config *config.Aargh64Config
	logger *logging.Logger

	// Core services
	metricsCollector *metrics.Collector
	fetcher          *registry.Guard
	engine           *resolver.Engine
	mutationHandler  *webhook.MutationHandler

	// Webhook serving
	certWatcher *webhook.CertificateWatcher
	registrar   *webhook.Registrar

	// Controllers
	overrideReconciler *controllers.OverrideReconciler

	// HTTP Server components
	healthChecker *server.HealthChecker
	metricsServer *server.MetricsServer
	probeServer   *server.ProbeServer

	// Kubernetes clients
	kubeClient kubernetes.Interface

	// Runtime state
	started bool
}

// NewOperator creates a new webhook operator against restConfig. A nil cfg
// uses defaults; a nil logger uses the default JSON logger.
func NewOperator(cfg *config.Aargh64Config, restConfig *rest.Config, logger *logging.Logger) (*Operator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		var err error
		if logger, err = logging.NewLogger(logging.DefaultConfig()); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}

	operator := &Operator{
		config: cfg,
		logger: logger,
	}

	// The key pair must be readable before the webhook server starts
	certPath, keyPath := CertificatePaths(cfg)
	operator.certWatcher = webhook.NewCertificateWatcher(certPath, keyPath, operator.onCertificateReload)
	if err := operator.certWatcher.Load(); err != nil {
		return nil, fmt.Errorf("failed to load serving certificate: %w", err)
	}

	mgr, err := ctrl.NewManager(restConfig, ManagerOptions(cfg, scheme, operator.certWatcher))
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	operator.Manager = mgr

	kubeClient, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	operator.kubeClient = kubeClient

	if err := operator.initializeCoreServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize core services: %w", err)
	}

	if err := operator.setupWebhooks(); err != nil {
		return nil, fmt.Errorf("failed to setup webhooks: %w", err)
	}

	if err := operator.setupControllers(); err != nil {
		return nil, fmt.Errorf("failed to setup controllers: %w", err)
	}

	if err := operator.initializeHTTPServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return operator, nil
}

// Start verifies RBAC, registers the webhook when configured and runs the
// manager until ctx is done
func (o *Operator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("operator already started")
	}

	setupLog := o.logger.WithName("setup")
	setupLog.Info("Starting aargh64 webhook",
		"namespace", o.config.Operator.Namespace,
		"override-namespace", o.config.Operator.OverrideNamespace,
		"webhook-port", o.config.Webhook.Port,
		"webhook-path", o.config.Webhook.Path,
		"failure-policy", o.config.Webhook.FailurePolicy,
		"host-platform", platforms.DefaultString(),
	)

	permissions := RequiredPermissions(o.config.Operator.OverrideNamespace, o.registrar != nil, o.unregisterOnShutdown())
	if err := ValidatePermissions(ctx, o.kubeClient, permissions); err != nil {
		return fmt.Errorf("insufficient permissions: %w", err)
	}

	if o.registrar != nil {
		if err := o.registrar.Register(ctx); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		setupLog.Info("Registered mutating webhook configuration",
			"name", o.config.Webhook.ConfigurationName)
	}

	o.started = true
	err := o.Manager.Start(ctx)

	if o.unregisterOnShutdown() {
		err = errors.Join(err, o.unregister())
	}

	return err
}

func (o *Operator) unregisterOnShutdown() bool {
	return o.registrar != nil && o.config.Webhook.UnregisterOnShutdown
}

// unregister deletes the webhook configuration. It runs after the manager
// stopped, so it gets its own deadline instead of the cancelled context.
func (o *Operator) unregister() error {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()

	if err := o.registrar.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to unregister webhook: %w", err)
	}

	o.logger.WithName("setup").Info("Removed mutating webhook configuration",
		"name", o.config.Webhook.ConfigurationName)
	return nil
}

// IsStarted reports whether Start has been called
func (o *Operator) IsStarted() bool {
	return o.started
}

// GetConfig returns the operator configuration
func (o *Operator) GetConfig() *config.Aargh64Config {
	return o.config
}

// GetEngine returns the resolution engine
func (o *Operator) GetEngine() *resolver.Engine {
	return o.engine
}

// GetMutationHandler returns the admission handler
func (o *Operator) GetMutationHandler() *webhook.MutationHandler {
	return o.mutationHandler
}

// GetMetricsCollector returns the metrics collector
func (o *Operator) GetMetricsCollector() *metrics.Collector {
	return o.metricsCollector
}

// GetCertificateWatcher returns the serving certificate watcher
func (o *Operator) GetCertificateWatcher() *webhook.CertificateWatcher {
	return o.certWatcher
}

// GetRegistrar returns the webhook registrar, nil unless registration is enabled
func (o *Operator) GetRegistrar() *webhook.Registrar {
	return o.registrar
}

// GetOverrideReconciler returns the override watcher, nil when disabled
func (o *Operator) GetOverrideReconciler() *controllers.OverrideReconciler {
	return o.overrideReconciler
}

// GetHealthChecker returns the health checker
func (o *Operator) GetHealthChecker() *server.HealthChecker {
	return o.healthChecker
}

// GetMetricsServer returns the metrics server
func (o *Operator) GetMetricsServer() *server.MetricsServer {
	return o.metricsServer
}

// GetProbeServer returns the probe server
func (o *Operator) GetProbeServer() *server.ProbeServer {
	return o.probeServer
}

// initializeCoreServices builds metrics and the resolution pipeline
func (o *Operator) initializeCoreServices() error {
	o.metricsCollector = metrics.NewCollector()
	if o.config.Observability.Metrics.Enabled {
		o.metricsCollector.RegisterMetrics(nil)
	}

	o.fetcher = NewFetcher(o.config, o.metricsCollector)

	// Overrides are read uncached so a change applies to the very next Pod
	o.engine = NewEngine(o.config, o.GetAPIReader(), o.fetcher)

	o.mutationHandler = webhook.NewMutationHandler(
		o.engine,
		o.GetScheme(),
		webhook.HandlerConfig{
			FailClosed:     o.config.Webhook.FailClosed(),
			RequestTimeout: o.config.Webhook.RequestTimeout,
		},
		o.logger.WithName("webhook"),
		o.metricsCollector,
	)

	return nil
}

// setupWebhooks mounts the admission handler and the certificate watcher
func (o *Operator) setupWebhooks() error {
	hookServer := o.GetWebhookServer()
	hookServer.Register(o.config.Webhook.Path, &ctrlwebhook.Admission{Handler: o.mutationHandler})

	if err := o.Add(o.certWatcher); err != nil {
		return fmt.Errorf("failed to add certificate watcher: %w", err)
	}

	if o.config.Webhook.Register {
		o.registrar = webhook.NewRegistrar(o.kubeClient, NewRegistrationConfig(o.config))
	}

	return nil
}

// setupControllers registers the read-only override watcher
func (o *Operator) setupControllers() error {
	if !o.config.Operator.WatchOverrides {
		return nil
	}

	o.overrideReconciler = controllers.NewOverrideReconciler(
		o.GetClient(),
		o.GetScheme(),
		o.config.Operator.OverrideNamespace,
		o.metricsCollector,
	)

	if err := o.overrideReconciler.SetupWithManagerNamed(o.Manager, overrideControllerName); err != nil {
		return fmt.Errorf("failed to setup override watcher: %w", err)
	}

	return nil
}

// initializeHTTPServer initializes the probe server components
func (o *Operator) initializeHTTPServer() error {
	if !o.config.Observability.Health.Enabled {
		return nil
	}

	o.healthChecker = server.NewHealthChecker(o.kubeClient, o.certWatcher)

	if o.config.Observability.Metrics.Enabled {
		o.metricsServer = server.NewMetricsServer(nil)
	}

	o.probeServer = server.NewProbeServer(o.config.Observability.Health.BindAddress, o.healthChecker, o.metricsServer)
	if err := o.Add(o.probeServer); err != nil {
		return fmt.Errorf("failed to add probe server: %w", err)
	}

	return nil
}

// onCertificateReload logs every certificate swap
func (o *Operator) onCertificateReload(cert tls.Certificate) {
	values := []interface{}{"chain_length", len(cert.Certificate)}
	if cert.Leaf != nil {
		values = append(values, "subject", cert.Leaf.Subject.String(), "not_after", cert.Leaf.NotAfter)
	}
	o.logger.WithName("certificates").Info("Reloaded serving certificate", values...)
}
