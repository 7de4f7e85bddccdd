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
	"crypto/tls"
	"fmt"
	"path/filepath"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	ctrlwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	aarghv1 "github.com/akquinet/aargh64/api/v1"
	"github.com/akquinet/aargh64/pkg/config"
	"github.com/akquinet/aargh64/pkg/registry"
	"github.com/akquinet/aargh64/pkg/resolver"
	"github.com/akquinet/aargh64/pkg/webhook"
)

// disabledBindAddress turns off a controller-runtime listener; the probe
// server owns /healthz, /readyz and /metrics
const disabledBindAddress = "0"

// NewScheme returns the scheme with core Kubernetes types and PlatformOverride
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add client-go scheme: %w", err)
	}
	if err := aarghv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add aargh64 scheme: %w", err)
	}
	return scheme, nil
}

// CertificatePaths returns the serving certificate and key paths
func CertificatePaths(cfg *config.Aargh64Config) (certPath, keyPath string) {
	return filepath.Join(cfg.Webhook.CertDir, cfg.Webhook.CertName),
		filepath.Join(cfg.Webhook.CertDir, cfg.Webhook.KeyName)
}

// ManagerOptions builds the manager options. The webhook server takes its
// certificate from certWatcher when one is given.
func ManagerOptions(cfg *config.Aargh64Config, scheme *runtime.Scheme, certWatcher *webhook.CertificateWatcher) ctrl.Options {
	var tlsOpts []func(*tls.Config)
	if certWatcher != nil {
		tlsOpts = append(tlsOpts, certWatcher.TLSOption)
	}

	shutdownTimeout := cfg.Operator.GracefulShutdownTimeout

	options := ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: disabledBindAddress,
		},
		HealthProbeBindAddress: disabledBindAddress,
		WebhookServer: ctrlwebhook.NewServer(ctrlwebhook.Options{
			Port:     cfg.Webhook.Port,
			CertDir:  cfg.Webhook.CertDir,
			CertName: cfg.Webhook.CertName,
			KeyName:  cfg.Webhook.KeyName,
			TLSOpts:  tlsOpts,
		}),
		GracefulShutdownTimeout: &shutdownTimeout,
		LeaderElection:          false,
	}

	if ns := cfg.Operator.OverrideNamespace; ns != "" {
		options.Cache = cache.Options{
			DefaultNamespaces: map[string]cache.Config{ns: {}},
		}
	}

	return options
}

// NewFetcher builds the guarded registry client: anonymous manifest fetches
// behind a per-registry rate limiter and circuit breaker
func NewFetcher(cfg *config.Aargh64Config, recorder registry.Recorder) *registry.Guard {
	remote := registry.NewRemoteFetcher(registry.FetcherConfig{
		Timeout:   cfg.Registry.Timeout,
		PlainHTTP: cfg.Registry.PlainHTTP,
		UserAgent: cfg.Registry.UserAgent,
	})

	guardConfig := registry.DefaultGuardConfig()
	guardConfig.QPS = cfg.Registry.QPS
	guardConfig.Burst = cfg.Registry.Burst
	guardConfig.FailureThreshold = cfg.Registry.FailureThreshold
	guardConfig.RecoveryTimeout = cfg.Registry.RecoveryTimeout

	return registry.NewGuard(remote, guardConfig, recorder)
}

// NewEngine wires the resolution pipeline. Overrides are read through reader
// on every request.
func NewEngine(cfg *config.Aargh64Config, reader client.Reader, fetcher registry.Fetcher) *resolver.Engine {
	lister := resolver.NewKubeOverrideLister(reader, cfg.Operator.OverrideNamespace)

	return resolver.NewEngine(
		resolver.NewTargetResolver(lister),
		resolver.NewOrchestrator(fetcher, resolver.OrchestratorConfig{
			SkipDigestPinned:     cfg.Resolution.SkipDigestPinned,
			MaxConcurrentFetches: cfg.Resolution.MaxConcurrentFetches,
		}),
	)
}

// NewRegistrationConfig describes the MutatingWebhookConfiguration for cfg
func NewRegistrationConfig(cfg *config.Aargh64Config) webhook.RegistrationConfig {
	certPath, _ := CertificatePaths(cfg)

	return webhook.RegistrationConfig{
		ConfigurationName: cfg.Webhook.ConfigurationName,
		ServiceName:       cfg.Webhook.ServiceName,
		ServiceNamespace:  cfg.Webhook.ServiceNamespace,
		Path:              cfg.Webhook.Path,
		CertPath:          certPath,
		FailClosed:        cfg.Webhook.FailClosed(),
		Timeout:           cfg.Webhook.RequestTimeout,
	}
}
