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

package di

import (
	"fmt"

	"k8s.io/client-go/rest"

	"github.com/akquinet/aargh64/pkg/config"
	"github.com/akquinet/aargh64/pkg/logging"
	"github.com/akquinet/aargh64/pkg/operator"
)

// ServiceRegistry registers all webhook services with the DI container
type ServiceRegistry struct {
	container  *Container
	configFile string
	logLevel   string
	restConfig *rest.Config
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(container *Container) *ServiceRegistry {
	return &ServiceRegistry{
		container: container,
	}
}

// WithConfigFile sets the configuration file path
func (r *ServiceRegistry) WithConfigFile(configFile string) *ServiceRegistry {
	r.configFile = configFile
	return r
}

// WithLogLevel overrides the configured log level
func (r *ServiceRegistry) WithLogLevel(level string) *ServiceRegistry {
	r.logLevel = level
	return r
}

// WithRESTConfig uses restConfig instead of loading one from the environment
func (r *ServiceRegistry) WithRESTConfig(restConfig *rest.Config) *ServiceRegistry {
	r.restConfig = restConfig
	return r
}

// RegisterAll registers all services
func (r *ServiceRegistry) RegisterAll() error {
	// Configuration first, everything else depends on it
	if err := r.RegisterConfiguration(); err != nil {
		return fmt.Errorf("failed to register configuration: %w", err)
	}

	if err := r.RegisterLogger(); err != nil {
		return fmt.Errorf("failed to register logger: %w", err)
	}

	if err := r.RegisterKubernetes(); err != nil {
		return fmt.Errorf("failed to register kubernetes client configuration: %w", err)
	}

	if err := r.RegisterOperator(); err != nil {
		return fmt.Errorf("failed to register operator: %w", err)
	}

	return nil
}

// RegisterConfiguration registers the loader and the loaded configuration
func (r *ServiceRegistry) RegisterConfiguration() error {
	if err := r.container.Provide(func() *config.Loader {
		loader := config.NewLoader()
		if r.configFile != "" {
			loader = loader.WithConfigFile(r.configFile)
		}
		return loader
	}); err != nil {
		return err
	}

	return r.container.Provide(func(loader *config.Loader) (*config.Aargh64Config, error) {
		cfg, err := loader.Load()
		if err != nil {
			return nil, err
		}
		if r.logLevel != "" {
			cfg.Observability.Logging.Level = r.logLevel
		}
		return cfg, nil
	})
}

// RegisterLogger registers the structured logger
func (r *ServiceRegistry) RegisterLogger() error {
	return r.container.Provide(func(cfg *config.Aargh64Config) (*logging.Logger, error) {
		return logging.NewLogger(&logging.Config{
			Level:       cfg.Observability.Logging.Level,
			Format:      cfg.Observability.Logging.Format,
			Development: cfg.Observability.Logging.Development,
		})
	})
}

// RegisterKubernetes registers the client limits and the REST configuration
func (r *ServiceRegistry) RegisterKubernetes() error {
	if err := r.container.Provide(operator.DefaultKubernetesConfig); err != nil {
		return err
	}

	return r.container.Provide(func(kubeConfig *operator.KubernetesConfig) (*rest.Config, error) {
		if r.restConfig != nil {
			restConfig := rest.CopyConfig(r.restConfig)
			operator.ApplyClientLimits(restConfig, kubeConfig)
			return restConfig, nil
		}
		return operator.NewRESTConfig(kubeConfig)
	})
}

// RegisterOperator registers the assembled webhook operator
func (r *ServiceRegistry) RegisterOperator() error {
	return r.container.Provide(func(
		cfg *config.Aargh64Config,
		restConfig *rest.Config,
		logger *logging.Logger,
	) (*operator.Operator, error) {
		op, err := operator.NewOperator(cfg, restConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create operator: %w", err)
		}
		return op, nil
	})
}
