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
	"context"
	"fmt"

	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/akquinet/aargh64/pkg/config"
	"github.com/akquinet/aargh64/pkg/logging"
	"github.com/akquinet/aargh64/pkg/operator"
)

// ApplicationBuilder builds the webhook application using DI
type ApplicationBuilder struct {
	container  *Container
	configFile string
	logLevel   string
	restConfig *rest.Config
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{
		container: NewContainer(),
	}
}

// WithConfigFile sets the configuration file path
func (b *ApplicationBuilder) WithConfigFile(path string) *ApplicationBuilder {
	b.configFile = path
	return b
}

// WithLogLevel overrides the configured log level
func (b *ApplicationBuilder) WithLogLevel(level string) *ApplicationBuilder {
	b.logLevel = level
	return b
}

// WithRESTConfig uses restConfig instead of the kubeconfig/in-cluster lookup
func (b *ApplicationBuilder) WithRESTConfig(restConfig *rest.Config) *ApplicationBuilder {
	b.restConfig = restConfig
	return b
}

// Build loads configuration and the logger. The operator itself is created
// lazily by Start so building never contacts the cluster.
func (b *ApplicationBuilder) Build(_ context.Context) (*Application, error) {
	registry := NewServiceRegistry(b.container).
		WithConfigFile(b.configFile).
		WithLogLevel(b.logLevel).
		WithRESTConfig(b.restConfig)
	if err := registry.RegisterAll(); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	b.container.MustProvide(func(cfg *config.Aargh64Config, logger *logging.Logger) *Application {
		return &Application{
			Config:    cfg,
			Logger:    logger,
			Container: b.container,
		}
	})

	app, err := Resolve[*Application](b.container)
	if err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	return app, nil
}

// Application is the assembled webhook process
type Application struct {
	Config    *config.Aargh64Config
	Logger    *logging.Logger
	Container *Container
}

// Operator resolves the operator from the container, creating it on first use
func (a *Application) Operator() (*operator.Operator, error) {
	op, err := Resolve[*operator.Operator](a.Container)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve operator from DI container: %w", err)
	}
	return op, nil
}

// Start installs the logger globally and runs the operator until ctx is done
func (a *Application) Start(ctx context.Context) error {
	ctrl.SetLogger(a.Logger.Logger)
	if err := logging.SetGlobalLogger(a.Logger); err != nil {
		return fmt.Errorf("failed to install logger: %w", err)
	}

	a.Logger.Info("Starting aargh64 webhook",
		"namespace", a.Config.Operator.Namespace,
		"failure-policy", a.Config.Webhook.FailurePolicy,
		"register", a.Config.Webhook.Register,
		"watch-overrides", a.Config.Operator.WatchOverrides,
		"metrics-enabled", a.Config.Observability.Metrics.Enabled,
	)

	op, err := a.Operator()
	if err != nil {
		return err
	}

	if err := op.Start(ctx); err != nil {
		return fmt.Errorf("failed to start operator: %w", err)
	}

	return nil
}

// Stop logs shutdown; the manager stops with the context passed to Start
func (a *Application) Stop(_ context.Context) error {
	a.Logger.Info("Stopping aargh64 webhook")
	return nil
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *config.Aargh64Config {
	return a.Config
}

// NewApplication creates a new application with configuration from the environment
func NewApplication(ctx context.Context) (*Application, error) {
	return NewApplicationBuilder().Build(ctx)
}

// NewApplicationWithConfig creates a new application with configuration from file
func NewApplicationWithConfig(ctx context.Context, configFile string) (*Application, error) {
	return NewApplicationBuilder().WithConfigFile(configFile).Build(ctx)
}
