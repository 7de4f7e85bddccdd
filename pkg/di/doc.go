/*
Package di assembles the aargh64 webhook with Uber dig.

# Core Components

Container wraps a dig container with panic-on-error helpers.

ServiceRegistry provides every service in dependency order:
  - *config.Loader and *config.Aargh64Config (file, then environment)
  - *logging.Logger built from the observability section
  - *operator.KubernetesConfig and *rest.Config
  - *operator.Operator

ApplicationBuilder registers the services and resolves the Application.
Building loads configuration and the logger only; the operator, and with it
the manager and the serving certificate, is created when Start resolves it.

# Usage

	app, err := di.NewApplicationBuilder().
		WithConfigFile("/etc/aargh64/config.yaml").
		WithLogLevel("debug").
		Build(ctx)
	if err != nil {
		return err
	}
	return app.Start(ctrl.SetupSignalHandler())
*/
package di
