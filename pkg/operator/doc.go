/*
Package operator assembles the aargh64 webhook process.

The operator wraps a controller-runtime manager and adds every component
the webhook needs:

  - the TLS admission server, serving the MutationHandler on the configured
    path with certificates from a hot-reloading CertificateWatcher
  - the resolution engine: PlatformOverride lister, guarded registry
    fetcher and per-Pod orchestrator
  - the read-only PlatformOverride watcher (optional)
  - the gin probe server for /healthz, /readyz and /metrics (optional)
  - self-registration of the MutatingWebhookConfiguration (optional)

The manager's own metrics and health listeners are disabled; the probe
server replaces them. Leader election is off because every replica serves
admission requests.

# Startup

Start verifies RBAC with SelfSubjectAccessReviews, registers the webhook
configuration when enabled and then runs the manager until the context is
cancelled:

	restConfig, err := operator.NewRESTConfig(operator.DefaultKubernetesConfig())
	if err != nil {
		return err
	}
	op, err := operator.NewOperator(cfg, restConfig, logger)
	if err != nil {
		return err
	}
	return op.Start(ctrl.SetupSignalHandler())

# Ports

	:8443  admission webhook (TLS)
	:8081  probes and metrics (plain HTTP)
*/
package operator
