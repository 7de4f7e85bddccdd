/*
Package webhook implements the Kubernetes mutating admission webhook that pins
Pod container images to a single platform.

The webhook package glues the resolution engine to controller-runtime's
admission machinery and owns the serving side of the webhook.

# Core Components

MutationHandler handles admission requests:
  - Allows every kind other than Pod unchanged
  - Decodes the Pod, rejecting undecodable objects with 400
  - Asks the resolver for a PatchSet under the configured request timeout
  - Returns admission.Patched with one replace operation per pinned container
  - Applies the failure policy when resolution fails

CertificateWatcher serves the TLS key pair:
  - Loads the pair once before the server starts
  - Plugs into the webhook server through tls.Config.GetCertificate
  - Reloads on fsnotify events, including Secret "..data" symlink swaps
  - Keeps serving the previous pair when a reload fails

Registrar optionally installs the MutatingWebhookConfiguration:
  - Pods, CREATE only, admissionReviewVersions v1, sideEffects None
  - failurePolicy Ignore when failing open, Fail when failing closed
  - The webhook's own namespace is excluded

# Usage

	handler := webhook.NewMutationHandler(engine, scheme, webhook.HandlerConfig{
		FailClosed:     cfg.Webhook.FailClosed(),
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, logger, collector)

	mgr.GetWebhookServer().Register("/mutate", &ctrlwebhook.Admission{Handler: handler})

# Failure Policy

Resolution errors never surface as HTTP errors. With failurePolicy "open"
(the default) the Pod is admitted unmodified and the error is logged; with
"closed" it is denied with the error as reason. Ambiguous overrides and Pods
without containers are logged at error level since an operator has to act on
them. Everything else is logged at info level.

# Logging

Each request carries uid, operation, namespace, name, generateName and a short
resolution_id. The logger is stored in the request context so that the engine
and the registry client log under the same identity.

# Metrics

  - aargh64_webhook_requests_total{result}: patched, allowed, denied, errored, skipped
  - aargh64_webhook_duration_seconds: request latency
  - aargh64_patches_total: container images rewritten
  - aargh64_resolution_errors_total{kind}: failures by error kind

# Related Packages

  - pkg/resolver: Target platform and per-container resolution
  - pkg/registry: Manifest fetching
  - pkg/apis: Error kinds
*/
package webhook
