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

package webhook

import (
	"context"
	"fmt"
	"os"
	"time"

	admissionv1 "k8s.io/api/admissionregistration/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
)

// maxTimeoutSeconds is the upper bound the API server accepts for a webhook call
const maxTimeoutSeconds = 30

// RegistrationConfig describes the MutatingWebhookConfiguration to install
type RegistrationConfig struct {
	// ConfigurationName is the name of the MutatingWebhookConfiguration object
	ConfigurationName string

	// ServiceName, ServiceNamespace and Path address the webhook Service
	ServiceName      string
	ServiceNamespace string
	Path             string

	// CABundle verifies the serving certificate; CertPath is read when it is empty
	CABundle []byte
	CertPath string

	// FailClosed maps to failurePolicy Fail, otherwise Ignore
	FailClosed bool

	// Timeout is rounded up to whole seconds and capped at 30
	Timeout time.Duration
}

// Registrar installs and removes the webhook's MutatingWebhookConfiguration
type Registrar struct {
	config     RegistrationConfig
	kubeClient kubernetes.Interface
	registered bool
}

// NewRegistrar creates a new registrar
func NewRegistrar(kubeClient kubernetes.Interface, config RegistrationConfig) *Registrar {
	return &Registrar{
		config:     config,
		kubeClient: kubeClient,
	}
}

// Configuration builds the desired MutatingWebhookConfiguration. Only Pod
// creation is intercepted and the webhook's own namespace is excluded so the
// webhook never blocks its own rollout.
func (r *Registrar) Configuration() (*admissionv1.MutatingWebhookConfiguration, error) {
	caBundle, err := r.caBundle()
	if err != nil {
		return nil, err
	}

	failurePolicy := admissionv1.Ignore
	if r.config.FailClosed {
		failurePolicy = admissionv1.Fail
	}
	sideEffects := admissionv1.SideEffectClassNone
	reinvocation := admissionv1.NeverReinvocationPolicy
	timeoutSeconds := r.timeoutSeconds()
	path := r.config.Path

	return &admissionv1.MutatingWebhookConfiguration{
		ObjectMeta: metav1.ObjectMeta{
			Name: r.config.ConfigurationName,
			Labels: map[string]string{
				"app.kubernetes.io/name":       "aargh64",
				"app.kubernetes.io/component":  "webhook",
				"app.kubernetes.io/managed-by": "aargh64",
			},
		},
		Webhooks: []admissionv1.MutatingWebhook{
			{
				Name: "pods.aargh64.akquinet.de",
				ClientConfig: admissionv1.WebhookClientConfig{
					Service: &admissionv1.ServiceReference{
						Name:      r.config.ServiceName,
						Namespace: r.config.ServiceNamespace,
						Path:      &path,
					},
					CABundle: caBundle,
				},
				Rules: []admissionv1.RuleWithOperations{
					{
						Operations: []admissionv1.OperationType{admissionv1.Create},
						Rule: admissionv1.Rule{
							APIGroups:   []string{""},
							APIVersions: []string{"v1"},
							Resources:   []string{"pods"},
						},
					},
				},
				NamespaceSelector: &metav1.LabelSelector{
					MatchExpressions: []metav1.LabelSelectorRequirement{
						{
							Key:      "kubernetes.io/metadata.name",
							Operator: metav1.LabelSelectorOpNotIn,
							Values:   []string{r.config.ServiceNamespace},
						},
					},
				},
				FailurePolicy:           &failurePolicy,
				SideEffects:             &sideEffects,
				ReinvocationPolicy:      &reinvocation,
				AdmissionReviewVersions: []string{"v1"},
				TimeoutSeconds:          &timeoutSeconds,
			},
		},
	}, nil
}

// Register creates or updates the MutatingWebhookConfiguration
func (r *Registrar) Register(ctx context.Context) error {
	configuration, err := r.Configuration()
	if err != nil {
		return err
	}

	api := r.kubeClient.AdmissionregistrationV1().MutatingWebhookConfigurations()

	existing, err := api.Get(ctx, configuration.Name, metav1.GetOptions{})
	switch {
	case err == nil:
		existing.Labels = configuration.Labels
		existing.Webhooks = configuration.Webhooks
		if _, err := api.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to update webhook configuration: %w", err)
		}
	case apierrors.IsNotFound(err):
		if _, err := api.Create(ctx, configuration, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create webhook configuration: %w", err)
		}
	default:
		return fmt.Errorf("failed to get webhook configuration: %w", err)
	}

	ctrl.Log.WithName("webhook-registrar").Info("Registered mutating webhook",
		"configuration", configuration.Name,
		"service", r.config.ServiceNamespace+"/"+r.config.ServiceName,
		"failurePolicy", string(*configuration.Webhooks[0].FailurePolicy),
	)

	r.registered = true
	return nil
}

// IsRegistered returns true if the webhook is registered
func (r *Registrar) IsRegistered() bool {
	return r.registered
}

// Cleanup removes the webhook configuration from the cluster
func (r *Registrar) Cleanup(ctx context.Context) error {
	if !r.registered {
		return nil
	}

	err := r.kubeClient.AdmissionregistrationV1().
		MutatingWebhookConfigurations().
		Delete(ctx, r.config.ConfigurationName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete webhook configuration: %w", err)
	}

	r.registered = false
	return nil
}

// caBundle returns the configured bundle or the serving certificate itself,
// which is what a self-signed setup needs
func (r *Registrar) caBundle() ([]byte, error) {
	if len(r.config.CABundle) > 0 || r.config.CertPath == "" {
		return r.config.CABundle, nil
	}

	certPEM, err := os.ReadFile(r.config.CertPath) // #nosec G304 - certificate path is trusted configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	return certPEM, nil
}

func (r *Registrar) timeoutSeconds() int32 {
	seconds := int32((r.config.Timeout + time.Second - 1) / time.Second)
	switch {
	case seconds <= 0:
		return 10
	case seconds > maxTimeoutSeconds:
		return maxTimeoutSeconds
	default:
		return seconds
	}
}
