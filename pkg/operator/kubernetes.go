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
	"errors"
	"fmt"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"

	aarghv1 "github.com/akquinet/aargh64/api/v1"
)

const (
	verbGet    = "get"
	verbList   = "list"
	verbWatch  = "watch"
	verbCreate = "create"
	verbUpdate = "update"
	verbDelete = "delete"

	admissionRegistrationGroup = "admissionregistration.k8s.io"
)

// KubernetesConfig contains Kubernetes client configuration
type KubernetesConfig struct {
	// Kubeconfig is an explicit kubeconfig path; empty uses in-cluster or
	// the default loading rules
	Kubeconfig string
	QPS        float32
	Burst      int
	Timeout    time.Duration
	UserAgent  string
}

// DefaultKubernetesConfig returns default Kubernetes client configuration
func DefaultKubernetesConfig() *KubernetesConfig {
	return &KubernetesConfig{
		QPS:       20.0,
		Burst:     30,
		Timeout:   30 * time.Second,
		UserAgent: "aargh64-webhook",
	}
}

// NewRESTConfig loads the REST configuration and applies the client limits
func NewRESTConfig(config *KubernetesConfig) (*rest.Config, error) {
	if config == nil {
		config = DefaultKubernetesConfig()
	}

	var restConfig *rest.Config
	var err error
	if config.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", config.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig from %s: %w", config.Kubeconfig, err)
		}
	} else {
		restConfig, err = ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	ApplyClientLimits(restConfig, config)
	return restConfig, nil
}

// ApplyClientLimits copies rate limits, timeout and user agent onto restConfig
func ApplyClientLimits(restConfig *rest.Config, config *KubernetesConfig) {
	restConfig.QPS = config.QPS
	restConfig.Burst = config.Burst
	restConfig.Timeout = config.Timeout
	if config.UserAgent != "" {
		restConfig.UserAgent = config.UserAgent
	}
}

// Permission is a single RBAC requirement of the webhook
type Permission struct {
	Group     string
	Resource  string
	Verb      string
	Namespace string
}

func (p Permission) String() string {
	scope := p.Namespace
	if scope == "" {
		scope = "*"
	}
	return fmt.Sprintf("%s:%s:%s (namespace %s)", p.Group, p.Resource, p.Verb, scope)
}

// RequiredPermissions lists what the webhook needs: reading PlatformOverride
// objects and, when self-registering, managing its webhook configuration.
func RequiredPermissions(overrideNamespace string, register, unregister bool) []Permission {
	group := aarghv1.GroupVersion.Group
	permissions := []Permission{
		{Group: group, Resource: "platformoverrides", Verb: verbList, Namespace: overrideNamespace},
		{Group: group, Resource: "platformoverrides", Verb: verbWatch, Namespace: overrideNamespace},
	}

	if register {
		verbs := []string{verbGet, verbCreate, verbUpdate}
		if unregister {
			verbs = append(verbs, verbDelete)
		}
		for _, verb := range verbs {
			permissions = append(permissions, Permission{
				Group:    admissionRegistrationGroup,
				Resource: "mutatingwebhookconfigurations",
				Verb:     verb,
			})
		}
	}

	return permissions
}

// ValidatePermissions checks every permission with a SelfSubjectAccessReview
// and fails on the first one that is denied
func ValidatePermissions(ctx context.Context, kubeClient kubernetes.Interface, permissions []Permission) error {
	for _, perm := range permissions {
		if err := validatePermission(ctx, kubeClient, perm); err != nil {
			return fmt.Errorf("missing permission %s: %w", perm, err)
		}
	}
	return nil
}

// validatePermission asks the API server whether the current identity holds perm
func validatePermission(ctx context.Context, kubeClient kubernetes.Interface, perm Permission) error {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Group:     perm.Group,
				Resource:  perm.Resource,
				Verb:      perm.Verb,
				Namespace: perm.Namespace,
			},
		},
	}

	result, err := kubeClient.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return err
	}
	if !result.Status.Allowed {
		reason := result.Status.Reason
		if reason == "" {
			reason = "denied"
		}
		return errors.New(reason)
	}
	return nil
}
