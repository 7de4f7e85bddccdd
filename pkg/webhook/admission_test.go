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
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var _ = Describe("Registrar", func() {
	var (
		ctx        context.Context
		kubeClient *fake.Clientset
		config     RegistrationConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		kubeClient = fake.NewSimpleClientset()
		config = RegistrationConfig{
			ConfigurationName: "aargh64",
			ServiceName:       "aargh64",
			ServiceNamespace:  "aargh64-system",
			Path:              "/mutate",
			CABundle:          []byte("ca"),
			Timeout:           10 * time.Second,
		}
	})

	get := func() *admissionv1.MutatingWebhookConfiguration {
		configuration, err := kubeClient.AdmissionregistrationV1().
			MutatingWebhookConfigurations().
			Get(ctx, "aargh64", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		return configuration
	}

	Describe("Configuration", func() {
		It("should intercept Pod creation only", func() {
			configuration, err := NewRegistrar(kubeClient, config).Configuration()
			Expect(err).NotTo(HaveOccurred())

			Expect(configuration.Name).To(Equal("aargh64"))
			Expect(configuration.Webhooks).To(HaveLen(1))

			hook := configuration.Webhooks[0]
			Expect(hook.Rules).To(HaveLen(1))
			Expect(hook.Rules[0].Operations).To(ConsistOf(admissionv1.Create))
			Expect(hook.Rules[0].Resources).To(ConsistOf("pods"))
			Expect(hook.Rules[0].APIGroups).To(ConsistOf(""))
			Expect(hook.AdmissionReviewVersions).To(ConsistOf("v1"))
			Expect(*hook.SideEffects).To(Equal(admissionv1.SideEffectClassNone))
			Expect(*hook.ClientConfig.Service.Path).To(Equal("/mutate"))
			Expect(hook.ClientConfig.Service.Namespace).To(Equal("aargh64-system"))
			Expect(hook.ClientConfig.CABundle).To(Equal([]byte("ca")))
			Expect(*hook.TimeoutSeconds).To(Equal(int32(10)))
		})

		It("should exclude the webhook's own namespace", func() {
			configuration, err := NewRegistrar(kubeClient, config).Configuration()
			Expect(err).NotTo(HaveOccurred())

			selector := configuration.Webhooks[0].NamespaceSelector
			Expect(selector.MatchExpressions).To(HaveLen(1))
			Expect(selector.MatchExpressions[0].Operator).To(Equal(metav1.LabelSelectorOpNotIn))
			Expect(selector.MatchExpressions[0].Values).To(ConsistOf("aargh64-system"))
		})

		It("should map the failure policy", func() {
			configuration, err := NewRegistrar(kubeClient, config).Configuration()
			Expect(err).NotTo(HaveOccurred())
			Expect(*configuration.Webhooks[0].FailurePolicy).To(Equal(admissionv1.Ignore))

			config.FailClosed = true
			configuration, err = NewRegistrar(kubeClient, config).Configuration()
			Expect(err).NotTo(HaveOccurred())
			Expect(*configuration.Webhooks[0].FailurePolicy).To(Equal(admissionv1.Fail))
		})

		DescribeTable("timeout seconds",
			func(timeout time.Duration, expected int32) {
				config.Timeout = timeout
				configuration, err := NewRegistrar(kubeClient, config).Configuration()
				Expect(err).NotTo(HaveOccurred())
				Expect(*configuration.Webhooks[0].TimeoutSeconds).To(Equal(expected))
			},
			Entry("whole seconds", 5*time.Second, int32(5)),
			Entry("rounded up", 2500*time.Millisecond, int32(3)),
			Entry("capped", time.Minute, int32(30)),
			Entry("unset", time.Duration(0), int32(10)),
		)

		It("should read the CA bundle from the serving certificate", func() {
			dir := GinkgoT().TempDir()
			certPath := filepath.Join(dir, "tls.crt")
			Expect(writeTestCertificate(certPath, filepath.Join(dir, "tls.key"), "aargh64.aargh64-system.svc")).To(Succeed())
			certPEM, err := os.ReadFile(certPath)
			Expect(err).NotTo(HaveOccurred())

			config.CABundle = nil
			config.CertPath = certPath
			configuration, err := NewRegistrar(kubeClient, config).Configuration()
			Expect(err).NotTo(HaveOccurred())
			Expect(configuration.Webhooks[0].ClientConfig.CABundle).To(Equal(certPEM))
		})

		It("should fail when the certificate cannot be read", func() {
			config.CABundle = nil
			config.CertPath = "/nonexistent/tls.crt"
			_, err := NewRegistrar(kubeClient, config).Configuration()
			Expect(err).To(MatchError(ContainSubstring("failed to read CA bundle")))
		})
	})

	Describe("Register", func() {
		It("should create the configuration", func() {
			registrar := NewRegistrar(kubeClient, config)
			Expect(registrar.Register(ctx)).To(Succeed())
			Expect(registrar.IsRegistered()).To(BeTrue())

			Expect(get().Webhooks[0].Name).To(Equal("pods.aargh64.akquinet.de"))
		})

		It("should update an existing configuration", func() {
			Expect(NewRegistrar(kubeClient, config).Register(ctx)).To(Succeed())

			config.FailClosed = true
			Expect(NewRegistrar(kubeClient, config).Register(ctx)).To(Succeed())

			Expect(*get().Webhooks[0].FailurePolicy).To(Equal(admissionv1.Fail))
		})

		It("should surface API errors other than not found", func() {
			kubeClient.PrependReactor("get", "mutatingwebhookconfigurations",
				func(k8stesting.Action) (bool, runtime.Object, error) {
					return true, nil, apierrors.NewForbidden(
						schema.GroupResource{Group: "admissionregistration.k8s.io", Resource: "mutatingwebhookconfigurations"},
						"aargh64", errors.New("rbac"))
				})

			registrar := NewRegistrar(kubeClient, config)
			Expect(registrar.Register(ctx)).To(MatchError(ContainSubstring("failed to get webhook configuration")))
			Expect(registrar.IsRegistered()).To(BeFalse())
		})
	})

	Describe("Cleanup", func() {
		It("should be a no-op when nothing was registered", func() {
			Expect(NewRegistrar(kubeClient, config).Cleanup(ctx)).To(Succeed())
		})

		It("should delete the configuration", func() {
			registrar := NewRegistrar(kubeClient, config)
			Expect(registrar.Register(ctx)).To(Succeed())
			Expect(registrar.Cleanup(ctx)).To(Succeed())
			Expect(registrar.IsRegistered()).To(BeFalse())

			_, err := kubeClient.AdmissionregistrationV1().
				MutatingWebhookConfigurations().
				Get(ctx, "aargh64", metav1.GetOptions{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})
})
