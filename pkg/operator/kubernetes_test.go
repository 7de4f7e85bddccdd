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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"
)

var _ = Describe("Kubernetes", func() {
	Describe("DefaultKubernetesConfig", func() {
		It("should return sensible defaults", func() {
			defaults := DefaultKubernetesConfig()
			Expect(defaults.Kubeconfig).To(BeEmpty())
			Expect(defaults.QPS).To(Equal(float32(20.0)))
			Expect(defaults.Burst).To(Equal(30))
			Expect(defaults.Timeout).To(Equal(30 * time.Second))
			Expect(defaults.UserAgent).To(Equal("aargh64-webhook"))
		})
	})

	Describe("ApplyClientLimits", func() {
		It("should copy limits onto the REST config", func() {
			restConfig := &rest.Config{Host: "https://example.invalid", UserAgent: "original"}
			ApplyClientLimits(restConfig, &KubernetesConfig{QPS: 5, Burst: 7, Timeout: time.Second, UserAgent: "aargh64-test"})

			Expect(restConfig.QPS).To(Equal(float32(5)))
			Expect(restConfig.Burst).To(Equal(7))
			Expect(restConfig.Timeout).To(Equal(time.Second))
			Expect(restConfig.UserAgent).To(Equal("aargh64-test"))
		})

		It("should keep the user agent when none is configured", func() {
			restConfig := &rest.Config{UserAgent: "original"}
			ApplyClientLimits(restConfig, &KubernetesConfig{})
			Expect(restConfig.UserAgent).To(Equal("original"))
		})
	})

	Describe("NewRESTConfig", func() {
		It("should fail on a missing kubeconfig file", func() {
			_, err := NewRESTConfig(&KubernetesConfig{Kubeconfig: "/nonexistent/kubeconfig"})
			Expect(err).To(MatchError(ContainSubstring("/nonexistent/kubeconfig")))
		})
	})

	Describe("RequiredPermissions", func() {
		It("should only need override access without registration", func() {
			permissions := RequiredPermissions("default", false, false)
			Expect(permissions).To(ConsistOf(
				Permission{Group: "aargh64.akquinet.de", Resource: "platformoverrides", Verb: "list", Namespace: "default"},
				Permission{Group: "aargh64.akquinet.de", Resource: "platformoverrides", Verb: "watch", Namespace: "default"},
			))
		})

		It("should add webhook configuration access for registration", func() {
			permissions := RequiredPermissions("", true, false)
			Expect(permissions).To(HaveLen(5))
			Expect(permissions).To(ContainElement(Permission{
				Group: "admissionregistration.k8s.io", Resource: "mutatingwebhookconfigurations", Verb: "update",
			}))
			Expect(permissions).NotTo(ContainElement(HaveField("Verb", "delete")))
		})

		It("should add delete access for unregistering on shutdown", func() {
			permissions := RequiredPermissions("", true, true)
			Expect(permissions).To(HaveLen(6))
			Expect(permissions).To(ContainElement(Permission{
				Group: "admissionregistration.k8s.io", Resource: "mutatingwebhookconfigurations", Verb: "delete",
			}))
		})

		It("should render a readable permission", func() {
			Expect(Permission{Group: "g", Resource: "r", Verb: "list"}.String()).To(Equal("g:r:list (namespace *)"))
			Expect(Permission{Group: "g", Resource: "r", Verb: "list", Namespace: "ns"}.String()).To(Equal("g:r:list (namespace ns)"))
		})
	})

	Describe("ValidatePermissions", func() {
		var (
			ctx        context.Context
			fakeClient *fake.Clientset
			reviewed   []authorizationv1.ResourceAttributes
		)

		BeforeEach(func() {
			ctx = context.Background()
			fakeClient = fake.NewSimpleClientset()
			reviewed = nil
		})

		reviewWith := func(decide func(authorizationv1.ResourceAttributes) (bool, string)) {
			fakeClient.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
				review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
				attributes := *review.Spec.ResourceAttributes
				reviewed = append(reviewed, attributes)

				allowed, reason := decide(attributes)
				result := review.DeepCopy()
				result.Status = authorizationv1.SubjectAccessReviewStatus{Allowed: allowed, Reason: reason}
				return true, result, nil
			})
		}

		It("should pass when every permission is granted", func() {
			reviewWith(func(authorizationv1.ResourceAttributes) (bool, string) { return true, "" })

			Expect(ValidatePermissions(ctx, fakeClient, RequiredPermissions("default", true, false))).To(Succeed())
			Expect(reviewed).To(HaveLen(5))
			Expect(reviewed[0].Namespace).To(Equal("default"))
		})

		It("should name the first denied permission", func() {
			reviewWith(func(attributes authorizationv1.ResourceAttributes) (bool, string) {
				if attributes.Verb == "watch" {
					return false, "no RBAC policy matched"
				}
				return true, ""
			})

			err := ValidatePermissions(ctx, fakeClient, RequiredPermissions("default", true, false))
			Expect(err).To(MatchError(ContainSubstring("platformoverrides:watch")))
			Expect(err).To(MatchError(ContainSubstring("no RBAC policy matched")))
			Expect(reviewed).To(HaveLen(2))
		})

		It("should report a denial without reason", func() {
			reviewWith(func(authorizationv1.ResourceAttributes) (bool, string) { return false, "" })

			err := ValidatePermissions(ctx, fakeClient, RequiredPermissions("default", false, false))
			Expect(err).To(MatchError(ContainSubstring("denied")))
		})

		It("should surface API errors", func() {
			fakeClient.PrependReactor("create", "selfsubjectaccessreviews", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, errors.New("connection refused")
			})

			err := ValidatePermissions(ctx, fakeClient, RequiredPermissions("default", false, false))
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
		})
	})
})
