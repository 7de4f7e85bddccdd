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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jsonpatchapply "github.com/evanphx/json-patch/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	aarghv1 "github.com/akquinet/aargh64/api/v1"
	"github.com/akquinet/aargh64/pkg/apis"
	"github.com/akquinet/aargh64/pkg/logging"
	"github.com/akquinet/aargh64/pkg/metrics"
	"github.com/akquinet/aargh64/pkg/registry"
	"github.com/akquinet/aargh64/pkg/registry/registrytest"
	"github.com/akquinet/aargh64/pkg/resolver"
)

type resolverFunc func(ctx context.Context, pod *corev1.Pod) (resolver.PatchSet, error)

func (f resolverFunc) Resolve(ctx context.Context, pod *corev1.Pod) (resolver.PatchSet, error) {
	return f(ctx, pod)
}

type staticLister []aarghv1.PlatformOverride

func (l staticLister) ListOverrides(context.Context) ([]aarghv1.PlatformOverride, error) {
	return l, nil
}

func podRequest(pod *corev1.Pod) admission.Request {
	raw, err := json.Marshal(pod)
	Expect(err).NotTo(HaveOccurred())

	return admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{
			UID:       "705ab4f5-6393-11e8-b7cc-42010a800002",
			Kind:      metav1.GroupVersionKind{Version: "v1", Kind: "Pod"},
			Namespace: "apps",
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: raw},
		},
	}
}

func testPod(annotations map[string]string, images ...string) *corev1.Pod {
	pod := &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "web-7d9c-",
			Annotations:  annotations,
		},
	}
	for i, image := range images {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:  fmt.Sprintf("c%d", i),
			Image: image,
		})
	}
	return pod
}

var _ = Describe("MutationHandler", func() {
	var (
		ctx       context.Context
		scheme    *runtime.Scheme
		logger    *logging.Logger
		collector *metrics.Collector
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme = runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())

		var err error
		logger, err = logging.NewLogger(&logging.Config{Level: "debug", Format: "console"})
		Expect(err).NotTo(HaveOccurred())

		collector = metrics.NewCollector()
		collector.ResetMetrics()
	})

	newHandler := func(fn resolverFunc, config HandlerConfig) *MutationHandler {
		return NewMutationHandler(fn, scheme, config, logger, collector)
	}

	failing := func(err error) resolverFunc {
		return func(context.Context, *corev1.Pod) (resolver.PatchSet, error) {
			return nil, err
		}
	}

	Describe("Handle", func() {
		Context("with unsupported resource kinds", func() {
			It("should allow ConfigMaps without resolving", func() {
				called := false
				handler := newHandler(func(context.Context, *corev1.Pod) (resolver.PatchSet, error) {
					called = true
					return nil, nil
				}, HandlerConfig{})

				response := handler.Handle(ctx, admission.Request{
					AdmissionRequest: admissionv1.AdmissionRequest{
						Kind: metav1.GroupVersionKind{Kind: "ConfigMap"},
					},
				})

				Expect(response.Allowed).To(BeTrue())
				Expect(response.Result.Message).To(ContainSubstring("unsupported resource kind"))
				Expect(called).To(BeFalse())
				Expect(collector.GetMetricsSnapshot().Results).To(HaveKeyWithValue(metrics.ResultSkipped, 1))
			})
		})

		Context("with an undecodable Pod", func() {
			It("should reject the request with 400", func() {
				called := false
				handler := newHandler(func(context.Context, *corev1.Pod) (resolver.PatchSet, error) {
					called = true
					return nil, nil
				}, HandlerConfig{})

				response := handler.Handle(ctx, admission.Request{
					AdmissionRequest: admissionv1.AdmissionRequest{
						Kind:   metav1.GroupVersionKind{Kind: "Pod"},
						Object: runtime.RawExtension{Raw: []byte("{not json")},
					},
				})

				Expect(response.Allowed).To(BeFalse())
				Expect(response.Result.Code).To(Equal(int32(http.StatusBadRequest)))
				Expect(called).To(BeFalse())
				Expect(collector.GetMetricsSnapshot().Results).To(HaveKeyWithValue(metrics.ResultErrored, 1))
			})
		})

		Context("when the resolver returns patches", func() {
			It("should patch the Pod", func() {
				patches := resolver.PatchSet{
					jsonpatch.NewOperation("replace", "/spec/containers/0/image", "example.com/app@sha256:bbb"),
				}
				handler := newHandler(func(context.Context, *corev1.Pod) (resolver.PatchSet, error) {
					return patches, nil
				}, HandlerConfig{})

				response := handler.Handle(ctx, podRequest(testPod(nil, "example.com/app:1.0")))

				Expect(response.Allowed).To(BeTrue())
				Expect(response.Patches).To(Equal([]jsonpatch.JsonPatchOperation(patches)))

				snapshot := collector.GetMetricsSnapshot()
				Expect(snapshot.Results).To(HaveKeyWithValue(metrics.ResultPatched, 1))
				Expect(snapshot.Patches).To(Equal(1))
			})

			It("should pass the decoded Pod to the resolver", func() {
				var seen *corev1.Pod
				handler := newHandler(func(_ context.Context, pod *corev1.Pod) (resolver.PatchSet, error) {
					seen = pod
					return resolver.PatchSet{}, nil
				}, HandlerConfig{})

				handler.Handle(ctx, podRequest(testPod(map[string]string{"aargh64": "linux/arm64"}, "nginx:1.27")))

				Expect(seen).NotTo(BeNil())
				Expect(seen.GenerateName).To(Equal("web-7d9c-"))
				Expect(seen.Annotations).To(HaveKeyWithValue("aargh64", "linux/arm64"))
				Expect(seen.Spec.Containers[0].Image).To(Equal("nginx:1.27"))
			})
		})

		Context("when the resolver returns no patches", func() {
			It("should allow the Pod unchanged", func() {
				handler := newHandler(func(context.Context, *corev1.Pod) (resolver.PatchSet, error) {
					return resolver.PatchSet{}, nil
				}, HandlerConfig{})

				response := handler.Handle(ctx, podRequest(testPod(nil, "nginx")))

				Expect(response.Allowed).To(BeTrue())
				Expect(response.Patches).To(BeEmpty())
				Expect(collector.GetMetricsSnapshot().Results).To(HaveKeyWithValue(metrics.ResultAllowed, 1))
			})
		})

		Context("when resolution fails", func() {
			var notAnIndex error

			BeforeEach(func() {
				notAnIndex = &apis.NotAnIndexError{
					Reference: "example.com/app:1.0",
					MediaType: "application/vnd.oci.image.manifest.v1+json",
				}
			})

			It("should admit the Pod unmodified when failing open", func() {
				handler := newHandler(failing(notAnIndex), HandlerConfig{})

				response := handler.Handle(ctx, podRequest(testPod(nil, "example.com/app:1.0")))

				Expect(response.Allowed).To(BeTrue())
				Expect(response.Patches).To(BeEmpty())
				Expect(response.Result.Message).To(ContainSubstring("not an image index"))

				snapshot := collector.GetMetricsSnapshot()
				Expect(snapshot.Results).To(HaveKeyWithValue(metrics.ResultAllowed, 1))
				Expect(snapshot.Errors).To(HaveKeyWithValue("not_an_index", 1))
			})

			It("should deny the Pod when failing closed", func() {
				handler := newHandler(failing(notAnIndex), HandlerConfig{FailClosed: true})

				response := handler.Handle(ctx, podRequest(testPod(nil, "example.com/app:1.0")))

				Expect(response.Allowed).To(BeFalse())
				Expect(response.Result.Code).To(Equal(int32(http.StatusForbidden)))
				Expect(response.Result.Message).To(ContainSubstring("single-platform image"))
				Expect(collector.GetMetricsSnapshot().Results).To(HaveKeyWithValue(metrics.ResultDenied, 1))
			})

			It("should classify misconfiguration", func() {
				ambiguous := &apis.AmbiguousOverrideError{Count: 2, Values: []string{"a/x=linux/amd64", "b/y=linux/arm64"}}
				handler := newHandler(failing(ambiguous), HandlerConfig{})

				response := handler.Handle(ctx, podRequest(testPod(nil, "nginx")))

				Expect(response.Allowed).To(BeTrue())
				Expect(collector.GetMetricsSnapshot().Errors).To(HaveKeyWithValue("ambiguous_override", 1))
			})
		})

		Context("with a request timeout", func() {
			It("should bound the resolver's context", func() {
				var hadDeadline bool
				handler := newHandler(func(ctx context.Context, _ *corev1.Pod) (resolver.PatchSet, error) {
					_, hadDeadline = ctx.Deadline()
					<-ctx.Done()
					return nil, &apis.RegistryError{Reference: "example.com/app:1.0", Err: ctx.Err()}
				}, HandlerConfig{RequestTimeout: 50 * time.Millisecond})

				start := time.Now()
				response := handler.Handle(ctx, podRequest(testPod(nil, "example.com/app:1.0")))

				Expect(hadDeadline).To(BeTrue())
				Expect(time.Since(start)).To(BeNumerically("<", time.Second))
				Expect(response.Allowed).To(BeTrue())
				Expect(collector.GetMetricsSnapshot().Errors).To(HaveKeyWithValue("registry", 1))
			})
		})
	})

	Describe("with the resolution engine and a registry", func() {
		var reg *registrytest.Registry

		BeforeEach(func() {
			reg = registrytest.New()
			DeferCleanup(reg.Close)
		})

		engineHandler := func(overrides staticLister, config HandlerConfig) *MutationHandler {
			fetcher := registry.NewGuard(
				registry.NewRemoteFetcher(registry.FetcherConfig{PlainHTTP: []string{reg.Host()}}),
				registry.DefaultGuardConfig(),
				collector,
			)
			engine := resolver.NewEngine(
				resolver.NewTargetResolver(overrides),
				resolver.NewOrchestrator(fetcher, resolver.DefaultOrchestratorConfig()),
			)
			return NewMutationHandler(engine, scheme, config, logger, collector)
		}

		It("should pin every container to the annotated platform", func() {
			appDigests, err := reg.AddIndex("app", "1.0",
				registrytest.Platform{OS: "linux", Architecture: "amd64"},
				registrytest.Platform{OS: "linux", Architecture: "arm64"},
			)
			Expect(err).NotTo(HaveOccurred())

			pod := testPod(map[string]string{"aargh64": "linux/arm64"}, reg.Image("app", "1.0"))
			response := engineHandler(nil, HandlerConfig{}).Handle(ctx, podRequest(pod))

			Expect(response.Allowed).To(BeTrue())
			Expect(response.Patches).To(HaveLen(1))

			raw, err := json.Marshal(response.Patches)
			Expect(err).NotTo(HaveOccurred())
			decoded, err := jsonpatchapply.DecodePatch(raw)
			Expect(err).NotTo(HaveOccurred())
			podJSON, err := json.Marshal(pod)
			Expect(err).NotTo(HaveOccurred())
			patched, err := decoded.Apply(podJSON)
			Expect(err).NotTo(HaveOccurred())

			var result corev1.Pod
			Expect(json.Unmarshal(patched, &result)).To(Succeed())
			Expect(result.Spec.Containers[0].Image).To(Equal(reg.Host() + "/app@" + appDigests[1]))
		})

		It("should use the cluster override when the Pod has no annotation", func() {
			_, err := reg.AddIndex("app", "1.0", registrytest.Platform{OS: "linux", Architecture: "amd64"})
			Expect(err).NotTo(HaveOccurred())

			overrides := staticLister{{
				ObjectMeta: metav1.ObjectMeta{Name: "cluster", Namespace: "default"},
				Spec:       aarghv1.PlatformOverrideSpec{Platform: "linux/amd64"},
			}}
			response := engineHandler(overrides, HandlerConfig{}).Handle(ctx, podRequest(testPod(nil, reg.Image("app", "1.0"))))

			Expect(response.Allowed).To(BeTrue())
			Expect(response.Patches).To(HaveLen(1))
		})

		It("should deny a single-platform image when failing closed", func() {
			_, err := reg.AddImage("single", "1.0", registrytest.Platform{OS: "linux", Architecture: "arm64"})
			Expect(err).NotTo(HaveOccurred())

			pod := testPod(map[string]string{"aargh64": "linux/arm64"}, reg.Image("single", "1.0"))
			response := engineHandler(nil, HandlerConfig{FailClosed: true}).Handle(ctx, podRequest(pod))

			Expect(response.Allowed).To(BeFalse())
			Expect(response.Result.Message).To(ContainSubstring("not an image index"))
		})

		It("should leave Pods alone when no platform is requested", func() {
			_, err := reg.AddIndex("app", "1.0", registrytest.Platform{OS: "linux", Architecture: "amd64"})
			Expect(err).NotTo(HaveOccurred())
			reg.ResetRequests()

			response := engineHandler(nil, HandlerConfig{}).Handle(ctx, podRequest(testPod(nil, reg.Image("app", "1.0"))))

			Expect(response.Allowed).To(BeTrue())
			Expect(response.Patches).To(BeEmpty())
			Expect(reg.ManifestRequests()).To(BeZero())
		})
	})
})
