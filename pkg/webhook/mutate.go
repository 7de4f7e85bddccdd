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
	"net/http"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/akquinet/aargh64/internal/annotations"
	"github.com/akquinet/aargh64/pkg/apis"
	"github.com/akquinet/aargh64/pkg/logging"
	"github.com/akquinet/aargh64/pkg/metrics"
	"github.com/akquinet/aargh64/pkg/resolver"
)

// PodResolver computes the image patches for a Pod. *resolver.Engine implements it.
type PodResolver interface {
	Resolve(ctx context.Context, pod *corev1.Pod) (resolver.PatchSet, error)
}

// HandlerConfig controls how resolution failures surface to the API server
type HandlerConfig struct {
	// FailClosed denies Pods whose images could not be resolved
	FailClosed bool

	// RequestTimeout bounds resolution of a single request; 0 leaves the
	// API server's own deadline in charge
	RequestTimeout time.Duration
}

// MutationHandler pins the container images of admitted Pods to a single platform
type MutationHandler struct {
	resolver    PodResolver
	config      HandlerConfig
	logger      *logging.Logger
	metrics     *metrics.Collector
	decoder     admission.Decoder
	annotations *annotations.AnnotationParser
}

// NewMutationHandler creates a new mutation handler
func NewMutationHandler(
	podResolver PodResolver,
	scheme *runtime.Scheme,
	config HandlerConfig,
	logger *logging.Logger,
	collector *metrics.Collector,
) *MutationHandler {
	return &MutationHandler{
		resolver:    podResolver,
		config:      config,
		logger:      logger,
		metrics:     collector,
		decoder:     admission.NewDecoder(scheme),
		annotations: annotations.NewAnnotationParser(),
	}
}

// Handle processes admission webhook requests
func (m *MutationHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	timer := metrics.NewTimer()

	if req.Kind.Kind != "Pod" {
		log.FromContext(ctx).V(1).Info("Unsupported resource kind, allowing", "kind", req.Kind.Kind)
		timer.ObserveWebhook(m.metrics, metrics.ResultSkipped)
		return admission.Allowed("unsupported resource kind")
	}

	var pod corev1.Pod
	if err := m.decoder.Decode(req, &pod); err != nil {
		log.FromContext(ctx).Error(err, "Failed to decode pod", "uid", req.UID)
		timer.ObserveWebhook(m.metrics, metrics.ResultErrored)
		return admission.Errored(http.StatusBadRequest, err)
	}

	response, result := m.mutatePod(ctx, req, &pod)
	timer.ObserveWebhook(m.metrics, result)
	return response
}

// mutatePod resolves the Pod's images and maps the outcome to an admission response
func (m *MutationHandler) mutatePod(ctx context.Context, req admission.Request, pod *corev1.Pod) (admission.Response, string) {
	namespace := pod.Namespace
	if namespace == "" {
		namespace = req.Namespace
	}

	logger := m.logger.
		WithAdmission(string(req.UID), string(req.Operation), namespace, pod.Name, pod.GenerateName).
		WithValues("resolution_id", uuid.NewString()[:8])
	ctx = log.IntoContext(ctx, logger.Logger)

	if m.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.RequestTimeout)
		defer cancel()
	}

	patches, err := m.resolver.Resolve(ctx, pod)
	if err != nil {
		return m.failed(logger, err)
	}

	if len(patches) == 0 {
		logger.V(1).Info("No platform requested, admitting unchanged")
		return admission.Allowed("no platform requested"), metrics.ResultAllowed
	}

	m.metrics.RecordPatches(len(patches))
	source := "override"
	if m.annotations.HasPlatformAnnotation(pod) {
		source = "annotation"
	}
	logger.Info("Pinned container images", "patches", len(patches), "platform_source", source)

	return admission.Patched(fmt.Sprintf("pinned %d container image(s)", len(patches)), patches...), metrics.ResultPatched
}

// failed logs a resolution error and applies the failure policy
func (m *MutationHandler) failed(logger *logging.Logger, err error) (admission.Response, string) {
	kind := apis.ErrorKind(err)
	m.metrics.RecordResolutionError(kind)

	if apis.IsMisconfiguration(err) {
		logger.Error(err, "Platform resolution misconfigured", "kind", kind)
	} else {
		logger.Info("Platform resolution failed", "kind", kind, "error", err.Error())
	}

	if m.config.FailClosed {
		return admission.Denied(fmt.Sprintf("aargh64: %v", err)), metrics.ResultDenied
	}

	return admission.Allowed(fmt.Sprintf("aargh64: admitted unmodified: %v", err)), metrics.ResultAllowed
}
