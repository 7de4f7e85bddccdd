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

// Package resolver turns a Pod into the JSON Patch that pins its container
// images to a single platform.
//
// Resolution runs in two steps. The TargetResolver picks the platform from
// the Pod's aargh64 annotation or, failing that, from the single
// PlatformOverride in the cluster. The Orchestrator then fetches every
// container's image index in parallel, matches the platform and emits one
// replace operation per container. Any failure fails the whole Pod.
package resolver

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/akquinet/aargh64/pkg/apis"
)

// Engine is the entry point used by the admission handler.
type Engine struct {
	targets      *TargetResolver
	orchestrator *Orchestrator
}

// NewEngine assembles an engine from its collaborators.
func NewEngine(targets *TargetResolver, orchestrator *Orchestrator) *Engine {
	return &Engine{targets: targets, orchestrator: orchestrator}
}

// Resolve returns the patches pinning pod's containers. An empty PatchSet
// means the Pod is admitted unchanged.
func (e *Engine) Resolve(ctx context.Context, pod *corev1.Pod) (PatchSet, error) {
	target, err := e.targets.Resolve(ctx, pod.Annotations)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return PatchSet{}, nil
	}

	if len(pod.Spec.Containers) == 0 {
		return nil, fmt.Errorf("pod %s: %w", podName(pod), apis.ErrNoPodSpec)
	}

	log.FromContext(ctx).V(1).Info("resolving images", "platform", target.String(),
		"containers", len(pod.Spec.Containers))

	return e.orchestrator.Run(ctx, target, pod.Spec.Containers)
}

func podName(pod *corev1.Pod) string {
	if pod.Name != "" {
		return pod.Name
	}
	return pod.GenerateName
}
