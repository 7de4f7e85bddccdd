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

package resolver

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/akquinet/aargh64/internal/reference"
	"github.com/akquinet/aargh64/pkg/apis"
	"github.com/akquinet/aargh64/pkg/platform"
	"github.com/akquinet/aargh64/pkg/registry"
)

// OrchestratorConfig tunes per-Pod resolution.
type OrchestratorConfig struct {
	// SkipDigestPinned leaves images that name a digest and no tag untouched
	SkipDigestPinned bool

	// MaxConcurrentFetches bounds registry fetches per Pod; 0 means unbounded
	MaxConcurrentFetches int
}

// DefaultOrchestratorConfig returns the default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{SkipDigestPinned: true}
}

// Orchestrator resolves every container of a Pod concurrently.
type Orchestrator struct {
	fetcher registry.Fetcher
	config  OrchestratorConfig
}

// NewOrchestrator creates an orchestrator fetching manifests through fetcher.
func NewOrchestrator(fetcher registry.Fetcher, config OrchestratorConfig) *Orchestrator {
	return &Orchestrator{fetcher: fetcher, config: config}
}

// Run pins each container image to target. A nil target is a no-op. The
// result is all-or-nothing: the first failing container cancels the others
// and no patches are returned.
func (o *Orchestrator) Run(ctx context.Context, target *apis.TargetPlatform, containers []corev1.Container) (PatchSet, error) {
	if target == nil {
		return PatchSet{}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.config.MaxConcurrentFetches > 0 {
		g.SetLimit(o.config.MaxConcurrentFetches)
	}

	// Each task owns exactly one slot, so the slice needs no lock and the
	// patches come out in container order.
	slots := make([]*jsonpatch.Operation, len(containers))

	for i, container := range containers {
		if container.Image == "" {
			continue
		}

		g.Go(func() error {
			op, err := o.resolveContainer(gctx, *target, i, container)
			if err != nil {
				return &apis.ContainerError{Index: i, Name: container.Name, Image: container.Image, Err: err}
			}
			slots[i] = op
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	patches := make(PatchSet, 0, len(containers))
	for _, op := range slots {
		if op != nil {
			patches = append(patches, *op)
		}
	}
	return patches, nil
}

func (o *Orchestrator) resolveContainer(ctx context.Context, target apis.TargetPlatform, index int, container corev1.Container) (*jsonpatch.Operation, error) {
	logger := log.FromContext(ctx).WithValues("container", container.Name, "image", container.Image)

	ref, err := reference.Parse(container.Image)
	if err != nil {
		return nil, err
	}

	if o.config.SkipDigestPinned && ref.IsDigestPinned() {
		logger.V(1).Info("image already pinned by digest, skipping")
		return nil, nil
	}

	manifest, err := o.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if manifest.Kind != registry.KindIndex {
		return nil, &apis.NotAnIndexError{Reference: ref.String(), MediaType: manifest.MediaType}
	}

	digest, err := platform.Match(manifest.Index, target)
	if err != nil {
		return nil, err
	}

	op := PatchFor(index, ref, digest)
	logger.V(1).Info("resolved image", "platform", target.String(), "pinned", op.Value)
	return &op, nil
}
