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
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	aarghv1 "github.com/akquinet/aargh64/api/v1"
	"github.com/akquinet/aargh64/internal/annotations"
	"github.com/akquinet/aargh64/pkg/apis"
)

// DefaultOverrideNamespace is where PlatformOverride objects are listed.
const DefaultOverrideNamespace = "default"

// OverrideLister lists the cluster-wide PlatformOverride objects.
type OverrideLister interface {
	ListOverrides(ctx context.Context) ([]aarghv1.PlatformOverride, error)
}

// KubeOverrideLister lists overrides through a controller-runtime reader.
type KubeOverrideLister struct {
	reader    client.Reader
	namespace string
}

// NewKubeOverrideLister lists overrides in namespace. An empty namespace
// lists across all namespaces.
func NewKubeOverrideLister(reader client.Reader, namespace string) *KubeOverrideLister {
	return &KubeOverrideLister{reader: reader, namespace: namespace}
}

// ListOverrides implements OverrideLister.
func (l *KubeOverrideLister) ListOverrides(ctx context.Context) ([]aarghv1.PlatformOverride, error) {
	var list aarghv1.PlatformOverrideList
	if err := l.reader.List(ctx, &list, client.InNamespace(l.namespace)); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// TargetResolver determines the platform a Pod's images are pinned to.
type TargetResolver struct {
	annotations *annotations.AnnotationParser
	overrides   OverrideLister
}

// NewTargetResolver creates a resolver reading overrides from lister.
func NewTargetResolver(lister OverrideLister) *TargetResolver {
	return &TargetResolver{
		annotations: annotations.NewAnnotationParser(),
		overrides:   lister,
	}
}

// Resolve returns the target platform for a Pod with the given annotations,
// or nil when neither the Pod nor the cluster asks for one. The Pod
// annotation always wins and, when present, no overrides are listed.
func (r *TargetResolver) Resolve(ctx context.Context, podAnnotations map[string]string) (*apis.TargetPlatform, error) {
	target, present, err := r.annotations.ParsePlatform(podAnnotations)
	if present {
		return target, err
	}

	overrides, err := r.overrides.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apis.ErrOverrideList, err)
	}

	switch len(overrides) {
	case 0:
		return nil, nil
	case 1:
		override := overrides[0]
		parsed, err := apis.ParsePlatform(override.Spec.Platform)
		if err != nil {
			return nil, &apis.InvalidAnnotationError{
				Source: fmt.Sprintf("PlatformOverride %s/%s", override.Namespace, override.Name),
				Value:  override.Spec.Platform,
				Err:    err,
			}
		}
		log.FromContext(ctx).V(1).Info("using cluster platform override",
			"override", override.Name, "platform", parsed.String())
		return &parsed, nil
	default:
		values := make([]string, 0, len(overrides))
		for _, o := range overrides {
			values = append(values, fmt.Sprintf("%s/%s=%s", o.Namespace, o.Name, o.Spec.Platform))
		}
		return nil, &apis.AmbiguousOverrideError{Count: len(overrides), Values: values}
	}
}
