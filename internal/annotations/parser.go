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

// Package annotations reads the aargh64 platform annotation from Kubernetes
// objects.
package annotations

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/akquinet/aargh64/pkg/apis"
)

const (
	// PlatformAnnotation selects the target platform for a Pod, e.g. "linux/arm64"
	PlatformAnnotation = "aargh64"

	// platformSource names the annotation in errors
	platformSource = "annotation " + PlatformAnnotation
)

// AnnotationParser provides methods for parsing aargh64 annotations
type AnnotationParser struct{}

// NewAnnotationParser creates a new annotation parser
func NewAnnotationParser() *AnnotationParser {
	return &AnnotationParser{}
}

// ParsePlatform reads the platform annotation from an annotation map.
// present reports whether the key exists at all; an existing but malformed
// value yields present=true together with an InvalidAnnotationError.
func (p *AnnotationParser) ParsePlatform(annotations map[string]string) (target *apis.TargetPlatform, present bool, err error) {
	value, present := annotations[PlatformAnnotation]
	if !present {
		return nil, false, nil
	}

	parsed, err := apis.ParsePlatform(value)
	if err != nil {
		return nil, true, &apis.InvalidAnnotationError{Source: platformSource, Value: value, Err: err}
	}

	return &parsed, true, nil
}

// HasPlatformAnnotation checks if the object carries the platform annotation
func (p *AnnotationParser) HasPlatformAnnotation(obj metav1.Object) bool {
	_, exists := p.GetAnnotationValue(obj, PlatformAnnotation)
	return exists
}

// GetAnnotationValue safely retrieves an annotation value
func (p *AnnotationParser) GetAnnotationValue(obj metav1.Object, key string) (string, bool) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		return "", false
	}

	value, exists := annotations[key]
	return value, exists
}
