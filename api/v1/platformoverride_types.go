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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PlatformOverrideSpec defines the platform every admitted Pod is pinned to
// when the Pod does not request one itself.
type PlatformOverrideSpec struct {
	// Platform in "<os>/<architecture>" form, e.g. "linux/arm64".
	// +kubebuilder:validation:Pattern=`^[^/]+/[^/]+$`
	Platform string `json:"platform"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:shortName=apo
// +kubebuilder:printcolumn:name="Platform",type=string,JSONPath=`.spec.platform`

// PlatformOverride is the Schema for the platformoverrides API.
// At most one instance may exist in the watched namespace.
type PlatformOverride struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec PlatformOverrideSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// PlatformOverrideList contains a list of PlatformOverride
type PlatformOverrideList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []PlatformOverride `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PlatformOverride{}, &PlatformOverrideList{})
}
