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

// Package registry fetches image manifests from OCI registries and guards
// each registry host with a rate limiter and a circuit breaker.
package registry

import (
	"github.com/akquinet/aargh64/pkg/apis"
)

// Kind classifies a fetched manifest.
type Kind int

const (
	// KindImage is a single-platform image manifest
	KindImage Kind = iota
	// KindIndex is a multi-platform image index or Docker manifest list
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

// ManifestDescriptor is one entry of an image index.
type ManifestDescriptor struct {
	// Platform is nil when the index entry declares no platform
	Platform *apis.TargetPlatform
	Digest   string
}

// ImageIndex lists the manifests of an index in registry order.
type ImageIndex []ManifestDescriptor

// Manifest is the result of a manifest fetch. Index is only set for KindIndex.
type Manifest struct {
	Kind      Kind
	MediaType string
	Digest    string
	Index     ImageIndex
}
