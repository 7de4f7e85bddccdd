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

// Package reference parses container image strings into their registry,
// repository and tag-or-digest parts.
package reference

import (
	"errors"

	distref "github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/akquinet/aargh64/pkg/apis"
)

// DefaultTag is assumed when an image names neither a tag nor a digest.
const DefaultTag = "latest"

// ImageReference is a parsed container image.
type ImageReference struct {
	// Registry is the host (and optional port), normalised so that Docker Hub
	// short names resolve to "docker.io"
	Registry string

	// Repository is the path within the registry, e.g. "library/nginx"
	Repository string

	Tag    string
	Digest digest.Digest
}

// Parse parses an image string of the form [registry/]repository[:tag|@digest].
func Parse(image string) (ImageReference, error) {
	if image == "" {
		return ImageReference{}, &apis.ParseError{Input: image, Err: errors.New("empty image reference")}
	}

	named, err := distref.ParseNormalizedNamed(image)
	if err != nil {
		return ImageReference{}, &apis.ParseError{Input: image, Err: err}
	}

	ref := ImageReference{
		Registry:   distref.Domain(named),
		Repository: distref.Path(named),
	}
	if tagged, ok := named.(distref.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(distref.Digested); ok {
		ref.Digest = digested.Digest()
	}

	return ref, nil
}

// Name returns "<registry>/<repository>".
func (r ImageReference) Name() string {
	return r.Registry + "/" + r.Repository
}

// TagOrDigest returns the digest when present, else the tag, else DefaultTag.
func (r ImageReference) TagOrDigest() string {
	switch {
	case r.Digest != "":
		return r.Digest.String()
	case r.Tag != "":
		return r.Tag
	default:
		return DefaultTag
	}
}

// String renders the reference in a form registries accept for manifest pulls.
func (r ImageReference) String() string {
	if r.Digest != "" {
		return r.Name() + "@" + r.Digest.String()
	}
	return r.Name() + ":" + r.TagOrDigest()
}

// Pinned renders the reference pinned to digest with any tag dropped.
func (r ImageReference) Pinned(digest string) string {
	return r.Name() + "@" + digest
}

// IsDigestPinned reports whether the image names a digest and no tag.
func (r ImageReference) IsDigestPinned() bool {
	return r.Digest != "" && r.Tag == ""
}
