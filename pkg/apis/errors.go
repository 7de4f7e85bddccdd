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

package apis

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for every resolution failure kind. Typed errors below wrap
// exactly one of these so callers can use errors.Is for classification and
// errors.As for detail.
var (
	ErrParse                   = errors.New("parse error")
	ErrRegistry                = errors.New("registry error")
	ErrNotAnIndex              = errors.New("image is not a multi-platform index")
	ErrNoMatchingPlatform      = errors.New("no manifest matches the target platform")
	ErrMissingPlatformMetadata = errors.New("index entry carries no platform")
	ErrInvalidAnnotation       = errors.New("invalid platform annotation")
	ErrAmbiguousOverride       = errors.New("ambiguous platform override")
	ErrNoPodSpec               = errors.New("pod has no container spec")
	ErrOverrideList            = errors.New("failed to list platform overrides")
	ErrCircuitOpen             = errors.New("registry circuit breaker is open")
)

// ParseError reports an image reference that does not follow
// [registry/]repository[:tag|@digest].
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid image reference %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// RegistryError reports a failed manifest fetch.
type RegistryError struct {
	Reference string
	Err       error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("fetching manifest for %s: %v", e.Reference, e.Err)
}

func (e *RegistryError) Unwrap() []error { return []error{ErrRegistry, e.Err} }

// NotAnIndexError reports a single-platform image where an index was required.
type NotAnIndexError struct {
	Reference string
	MediaType string
}

func (e *NotAnIndexError) Error() string {
	return fmt.Sprintf("%s is a single-platform image (%s), not an image index", e.Reference, e.MediaType)
}

func (e *NotAnIndexError) Unwrap() error { return ErrNotAnIndex }

// NoMatchingPlatformError reports an index without an entry for the target.
type NoMatchingPlatformError struct {
	Target    TargetPlatform
	Available []string
}

func (e *NoMatchingPlatformError) Error() string {
	return fmt.Sprintf("no manifest for platform %s (available: %s)", e.Target, strings.Join(e.Available, ", "))
}

func (e *NoMatchingPlatformError) Unwrap() error { return ErrNoMatchingPlatform }

// MissingPlatformMetadataError reports an index entry without platform data.
type MissingPlatformMetadataError struct {
	Digest   string
	Position int
}

func (e *MissingPlatformMetadataError) Error() string {
	return fmt.Sprintf("index entry %d (%s) has no platform", e.Position, e.Digest)
}

func (e *MissingPlatformMetadataError) Unwrap() error { return ErrMissingPlatformMetadata }

// InvalidAnnotationError reports an unparsable platform value. Source names
// where the value came from: the Pod annotation or a PlatformOverride.
type InvalidAnnotationError struct {
	Source string
	Value  string
	Err    error
}

func (e *InvalidAnnotationError) Error() string {
	return fmt.Sprintf("invalid platform %q from %s: %v", e.Value, e.Source, e.Err)
}

func (e *InvalidAnnotationError) Unwrap() []error { return []error{ErrInvalidAnnotation, e.Err} }

// AmbiguousOverrideError reports two or more PlatformOverride objects.
type AmbiguousOverrideError struct {
	Count  int
	Values []string
}

func (e *AmbiguousOverrideError) Error() string {
	return fmt.Sprintf("found %d platform overrides, expected at most one: [%s]", e.Count, strings.Join(e.Values, ", "))
}

func (e *AmbiguousOverrideError) Unwrap() error { return ErrAmbiguousOverride }

// ContainerError attaches the failing container to a resolution error.
type ContainerError struct {
	Index int
	Name  string
	Image string
	Err   error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("container %d (%s, image %s): %v", e.Index, e.Name, e.Image, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// ErrorKind returns a stable, low-cardinality label for err, used in logs and
// metrics. Configuration problems are checked first since they are the ones
// operators must act on.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAmbiguousOverride):
		return "ambiguous_override"
	case errors.Is(err, ErrNoPodSpec):
		return "no_pod_spec"
	case errors.Is(err, ErrInvalidAnnotation):
		return "invalid_annotation"
	case errors.Is(err, ErrOverrideList):
		return "override_list"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrNotAnIndex):
		return "not_an_index"
	case errors.Is(err, ErrNoMatchingPlatform):
		return "no_matching_platform"
	case errors.Is(err, ErrMissingPlatformMetadata):
		return "missing_platform_metadata"
	case errors.Is(err, ErrRegistry):
		return "registry"
	default:
		return "internal"
	}
}

// IsMisconfiguration reports whether err points at operator misconfiguration
// rather than a transient or per-image problem.
func IsMisconfiguration(err error) bool {
	return errors.Is(err, ErrAmbiguousOverride) || errors.Is(err, ErrNoPodSpec)
}
