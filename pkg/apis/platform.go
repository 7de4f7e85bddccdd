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

// Package apis defines the core data types shared by the resolution engine,
// the registry client and the admission webhook.
package apis

import (
	"fmt"
	"strings"
)

// TargetPlatform is the os/architecture pair a Pod's images are pinned to.
type TargetPlatform struct {
	// OS is the operating system, e.g. "linux"
	OS string `json:"os"`

	// Architecture is the CPU architecture, e.g. "arm64"
	Architecture string `json:"architecture"`
}

// ParsePlatform parses a "<os>/<architecture>" string.
// The string is split on the first slash; anything after it belongs to the
// architecture, so "linux/arm/v7" yields architecture "arm/v7" and will only
// ever match an index entry declaring that exact architecture.
func ParsePlatform(s string) (TargetPlatform, error) {
	os, arch, found := strings.Cut(s, "/")
	if !found {
		return TargetPlatform{}, fmt.Errorf("platform %q is not of the form <os>/<architecture>", s)
	}

	if os == "" || arch == "" {
		return TargetPlatform{}, fmt.Errorf("platform %q has an empty os or architecture", s)
	}

	return TargetPlatform{OS: os, Architecture: arch}, nil
}

// String renders the platform as "<os>/<architecture>"
func (p TargetPlatform) String() string {
	return p.OS + "/" + p.Architecture
}

// Matches reports whether the given os and architecture equal the target exactly.
func (p TargetPlatform) Matches(os, architecture string) bool {
	return p.OS == os && p.Architecture == architecture
}
