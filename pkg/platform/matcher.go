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

// Package platform selects the manifest matching a target platform from an
// image index.
package platform

import (
	"github.com/akquinet/aargh64/pkg/apis"
	"github.com/akquinet/aargh64/pkg/registry"
)

// Match returns the digest of the first index entry whose os and architecture
// equal target exactly. Variant and OS version are ignored. An entry without
// a platform fails the match if it is reached before a matching entry.
func Match(index registry.ImageIndex, target apis.TargetPlatform) (string, error) {
	available := make([]string, 0, len(index))

	for i, entry := range index {
		if entry.Platform == nil {
			return "", &apis.MissingPlatformMetadataError{Digest: entry.Digest, Position: i}
		}

		if target.Matches(entry.Platform.OS, entry.Platform.Architecture) {
			return entry.Digest, nil
		}

		available = append(available, entry.Platform.String())
	}

	return "", &apis.NoMatchingPlatformError{Target: target, Available: available}
}
