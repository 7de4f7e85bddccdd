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
	"fmt"

	"gomodules.xyz/jsonpatch/v2"

	"github.com/akquinet/aargh64/internal/reference"
)

// PatchSet is the ordered list of JSON Patch operations produced for a Pod,
// sorted by container index.
type PatchSet []jsonpatch.Operation

// PatchFor replaces the image of container index with ref pinned to digest.
func PatchFor(index int, ref reference.ImageReference, digest string) jsonpatch.Operation {
	return jsonpatch.NewOperation("replace", fmt.Sprintf("/spec/containers/%d/image", index), ref.Pinned(digest))
}
