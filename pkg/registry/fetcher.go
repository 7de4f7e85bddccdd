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

package registry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/akquinet/aargh64/internal/reference"
	"github.com/akquinet/aargh64/pkg/apis"
)

// Fetcher retrieves the manifest an image reference points at.
type Fetcher interface {
	Fetch(ctx context.Context, ref reference.ImageReference) (*Manifest, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ref reference.ImageReference) (*Manifest, error)

// Fetch calls f(ctx, ref).
func (f FetcherFunc) Fetch(ctx context.Context, ref reference.ImageReference) (*Manifest, error) {
	return f(ctx, ref)
}

// FetcherConfig configures a RemoteFetcher.
type FetcherConfig struct {
	// Timeout bounds a single manifest request; zero leaves it to the caller's context
	Timeout time.Duration

	// PlainHTTP lists registry hosts reached over plain HTTP
	PlainHTTP []string

	// UserAgent is sent with every registry request
	UserAgent string

	// Transport overrides the HTTP transport, used by tests
	Transport http.RoundTripper
}

// RemoteFetcher pulls manifests anonymously over the OCI distribution API.
// Only the manifest is requested, never layer blobs.
type RemoteFetcher struct {
	config FetcherConfig
}

// NewRemoteFetcher creates a fetcher with the given configuration.
func NewRemoteFetcher(config FetcherConfig) *RemoteFetcher {
	return &RemoteFetcher{config: config}
}

// Fetch implements Fetcher.
func (f *RemoteFetcher) Fetch(ctx context.Context, ref reference.ImageReference) (*Manifest, error) {
	var nameOpts []name.Option
	if slices.Contains(f.config.PlainHTTP, ref.Registry) {
		nameOpts = append(nameOpts, name.Insecure)
	}

	target, err := name.ParseReference(ref.String(), nameOpts...)
	if err != nil {
		return nil, &apis.ParseError{Input: ref.String(), Err: err}
	}

	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	remoteOpts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(authn.Anonymous),
	}
	if f.config.UserAgent != "" {
		remoteOpts = append(remoteOpts, remote.WithUserAgent(f.config.UserAgent))
	}
	if f.config.Transport != nil {
		remoteOpts = append(remoteOpts, remote.WithTransport(f.config.Transport))
	}

	desc, err := remote.Get(target, remoteOpts...)
	if err != nil {
		return nil, &apis.RegistryError{Reference: ref.String(), Err: err}
	}

	return classify(ref, desc)
}

func classify(ref reference.ImageReference, desc *remote.Descriptor) (*Manifest, error) {
	manifest := &Manifest{
		MediaType: string(desc.MediaType),
		Digest:    desc.Digest.String(),
	}

	switch {
	case desc.MediaType.IsImage():
		manifest.Kind = KindImage
		return manifest, nil
	case desc.MediaType.IsIndex():
		manifest.Kind = KindIndex
	default:
		return nil, &apis.RegistryError{
			Reference: ref.String(),
			Err:       fmt.Errorf("unsupported manifest media type %q", desc.MediaType),
		}
	}

	parsed, err := v1.ParseIndexManifest(bytes.NewReader(desc.Manifest))
	if err != nil {
		return nil, &apis.RegistryError{
			Reference: ref.String(),
			Err:       fmt.Errorf("decoding image index: %w", err),
		}
	}

	manifest.Index = make(ImageIndex, 0, len(parsed.Manifests))
	for _, m := range parsed.Manifests {
		entry := ManifestDescriptor{Digest: m.Digest.String()}
		if m.Platform != nil {
			entry.Platform = &apis.TargetPlatform{
				OS:           m.Platform.OS,
				Architecture: m.Platform.Architecture,
			}
		}
		manifest.Index = append(manifest.Index, entry)
	}

	return manifest, nil
}
