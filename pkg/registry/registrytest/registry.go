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

// Package registrytest runs an in-memory OCI registry for tests and counts
// the manifest requests it serves.
package registrytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Platform describes one child manifest of an index. An empty OS and
// Architecture pushes the entry without any platform field.
type Platform struct {
	OS           string
	Architecture string
}

// Registry is an in-memory registry served over httptest.
type Registry struct {
	Server *httptest.Server

	mu        sync.Mutex
	manifests int
	failures  map[string]int
	delays    map[string]time.Duration
}

// New starts a registry. Callers must Close it.
func New() *Registry {
	r := &Registry{
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
	handler := registry.New()

	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		status, delay := r.observe(req)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return
			}
		}

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		handler.ServeHTTP(w, req)
	}))

	return r
}

func (r *Registry) observe(req *http.Request) (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(req.URL.Path, "/manifests/") {
		return 0, 0
	}
	r.manifests++

	var status int
	var delay time.Duration
	for repo, code := range r.failures {
		if strings.Contains(req.URL.Path, "/"+repo+"/manifests/") {
			status = code
		}
	}
	for repo, d := range r.delays {
		if strings.Contains(req.URL.Path, "/"+repo+"/manifests/") {
			delay = d
		}
	}
	return status, delay
}

// Close shuts the server down.
func (r *Registry) Close() { r.Server.Close() }

// Host returns "host:port" of the registry.
func (r *Registry) Host() string { return r.Server.Listener.Addr().String() }

// Image returns "<host>/<repo>:<tag>".
func (r *Registry) Image(repo, tag string) string {
	return r.Host() + "/" + repo + ":" + tag
}

// ManifestRequests returns the number of manifest requests seen, including
// the ones made while pushing content.
func (r *Registry) ManifestRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifests
}

// ResetRequests zeroes the manifest request counter.
func (r *Registry) ResetRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests = 0
}

// FailManifests makes every manifest request for repo answer with status.
func (r *Registry) FailManifests(repo string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[repo] = status
}

// DelayManifests holds every manifest request for repo for d, or until the
// client gives up.
func (r *Registry) DelayManifests(repo string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[repo] = d
}

// AddImage pushes a single-platform image and returns its digest.
func (r *Registry) AddImage(repo, tag string, platform Platform) (string, error) {
	img, err := buildImage(platform)
	if err != nil {
		return "", err
	}

	ref, err := name.ParseReference(r.Image(repo, tag), name.Insecure)
	if err != nil {
		return "", fmt.Errorf("parse ref: %w", err)
	}
	if err := remote.Write(ref, img); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	d, err := img.Digest()
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// AddIndex pushes an OCI image index with one child image per platform, in
// the given order. It returns the child digests in the same order.
func (r *Registry) AddIndex(repo, tag string, platforms ...Platform) ([]string, error) {
	adds := make([]mutate.IndexAddendum, 0, len(platforms))
	digests := make([]string, 0, len(platforms))

	for _, p := range platforms {
		img, err := buildImage(p)
		if err != nil {
			return nil, fmt.Errorf("build image %s/%s: %w", p.OS, p.Architecture, err)
		}
		d, err := img.Digest()
		if err != nil {
			return nil, err
		}
		digests = append(digests, d.String())

		desc := v1.Descriptor{MediaType: types.OCIManifestSchema1}
		if p.OS != "" || p.Architecture != "" {
			desc.Platform = &v1.Platform{OS: p.OS, Architecture: p.Architecture}
		}
		adds = append(adds, mutate.IndexAddendum{Add: img, Descriptor: desc})
	}

	idx := mutate.AppendManifests(empty.Index, adds...)

	ref, err := name.ParseReference(r.Image(repo, tag), name.Insecure)
	if err != nil {
		return nil, fmt.Errorf("parse ref: %w", err)
	}
	if err := remote.WriteIndex(ref, idx); err != nil {
		return nil, fmt.Errorf("push index: %w", err)
	}

	return digests, nil
}

func buildImage(p Platform) (v1.Image, error) {
	img, err := random.Image(256, 1)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg.OS = p.OS
	cfg.Architecture = p.Architecture

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return nil, err
	}
	return mutate.MediaType(img, types.OCIManifestSchema1), nil
}
