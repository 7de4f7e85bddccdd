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
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/akquinet/aargh64/internal/reference"
	"github.com/akquinet/aargh64/pkg/apis"
	"github.com/akquinet/aargh64/pkg/registry/registrytest"
)

type recordedFetch struct {
	registry string
	result   string
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedFetch
}

func (r *fakeRecorder) RecordRegistryFetch(registry, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedFetch{registry: registry, result: result})
}

// unreachable is the error a fetch returns when nothing answers
func unreachable(ref reference.ImageReference) error {
	return &apis.RegistryError{
		Reference: ref.String(),
		Err:       &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
}

// answered is the error a fetch returns when the registry replies with status
func answered(ref reference.ImageReference, status int) error {
	return &apis.RegistryError{Reference: ref.String(), Err: &transport.Error{StatusCode: status}}
}

func (r *fakeRecorder) results() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.result)
	}
	return out
}

var _ = Describe("Guard", func() {
	var (
		ctx      context.Context
		recorder *fakeRecorder
		calls    int
		failWith error
		guard    *Guard
		ref      reference.ImageReference
	)

	BeforeEach(func() {
		ctx = context.Background()
		recorder = &fakeRecorder{}
		calls = 0
		failWith = nil
		ref = reference.ImageReference{Registry: "example.com", Repository: "app", Tag: "1.0"}

		next := FetcherFunc(func(ctx context.Context, ref reference.ImageReference) (*Manifest, error) {
			calls++
			if failWith != nil {
				return nil, failWith
			}
			return &Manifest{Kind: KindIndex}, nil
		})

		guard = NewGuard(next, GuardConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  50 * time.Millisecond,
			HalfOpenRequests: 1,
		}, recorder)
	})

	It("passes successful fetches through", func() {
		manifest, err := guard.Fetch(ctx, ref)
		Expect(err).NotTo(HaveOccurred())
		Expect(manifest.Kind).To(Equal(KindIndex))
		Expect(recorder.results()).To(Equal([]string{ResultSuccess}))
	})

	It("opens the circuit after consecutive outages", func() {
		failWith = unreachable(ref)

		for range 2 {
			_, err := guard.Fetch(ctx, ref)
			Expect(errors.Is(err, apis.ErrRegistry)).To(BeTrue())
		}
		Expect(guard.State("example.com")).To(Equal(CircuitOpen))

		_, err := guard.Fetch(ctx, ref)
		Expect(errors.Is(err, apis.ErrCircuitOpen)).To(BeTrue())
		Expect(errors.Is(err, apis.ErrRegistry)).To(BeTrue())
		Expect(calls).To(Equal(2))
		Expect(recorder.results()).To(Equal([]string{ResultError, ResultError, ResultCircuitOpen}))
	})

	It("keeps other registries usable while one circuit is open", func() {
		failWith = unreachable(ref)
		for range 2 {
			_, _ = guard.Fetch(ctx, ref)
		}

		failWith = nil
		other := reference.ImageReference{Registry: "quay.io", Repository: "app", Tag: "1.0"}
		_, err := guard.Fetch(ctx, other)
		Expect(err).NotTo(HaveOccurred())
		Expect(guard.State("quay.io")).To(Equal(CircuitClosed))
	})

	It("closes the circuit after a successful probe", func() {
		failWith = unreachable(ref)
		for range 2 {
			_, _ = guard.Fetch(ctx, ref)
		}
		Expect(guard.State("example.com")).To(Equal(CircuitOpen))

		failWith = nil
		Eventually(func() error {
			_, err := guard.Fetch(ctx, ref)
			return err
		}).WithTimeout(time.Second).WithPolling(10 * time.Millisecond).Should(Succeed())
		Expect(guard.State("example.com")).To(Equal(CircuitClosed))
	})

	DescribeTable("classifies registry answers",
		func(failure func() error, opens bool) {
			failWith = failure()
			for range 2 {
				_, err := guard.Fetch(ctx, ref)
				Expect(errors.Is(err, apis.ErrRegistry)).To(BeTrue())
			}

			expected := CircuitClosed
			if opens {
				expected = CircuitOpen
			}
			Expect(guard.State("example.com")).To(Equal(expected))
			Expect(recorder.results()).To(Equal([]string{ResultError, ResultError}))
		},
		Entry("5xx opens", func() error { return answered(ref, http.StatusServiceUnavailable) }, true),
		Entry("429 opens", func() error { return answered(ref, http.StatusTooManyRequests) }, true),
		Entry("fetch timeout opens", func() error {
			return &apis.RegistryError{Reference: ref.String(), Err: context.DeadlineExceeded}
		}, true),
		Entry("404 keeps it closed", func() error { return answered(ref, http.StatusNotFound) }, false),
		Entry("401 keeps it closed", func() error { return answered(ref, http.StatusUnauthorized) }, false),
		Entry("403 keeps it closed", func() error { return answered(ref, http.StatusForbidden) }, false),
		Entry("unsupported media type keeps it closed", func() error {
			return &apis.RegistryError{Reference: ref.String(), Err: errors.New(`unsupported manifest media type "x"`)}
		}, false),
	)

	It("neither counts nor resets the outage streak on a missing image", func() {
		failWith = unreachable(ref)
		_, _ = guard.Fetch(ctx, ref)

		failWith = answered(ref, http.StatusNotFound)
		_, _ = guard.Fetch(ctx, ref)

		failWith = unreachable(ref)
		_, _ = guard.Fetch(ctx, ref)
		Expect(guard.State("example.com")).To(Equal(CircuitOpen))
	})

	It("does not count cancellations against the registry", func() {
		failWith = &apis.RegistryError{Reference: ref.String(), Err: context.Canceled}

		for range 3 {
			_, err := guard.Fetch(ctx, ref)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		}
		Expect(guard.State("example.com")).To(Equal(CircuitClosed))
		Expect(recorder.results()).To(ConsistOf(ResultCanceled, ResultCanceled, ResultCanceled))
	})

	It("does not count non-registry errors against the registry", func() {
		failWith = &apis.ParseError{Input: "x", Err: errors.New("bad")}

		for range 3 {
			_, _ = guard.Fetch(ctx, ref)
		}
		Expect(guard.State("example.com")).To(Equal(CircuitClosed))
	})

	It("honours context cancellation while rate limited", func() {
		guard = NewGuard(FetcherFunc(func(context.Context, reference.ImageReference) (*Manifest, error) {
			return &Manifest{}, nil
		}), GuardConfig{QPS: 0.001, Burst: 1}, recorder)

		_, err := guard.Fetch(ctx, ref)
		Expect(err).NotTo(HaveOccurred())

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = guard.Fetch(cctx, ref)
		Expect(errors.Is(err, apis.ErrRegistry)).To(BeTrue())
	})
})

var _ = Describe("Guard over a registry", func() {
	var (
		reg   *registrytest.Registry
		guard *Guard
		ctx   context.Context
	)

	parse := func(image string) reference.ImageReference {
		ref, err := reference.Parse(image)
		Expect(err).NotTo(HaveOccurred())
		return ref
	}

	BeforeEach(func() {
		reg = registrytest.New()
		DeferCleanup(reg.Close)

		guard = NewGuard(NewRemoteFetcher(FetcherConfig{PlainHTTP: []string{reg.Host()}}), DefaultGuardConfig(), nil)
		ctx = context.Background()
	})

	It("keeps serving valid images after repeated missing ones", func() {
		missing := parse(reg.Image("does-not-exist", "1.0"))
		for range 2 * DefaultGuardConfig().FailureThreshold {
			_, err := guard.Fetch(ctx, missing)
			Expect(errors.Is(err, apis.ErrRegistry)).To(BeTrue())
			Expect(errors.Is(err, apis.ErrCircuitOpen)).To(BeFalse())
		}
		Expect(guard.State(reg.Host())).To(Equal(CircuitClosed))

		_, err := reg.AddIndex("good", "1.0",
			registrytest.Platform{OS: "linux", Architecture: "amd64"},
			registrytest.Platform{OS: "linux", Architecture: "arm64"},
		)
		Expect(err).NotTo(HaveOccurred())

		manifest, err := guard.Fetch(ctx, parse(reg.Image("good", "1.0")))
		Expect(err).NotTo(HaveOccurred())
		Expect(manifest.Kind).To(Equal(KindIndex))
	})

	It("keeps serving valid images after repeated private ones", func() {
		reg.FailManifests("private", http.StatusUnauthorized)
		private := parse(reg.Image("private", "1.0"))
		for range 2 * DefaultGuardConfig().FailureThreshold {
			_, _ = guard.Fetch(ctx, private)
		}
		Expect(guard.State(reg.Host())).To(Equal(CircuitClosed))
	})

	It("opens the circuit when the registry keeps failing", func() {
		reg.FailManifests("broken", http.StatusNotImplemented)
		broken := parse(reg.Image("broken", "1.0"))
		for range DefaultGuardConfig().FailureThreshold {
			_, _ = guard.Fetch(ctx, broken)
		}
		Expect(guard.State(reg.Host())).To(Equal(CircuitOpen))
	})
})

var _ = Describe("CircuitBreaker", func() {
	It("limits concurrent half-open probes", func() {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  10 * time.Millisecond,
			HalfOpenRequests: 1,
		})

		cb.RecordFailure()
		Expect(cb.State()).To(Equal(CircuitOpen))
		Expect(cb.Allow()).To(BeFalse())

		time.Sleep(20 * time.Millisecond)
		Expect(cb.Allow()).To(BeTrue())
		Expect(cb.State()).To(Equal(CircuitHalfOpen))
		Expect(cb.Allow()).To(BeFalse())

		cb.Release()
		Expect(cb.Allow()).To(BeTrue())

		cb.RecordFailure()
		Expect(cb.State()).To(Equal(CircuitOpen))
	})

	It("renders states", func() {
		Expect(CircuitClosed.String()).To(Equal("closed"))
		Expect(CircuitOpen.String()).To(Equal("open"))
		Expect(CircuitHalfOpen.String()).To(Equal("half_open"))
	})
})
