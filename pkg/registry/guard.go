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
	"golang.org/x/time/rate"

	"github.com/akquinet/aargh64/internal/reference"
	"github.com/akquinet/aargh64/pkg/apis"
)

// Fetch results reported to a Recorder.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultCircuitOpen = "circuit_open"
	ResultCanceled    = "canceled"
)

// Recorder observes the outcome of every guarded fetch.
type Recorder interface {
	RecordRegistryFetch(registry, result string)
}

// GuardConfig contains the per-registry limits applied by a Guard.
type GuardConfig struct {
	// QPS and Burst configure the token bucket; QPS <= 0 disables rate limiting
	QPS   float64
	Burst int

	// FailureThreshold consecutive outages open the circuit; <= 0 disables it.
	// Per-image answers such as 404 or 403 are not outages.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// DefaultGuardConfig returns the default per-registry limits.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		QPS:              20.0,
		Burst:            30,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Guard wraps a Fetcher with a token bucket and a circuit breaker per
// registry host.
type Guard struct {
	next     Fetcher
	config   GuardConfig
	recorder Recorder

	mu    sync.Mutex
	hosts map[string]*hostGuard
}

type hostGuard struct {
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// NewGuard decorates next. recorder may be nil.
func NewGuard(next Fetcher, config GuardConfig, recorder Recorder) *Guard {
	return &Guard{
		next:     next,
		config:   config,
		recorder: recorder,
		hosts:    make(map[string]*hostGuard),
	}
}

// Fetch implements Fetcher.
func (g *Guard) Fetch(ctx context.Context, ref reference.ImageReference) (*Manifest, error) {
	host := g.forHost(ref.Registry)

	if host.breaker != nil && !host.breaker.Allow() {
		g.record(ref.Registry, ResultCircuitOpen)
		return nil, &apis.RegistryError{Reference: ref.String(), Err: apis.ErrCircuitOpen}
	}

	if err := host.limiter.Wait(ctx); err != nil {
		host.release()
		g.record(ref.Registry, ResultCanceled)
		return nil, &apis.RegistryError{Reference: ref.String(), Err: err}
	}

	manifest, err := g.next.Fetch(ctx, ref)
	switch {
	case err == nil:
		host.success()
		g.record(ref.Registry, ResultSuccess)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// Cancellation does not count against the registry.
		host.release()
		g.record(ref.Registry, ResultCanceled)
	case isOutage(err):
		host.failure()
		g.record(ref.Registry, ResultError)
	default:
		// The registry answered; a missing or private image says nothing
		// about the other images it serves.
		host.release()
		g.record(ref.Registry, ResultError)
	}

	return manifest, err
}

// isOutage reports whether err means the registry itself is unavailable:
// the request never got an answer, timed out, or was answered with 5xx or 429.
func isOutage(err error) bool {
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return transportErr.StatusCode >= http.StatusInternalServerError ||
			transportErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}

// State returns the circuit state for a registry host.
func (g *Guard) State(registry string) CircuitState {
	host := g.forHost(registry)
	if host.breaker == nil {
		return CircuitClosed
	}
	return host.breaker.State()
}

func (g *Guard) forHost(registry string) *hostGuard {
	g.mu.Lock()
	defer g.mu.Unlock()

	if host, ok := g.hosts[registry]; ok {
		return host
	}

	limit := rate.Inf
	if g.config.QPS > 0 {
		limit = rate.Limit(g.config.QPS)
	}
	burst := g.config.Burst
	if burst <= 0 {
		burst = 1
	}

	host := &hostGuard{limiter: rate.NewLimiter(limit, burst)}
	if g.config.FailureThreshold > 0 {
		host.breaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: g.config.FailureThreshold,
			RecoveryTimeout:  g.config.RecoveryTimeout,
			HalfOpenRequests: g.config.HalfOpenRequests,
		})
	}
	g.hosts[registry] = host
	return host
}

func (g *Guard) record(registry, result string) {
	if g.recorder != nil {
		g.recorder.RecordRegistryFetch(registry, result)
	}
}

func (h *hostGuard) success() {
	if h.breaker != nil {
		h.breaker.RecordSuccess()
	}
}

func (h *hostGuard) failure() {
	if h.breaker != nil {
		h.breaker.RecordFailure()
	}
}

func (h *hostGuard) release() {
	if h.breaker != nil {
		h.breaker.Release()
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// CircuitBreaker opens after FailureThreshold consecutive failures, rejects
// calls for RecoveryTimeout, then lets HalfOpenRequests probes through. The
// circuit closes once every probe succeeded and reopens on any probe failure.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether a call may proceed. In the half-open state every true
// result reserves a probe slot that must be settled with RecordSuccess,
// RecordFailure or Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) < cb.config.RecoveryTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probes = 0
		cb.successes = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.probes >= cb.config.HalfOpenRequests {
			return false
		}
		cb.probes++
	}

	return true
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		cb.trip()
	}
}

// Release returns a probe slot for a call that ended without an outcome.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openedAt = time.Now()
	cb.failures = 0
}
