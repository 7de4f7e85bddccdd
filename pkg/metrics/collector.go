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

// Package metrics provides Prometheus metrics collection and recording
// for admission requests, image resolution and registry traffic.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Webhook request outcomes
const (
	ResultPatched = "patched"
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultErrored = "errored"
	ResultSkipped = "skipped"
)

var (
	// Webhook metrics
	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aargh64_webhook_requests_total",
			Help: "Total number of admission requests by outcome",
		},
		[]string{"result"},
	)

	webhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aargh64_webhook_duration_seconds",
			Help:    "Time spent resolving an admission request",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Resolution metrics
	patchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aargh64_patches_total",
			Help: "Total number of container image rewrites emitted",
		},
	)

	resolutionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aargh64_resolution_errors_total",
			Help: "Total number of failed resolutions by error kind",
		},
		[]string{"kind"},
	)

	// Registry metrics
	registryFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aargh64_registry_fetches_total",
			Help: "Total number of manifest fetches by registry and result",
		},
		[]string{"registry", "result"},
	)

	// Override metrics
	platformOverrides = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aargh64_platform_overrides",
			Help: "Number of PlatformOverride objects currently visible to the webhook",
		},
	)
)

// Collector handles metrics collection for aargh64
type Collector struct {
	mutex      sync.RWMutex
	lastUpdate time.Time
	requests   int
	patches    int
	results    map[string]int
	errors     map[string]int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	// Zero values make the series visible before the first request
	webhookRequests.WithLabelValues(ResultPatched).Add(0)
	webhookRequests.WithLabelValues(ResultAllowed).Add(0)
	patchesTotal.Add(0)
	platformOverrides.Set(0)

	return &Collector{
		lastUpdate: time.Now(),
		results:    map[string]int{},
		errors:     map[string]int{},
	}
}

// RegisterMetrics registers all aargh64 metrics with the provided registry
func (c *Collector) RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = metrics.Registry
	}

	collectors := []prometheus.Collector{
		webhookRequests,
		webhookDuration,
		patchesTotal,
		resolutionErrors,
		registryFetches,
		platformOverrides,
	}

	for _, collector := range collectors {
		// AlreadyRegistered is expected when several collectors share a process
		_ = registry.Register(collector)
	}
}

// RecordWebhookRequest records the outcome and latency of one admission request
func (c *Collector) RecordWebhookRequest(result string, duration time.Duration) {
	webhookRequests.WithLabelValues(result).Inc()
	webhookDuration.Observe(duration.Seconds())

	c.mutex.Lock()
	c.requests++
	c.results[result]++
	c.lastUpdate = time.Now()
	c.mutex.Unlock()
}

// RecordPatches records the number of image rewrites applied to a Pod
func (c *Collector) RecordPatches(count int) {
	if count <= 0 {
		return
	}
	patchesTotal.Add(float64(count))

	c.mutex.Lock()
	c.patches += count
	c.mutex.Unlock()
}

// RecordResolutionError records a failed resolution by error kind
func (c *Collector) RecordResolutionError(kind string) {
	resolutionErrors.WithLabelValues(kind).Inc()

	c.mutex.Lock()
	c.errors[kind]++
	c.mutex.Unlock()
}

// RecordRegistryFetch records a manifest fetch against a registry host
func (c *Collector) RecordRegistryFetch(registry, result string) {
	registryFetches.WithLabelValues(registry, result).Inc()
}

// SetPlatformOverrides records how many PlatformOverride objects exist
func (c *Collector) SetPlatformOverrides(count int) {
	platformOverrides.Set(float64(count))
}

// GetMetricsSnapshot returns a snapshot of current metrics values
func (c *Collector) GetMetricsSnapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	results := make(map[string]int, len(c.results))
	for result, count := range c.results {
		results[result] = count
	}
	errors := make(map[string]int, len(c.errors))
	for kind, count := range c.errors {
		errors[kind] = count
	}

	return Snapshot{
		LastUpdate: c.lastUpdate,
		Timestamp:  time.Now(),
		Requests:   c.requests,
		Patches:    c.patches,
		Results:    results,
		Errors:     errors,
	}
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Timestamp  time.Time `json:"timestamp"`
	Requests   int       `json:"requests"`
	Patches    int       `json:"patches"`

	// Results counts requests by outcome, Errors counts failures by kind
	Results map[string]int `json:"results"`
	Errors  map[string]int `json:"errors"`
}

// ResetMetrics resets all metrics (useful for testing)
func (c *Collector) ResetMetrics() {
	c.mutex.Lock()
	c.requests = 0
	c.patches = 0
	c.results = map[string]int{}
	c.errors = map[string]int{}
	c.mutex.Unlock()

	webhookRequests.Reset()
	resolutionErrors.Reset()
	registryFetches.Reset()
	platformOverrides.Set(0)
}

// Timer provides timing functionality for metrics
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration since timer creation
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveWebhook records the request outcome with the time elapsed since the timer started
func (t *Timer) ObserveWebhook(collector *Collector, result string) {
	collector.RecordWebhookRequest(result, t.Elapsed())
}
