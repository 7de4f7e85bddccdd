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

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// MetricsServer serves a Prometheus registry over gin and remembers how the
// last scrape went, so a broken collector shows up on /metrics/health.
type MetricsServer struct {
	handler http.Handler

	mu          sync.RWMutex
	scrapes     int
	lastScrape  time.Time
	lastLatency time.Duration
	lastError   string
}

// NewMetricsServer creates a metrics server for gatherer. A nil gatherer
// serves controller-runtime's registry, where the collector registers.
func NewMetricsServer(gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = metrics.Registry
	}

	m := &MetricsServer{}
	m.handler = promhttp.HandlerFor(trackingGatherer{gatherer: gatherer, server: m}, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Timeout:       30 * time.Second,
	})
	return m
}

// MetricsHandler implements the /metrics endpoint. Metrics that fail to
// collect are dropped from the response and reported on /metrics/health.
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	gin.WrapH(m.handler)(c)
}

// HealthMetricsHandler reports the outcome of the most recent scrape
func (m *MetricsServer) HealthMetricsHandler(c *gin.Context) {
	m.mu.RLock()
	scrapes := m.scrapes
	lastScrape := m.lastScrape
	latency := m.lastLatency
	lastError := m.lastError
	m.mu.RUnlock()

	collector := gin.H{
		"scrapes":    scrapes,
		"latency_ms": latency.Milliseconds(),
		"error":      lastError,
	}
	if !lastScrape.IsZero() {
		collector["last_scrape"] = lastScrape.Format(time.RFC3339)
	}

	if lastError != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "metrics_collector": collector})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy", "metrics_collector": collector})
}

func (m *MetricsServer) observe(start time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scrapes++
	m.lastScrape = time.Now()
	m.lastLatency = time.Since(start)
	m.lastError = ""
	if err != nil {
		m.lastError = err.Error()
	}
}

// trackingGatherer records every Gather on its server
type trackingGatherer struct {
	gatherer prometheus.Gatherer
	server   *MetricsServer
}

func (t trackingGatherer) Gather() ([]*dto.MetricFamily, error) {
	start := time.Now()
	families, err := t.gatherer.Gather()
	t.server.observe(start, err)
	return families, err
}
