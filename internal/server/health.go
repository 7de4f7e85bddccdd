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

// Package server provides the plain-HTTP probe server of the aargh64 webhook:
// liveness, readiness and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/containerd/platforms"
	"github.com/gin-gonic/gin"
	"k8s.io/client-go/kubernetes"
)

// CertificateSource reports the serving certificate. The webhook's
// certificate watcher implements it.
type CertificateSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// HealthChecker provides health checking functionality for the webhook
type HealthChecker struct {
	kubeClient kubernetes.Interface
	certs      CertificateSource
	startTime  time.Time
	platform   string

	mu              sync.RWMutex
	unhealthyReason string
	notReadyReason  string
	kubernetesDown  bool
}

// NewHealthChecker creates a new health checker instance. certs may be nil
// when the serving certificate is managed elsewhere.
func NewHealthChecker(kubeClient kubernetes.Interface, certs CertificateSource) *HealthChecker {
	return &HealthChecker{
		kubeClient: kubeClient,
		certs:      certs,
		startTime:  time.Now(),
		platform:   platforms.DefaultString(),
	}
}

// HealthzHandler implements the /healthz endpoint.
// Liveness does not depend on the API server: a webhook that cannot reach it
// still answers admission requests from its own state.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	h.mu.RLock()
	unhealthyReason := h.unhealthyReason
	h.mu.RUnlock()

	uptime := time.Since(h.startTime)

	if unhealthyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"reason": unhealthyReason,
			"uptime": uptime.String(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"uptime":   uptime.String(),
		"platform": h.platform,
	})
}

// ReadyzHandler implements the /readyz endpoint
// Returns 200 OK only if the webhook can serve TLS and list overrides
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	notReadyReason := h.notReadyReason
	kubernetesDown := h.kubernetesDown
	h.mu.RUnlock()

	checks := make(map[string]string)
	healthy := true

	if notReadyReason != "" {
		checks["manual-check"] = fmt.Sprintf("not ready: %s", notReadyReason)
		healthy = false
	}

	if err := h.checkCertificate(); err != nil {
		checks["serving-certificate"] = fmt.Sprintf("failed: %v", err)
		healthy = false
	} else {
		checks["serving-certificate"] = "ok"
	}

	if kubernetesDown {
		checks["kubernetes-api"] = "manually marked as unavailable"
		healthy = false
	} else if err := h.checkKubernetesAPI(ctx); err != nil {
		checks["kubernetes-api"] = fmt.Sprintf("failed: %v", err)
		healthy = false
	} else {
		checks["kubernetes-api"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !healthy {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status": status,
		"checks": checks,
		"uptime": time.Since(h.startTime).String(),
	})
}

// SetUnhealthy sets the health handler to unhealthy state
func (h *HealthChecker) SetUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = reason
}

// SetNotReady sets the health handler to not ready state
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// SetKubernetesUnavailable sets Kubernetes as unavailable
func (h *HealthChecker) SetKubernetesUnavailable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kubernetesDown = true
}

// ClearUnhealthy clears the unhealthy state
func (h *HealthChecker) ClearUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unhealthyReason = ""
}

// ClearNotReady clears the not ready state
func (h *HealthChecker) ClearNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = ""
}

// ClearKubernetesUnavailable clears the Kubernetes unavailable state
func (h *HealthChecker) ClearKubernetesUnavailable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kubernetesDown = false
}

// checkCertificate verifies a serving certificate is loaded
func (h *HealthChecker) checkCertificate() error {
	if h.certs == nil {
		return nil
	}
	_, err := h.certs.GetCertificate(nil)
	return err
}

// checkKubernetesAPI verifies we can communicate with the Kubernetes API server
func (h *HealthChecker) checkKubernetesAPI(_ context.Context) error {
	if h.kubeClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}

	// Server version is the cheapest authenticated call
	if _, err := h.kubeClient.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("failed to connect to kubernetes API: %w", err)
	}

	return nil
}
