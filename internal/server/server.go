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
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ctrl "sigs.k8s.io/controller-runtime"
)

// shutdownTimeout bounds draining of in-flight probe requests
const shutdownTimeout = 5 * time.Second

// ProbeServer serves /healthz, /readyz and optionally /metrics over plain HTTP.
// It implements manager.Runnable.
type ProbeServer struct {
	addr   string
	engine *gin.Engine

	listening chan net.Addr
}

// NewProbeServer creates the probe server. metricsServer may be nil to leave
// /metrics unrouted.
func NewProbeServer(addr string, health *HealthChecker, metricsServer *MetricsServer) *ProbeServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	// Structured logging happens in the handlers that matter
	engine.Use(gin.Recovery())

	engine.GET("/healthz", health.HealthzHandler)
	engine.GET("/readyz", health.ReadyzHandler)

	if metricsServer != nil {
		engine.GET("/metrics", metricsServer.MetricsHandler)
		engine.GET("/metrics/health", metricsServer.HealthMetricsHandler)
	}

	return &ProbeServer{
		addr:      addr,
		engine:    engine,
		listening: make(chan net.Addr, 1),
	}
}

// Engine returns the Gin HTTP engine
func (s *ProbeServer) Engine() *gin.Engine {
	return s.engine
}

// Listening delivers the bound address once Start is accepting connections
func (s *ProbeServer) Listening() <-chan net.Addr {
	return s.listening
}

// Start serves until ctx is done
func (s *ProbeServer) Start(ctx context.Context) error {
	log := ctrl.Log.WithName("probe-server")

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	log.Info("Serving probes", "address", listener.Addr().String())
	s.listening <- listener.Addr()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NeedLeaderElection keeps probes up on every replica
func (s *ProbeServer) NeedLeaderElection() bool {
	return false
}
