package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/akquinet/aargh64/pkg/apis"
)

// LoggingContext contains structured logging fields for controller operations
type LoggingContext struct {
	Controller  string `json:"controller"`
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ReconcileID string `json:"reconcile_id"`
}

// ControllerLogger provides structured logging for controllers
type ControllerLogger struct {
	logr.Logger
	Context LoggingContext
}

// NewControllerLogger creates a logger with controller-specific structured fields
func NewControllerLogger(ctx context.Context, controllerName string, req ctrl.Request, kind string) *ControllerLogger {
	loggingContext := LoggingContext{
		Controller:  controllerName,
		Namespace:   req.Namespace,
		Name:        req.Name,
		Kind:        kind,
		ReconcileID: uuid.New().String()[:8],
	}

	structuredLogger := log.FromContext(ctx).WithValues(
		"controller", loggingContext.Controller,
		"namespace", loggingContext.Namespace,
		"name", loggingContext.Name,
		"kind", loggingContext.Kind,
		"reconcile_id", loggingContext.ReconcileID,
	)

	return &ControllerLogger{
		Logger:  structuredLogger,
		Context: loggingContext,
	}
}

// WithDuration adds timing information to log entries
func (cl *ControllerLogger) WithDuration(duration time.Duration) *ControllerLogger {
	return &ControllerLogger{
		Logger:  cl.Logger.WithValues("duration_ms", duration.Milliseconds()),
		Context: cl.Context,
	}
}

// ReconcileStarted logs the start of reconciliation
func (cl *ControllerLogger) ReconcileStarted(msg string) {
	cl.Logger.V(1).Info(msg, "event", "reconcile_started")
}

// ReconcileFailed logs failed reconciliation
func (cl *ControllerLogger) ReconcileFailed(err error, msg string) {
	cl.Logger.Error(err, msg, "event", "reconcile_failed")
}

// OverrideProblem logs a configuration the webhook will refuse to apply.
// Ambiguity blocks every unannotated Pod, so it is always an error.
func (cl *ControllerLogger) OverrideProblem(err error) {
	cl.Logger.Error(err, "Platform override misconfigured",
		"event", "override_problem",
		"error_kind", apis.ErrorKind(err),
		"misconfiguration", apis.IsMisconfiguration(err),
	)
}

// OverridesEvaluated logs the outcome of an override evaluation
func (cl *ControllerLogger) OverridesEvaluated(count, problems int) {
	cl.Logger.Info("Evaluated platform overrides",
		"event", "overrides_evaluated",
		"overrides", count,
		"problems", problems,
	)
}
