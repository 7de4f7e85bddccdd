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

package controllers

import (
	"context"
	"fmt"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"

	aarghv1 "github.com/akquinet/aargh64/api/v1"
	"github.com/akquinet/aargh64/pkg/apis"
)

// OverrideRecorder receives the number of PlatformOverride objects seen
type OverrideRecorder interface {
	SetPlatformOverrides(count int)
}

// OverrideReconciler watches PlatformOverride objects. It never writes to the
// cluster: it publishes the override count and reports configurations the
// webhook would reject at admission time.
type OverrideReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// Namespace restricts the watched overrides; empty watches all namespaces
	Namespace string

	// Metrics receives the override count; may be nil
	Metrics OverrideRecorder

	reconcileCount atomic.Int64
	problemCount   atomic.Int64
}

// NewOverrideReconciler creates a new OverrideReconciler
func NewOverrideReconciler(c client.Client, scheme *runtime.Scheme, namespace string, recorder OverrideRecorder) *OverrideReconciler {
	return &OverrideReconciler{
		Client:    c,
		Scheme:    scheme,
		Namespace: namespace,
		Metrics:   recorder,
	}
}

//+kubebuilder:rbac:groups=aargh64.akquinet.de,resources=platformoverrides,verbs=get;list;watch

// Reconcile re-evaluates the full set of overrides on every change
func (r *OverrideReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	r.reconcileCount.Add(1)

	logger := NewControllerLogger(ctx, "platformoverride-watcher", req, "PlatformOverride")
	logger.ReconcileStarted("Evaluating platform overrides")

	var list aarghv1.PlatformOverrideList
	if err := r.List(ctx, &list, client.InNamespace(r.Namespace)); err != nil {
		logger.ReconcileFailed(err, "Failed to list platform overrides")
		return ctrl.Result{}, fmt.Errorf("%w: %w", apis.ErrOverrideList, err)
	}

	if r.Metrics != nil {
		r.Metrics.SetPlatformOverrides(len(list.Items))
	}

	problems := Evaluate(list.Items)
	for _, problem := range problems {
		r.problemCount.Add(1)
		logger.OverrideProblem(problem)
	}

	logger.OverridesEvaluated(len(list.Items), len(problems))
	return ctrl.Result{}, nil
}

// Evaluate returns the errors admission would hit with the given overrides:
// one AmbiguousOverrideError when there is more than one, otherwise an
// InvalidAnnotationError for an unparsable platform.
func Evaluate(overrides []aarghv1.PlatformOverride) []error {
	if len(overrides) > 1 {
		values := make([]string, 0, len(overrides))
		for _, o := range overrides {
			values = append(values, fmt.Sprintf("%s/%s=%s", o.Namespace, o.Name, o.Spec.Platform))
		}
		return []error{&apis.AmbiguousOverrideError{Count: len(overrides), Values: values}}
	}

	var problems []error
	for _, o := range overrides {
		if _, err := apis.ParsePlatform(o.Spec.Platform); err != nil {
			problems = append(problems, &apis.InvalidAnnotationError{
				Source: fmt.Sprintf("PlatformOverride %s/%s", o.Namespace, o.Name),
				Value:  o.Spec.Platform,
				Err:    err,
			})
		}
	}
	return problems
}

// SetupWithManager sets up the controller with the Manager
func (r *OverrideReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&aarghv1.PlatformOverride{}).
		Complete(r)
}

// SetupWithManagerNamed sets up the controller with the Manager using a custom name
func (r *OverrideReconciler) SetupWithManagerNamed(mgr ctrl.Manager, name string) error {
	skipNameValidation := true
	return ctrl.NewControllerManagedBy(mgr).
		For(&aarghv1.PlatformOverride{}).
		Named(name).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: 1,
			SkipNameValidation:      &skipNameValidation,
		}).
		Complete(r)
}

// GetReconcileCount returns the total number of reconciliations performed
func (r *OverrideReconciler) GetReconcileCount() int64 {
	return r.reconcileCount.Load()
}

// GetProblemCount returns the number of override problems reported
func (r *OverrideReconciler) GetProblemCount() int64 {
	return r.problemCount.Load()
}
