// Package executor runs automated step attempts on a bounded worker pool.
// Step types map to invokers through a factory registry; the scheduler owns
// retry policy and state transitions, the executor only reports outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/gateflow/gateflow/pkg/models"
)

// TransientError marks a failure worth retrying under the step's retry
// policy. Anything else is permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientError

	return errors.As(err, &transient)
}

// Invoker executes one attempt of an automated step. Implementations must
// honor ctx cancellation; the pool enforces the per-attempt timeout through
// it.
type Invoker interface {
	Invoke(ctx context.Context, instance *models.WorkflowInstance, step models.StepDefinition) (map[string]any, error)
}

// InvokerFactory builds an invoker from a step's config map.
type InvokerFactory func(config map[string]any) (Invoker, error)

// Registry maps step types to invoker factories.
type Registry struct {
	factories map[string]InvokerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]InvokerFactory)}
}

func (r *Registry) Register(stepType string, factory InvokerFactory) {
	r.factories[stepType] = factory
}

func (r *Registry) Create(stepType string, config map[string]any) (Invoker, error) {
	factory, ok := r.factories[stepType]
	if !ok {
		return nil, fmt.Errorf("step type '%s' not registered", stepType)
	}

	return factory(config)
}

// DefaultRegistry returns a registry with the built-in invokers.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	registry.Register("http", func(config map[string]any) (Invoker, error) {
		return NewHTTPInvoker(config)
	})
	registry.Register("noop", func(config map[string]any) (Invoker, error) {
		return NewNoopInvoker(config), nil
	})

	return registry
}
