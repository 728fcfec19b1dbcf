package executor

import (
	"context"

	"github.com/gateflow/gateflow/pkg/models"
)

// NoopInvoker succeeds immediately and echoes the configured result. Used
// for wiring tests and as a placeholder step type.
type NoopInvoker struct {
	result map[string]any
}

func NewNoopInvoker(config map[string]any) *NoopInvoker {
	result, _ := config["result"].(map[string]any)

	return &NoopInvoker{result: result}
}

func (i *NoopInvoker) Invoke(_ context.Context, _ *models.WorkflowInstance, _ models.StepDefinition) (map[string]any, error) {
	if i.result == nil {
		return map[string]any{}, nil
	}

	return i.result, nil
}
