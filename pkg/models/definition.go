// Package models defines the core domain models for policy-gated workflow orchestration.
package models

import (
	"fmt"
	"time"
)

// StepKind distinguishes automated steps from human-approval steps.
type StepKind string

const (
	StepKindAutomated StepKind = "automated"
	StepKindHuman     StepKind = "human"
)

// RetryPolicy controls automated retries of a failed step.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"    validate:"min=0"`
	BackoffMs     int64         `json:"backoff_ms"     validate:"min=0"`
	RetryOnReject bool          `json:"retry_on_reject"`
	MaxBackoff    time.Duration `json:"-"`
}

// Backoff returns the delay before the given attempt, doubling per attempt
// and capped at five minutes unless MaxBackoff overrides the cap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	cap := p.MaxBackoff
	if cap <= 0 {
		cap = 5 * time.Minute
	}

	delay := time.Duration(p.BackoffMs) * time.Millisecond
	for range attempt {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}

	return delay
}

// HumanSpec configures a human-approval step.
type HumanSpec struct {
	RequiredRole string `json:"required_role" validate:"required"`
	Quorum       int    `json:"quorum"        validate:"min=1"`
	SLASeconds   int64  `json:"sla_seconds"   validate:"min=1"`
	EscalateTo   string `json:"escalate_to,omitempty"`
}

// StepDefinition is one node of the workflow DAG.
type StepDefinition struct {
	ID            string         `json:"id"   validate:"required"`
	Kind          StepKind       `json:"kind" validate:"required,oneof=automated human"`
	Type          string         `json:"type,omitempty"` // invoker type for automated steps
	DependsOn     []string       `json:"depends_on,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	Human         *HumanSpec     `json:"human,omitempty"`
	PrePolicyID   string         `json:"pre_policy_id,omitempty"`
	PostPolicyID  string         `json:"post_policy_id,omitempty"`
	TimeoutSecond int64          `json:"timeout_seconds,omitempty"`
}

// AttemptTimeout returns the per-attempt execution timeout for automated steps.
func (s StepDefinition) AttemptTimeout() time.Duration {
	if s.TimeoutSecond <= 0 {
		return 30 * time.Second
	}

	return time.Duration(s.TimeoutSecond) * time.Second
}

// WorkflowDefinition is the immutable template a workflow instance runs from.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"    validate:"required,min=3"`
	Description string           `json:"description"`
	Version     int              `json:"version" validate:"min=1"`
	Steps       []StepDefinition `json:"steps"   validate:"required,min=1,dive"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Step returns the step with the given ID.
func (d *WorkflowDefinition) Step(stepID string) (StepDefinition, bool) {
	for _, step := range d.Steps {
		if step.ID == stepID {
			return step, true
		}
	}

	return StepDefinition{}, false
}

// Dependents returns the IDs of steps that depend on the given step.
func (d *WorkflowDefinition) Dependents(stepID string) []string {
	var out []string

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == stepID {
				out = append(out, step.ID)

				break
			}
		}
	}

	return out
}

// Validate checks structural invariants beyond struct tags: unique step IDs,
// resolvable dependencies, human specs on human steps, and an acyclic graph.
// Violations are configuration errors and reject the definition outright.
func (d *WorkflowDefinition) Validate() error {
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, step.ID)
		}

		seen[step.ID] = true
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidDefinition, step.ID, dep)
			}

			if dep == step.ID {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidDefinition, step.ID)
			}
		}

		if step.Kind == StepKindHuman && step.Human == nil {
			return fmt.Errorf("%w: human step %q has no human spec", ErrInvalidDefinition, step.ID)
		}

		if step.Kind == StepKindAutomated && step.Type == "" {
			return fmt.Errorf("%w: automated step %q has no type", ErrInvalidDefinition, step.ID)
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the depends_on edges; any node left
// with unresolved dependencies after the walk sits on a cycle.
func (d *WorkflowDefinition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Steps))
	for _, step := range d.Steps {
		indegree[step.ID] = len(step.DependsOn)
	}

	queue := make([]string, 0, len(d.Steps))

	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, dependent := range d.Dependents(current) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(d.Steps) {
		return fmt.Errorf("%w: depends_on graph contains a cycle", ErrInvalidDefinition)
	}

	return nil
}
