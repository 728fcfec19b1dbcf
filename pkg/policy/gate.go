package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/ledger"
	"github.com/gateflow/gateflow/pkg/models"
)

// Evaluation is the gate's verdict for one policy check.
type Evaluation struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	RuleID string `json:"rule_id,omitempty"`
}

// Gate evaluates named policies against evaluation contexts. Stateless per
// call; rule sets come from the repository, and every evaluation lands on the
// audit ledger.
type Gate struct {
	repository Repository
	ledger     *ledger.Ledger
	logger     *slog.Logger
}

func NewGate(repository Repository, auditLedger *ledger.Ledger, logger *slog.Logger) *Gate {
	return &Gate{
		repository: repository,
		ledger:     auditLedger,
		logger:     logger.With("module", "policy_gate"),
	}
}

// Evaluate runs the policy's rules in declaration order. The first blocking
// rule whose condition holds short-circuits with BLOCK; no blocking match
// means ALLOW. A rule referencing an unknown context field blocks rather than
// erroring out, so misconfiguration can never silently bypass governance.
func (g *Gate) Evaluate(ctx context.Context, policyID, instanceID, stepID string, evalContext map[string]any) Evaluation {
	evaluation := g.evaluate(policyID, evalContext)

	_, err := g.ledger.Append(ctx, ledger.Proposed{
		InstanceID: instanceID,
		Type:       models.AuditPolicyEvaluated,
		StepID:     stepID,
		Payload: map[string]any{
			"policy_id": policyID,
			"allow":     evaluation.Allow,
			"reason":    evaluation.Reason,
			"rule_id":   evaluation.RuleID,
		},
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to audit policy evaluation",
			"policy_id", policyID, "instance_id", instanceID, "error", err)
	}

	return evaluation
}

func (g *Gate) evaluate(policyID string, evalContext map[string]any) Evaluation {
	ruleSet, err := g.repository.RuleSet(policyID)
	if err != nil {
		return Evaluation{Allow: false, Reason: "policy not found: " + policyID}
	}

	for _, rule := range ruleSet.Rules {
		held, err := rule.When.Eval(evalContext)
		if err != nil {
			if errors.Is(err, ErrUnknownField) {
				// Fails closed: a policy referencing a missing field is a
				// configuration error, not an implicit allow.
				return Evaluation{Allow: false, Reason: err.Error(), RuleID: rule.ID}
			}

			return Evaluation{Allow: false, Reason: err.Error(), RuleID: rule.ID}
		}

		if held && rule.Blocking {
			reason := rule.Description
			if reason == "" {
				reason = "blocked by rule " + rule.ID
			}

			return Evaluation{Allow: false, Reason: reason, RuleID: rule.ID}
		}
	}

	return Evaluation{Allow: true, Reason: "no blocking rule matched"}
}
