// Package policy implements the stateless policy gate: versioned rule sets
// evaluated against a proposed action's context before and after each step.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Predicate operators. The set is closed on purpose: rule conditions are data,
// never executable expressions, so evaluation is reproducible and safe.
const (
	OpFieldEquals = "field_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIn          = "in"
	OpComposite   = "composite"
)

// Composite combinators.
const (
	CombineAll = "all"
	CombineAny = "any"
	CombineNot = "not"
)

// ErrUnknownField marks a rule referencing a field absent from the evaluation
// context. A configuration error: the gate fails closed on it.
var ErrUnknownField = errors.New("unknown context field")

// Predicate is one typed condition over the evaluation context.
type Predicate struct {
	Op       string      `json:"op"`
	Field    string      `json:"field,omitempty"`
	Value    any         `json:"value,omitempty"`
	Values   []any       `json:"values,omitempty"`
	Combine  string      `json:"combine,omitempty"`
	Children []Predicate `json:"children,omitempty"`
}

// Rule couples a predicate with its blocking flag. Rules evaluate in
// declaration order; the first blocking rule whose predicate holds
// short-circuits the policy with BLOCK.
type Rule struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	When        Predicate `json:"when"`
	Blocking    bool      `json:"blocking"`
}

// RuleSet is one versioned, named policy document.
type RuleSet struct {
	PolicyID string `json:"policy_id"`
	Version  int    `json:"version"`
	Rules    []Rule `json:"rules"`
}

// ParseRuleSet decodes and structurally validates a rule-set document.
func ParseRuleSet(raw []byte) (*RuleSet, error) {
	if err := validateRuleSetDocument(raw); err != nil {
		return nil, err
	}

	var ruleSet RuleSet
	if err := json.Unmarshal(raw, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to decode rule set: %w", err)
	}

	return &ruleSet, nil
}

// Eval evaluates the predicate against the context. Referencing a missing
// field returns ErrUnknownField rather than false, so the gate can fail
// closed instead of silently bypassing governance.
func (p Predicate) Eval(context map[string]any) (bool, error) {
	switch p.Op {
	case OpComposite:
		return p.evalComposite(context)
	case OpFieldEquals:
		value, err := lookup(context, p.Field)
		if err != nil {
			return false, err
		}

		return equalValues(value, p.Value), nil
	case OpGreaterThan:
		return p.compare(context, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return p.compare(context, func(a, b float64) bool { return a < b })
	case OpIn:
		value, err := lookup(context, p.Field)
		if err != nil {
			return false, err
		}

		for _, candidate := range p.Values {
			if equalValues(value, candidate) {
				return true, nil
			}
		}

		return false, nil
	default:
		return false, fmt.Errorf("unsupported predicate op: %s", p.Op)
	}
}

func (p Predicate) evalComposite(context map[string]any) (bool, error) {
	switch p.Combine {
	case CombineAll:
		for _, child := range p.Children {
			held, err := child.Eval(context)
			if err != nil || !held {
				return false, err
			}
		}

		return true, nil
	case CombineAny:
		for _, child := range p.Children {
			held, err := child.Eval(context)
			if err != nil {
				return false, err
			}

			if held {
				return true, nil
			}
		}

		return false, nil
	case CombineNot:
		if len(p.Children) != 1 {
			return false, fmt.Errorf("composite not requires exactly one child, got %d", len(p.Children))
		}

		held, err := p.Children[0].Eval(context)
		if err != nil {
			return false, err
		}

		return !held, nil
	default:
		return false, fmt.Errorf("unsupported composite combinator: %s", p.Combine)
	}
}

func (p Predicate) compare(context map[string]any, cmp func(a, b float64) bool) (bool, error) {
	value, err := lookup(context, p.Field)
	if err != nil {
		return false, err
	}

	left, ok := toFloat(value)
	if !ok {
		return false, fmt.Errorf("field %q is not numeric", p.Field)
	}

	right, ok := toFloat(p.Value)
	if !ok {
		return false, fmt.Errorf("rule value for field %q is not numeric", p.Field)
	}

	return cmp(left, right), nil
}

// lookup resolves a dotted field path within the context.
func lookup(context map[string]any, field string) (any, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field path", ErrUnknownField)
	}

	var current any = context

	for _, part := range strings.Split(field, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
		}

		current, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
	}

	return current, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		parsed, err := v.Float64()

		return parsed, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
