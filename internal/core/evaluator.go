// Package core evaluates field-level governance rules. Given the ordered,
// active rules that govern one attribute of one entity, it computes a
// Decision for the trusted write boundary and the interactive editing
// surface. Rule and condition rows come from an injected RuleSource; the
// package performs no I/O of its own beyond calling that seam.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RuleSource loads the stored rules and conditions the evaluator runs
// against. Implementations must return only active rows, ordered ascending
// by sequence; the evaluator does not re-filter.
type RuleSource interface {
	RulesFor(ctx context.Context, entity, attribute string) ([]Rule, error)
	ConditionsFor(ctx context.Context, ruleID uuid.UUID) ([]Condition, error)
}

// Evaluator computes decisions for governed attributes. It is stateless and
// safe for concurrent use.
type Evaluator struct {
	source RuleSource
}

// NewEvaluator returns an evaluator backed by source. A nil source is a
// construction error, never silently defaulted.
func NewEvaluator(source RuleSource) (*Evaluator, error) {
	if source == nil {
		return nil, errors.New("rule source is nil")
	}
	return &Evaluator{source: source}, nil
}

// EvaluateAttribute computes the combined decision for one governed
// attribute of one entity. The target record carries the values being
// written; preImage optionally carries the previously persisted values and
// may be nil. A nil target or an empty rule set yields the default decision.
// Only source I/O failures produce an error.
func (e *Evaluator) EvaluateAttribute(ctx context.Context, entity, attribute string, target, preImage Record) (Decision, error) {
	decision := NewDecision()

	if target == nil {
		return decision, nil
	}

	rules, err := e.source.RulesFor(ctx, entity, attribute)
	if err != nil {
		return decision, fmt.Errorf("load rules for %s.%s: %w", entity, attribute, err)
	}
	if len(rules) == 0 {
		return decision, nil
	}

	// A rule with an unrecognized scope lands in neither partition and
	// has no effect.
	serverRules := make([]Rule, 0, len(rules))
	clientRules := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		switch rule.Scope {
		case ScopeServerOnly:
			serverRules = append(serverRules, rule)
		case ScopeClientOnly:
			clientRules = append(clientRules, rule)
		case ScopeBoth:
			serverRules = append(serverRules, rule)
			clientRules = append(clientRules, rule)
		}
	}

	// Pre-sort each partition so the scope pass sees a deterministic
	// order even when sequences collide.
	sortRules(serverRules)
	sortRules(clientRules)

	scope := scopeEvaluator{source: e.source}

	decision.Server, err = scope.evaluateServerScope(ctx, serverRules, target, preImage, decision.Server)
	if err != nil {
		return NewDecision(), err
	}

	decision.Client, err = scope.evaluateClientScope(ctx, clientRules, target, preImage, decision.Client)
	if err != nil {
		return NewDecision(), err
	}

	return decision, nil
}
