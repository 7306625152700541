package core

import (
	"context"
	"fmt"
)

// scopeEvaluator reduces a sequence-ordered list of rules into a decision
// detail object for one scope. Each decision dimension is first-match-wins:
// once a matching rule has written it, later rules are ignored. The one
// exception is NotAllowed, where an effective true ends the whole pass
// immediately and an effective false stays open to a later override.
type scopeEvaluator struct {
	source RuleSource
}

func (s scopeEvaluator) evaluateClientScope(ctx context.Context, rules []Rule, target, preImage Record, initial ClientDetails) (ClientDetails, error) {
	if len(rules) == 0 || target == nil {
		return initial, nil
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sortRules(ordered)

	details := initial
	var visibleSet, requiredSet, notAllowedSet bool

	for _, rule := range ordered {
		if visibleSet && requiredSet && notAllowedSet {
			break
		}

		conditions, err := s.source.ConditionsFor(ctx, rule.ID)
		if err != nil {
			return initial, fmt.Errorf("load conditions for rule %s: %w", rule.ID, err)
		}
		if !allConditionsMatch(rule, conditions, target, preImage) {
			continue
		}

		switch rule.Kind {
		case KindVisible:
			if !visibleSet {
				if rule.Result != nil {
					details.Visible = *rule.Result
				}
				visibleSet = true
			}

		case KindRequired:
			if !requiredSet {
				if rule.Result != nil {
					details.Required = *rule.Result
				}
				requiredSet = true
			}

		case KindNotAllowed:
			effect := details.NotAllowed
			if rule.Result != nil {
				effect = *rule.Result
			}
			if effect {
				details.NotAllowed = true
				notAllowedSet = true
				return details, nil
			}
			// A false effect never locks: a later matching rule may
			// still flip the dimension to true.
			details.NotAllowed = false
		}
	}

	return details, nil
}

func (s scopeEvaluator) evaluateServerScope(ctx context.Context, rules []Rule, target, preImage Record, initial ServerDetails) (ServerDetails, error) {
	if len(rules) == 0 || target == nil {
		return initial, nil
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sortRules(ordered)

	details := initial
	var requiredSet, notAllowedSet bool

	for _, rule := range ordered {
		if requiredSet && notAllowedSet {
			break
		}

		conditions, err := s.source.ConditionsFor(ctx, rule.ID)
		if err != nil {
			return initial, fmt.Errorf("load conditions for rule %s: %w", rule.ID, err)
		}
		if !allConditionsMatch(rule, conditions, target, preImage) {
			continue
		}

		switch rule.Kind {
		case KindVisible:
			// Visibility has no meaning at the write boundary.

		case KindRequired:
			if !requiredSet {
				if rule.Result != nil {
					details.Required = *rule.Result
				}
				requiredSet = true
			}

		case KindNotAllowed:
			effect := details.NotAllowed
			if rule.Result != nil {
				effect = *rule.Result
			}
			if effect {
				details.NotAllowed = true
				notAllowedSet = true
				return details, nil
			}
			details.NotAllowed = false
		}
	}

	return details, nil
}
