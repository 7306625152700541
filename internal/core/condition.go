package core

import "sort"

// conditionMatches evaluates one condition against the record being written,
// falling back to the pre-image when the trigger attribute is absent from the
// target. An attribute absent from both records never matches, for any
// operator — including IsNull. (A wholly-absent attribute arguably is null;
// the behavior is kept as-is so rule firing does not change silently.)
func conditionMatches(rule Rule, cond Condition, target, preImage Record) bool {
	value, ok := target.Get(rule.TriggerAttribute)
	if !ok {
		if value, ok = preImage.Get(rule.TriggerAttribute); !ok {
			return false
		}
	}

	switch cond.Operator {
	case OperatorEquals:
		return conditionValueEquals(cond, value)
	case OperatorNotEquals:
		return !conditionValueEquals(cond, value)
	case OperatorIsNull:
		return value == nil
	case OperatorIsNotNull:
		return value != nil
	default:
		return false
	}
}

// allConditionsMatch evaluates a rule's ordered conjunction of conditions.
// A rule with no conditions, no target record, or no trigger attribute is
// unconditional and matches.
func allConditionsMatch(rule Rule, conditions []Condition, target, preImage Record) bool {
	if len(conditions) == 0 || target == nil || rule.TriggerAttribute == "" {
		return true
	}

	for _, cond := range sortedBySequence(conditions) {
		if !conditionMatches(rule, cond, target, preImage) {
			return false
		}
	}

	return true
}

func sortedBySequence(conditions []Condition) []Condition {
	ordered := make([]Condition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	return ordered
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Sequence < rules[j].Sequence
	})
}
