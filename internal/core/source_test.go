package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// fakeSource is an in-memory RuleSource for tests. Rules are keyed by
// entity.attribute; conditions by rule ID.
type fakeSource struct {
	rules      map[string][]Rule
	conditions map[uuid.UUID][]Condition

	rulesErr      error
	conditionsErr error

	conditionCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rules:      make(map[string][]Rule),
		conditions: make(map[uuid.UUID][]Condition),
	}
}

func (f *fakeSource) add(rule Rule, conditions ...Condition) Rule {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	key := fmt.Sprintf("%s.%s", rule.Entity, rule.TargetAttribute)
	f.rules[key] = append(f.rules[key], rule)
	for i := range conditions {
		conditions[i].RuleID = rule.ID
	}
	f.conditions[rule.ID] = conditions
	return rule
}

func (f *fakeSource) RulesFor(_ context.Context, entity, attribute string) ([]Rule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return f.rules[fmt.Sprintf("%s.%s", entity, attribute)], nil
}

func (f *fakeSource) ConditionsFor(_ context.Context, ruleID uuid.UUID) ([]Condition, error) {
	f.conditionCalls++
	if f.conditionsErr != nil {
		return nil, f.conditionsErr
	}
	return f.conditions[ruleID], nil
}
