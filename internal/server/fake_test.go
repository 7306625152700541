package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldlock/fieldlock/internal/core"
	"github.com/fieldlock/fieldlock/internal/repository"
	"github.com/fieldlock/fieldlock/internal/service"
)

type fakeService struct {
	mu                sync.Mutex
	rules             map[uuid.UUID]repository.Rule
	schema            map[string]repository.SchemaAttribute
	governed          map[string][]string
	events            []repository.RuleEvent
	decideResults     []service.DecisionResult
	decideErr         error
	enforceViolations []service.Violation
	enforceErr        error
}

func newFakeService() *fakeService {
	return &fakeService{
		rules:    make(map[uuid.UUID]repository.Rule),
		schema:   make(map[string]repository.SchemaAttribute),
		governed: make(map[string][]string),
	}
}

func (f *fakeService) seedRule(entity, attribute string) repository.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := repository.Rule{
		Rule: core.Rule{
			ID:               uuid.New(),
			Entity:           entity,
			TargetAttribute:  attribute,
			TriggerAttribute: attribute,
			Kind:             core.KindRequired,
			Scope:            core.ScopeBoth,
		},
		Active: true,
	}
	f.rules[rule.ID] = rule
	return rule
}

func (f *fakeService) CreateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeService) UpdateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[rule.ID]; !ok {
		return repository.Rule{}, service.ErrRuleNotFound
	}
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeService) GetRule(_ context.Context, id uuid.UUID) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return repository.Rule{}, service.ErrRuleNotFound
	}
	return rule, nil
}

func (f *fakeService) ListRules(_ context.Context, entity string) ([]repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules := make([]repository.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		if entity != "" && rule.Entity != entity {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *fakeService) DeleteRule(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return service.ErrRuleNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeService) GovernedAttributes(_ context.Context, entity string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.governed[entity]...), nil
}

func (f *fakeService) Decide(_ context.Context, _ service.DecideRequest) ([]service.DecisionResult, error) {
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	return f.decideResults, nil
}

func (f *fakeService) EnforceWrite(_ context.Context, _ service.EnforceRequest) ([]service.Violation, error) {
	if f.enforceErr != nil {
		return nil, f.enforceErr
	}
	return f.enforceViolations, nil
}

func (f *fakeService) ListEventsSince(_ context.Context, eventID int64) ([]repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeService) ListEventsSinceForEntity(_ context.Context, eventID int64, entity string) ([]repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID && event.Entity == entity {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeService) UpsertSchemaAttribute(_ context.Context, attr repository.SchemaAttribute) (repository.SchemaAttribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schema[attr.Entity+"."+attr.Attribute] = attr
	return attr, nil
}

func (f *fakeService) GetSchemaAttribute(_ context.Context, entity, attribute string) (repository.SchemaAttribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attr, ok := f.schema[entity+"."+attribute]
	if !ok {
		return repository.SchemaAttribute{}, service.ErrSchemaNotFound
	}
	return attr, nil
}

func (f *fakeService) ListSchemaAttributes(_ context.Context, entity string) ([]repository.SchemaAttribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs := make([]repository.SchemaAttribute, 0)
	for _, attr := range f.schema {
		if attr.Entity == entity {
			attrs = append(attrs, attr)
		}
	}
	return attrs, nil
}

func (f *fakeService) DeleteSchemaAttribute(_ context.Context, entity, attribute string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entity + "." + attribute
	if _, ok := f.schema[key]; !ok {
		return service.ErrSchemaNotFound
	}
	delete(f.schema, key)
	return nil
}
