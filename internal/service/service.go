// Package service is the application layer between the HTTP handlers and the
// repository. It validates rule authoring, evaluates attribute decisions,
// enforces policy at the write boundary, and keeps a cache of governed
// attributes fresh via rule-change notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldlock/fieldlock/internal/core"
	"github.com/fieldlock/fieldlock/internal/repository"
)

const (
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrRuleNotFound    = errors.New("rule not found")
	ErrSchemaNotFound  = errors.New("schema attribute not found")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrInvalidSchema   = errors.New("invalid schema attribute")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrMissingPreImage = errors.New("update enforcement requires a pre-image")
)

// WriteOperation names the kind of write being enforced.
type WriteOperation string

const (
	OperationCreate WriteOperation = "create"
	OperationUpdate WriteOperation = "update"
)

// Repository is the persistence surface the service depends on. It includes
// the core.RuleSource methods so the evaluator can read straight through.
type Repository interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (repository.Rule, error)
	ListRules(ctx context.Context, entity string) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
	GovernedAttributes(ctx context.Context, entity string) ([]string, error)
	RulesFor(ctx context.Context, entity, attribute string) ([]core.Rule, error)
	ConditionsFor(ctx context.Context, ruleID uuid.UUID) ([]core.Condition, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	ListEventsSinceForEntity(ctx context.Context, eventID int64, entity string) ([]repository.RuleEvent, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
	UpsertSchemaAttribute(ctx context.Context, attr repository.SchemaAttribute) (repository.SchemaAttribute, error)
	GetSchemaAttribute(ctx context.Context, entity, attribute string) (repository.SchemaAttribute, error)
	ListSchemaAttributes(ctx context.Context, entity string) ([]repository.SchemaAttribute, error)
	DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// DecideRequest asks for client-scope decisions on a set of target
// attributes after one trigger attribute changed. Value is the raw string
// form of the trigger's new value and is parsed against the schema
// registry's declared type; an empty Value means the trigger is now null.
// An empty TargetAttributes list means every governed attribute of the
// entity.
type DecideRequest struct {
	Entity           string   `json:"entity"`
	TriggerAttribute string   `json:"trigger_attribute"`
	Value            string   `json:"value"`
	LookupEntity     string   `json:"lookup_entity,omitempty"`
	TargetAttributes []string `json:"target_attributes,omitempty"`
}

// DecisionResult is the client-scope outcome for one target attribute.
type DecisionResult struct {
	Entity           string             `json:"entity"`
	Attribute        string             `json:"attribute"`
	TriggerAttribute string             `json:"trigger_attribute"`
	Client           core.ClientDetails `json:"client"`
}

// EnforceRequest carries one write to be checked against server-scope
// policy. PreImage holds the previously persisted values and is mandatory
// for updates.
type EnforceRequest struct {
	Operation WriteOperation `json:"operation"`
	Entity    string         `json:"entity"`
	Target    core.Record    `json:"target"`
	PreImage  core.Record    `json:"pre_image,omitempty"`
}

// Violation is one attribute-level policy breach found during enforcement.
type Violation struct {
	Entity    string          `json:"entity"`
	Attribute string          `json:"attribute"`
	Kind      core.PolicyKind `json:"kind"`
	Message   string          `json:"message"`
}

// Service coordinates rule authoring, decision evaluation, and write
// enforcement. Safe for concurrent use.
type Service struct {
	repo           Repository
	evaluator      *core.Evaluator
	logger         *slog.Logger
	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()

	mu       sync.RWMutex
	governed map[string][]string
}

// Option configures a Service.
type Option func(*Service)

// WithCacheResyncInterval overrides how often the governed-attribute cache
// is rebuilt from the database regardless of notifications.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithLogger sets the logger used for background cache and event reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics installs counters fired on cache loads and on
// notification-driven invalidations. Either callback may be nil.
func WithCacheMetrics(onLoad, onInvalidation func()) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
	}
}

// New builds a Service, primes the governed-attribute cache, and starts the
// invalidation listener when the repository supports notifications.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	evaluator, err := core.NewEvaluator(repo)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		repo:           repo,
		evaluator:      evaluator,
		logger:         slog.Default(),
		resyncInterval: defaultCacheResyncInterval,
		governed:       make(map[string][]string),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache rebuilds the governed-attribute cache from all active rules.
func (s *Service) LoadCache(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx, "")
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	seen := make(map[string]map[string]bool)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		attrs, ok := seen[rule.Entity]
		if !ok {
			attrs = make(map[string]bool)
			seen[rule.Entity] = attrs
		}
		attrs[rule.TargetAttribute] = true
	}

	next := make(map[string][]string, len(seen))
	for entity, attrs := range seen {
		list := make([]string, 0, len(attrs))
		for attr := range attrs {
			list = append(list, attr)
		}
		sort.Strings(list)
		next[entity] = list
	}

	s.mu.Lock()
	s.governed = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	return nil
}

// CreateRule validates and persists a new rule with its conditions.
func (s *Service) CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if err := s.validateRule(ctx, rule); err != nil {
		return repository.Rule{}, err
	}

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	s.addGovernedAttribute(created)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

// UpdateRule validates and replaces an existing rule and its conditions.
func (s *Service) UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if rule.ID == uuid.Nil {
		return repository.Rule{}, fmt.Errorf("%w: rule id is required", ErrInvalidRule)
	}
	if err := s.validateRule(ctx, rule); err != nil {
		return repository.Rule{}, err
	}

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	s.reloadCache(ctx)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

// GetRule loads one rule with its conditions.
func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (repository.Rule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules lists rules, optionally filtered to one entity.
func (s *Service) ListRules(ctx context.Context, entity string) ([]repository.Rule, error) {
	rules, err := s.repo.ListRules(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a rule and its conditions.
func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.reloadCache(ctx)
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// GovernedAttributes returns the attributes of entity that carry at least
// one active rule. Served from cache; a miss falls through to the database
// so a freshly governed entity shows up before the next resync.
func (s *Service) GovernedAttributes(ctx context.Context, entity string) ([]string, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	}

	s.mu.RLock()
	cached, ok := s.governed[entity]
	s.mu.RUnlock()
	if ok {
		return append([]string(nil), cached...), nil
	}

	attrs, err := s.repo.GovernedAttributes(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("governed attributes for %q: %w", entity, err)
	}

	if len(attrs) > 0 {
		s.mu.Lock()
		s.governed[entity] = append([]string(nil), attrs...)
		s.mu.Unlock()
	}

	return attrs, nil
}

// Decide evaluates client-scope policy for the requested target attributes
// after a trigger attribute changed on the editing surface.
func (s *Service) Decide(ctx context.Context, request DecideRequest) ([]DecisionResult, error) {
	if strings.TrimSpace(request.Entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.TriggerAttribute) == "" {
		return nil, fmt.Errorf("%w: trigger attribute is required", ErrInvalidRequest)
	}

	schema, err := s.repo.GetSchemaAttribute(ctx, request.Entity, request.TriggerAttribute)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s.%s", ErrSchemaNotFound, request.Entity, request.TriggerAttribute)
		}
		return nil, fmt.Errorf("load schema for %s.%s: %w", request.Entity, request.TriggerAttribute, err)
	}

	value, err := parseSchemaValue(schema.ValueType, request.Value, request.LookupEntity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	targets := request.TargetAttributes
	if len(targets) == 0 {
		targets, err = s.GovernedAttributes(ctx, request.Entity)
		if err != nil {
			return nil, err
		}
	}

	target := core.Record{request.TriggerAttribute: value}
	results := make([]DecisionResult, 0, len(targets))
	for _, attribute := range targets {
		decision, err := s.evaluator.EvaluateAttribute(ctx, request.Entity, attribute, target, nil)
		if err != nil {
			return nil, err
		}

		results = append(results, DecisionResult{
			Entity:           request.Entity,
			Attribute:        attribute,
			TriggerAttribute: request.TriggerAttribute,
			Client:           decision.Client,
		})
	}

	return results, nil
}

// EnforceWrite checks one create or update against server-scope policy and
// returns the violations found. An empty slice means the write may proceed.
func (s *Service) EnforceWrite(ctx context.Context, request EnforceRequest) ([]Violation, error) {
	if strings.TrimSpace(request.Entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	}
	if request.Operation != OperationCreate && request.Operation != OperationUpdate {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, request.Operation)
	}
	if request.Target == nil {
		return nil, fmt.Errorf("%w: target record is required", ErrInvalidRequest)
	}
	if request.Operation == OperationUpdate && request.PreImage == nil {
		return nil, ErrMissingPreImage
	}

	governed, err := s.GovernedAttributes(ctx, request.Entity)
	if err != nil {
		return nil, err
	}

	violations := make([]Violation, 0)
	for _, attribute := range governed {
		decision, err := s.evaluator.EvaluateAttribute(ctx, request.Entity, attribute, request.Target, request.PreImage)
		if err != nil {
			return nil, err
		}

		violations = append(violations, checkServerDecision(request, attribute, decision.Server)...)
	}

	return violations, nil
}

// checkServerDecision applies the server-scope decision for one attribute to
// the write. Updates only police attributes the caller is actually writing;
// creates police the full governed set.
func checkServerDecision(request EnforceRequest, attribute string, details core.ServerDetails) []Violation {
	value, present := request.Target.Get(attribute)

	var violations []Violation
	switch request.Operation {
	case OperationCreate:
		if details.Required && (!present || value == nil) {
			violations = append(violations, Violation{
				Entity:    request.Entity,
				Attribute: attribute,
				Kind:      core.KindRequired,
				Message:   fmt.Sprintf("attribute %q is required", attribute),
			})
		}
		if details.NotAllowed && present && value != nil {
			violations = append(violations, Violation{
				Entity:    request.Entity,
				Attribute: attribute,
				Kind:      core.KindNotAllowed,
				Message:   fmt.Sprintf("attribute %q may not be set", attribute),
			})
		}
	case OperationUpdate:
		if !present {
			return nil
		}
		if details.NotAllowed {
			previous, _ := request.PreImage.Get(attribute)
			if !core.ValuesEqual(value, previous) {
				violations = append(violations, Violation{
					Entity:    request.Entity,
					Attribute: attribute,
					Kind:      core.KindNotAllowed,
					Message:   fmt.Sprintf("attribute %q may not be changed", attribute),
				})
			}
		}
		if details.Required && value == nil {
			violations = append(violations, Violation{
				Entity:    request.Entity,
				Attribute: attribute,
				Kind:      core.KindRequired,
				Message:   fmt.Sprintf("attribute %q may not be cleared", attribute),
			})
		}
	}

	return violations
}

// ListEventsSince returns rule-change events newer than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// ListEventsSinceForEntity returns rule-change events for one entity newer
// than eventID.
func (s *Service) ListEventsSinceForEntity(ctx context.Context, eventID int64, entity string) ([]repository.RuleEvent, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	}

	events, err := s.repo.ListEventsSinceForEntity(ctx, eventID, entity)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for entity %q: %w", eventID, entity, err)
	}

	return events, nil
}

// UpsertSchemaAttribute registers or updates one schema registry entry.
func (s *Service) UpsertSchemaAttribute(ctx context.Context, attr repository.SchemaAttribute) (repository.SchemaAttribute, error) {
	if strings.TrimSpace(attr.Entity) == "" || strings.TrimSpace(attr.Attribute) == "" {
		return repository.SchemaAttribute{}, fmt.Errorf("%w: entity and attribute are required", ErrInvalidSchema)
	}
	if !validValueType(attr.ValueType) {
		return repository.SchemaAttribute{}, fmt.Errorf("%w: unknown value type %q", ErrInvalidSchema, attr.ValueType)
	}

	stored, err := s.repo.UpsertSchemaAttribute(ctx, attr)
	if err != nil {
		return repository.SchemaAttribute{}, fmt.Errorf("upsert schema attribute: %w", err)
	}

	return stored, nil
}

// GetSchemaAttribute loads one schema registry entry.
func (s *Service) GetSchemaAttribute(ctx context.Context, entity, attribute string) (repository.SchemaAttribute, error) {
	attr, err := s.repo.GetSchemaAttribute(ctx, entity, attribute)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.SchemaAttribute{}, ErrSchemaNotFound
		}
		return repository.SchemaAttribute{}, fmt.Errorf("get schema attribute: %w", err)
	}

	return attr, nil
}

// ListSchemaAttributes lists the registered attributes of one entity.
func (s *Service) ListSchemaAttributes(ctx context.Context, entity string) ([]repository.SchemaAttribute, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidRequest)
	}

	attrs, err := s.repo.ListSchemaAttributes(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("list schema attributes for %q: %w", entity, err)
	}

	return attrs, nil
}

// DeleteSchemaAttribute removes one schema registry entry.
func (s *Service) DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error {
	if err := s.repo.DeleteSchemaAttribute(ctx, entity, attribute); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSchemaNotFound
		}
		return fmt.Errorf("delete schema attribute: %w", err)
	}

	return nil
}

// validateRule applies the authoring rules: sound enums, no invisible
// server-only combination, attributes known to the schema registry, and
// condition values matching their declared type.
func (s *Service) validateRule(ctx context.Context, rule repository.Rule) error {
	if strings.TrimSpace(rule.Entity) == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.TargetAttribute) == "" {
		return fmt.Errorf("%w: target attribute is required", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.TriggerAttribute) == "" {
		return fmt.Errorf("%w: trigger attribute is required", ErrInvalidRule)
	}

	switch rule.Kind {
	case core.KindVisible, core.KindRequired, core.KindNotAllowed:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}

	switch rule.Scope {
	case core.ScopeServerOnly, core.ScopeClientOnly, core.ScopeBoth:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, rule.Scope)
	}

	// Visibility is meaningless at the write boundary, so a visible rule
	// scoped away from the client can never take effect.
	if rule.Kind == core.KindVisible && rule.Scope == core.ScopeServerOnly {
		return fmt.Errorf("%w: visible rules cannot be server-only", ErrInvalidRule)
	}

	for _, pair := range [][2]string{
		{rule.Entity, rule.TargetAttribute},
		{rule.Entity, rule.TriggerAttribute},
	} {
		if _, err := s.repo.GetSchemaAttribute(ctx, pair[0], pair[1]); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: attribute %s.%s is not in the schema registry", ErrInvalidRule, pair[0], pair[1])
			}
			return fmt.Errorf("load schema for %s.%s: %w", pair[0], pair[1], err)
		}
	}

	for i, condition := range rule.Conditions {
		if err := validateCondition(condition.Condition); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalidRule, i, err)
		}
	}

	return nil
}

func validateCondition(condition core.Condition) error {
	switch condition.Operator {
	case core.OperatorIsNull, core.OperatorIsNotNull:
		return nil
	case core.OperatorEquals, core.OperatorNotEquals:
	default:
		return fmt.Errorf("unknown operator %q", condition.Operator)
	}

	if !validValueType(condition.ValueType) {
		return fmt.Errorf("unknown value type %q", condition.ValueType)
	}
	if !conditionValueSet(condition) {
		return fmt.Errorf("value of type %q is not set", condition.ValueType)
	}

	return nil
}

// conditionValueSet reports whether the value field matching the declared
// type carries a value.
func conditionValueSet(condition core.Condition) bool {
	switch condition.ValueType {
	case core.TypeString:
		return condition.ValueString != nil
	case core.TypeWholeNumber:
		return condition.ValueWholeNumber != nil
	case core.TypeDecimal:
		return condition.ValueDecimal != nil
	case core.TypeBoolean:
		return condition.ValueBoolean != nil
	case core.TypeDateTime:
		return condition.ValueDateTime != nil
	case core.TypeGUID:
		return condition.ValueGUID != nil
	case core.TypeMoney:
		return condition.ValueMoney != nil
	case core.TypeOption:
		return condition.ValueOption != nil
	case core.TypeLookup:
		return condition.ValueLookupID != nil
	default:
		return false
	}
}

func validValueType(valueType core.ValueType) bool {
	switch valueType {
	case core.TypeString, core.TypeWholeNumber, core.TypeDecimal, core.TypeBoolean,
		core.TypeDateTime, core.TypeGUID, core.TypeMoney, core.TypeOption, core.TypeLookup:
		return true
	default:
		return false
	}
}

// parseSchemaValue converts the raw string form of a trigger value into the
// typed value the evaluator compares against. An empty raw string means the
// attribute is now null.
func parseSchemaValue(valueType core.ValueType, raw, lookupEntity string) (any, error) {
	if raw == "" {
		return nil, nil
	}

	switch valueType {
	case core.TypeString:
		return raw, nil
	case core.TypeWholeNumber, core.TypeOption:
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s value %q: %v", valueType, raw, err)
		}
		return parsed, nil
	case core.TypeDecimal:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse decimal value %q: %v", raw, err)
		}
		return parsed, nil
	case core.TypeMoney:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse money value %q: %v", raw, err)
		}
		return core.Money{Amount: parsed}, nil
	case core.TypeBoolean:
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parse boolean value %q: %v", raw, err)
		}
		return parsed, nil
	case core.TypeDateTime:
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse datetime value %q: %v", raw, err)
		}
		return parsed, nil
	case core.TypeGUID:
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse guid value %q: %v", raw, err)
		}
		return parsed, nil
	case core.TypeLookup:
		return core.Reference{Entity: lookupEntity, ID: raw}, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

// addGovernedAttribute folds a freshly created rule into the cache without a
// full reload.
func (s *Service) addGovernedAttribute(rule repository.Rule) {
	if !rule.Active {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := s.governed[rule.Entity]
	for _, attr := range attrs {
		if attr == rule.TargetAttribute {
			return
		}
	}
	attrs = append(attrs, rule.TargetAttribute)
	sort.Strings(attrs)
	s.governed[rule.Entity] = attrs
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("governed attribute cache reload failed", "error", err)
	}
}

func (s *Service) publishRuleEventBestEffort(ctx context.Context, eventType string, rule repository.Rule) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishRuleEvent(publishCtx, eventType, rule); err != nil {
		s.logger.Warn("publish rule event failed", "event_type", eventType, "rule_id", rule.ID, "error", err)
	}
}

func (s *Service) publishRuleEvent(ctx context.Context, eventType string, rule repository.Rule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishRuleEvent(ctx, repository.RuleEvent{
		Entity:    rule.Entity,
		RuleID:    rule.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}
