package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldlock/fieldlock/internal/core"
	"github.com/fieldlock/fieldlock/internal/repository"
)

func TestServiceRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rule := requiredRule("account", "credit_limit", "status", core.ScopeBoth, 1)
	rule.Conditions = []repository.Condition{
		{Condition: optionEqualsCondition(1, 1), Active: true},
	}

	created, err := svc.CreateRule(ctx, rule)
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("CreateRule() returned a nil rule ID")
	}

	got, err := svc.GetRule(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.TargetAttribute != "credit_limit" {
		t.Fatalf("GetRule().TargetAttribute = %q, want %q", got.TargetAttribute, "credit_limit")
	}

	rules, err := svc.ListRules(ctx, "account")
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("ListRules() returned %d rules, want 1", len(rules))
	}

	created.Sequence = 5
	if _, err := svc.UpdateRule(ctx, created); err != nil {
		t.Fatalf("UpdateRule() error = %v", err)
	}

	if err := svc.DeleteRule(ctx, created.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	if _, err := svc.GetRule(ctx, created.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("GetRule() error = %v, want %v", err, ErrRuleNotFound)
	}
	if err := svc.DeleteRule(ctx, created.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeleteRule() error = %v, want %v", err, ErrRuleNotFound)
	}

	events := repo.publishedEvents()
	if len(events) != 3 {
		t.Fatalf("published events = %d, want 3", len(events))
	}
	wantTypes := []string{EventTypeUpdated, EventTypeUpdated, EventTypeDeleted}
	for i, event := range events {
		if event.EventType != wantTypes[i] {
			t.Fatalf("event %d type = %q, want %q", i, event.EventType, wantTypes[i])
		}
		if event.Entity != "account" {
			t.Fatalf("event %d entity = %q, want %q", i, event.Entity, "account")
		}
	}
}

func TestUpdateRuleRequiresID(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rule := requiredRule("account", "status", "status", core.ScopeBoth, 1)
	if _, err := svc.UpdateRule(ctx, rule); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("UpdateRule() error = %v, want %v", err, ErrInvalidRule)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	valid := func() repository.Rule {
		return requiredRule("account", "credit_limit", "status", core.ScopeBoth, 1)
	}

	tests := []struct {
		name   string
		mutate func(*repository.Rule)
	}{
		{"missing entity", func(r *repository.Rule) { r.Entity = " " }},
		{"missing target attribute", func(r *repository.Rule) { r.TargetAttribute = "" }},
		{"missing trigger attribute", func(r *repository.Rule) { r.TriggerAttribute = "" }},
		{"unknown kind", func(r *repository.Rule) { r.Kind = "mandatory" }},
		{"unknown scope", func(r *repository.Rule) { r.Scope = "everywhere" }},
		{"visible rule scoped server-only", func(r *repository.Rule) {
			r.Kind = core.KindVisible
			r.Scope = core.ScopeServerOnly
		}},
		{"target attribute not in schema registry", func(r *repository.Rule) { r.TargetAttribute = "phantom" }},
		{"trigger attribute not in schema registry", func(r *repository.Rule) { r.TriggerAttribute = "phantom" }},
		{"condition with unknown operator", func(r *repository.Rule) {
			r.Conditions = []repository.Condition{{
				Condition: core.Condition{Operator: "contains", ValueType: core.TypeString},
				Active:    true,
			}}
		}},
		{"condition with unknown value type", func(r *repository.Rule) {
			r.Conditions = []repository.Condition{{
				Condition: core.Condition{Operator: core.OperatorEquals, ValueType: "blob"},
				Active:    true,
			}}
		}},
		{"condition value field missing", func(r *repository.Rule) {
			value := "open"
			r.Conditions = []repository.Condition{{
				Condition: core.Condition{
					Operator:    core.OperatorEquals,
					ValueType:   core.TypeOption,
					ValueString: &value,
				},
				Active: true,
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid()
			tt.mutate(&rule)
			if _, err := svc.CreateRule(ctx, rule); !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("CreateRule() error = %v, want %v", err, ErrInvalidRule)
			}
		})
	}

	t.Run("null-check conditions need no value", func(t *testing.T) {
		rule := valid()
		rule.Conditions = []repository.Condition{{
			Condition: core.Condition{Operator: core.OperatorIsNull},
			Active:    true,
		}}
		if _, err := svc.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule() error = %v, want nil", err)
		}
	})
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)
	repo.setSchema("account", "closure_reason", core.TypeString)

	// Closed accounts (status 2) require a closure reason and freeze the
	// credit limit on the editing surface.
	reasonRule := requiredRule("account", "closure_reason", "status", core.ScopeClientOnly, 1)
	reasonRule.Conditions = []repository.Condition{
		{Condition: optionEqualsCondition(1, 2), Active: true},
	}
	limitRule := notAllowedRule("account", "credit_limit", "status", core.ScopeClientOnly, 1)
	limitRule.Conditions = []repository.Condition{
		{Condition: optionEqualsCondition(1, 2), Active: true},
	}
	repo.storeRule(reasonRule)
	repo.storeRule(limitRule)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := svc.Decide(ctx, DecideRequest{
		Entity:           "account",
		TriggerAttribute: "status",
		Value:            "2",
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Decide() returned %d results, want 2", len(results))
	}

	byAttribute := make(map[string]core.ClientDetails, len(results))
	for _, result := range results {
		byAttribute[result.Attribute] = result.Client
	}
	if details := byAttribute["closure_reason"]; !details.Required || details.NotAllowed || !details.Visible {
		t.Fatalf("closure_reason details = %+v, want required and visible", details)
	}
	if details := byAttribute["credit_limit"]; !details.NotAllowed || details.Required {
		t.Fatalf("credit_limit details = %+v, want not allowed", details)
	}

	t.Run("open account keeps defaults", func(t *testing.T) {
		results, err := svc.Decide(ctx, DecideRequest{
			Entity:           "account",
			TriggerAttribute: "status",
			Value:            "1",
			TargetAttributes: []string{"closure_reason"},
		})
		if err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("Decide() returned %d results, want 1", len(results))
		}
		if details := results[0].Client; details.Required || details.NotAllowed || !details.Visible {
			t.Fatalf("closure_reason details = %+v, want defaults", details)
		}
	})

	t.Run("unknown trigger attribute", func(t *testing.T) {
		_, err := svc.Decide(ctx, DecideRequest{
			Entity:           "account",
			TriggerAttribute: "phantom",
			Value:            "1",
		})
		if !errors.Is(err, ErrSchemaNotFound) {
			t.Fatalf("Decide() error = %v, want %v", err, ErrSchemaNotFound)
		}
	})

	t.Run("unparseable trigger value", func(t *testing.T) {
		_, err := svc.Decide(ctx, DecideRequest{
			Entity:           "account",
			TriggerAttribute: "status",
			Value:            "closed",
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Decide() error = %v, want %v", err, ErrInvalidRequest)
		}
	})

	t.Run("missing entity", func(t *testing.T) {
		_, err := svc.Decide(ctx, DecideRequest{TriggerAttribute: "status", Value: "1"})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Decide() error = %v, want %v", err, ErrInvalidRequest)
		}
	})
}

func TestParseSchemaValue(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	id := uuid.MustParse("0c9afc71-7c4b-4bc2-89e0-1b250b3cbd62")

	tests := []struct {
		name         string
		valueType    core.ValueType
		raw          string
		lookupEntity string
		want         any
		wantErr      bool
	}{
		{name: "empty raw is null", valueType: core.TypeString, raw: "", want: nil},
		{name: "string", valueType: core.TypeString, raw: "open", want: "open"},
		{name: "whole number", valueType: core.TypeWholeNumber, raw: "42", want: int64(42)},
		{name: "option", valueType: core.TypeOption, raw: "7", want: int64(7)},
		{name: "decimal", valueType: core.TypeDecimal, raw: "2.5", want: 2.5},
		{name: "money", valueType: core.TypeMoney, raw: "99.95", want: core.Money{Amount: 99.95}},
		{name: "boolean", valueType: core.TypeBoolean, raw: "true", want: true},
		{name: "datetime", valueType: core.TypeDateTime, raw: "2026-03-14T09:30:00Z", want: when},
		{name: "guid", valueType: core.TypeGUID, raw: id.String(), want: id},
		{name: "lookup", valueType: core.TypeLookup, raw: id.String(), lookupEntity: "contact", want: core.Reference{Entity: "contact", ID: id.String()}},
		{name: "bad whole number", valueType: core.TypeWholeNumber, raw: "four", wantErr: true},
		{name: "bad decimal", valueType: core.TypeDecimal, raw: "cheap", wantErr: true},
		{name: "bad boolean", valueType: core.TypeBoolean, raw: "yep", wantErr: true},
		{name: "bad datetime", valueType: core.TypeDateTime, raw: "tomorrow", wantErr: true},
		{name: "bad guid", valueType: core.TypeGUID, raw: "not-a-guid", wantErr: true},
		{name: "unknown type", valueType: "blob", raw: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSchemaValue(tt.valueType, tt.raw, tt.lookupEntity)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseSchemaValue() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSchemaValue() error = %v", err)
			}
			if !valuesMatch(got, tt.want) {
				t.Fatalf("parseSchemaValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEnforceWrite(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)
	repo.setSchema("account", "closure_reason", core.TypeString)

	// Server policy: closed accounts (status 2) require a closure reason
	// and lock the credit limit.
	reasonRule := requiredRule("account", "closure_reason", "status", core.ScopeServerOnly, 1)
	reasonRule.Conditions = []repository.Condition{
		{Condition: optionEqualsCondition(1, 2), Active: true},
	}
	limitRule := notAllowedRule("account", "credit_limit", "status", core.ScopeBoth, 1)
	limitRule.Conditions = []repository.Condition{
		{Condition: optionEqualsCondition(1, 2), Active: true},
	}
	repo.storeRule(reasonRule)
	repo.storeRule(limitRule)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	t.Run("create blocks missing required attribute", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationCreate,
			Entity:    "account",
			Target:    core.Record{"status": int64(2)},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 1 {
			t.Fatalf("violations = %#v, want exactly one", violations)
		}
		if violations[0].Attribute != "closure_reason" || violations[0].Kind != core.KindRequired {
			t.Fatalf("violation = %+v, want required closure_reason", violations[0])
		}
	})

	t.Run("create blocks setting a locked attribute", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationCreate,
			Entity:    "account",
			Target: core.Record{
				"status":         int64(2),
				"closure_reason": "duplicate",
				"credit_limit":   core.Money{Amount: 500},
			},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 1 || violations[0].Kind != core.KindNotAllowed || violations[0].Attribute != "credit_limit" {
			t.Fatalf("violations = %#v, want single credit_limit not-allowed", violations)
		}
	})

	t.Run("clean create passes", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationCreate,
			Entity:    "account",
			Target:    core.Record{"status": int64(1), "credit_limit": core.Money{Amount: 500}},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 0 {
			t.Fatalf("violations = %#v, want none", violations)
		}
	})

	t.Run("update requires a pre-image", func(t *testing.T) {
		_, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationUpdate,
			Entity:    "account",
			Target:    core.Record{"credit_limit": core.Money{Amount: 900}},
		})
		if !errors.Is(err, ErrMissingPreImage) {
			t.Fatalf("EnforceWrite() error = %v, want %v", err, ErrMissingPreImage)
		}
	})

	t.Run("update blocks changing a locked attribute", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationUpdate,
			Entity:    "account",
			Target:    core.Record{"credit_limit": core.Money{Amount: 900}},
			PreImage:  core.Record{"status": int64(2), "credit_limit": core.Money{Amount: 500}},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 1 || violations[0].Kind != core.KindNotAllowed {
			t.Fatalf("violations = %#v, want single not-allowed", violations)
		}
	})

	t.Run("update allows writing an unchanged locked value", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationUpdate,
			Entity:    "account",
			Target:    core.Record{"credit_limit": core.Money{Amount: 500}},
			PreImage:  core.Record{"status": int64(2), "credit_limit": core.Money{Amount: 500}},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 0 {
			t.Fatalf("violations = %#v, want none", violations)
		}
	})

	t.Run("update blocks clearing a required attribute", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationUpdate,
			Entity:    "account",
			Target:    core.Record{"status": int64(2), "closure_reason": nil},
			PreImage:  core.Record{"status": int64(2), "closure_reason": "duplicate"},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 1 || violations[0].Kind != core.KindRequired {
			t.Fatalf("violations = %#v, want single required", violations)
		}
	})

	t.Run("update skips attributes not being written", func(t *testing.T) {
		violations, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: OperationUpdate,
			Entity:    "account",
			Target:    core.Record{"status": int64(2)},
			PreImage:  core.Record{"status": int64(1)},
		})
		if err != nil {
			t.Fatalf("EnforceWrite() error = %v", err)
		}
		if len(violations) != 0 {
			t.Fatalf("violations = %#v, want none for untouched attributes", violations)
		}
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, err := svc.EnforceWrite(ctx, EnforceRequest{
			Operation: "upsert",
			Entity:    "account",
			Target:    core.Record{},
		})
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("EnforceWrite() error = %v, want %v", err, ErrInvalidRequest)
		}
	})
}

func TestGovernedAttributesCache(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)
	repo.storeRule(requiredRule("account", "credit_limit", "status", core.ScopeBoth, 1))

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	attrs, err := svc.GovernedAttributes(ctx, "account")
	if err != nil {
		t.Fatalf("GovernedAttributes() error = %v", err)
	}
	if len(attrs) != 1 || attrs[0] != "credit_limit" {
		t.Fatalf("GovernedAttributes() = %v, want [credit_limit]", attrs)
	}
	if calls := repo.governedCalls(); calls != 0 {
		t.Fatalf("repository GovernedAttributes calls = %d, want 0 (served from cache)", calls)
	}

	// A cache miss for an unknown entity falls through to the database.
	repo.setSchema("contact", "email", core.TypeString)
	repo.storeRule(requiredRule("contact", "email", "email", core.ScopeBoth, 1))

	attrs, err = svc.GovernedAttributes(ctx, "contact")
	if err != nil {
		t.Fatalf("GovernedAttributes(contact) error = %v", err)
	}
	if len(attrs) != 1 || attrs[0] != "email" {
		t.Fatalf("GovernedAttributes(contact) = %v, want [email]", attrs)
	}
	if calls := repo.governedCalls(); calls != 1 {
		t.Fatalf("repository GovernedAttributes calls = %d, want 1", calls)
	}

	t.Run("empty entity", func(t *testing.T) {
		if _, err := svc.GovernedAttributes(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("GovernedAttributes() error = %v, want %v", err, ErrInvalidRequest)
		}
	})
}

func TestCreateRuleExtendsGovernedCache(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CreateRule(ctx, requiredRule("account", "credit_limit", "status", core.ScopeBoth, 1)); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	attrs, err := svc.GovernedAttributes(ctx, "account")
	if err != nil {
		t.Fatalf("GovernedAttributes() error = %v", err)
	}
	if len(attrs) != 1 || attrs[0] != "credit_limit" {
		t.Fatalf("GovernedAttributes() = %v, want [credit_limit]", attrs)
	}
	if calls := repo.governedCalls(); calls != 0 {
		t.Fatalf("repository GovernedAttributes calls = %d, want 0", calls)
	}
}

func TestMutationSucceedsWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.publishErr = errors.New("publish failed")

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CreateRule(ctx, requiredRule("account", "status", "status", core.ScopeBoth, 1)); err != nil {
		t.Fatalf("CreateRule() error = %v, want nil when only publishing fails", err)
	}
}

func TestCacheInvalidationListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newNotifyingFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)
	repo.setSchema("account", "credit_limit", core.TypeMoney)

	var invalidations int
	var mu sync.Mutex
	svc, err := New(ctx, repo, WithCacheMetrics(nil, func() {
		mu.Lock()
		invalidations++
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Write behind the service's back, then notify.
	repo.storeRule(requiredRule("account", "credit_limit", "status", core.ScopeBoth, 1))
	repo.notifyInvalidation()

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		fired := invalidations > 0
		mu.Unlock()
		if !fired {
			return false
		}
		attrs, err := svc.GovernedAttributes(ctx, "account")
		return err == nil && len(attrs) == 1
	})
}

func TestListEventsSince(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setSchema("account", "status", core.TypeOption)

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CreateRule(ctx, requiredRule("account", "status", "status", core.ScopeBoth, 1)); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	events, err := svc.ListEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("ListEventsSince() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("ListEventsSince() returned %d events, want 1", len(events))
	}

	events, err = svc.ListEventsSinceForEntity(ctx, 0, "contact")
	if err != nil {
		t.Fatalf("ListEventsSinceForEntity() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("ListEventsSinceForEntity(contact) returned %d events, want 0", len(events))
	}

	if _, err := svc.ListEventsSinceForEntity(ctx, 0, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ListEventsSinceForEntity() error = %v, want %v", err, ErrInvalidRequest)
	}
}

func TestSchemaRegistry(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.UpsertSchemaAttribute(ctx, repository.SchemaAttribute{
		Entity: "account", Attribute: "status", ValueType: "blob",
	}); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("UpsertSchemaAttribute() error = %v, want %v", err, ErrInvalidSchema)
	}

	stored, err := svc.UpsertSchemaAttribute(ctx, repository.SchemaAttribute{
		Entity: "account", Attribute: "status", ValueType: core.TypeOption,
	})
	if err != nil {
		t.Fatalf("UpsertSchemaAttribute() error = %v", err)
	}
	if stored.ValueType != core.TypeOption {
		t.Fatalf("stored value type = %q, want %q", stored.ValueType, core.TypeOption)
	}

	got, err := svc.GetSchemaAttribute(ctx, "account", "status")
	if err != nil {
		t.Fatalf("GetSchemaAttribute() error = %v", err)
	}
	if got.ValueType != core.TypeOption {
		t.Fatalf("GetSchemaAttribute().ValueType = %q, want %q", got.ValueType, core.TypeOption)
	}

	attrs, err := svc.ListSchemaAttributes(ctx, "account")
	if err != nil {
		t.Fatalf("ListSchemaAttributes() error = %v", err)
	}
	if len(attrs) != 1 {
		t.Fatalf("ListSchemaAttributes() returned %d entries, want 1", len(attrs))
	}

	if err := svc.DeleteSchemaAttribute(ctx, "account", "status"); err != nil {
		t.Fatalf("DeleteSchemaAttribute() error = %v", err)
	}
	if _, err := svc.GetSchemaAttribute(ctx, "account", "status"); !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("GetSchemaAttribute() error = %v, want %v", err, ErrSchemaNotFound)
	}
	if err := svc.DeleteSchemaAttribute(ctx, "account", "status"); !errors.Is(err, ErrSchemaNotFound) {
		t.Fatalf("DeleteSchemaAttribute() error = %v, want %v", err, ErrSchemaNotFound)
	}
}

func requiredRule(entity, target, trigger string, scope core.Scope, sequence int) repository.Rule {
	result := true
	return repository.Rule{
		Rule: core.Rule{
			Entity:           entity,
			TargetAttribute:  target,
			TriggerAttribute: trigger,
			Kind:             core.KindRequired,
			Scope:            scope,
			Sequence:         sequence,
			Result:           &result,
		},
		Active: true,
	}
}

func notAllowedRule(entity, target, trigger string, scope core.Scope, sequence int) repository.Rule {
	result := true
	return repository.Rule{
		Rule: core.Rule{
			Entity:           entity,
			TargetAttribute:  target,
			TriggerAttribute: trigger,
			Kind:             core.KindNotAllowed,
			Scope:            scope,
			Sequence:         sequence,
			Result:           &result,
		},
		Active: true,
	}
}

func optionEqualsCondition(sequence int, option int64) core.Condition {
	return core.Condition{
		Sequence:    sequence,
		Operator:    core.OperatorEquals,
		ValueType:   core.TypeOption,
		ValueOption: &option,
	}
}

func valuesMatch(got, want any) bool {
	if wantTime, ok := want.(time.Time); ok {
		gotTime, ok := got.(time.Time)
		return ok && gotTime.Equal(wantTime)
	}
	return got == want
}

type fakeServiceRepository struct {
	mu            sync.RWMutex
	rules         map[uuid.UUID]repository.Rule
	schema        map[string]repository.SchemaAttribute
	events        []repository.RuleEvent
	nextEventID   int64
	publishErr    error
	governedReads int
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		rules:  make(map[uuid.UUID]repository.Rule),
		schema: make(map[string]repository.SchemaAttribute),
	}
}

func (f *fakeServiceRepository) setSchema(entity, attribute string, valueType core.ValueType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schema[entity+"."+attribute] = repository.SchemaAttribute{
		Entity:    entity,
		Attribute: attribute,
		ValueType: valueType,
	}
}

func (f *fakeServiceRepository) storeRule(rule repository.Rule) repository.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	for i := range rule.Conditions {
		if rule.Conditions[i].ID == uuid.Nil {
			rule.Conditions[i].ID = uuid.New()
		}
		rule.Conditions[i].RuleID = rule.ID
	}
	f.rules[rule.ID] = rule
	return rule
}

func (f *fakeServiceRepository) publishedEvents() []repository.RuleEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]repository.RuleEvent(nil), f.events...)
}

func (f *fakeServiceRepository) governedCalls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.governedReads
}

func (f *fakeServiceRepository) CreateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	return f.storeRule(rule), nil
}

func (f *fakeServiceRepository) UpdateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[rule.ID]; !ok {
		return repository.Rule{}, pgx.ErrNoRows
	}
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) GetRule(_ context.Context, id uuid.UUID) (repository.Rule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rule, ok := f.rules[id]
	if !ok {
		return repository.Rule{}, pgx.ErrNoRows
	}
	return rule, nil
}

func (f *fakeServiceRepository) ListRules(_ context.Context, entity string) ([]repository.Rule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rules := make([]repository.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		if entity != "" && rule.Entity != entity {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Sequence < rules[j].Sequence })
	return rules, nil
}

func (f *fakeServiceRepository) DeleteRule(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeServiceRepository) GovernedAttributes(_ context.Context, entity string) ([]string, error) {
	f.mu.Lock()
	f.governedReads++
	f.mu.Unlock()

	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := make(map[string]bool)
	for _, rule := range f.rules {
		if rule.Entity == entity && rule.Active {
			seen[rule.TargetAttribute] = true
		}
	}
	attrs := make([]string, 0, len(seen))
	for attr := range seen {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	return attrs, nil
}

func (f *fakeServiceRepository) RulesFor(_ context.Context, entity, attribute string) ([]core.Rule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rules := make([]core.Rule, 0)
	for _, rule := range f.rules {
		if rule.Entity == entity && rule.TargetAttribute == attribute && rule.Active {
			rules = append(rules, rule.Rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Sequence < rules[j].Sequence })
	return rules, nil
}

func (f *fakeServiceRepository) ConditionsFor(_ context.Context, ruleID uuid.UUID) ([]core.Condition, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rule, ok := f.rules[ruleID]
	if !ok {
		return nil, nil
	}
	conditions := make([]core.Condition, 0, len(rule.Conditions))
	for _, condition := range rule.Conditions {
		if condition.Active {
			conditions = append(conditions, condition.Condition)
		}
	}
	sort.Slice(conditions, func(i, j int) bool { return conditions[i].Sequence < conditions[j].Sequence })
	return conditions, nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64) ([]repository.RuleEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) ListEventsSinceForEntity(_ context.Context, eventID int64, entity string) ([]repository.RuleEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.events {
		if event.EventID > eventID && event.Entity == entity {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishRuleEvent(_ context.Context, event repository.RuleEvent) (repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return repository.RuleEvent{}, f.publishErr
	}
	f.nextEventID++
	event.EventID = f.nextEventID
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) UpsertSchemaAttribute(_ context.Context, attr repository.SchemaAttribute) (repository.SchemaAttribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schema[attr.Entity+"."+attr.Attribute] = attr
	return attr, nil
}

func (f *fakeServiceRepository) GetSchemaAttribute(_ context.Context, entity, attribute string) (repository.SchemaAttribute, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	attr, ok := f.schema[entity+"."+attribute]
	if !ok {
		return repository.SchemaAttribute{}, pgx.ErrNoRows
	}
	return attr, nil
}

func (f *fakeServiceRepository) ListSchemaAttributes(_ context.Context, entity string) ([]repository.SchemaAttribute, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	attrs := make([]repository.SchemaAttribute, 0)
	for _, attr := range f.schema {
		if attr.Entity == entity {
			attrs = append(attrs, attr)
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Attribute < attrs[j].Attribute })
	return attrs, nil
}

func (f *fakeServiceRepository) DeleteSchemaAttribute(_ context.Context, entity, attribute string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := entity + "." + attribute
	if _, ok := f.schema[key]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.schema, key)
	return nil
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeRuleInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
