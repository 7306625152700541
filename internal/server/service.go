package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldlock/fieldlock/internal/repository"
	"github.com/fieldlock/fieldlock/internal/service"
)

type Service interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (repository.Rule, error)
	ListRules(ctx context.Context, entity string) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
	GovernedAttributes(ctx context.Context, entity string) ([]string, error)
	Decide(ctx context.Context, request service.DecideRequest) ([]service.DecisionResult, error)
	EnforceWrite(ctx context.Context, request service.EnforceRequest) ([]service.Violation, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	ListEventsSinceForEntity(ctx context.Context, eventID int64, entity string) ([]repository.RuleEvent, error)
	UpsertSchemaAttribute(ctx context.Context, attr repository.SchemaAttribute) (repository.SchemaAttribute, error)
	GetSchemaAttribute(ctx context.Context, entity, attribute string) (repository.SchemaAttribute, error)
	ListSchemaAttributes(ctx context.Context, entity string) ([]repository.SchemaAttribute, error)
	DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error
}

var _ Service = (*service.Service)(nil)
