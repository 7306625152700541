// Package repository provides PostgreSQL-backed persistence for governance
// rules, their conditions, the schema registry, and rule-change events. It
// also handles LISTEN/NOTIFY-based cache invalidation so the service layer
// stays fresh without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldlock/fieldlock/internal/core"
)

const (
	defaultNotifyChannel  = "rule_events"
	defaultEventBatchSize = 1000
)

// Rule is the repository-level representation of a rule row, carrying the
// lifecycle flag and timestamps the evaluator never sees. Conditions are
// authored together with their rule and travel with it through the API.
type Rule struct {
	core.Rule
	Active     bool        `json:"active"`
	Conditions []Condition `json:"conditions,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Condition is the repository-level representation of a condition row.
type Condition struct {
	core.Condition
	Active bool `json:"active"`
}

// RuleEvent represents a change event for a rule, stored in the rule_events
// table and used to drive SSE streaming and cache invalidation.
type RuleEvent struct {
	EventID   int64           `json:"event_id"`
	Entity    string          `json:"entity"`
	RuleID    uuid.UUID       `json:"rule_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SchemaAttribute is one attribute definition in the schema registry: the
// declared value type of entity.attribute on the host data platform.
type SchemaAttribute struct {
	Entity    string         `json:"entity"`
	Attribute string         `json:"attribute"`
	ValueType core.ValueType `json:"value_type"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PostgresRepository implements rule, condition, schema, and event
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name for rule event
// notifications.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned per stream poll
// query.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] with default options.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const ruleColumns = `id, entity, target_attribute, trigger_attribute, kind, scope, sequence, result, active, created_at, updated_at`

// CreateRule inserts a rule row and its conditions in one transaction and
// returns the created record with server-generated timestamps.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("begin create rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created Rule
	if err := tx.QueryRow(ctx, `
		INSERT INTO rules (id, entity, target_attribute, trigger_attribute, kind, scope, sequence, result, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+ruleColumns,
		rule.ID,
		rule.Entity,
		rule.TargetAttribute,
		rule.TriggerAttribute,
		rule.Kind,
		rule.Scope,
		rule.Sequence,
		rule.Result,
		rule.Active,
	).Scan(ruleScanTargets(&created)...); err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}

	created.Conditions, err = insertConditions(ctx, tx, created.ID, rule.Conditions)
	if err != nil {
		return Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("commit create rule tx: %w", err)
	}

	return created, nil
}

// UpdateRule replaces an existing rule row and its full condition set in one
// transaction. Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("begin update rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated Rule
	if err := tx.QueryRow(ctx, `
		UPDATE rules
		SET entity = $2,
		    target_attribute = $3,
		    trigger_attribute = $4,
		    kind = $5,
		    scope = $6,
		    sequence = $7,
		    result = $8,
		    active = $9,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		rule.ID,
		rule.Entity,
		rule.TargetAttribute,
		rule.TriggerAttribute,
		rule.Kind,
		rule.Scope,
		rule.Sequence,
		rule.Result,
		rule.Active,
	).Scan(ruleScanTargets(&updated)...); err != nil {
		return Rule{}, fmt.Errorf("update rule: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rule_conditions WHERE rule_id = $1`, rule.ID); err != nil {
		return Rule{}, fmt.Errorf("clear rule conditions: %w", err)
	}

	updated.Conditions, err = insertConditions(ctx, tx, updated.ID, rule.Conditions)
	if err != nil {
		return Rule{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Rule{}, fmt.Errorf("commit update rule tx: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule with its conditions. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id uuid.UUID) (Rule, error) {
	var rule Rule
	err := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id).Scan(ruleScanTargets(&rule)...)
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	rule.Conditions, err = r.listConditions(ctx, id)
	if err != nil {
		return Rule{}, err
	}

	return rule, nil
}

// ListRules returns all rules for an entity (or all entities when entity is
// empty), ordered by entity, target attribute, and sequence, with their
// conditions attached.
func (r *PostgresRepository) ListRules(ctx context.Context, entity string) ([]Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		ORDER BY entity, target_attribute, sequence, id`
	args := []any{}
	if entity != "" {
		query = `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE entity = $1
		ORDER BY target_attribute, sequence, id`
		args = append(args, entity)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(ruleScanTargets(&rule)...); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	for i := range rules {
		rules[i].Conditions, err = r.listConditions(ctx, rules[i].ID)
		if err != nil {
			return nil, err
		}
	}

	return rules, nil
}

// DeleteRule removes a rule and its conditions. Returns pgx.ErrNoRows
// (wrapped) if the rule does not exist. Conditions go with the rule via the
// foreign key cascade.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return deleteRuleNoRows(commandTag)
}

// RulesFor returns the active rules governing entity.attribute, ascending by
// sequence. Together with [ConditionsFor] it satisfies core.RuleSource: the
// evaluator relies on this ordering and on inactive rows being filtered here.
func (r *PostgresRepository) RulesFor(ctx context.Context, entity, attribute string) ([]core.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity, target_attribute, trigger_attribute, kind, scope, sequence, result
		FROM rules
		WHERE entity = $1 AND target_attribute = $2 AND active
		ORDER BY sequence, id
	`, entity, attribute)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.Rule, 0)
	for rows.Next() {
		var rule core.Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.Entity,
			&rule.TargetAttribute,
			&rule.TriggerAttribute,
			&rule.Kind,
			&rule.Scope,
			&rule.Sequence,
			&rule.Result,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load rules rows: %w", err)
	}

	return rules, nil
}

// ConditionsFor returns the active conditions of one rule, ascending by
// sequence.
func (r *PostgresRepository) ConditionsFor(ctx context.Context, ruleID uuid.UUID) ([]core.Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conditionColumns+`
		FROM rule_conditions
		WHERE rule_id = $1 AND active
		ORDER BY sequence, id
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	defer rows.Close()

	conditions := make([]core.Condition, 0)
	for rows.Next() {
		var cond Condition
		if err := rows.Scan(conditionScanTargets(&cond)...); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		conditions = append(conditions, cond.Condition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load conditions rows: %w", err)
	}

	return conditions, nil
}

// GovernedAttributes returns the distinct target attributes of an entity
// that have at least one active rule.
func (r *PostgresRepository) GovernedAttributes(ctx context.Context, entity string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT target_attribute
		FROM rules
		WHERE entity = $1 AND active
		ORDER BY target_attribute
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("list governed attributes: %w", err)
	}
	defer rows.Close()

	attributes := make([]string, 0)
	for rows.Next() {
		var attribute string
		if err := rows.Scan(&attribute); err != nil {
			return nil, fmt.Errorf("scan governed attribute: %w", err)
		}
		attributes = append(attributes, attribute)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list governed attributes rows: %w", err)
	}

	return attributes, nil
}

const conditionColumns = `id, rule_id, sequence, operator, value_type, active,
		value_string, value_whole_number, value_decimal, value_boolean, value_datetime,
		value_guid, value_money, value_option, value_lookup_entity, value_lookup_id`

func (r *PostgresRepository) listConditions(ctx context.Context, ruleID uuid.UUID) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conditionColumns+`
		FROM rule_conditions
		WHERE rule_id = $1
		ORDER BY sequence, id
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	conditions := make([]Condition, 0)
	for rows.Next() {
		var cond Condition
		if err := rows.Scan(conditionScanTargets(&cond)...); err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		conditions = append(conditions, cond)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conditions rows: %w", err)
	}

	return conditions, nil
}

func insertConditions(ctx context.Context, tx pgx.Tx, ruleID uuid.UUID, conditions []Condition) ([]Condition, error) {
	inserted := make([]Condition, 0, len(conditions))
	for _, cond := range conditions {
		if cond.ID == uuid.Nil {
			cond.ID = uuid.New()
		}
		cond.RuleID = ruleID

		var created Condition
		if err := tx.QueryRow(ctx, `
			INSERT INTO rule_conditions (id, rule_id, sequence, operator, value_type, active,
				value_string, value_whole_number, value_decimal, value_boolean, value_datetime,
				value_guid, value_money, value_option, value_lookup_entity, value_lookup_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING `+conditionColumns,
			cond.ID,
			cond.RuleID,
			cond.Sequence,
			cond.Operator,
			cond.ValueType,
			cond.Active,
			cond.ValueString,
			cond.ValueWholeNumber,
			cond.ValueDecimal,
			cond.ValueBoolean,
			cond.ValueDateTime,
			cond.ValueGUID,
			cond.ValueMoney,
			cond.ValueOption,
			cond.ValueLookupEntity,
			cond.ValueLookupID,
		).Scan(conditionScanTargets(&created)...); err != nil {
			return nil, fmt.Errorf("insert condition: %w", err)
		}
		inserted = append(inserted, created)
	}
	return inserted, nil
}

func ruleScanTargets(rule *Rule) []any {
	return []any{
		&rule.ID,
		&rule.Entity,
		&rule.TargetAttribute,
		&rule.TriggerAttribute,
		&rule.Kind,
		&rule.Scope,
		&rule.Sequence,
		&rule.Result,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	}
}

func conditionScanTargets(cond *Condition) []any {
	return []any{
		&cond.ID,
		&cond.RuleID,
		&cond.Sequence,
		&cond.Operator,
		&cond.ValueType,
		&cond.Active,
		&cond.ValueString,
		&cond.ValueWholeNumber,
		&cond.ValueDecimal,
		&cond.ValueBoolean,
		&cond.ValueDateTime,
		&cond.ValueGUID,
		&cond.ValueMoney,
		&cond.ValueOption,
		&cond.ValueLookupEntity,
		&cond.ValueLookupID,
	}
}

func deleteRuleNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}
