package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PublishRuleEvent inserts a rule event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (entity, rule_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, entity, rule_id, event_type, payload, created_at
	`,
		event.Entity,
		event.RuleID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Entity,
		&created.RuleID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of rule events
// with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, entity, rule_id, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return scanRuleEvents(rows)
}

// ListEventsSinceForEntity returns rule events scoped to one entity, so a
// form bound to a single entity type does not wake up for unrelated policy
// changes.
func (r *PostgresRepository) ListEventsSinceForEntity(ctx context.Context, eventID int64, entity string) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, entity, rule_id, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1 AND entity = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, entity, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for entity: %w", err)
	}
	defer rows.Close()

	return scanRuleEvents(rows)
}

func scanRuleEvents(rows pgx.Rows) ([]RuleEvent, error) {
	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Entity,
			&event.RuleID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal
// whenever a rule event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the listener gives up.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		Entity    string `json:"entity"`
		RuleID    string `json:"rule_id"`
		EventType string `json:"event_type"`
	}{
		Entity:    event.Entity,
		RuleID:    event.RuleID.String(),
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
