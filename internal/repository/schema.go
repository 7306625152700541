package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// UpsertSchemaAttribute registers or updates one attribute definition in the
// schema registry.
func (r *PostgresRepository) UpsertSchemaAttribute(ctx context.Context, attr SchemaAttribute) (SchemaAttribute, error) {
	var stored SchemaAttribute
	err := r.pool.QueryRow(ctx, `
		INSERT INTO schema_attributes (entity, attribute, value_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity, attribute)
		DO UPDATE SET value_type = EXCLUDED.value_type, updated_at = NOW()
		RETURNING entity, attribute, value_type, created_at, updated_at
	`, attr.Entity, attr.Attribute, attr.ValueType).Scan(
		&stored.Entity,
		&stored.Attribute,
		&stored.ValueType,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return SchemaAttribute{}, fmt.Errorf("upsert schema attribute: %w", err)
	}

	return stored, nil
}

// GetSchemaAttribute retrieves one attribute definition. Returns
// pgx.ErrNoRows (wrapped) if the attribute is not registered.
func (r *PostgresRepository) GetSchemaAttribute(ctx context.Context, entity, attribute string) (SchemaAttribute, error) {
	var stored SchemaAttribute
	err := r.pool.QueryRow(ctx, `
		SELECT entity, attribute, value_type, created_at, updated_at
		FROM schema_attributes
		WHERE entity = $1 AND attribute = $2
	`, entity, attribute).Scan(
		&stored.Entity,
		&stored.Attribute,
		&stored.ValueType,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return SchemaAttribute{}, fmt.Errorf("get schema attribute: %w", err)
	}

	return stored, nil
}

// ListSchemaAttributes returns all attribute definitions of one entity,
// ordered by attribute name.
func (r *PostgresRepository) ListSchemaAttributes(ctx context.Context, entity string) ([]SchemaAttribute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entity, attribute, value_type, created_at, updated_at
		FROM schema_attributes
		WHERE entity = $1
		ORDER BY attribute
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("list schema attributes: %w", err)
	}
	defer rows.Close()

	attributes := make([]SchemaAttribute, 0)
	for rows.Next() {
		var attr SchemaAttribute
		if err := rows.Scan(
			&attr.Entity,
			&attr.Attribute,
			&attr.ValueType,
			&attr.CreatedAt,
			&attr.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan schema attribute: %w", err)
		}
		attributes = append(attributes, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schema attributes rows: %w", err)
	}

	return attributes, nil
}

// DeleteSchemaAttribute removes one attribute definition. Returns
// pgx.ErrNoRows (wrapped) if the attribute is not registered.
func (r *PostgresRepository) DeleteSchemaAttribute(ctx context.Context, entity, attribute string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM schema_attributes WHERE entity = $1 AND attribute = $2
	`, entity, attribute)
	if err != nil {
		return fmt.Errorf("delete schema attribute: %w", err)
	}
	return deleteSchemaAttributeNoRows(commandTag)
}

func deleteSchemaAttributeNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete schema attribute: %w", pgx.ErrNoRows)
	}
	return nil
}
