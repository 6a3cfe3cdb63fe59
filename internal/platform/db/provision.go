package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether name is safe to splice into DDL/DML as a
// table or schema name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// TablePrefix returns the lower-cased table name prefix for a resource type.
func TablePrefix(resourceType string) (string, error) {
	if !identifierPattern.MatchString(resourceType) {
		return "", fmt.Errorf("invalid resource type: %q", resourceType)
	}
	return strings.ToLower(resourceType), nil
}

const resourceTypeDDL = `
CREATE TABLE IF NOT EXISTS {p}_logical_resources (
    logical_resource_id BIGINT       PRIMARY KEY,
    logical_id          VARCHAR(255) NOT NULL,
    version_id          INT          NOT NULL
);

CREATE TABLE IF NOT EXISTS {p}_str_values (
    parameter_name_id   INT          NOT NULL,
    str_value           VARCHAR(1024),
    str_value_lcase     VARCHAR(1024),
    logical_resource_id BIGINT       NOT NULL,
    composite_id        INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_str_values_lr ON {p}_str_values (logical_resource_id);
CREATE INDEX IF NOT EXISTS idx_{p}_str_values_pv ON {p}_str_values (parameter_name_id, str_value_lcase);

CREATE TABLE IF NOT EXISTS {p}_number_values (
    parameter_name_id   INT     NOT NULL,
    number_value        NUMERIC,
    number_value_low    NUMERIC,
    number_value_high   NUMERIC,
    logical_resource_id BIGINT  NOT NULL,
    composite_id        INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_number_values_lr ON {p}_number_values (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_date_values (
    parameter_name_id   INT         NOT NULL,
    date_start          TIMESTAMPTZ,
    date_end            TIMESTAMPTZ,
    logical_resource_id BIGINT      NOT NULL,
    composite_id        INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_date_values_lr ON {p}_date_values (logical_resource_id);
CREATE INDEX IF NOT EXISTS idx_{p}_date_values_ps ON {p}_date_values (parameter_name_id, date_start);

CREATE TABLE IF NOT EXISTS {p}_quantity_values (
    parameter_name_id   INT          NOT NULL,
    code_system_id      INT          NOT NULL,
    code                VARCHAR(255),
    quantity_value      NUMERIC,
    quantity_value_low  NUMERIC,
    quantity_value_high NUMERIC,
    logical_resource_id BIGINT       NOT NULL,
    composite_id        INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_quantity_values_lr ON {p}_quantity_values (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_latlng_values (
    parameter_name_id   INT              NOT NULL,
    latitude_value      DOUBLE PRECISION,
    longitude_value     DOUBLE PRECISION,
    logical_resource_id BIGINT           NOT NULL,
    composite_id        INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_latlng_values_lr ON {p}_latlng_values (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_resource_token_refs (
    parameter_name_id     INT    NOT NULL,
    logical_resource_id   BIGINT NOT NULL,
    common_token_value_id BIGINT NOT NULL REFERENCES common_token_values (common_token_value_id),
    composite_id          INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_resource_token_refs_lr ON {p}_resource_token_refs (logical_resource_id);
CREATE INDEX IF NOT EXISTS idx_{p}_resource_token_refs_tv ON {p}_resource_token_refs (common_token_value_id, parameter_name_id);

CREATE TABLE IF NOT EXISTS {p}_tags (
    logical_resource_id   BIGINT NOT NULL,
    common_token_value_id BIGINT NOT NULL REFERENCES common_token_values (common_token_value_id)
);
CREATE INDEX IF NOT EXISTS idx_{p}_tags_lr ON {p}_tags (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_security (
    logical_resource_id   BIGINT NOT NULL,
    common_token_value_id BIGINT NOT NULL REFERENCES common_token_values (common_token_value_id)
);
CREATE INDEX IF NOT EXISTS idx_{p}_security_lr ON {p}_security (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_profiles (
    logical_resource_id BIGINT      NOT NULL,
    canonical_id        BIGINT      NOT NULL REFERENCES common_canonical_values (canonical_id),
    version             VARCHAR(64),
    fragment            VARCHAR(64)
);
CREATE INDEX IF NOT EXISTS idx_{p}_profiles_lr ON {p}_profiles (logical_resource_id);

CREATE TABLE IF NOT EXISTS {p}_ref_values (
    parameter_name_id       INT    NOT NULL,
    logical_resource_id     BIGINT NOT NULL,
    ref_logical_resource_id BIGINT NOT NULL REFERENCES logical_resource_ident (logical_resource_id),
    ref_version_id          INT,
    composite_id            INT
);
CREATE INDEX IF NOT EXISTS idx_{p}_ref_values_lr ON {p}_ref_values (logical_resource_id);
CREATE INDEX IF NOT EXISTS idx_{p}_ref_values_ref ON {p}_ref_values (ref_logical_resource_id, parameter_name_id);
`

// ResourceTypeDDL renders the per-resource-type parameter tables.
func ResourceTypeDDL(resourceType string) (string, error) {
	prefix, err := TablePrefix(resourceType)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(resourceTypeDDL, "{p}", prefix), nil
}

// ProvisionResourceType registers resourceType in schema's resource_types
// and creates its parameter tables there. It is idempotent. The dictionary
// migrations must already have been applied to schema.
func ProvisionResourceType(ctx context.Context, pool *pgxpool.Pool, schema, resourceType string) (int32, error) {
	if !identifierPattern.MatchString(schema) {
		return 0, fmt.Errorf("invalid schema name: %q", schema)
	}
	ddl, err := ResourceTypeDDL(resourceType)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+schema); err != nil {
		return 0, fmt.Errorf("set search_path: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO resource_types (resource_type) VALUES ($1) ON CONFLICT (resource_type) DO NOTHING",
		resourceType,
	); err != nil {
		return 0, fmt.Errorf("register resource type %s: %w", resourceType, err)
	}

	var id int32
	if err := tx.QueryRow(ctx,
		"SELECT resource_type_id FROM resource_types WHERE resource_type = $1", resourceType,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("read resource type %s: %w", resourceType, err)
	}

	if _, err := tx.Exec(ctx, ddl); err != nil {
		return 0, fmt.Errorf("create tables for %s: %w", resourceType, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit provisioning of %s: %w", resourceType, err)
	}
	return id, nil
}
