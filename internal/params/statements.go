package params

import (
	"strings"

	"github.com/jmoiron/sqlx"
)

// Statement text for the dictionary tables. Every statement uses '?' bind
// variables; conn implementations rebind for their driver.

const (
	selectParameterNames = `SELECT parameter_name, parameter_name_id FROM parameter_names WHERE parameter_name IN (?)`
	selectCodeSystems    = `SELECT code_system_name, code_system_id FROM code_systems WHERE code_system_name IN (?)`
	selectCanonicals     = `SELECT url, canonical_id FROM common_canonical_values WHERE url IN (?)`
	selectResourceTypes  = `SELECT resource_type_id, resource_type FROM resource_types`
)

// inQuery expands a single IN (?) list.
func inQuery[T any](query string, keys []T) (string, []any, error) {
	return sqlx.In(query, keys)
}

// valuesList renders "(CAST(? AS INTEGER), ?), ..." for n (int, text) pairs.
// The cast keeps the VALUES column typed as integer for the join.
func valuesList(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(CAST(? AS INTEGER), ?)")
	}
	return b.String()
}

func selectCommonTokenValues(n int) string {
	return `SELECT c.code_system_id, c.token_value, c.common_token_value_id` +
		` FROM common_token_values c` +
		` JOIN (VALUES ` + valuesList(n) + `) AS v(code_system_id, token_value)` +
		` ON c.code_system_id = v.code_system_id AND c.token_value = v.token_value`
}

func selectLogicalResourceIdents(n int) string {
	return `SELECT lri.resource_type_id, lri.logical_id, lri.logical_resource_id` +
		` FROM logical_resource_ident lri` +
		` JOIN (VALUES ` + valuesList(n) + `) AS v(resource_type_id, logical_id)` +
		` ON lri.resource_type_id = v.resource_type_id AND lri.logical_id = v.logical_id`
}

// Single-row inserts, used by the serialized engine.
const (
	insertParameterName        = `INSERT INTO parameter_names (parameter_name) VALUES (?)`
	insertCodeSystem           = `INSERT INTO code_systems (code_system_name) VALUES (?)`
	insertCommonTokenValue     = `INSERT INTO common_token_values (code_system_id, token_value) VALUES (?, ?)`
	insertCanonical            = `INSERT INTO common_canonical_values (url) VALUES (?)`
	insertLogicalResourceIdent = `INSERT INTO logical_resource_ident (resource_type_id, logical_id) VALUES (?, ?)`
)

// multiRowInsert renders an insert of rows tuples of width columns that skips
// conflicting keys and returns the rows it created.
func multiRowInsert(table string, columns []string, rows int, returning string) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	b.WriteString(" ON CONFLICT DO NOTHING RETURNING ")
	b.WriteString(returning)
	return b.String()
}

// insertRows renders the plain parameter table insert used by the writer.
func insertRows(table string, columns []string) string {
	return "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
}
