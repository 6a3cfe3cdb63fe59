package params

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/ehr/fhirparams/internal/platform/db"
)

// ParamKind names a search parameter value table family.
type ParamKind string

const (
	ParamString    ParamKind = "string"
	ParamNumber    ParamKind = "number"
	ParamDate      ParamKind = "date"
	ParamQuantity  ParamKind = "quantity"
	ParamLocation  ParamKind = "location"
	ParamToken     ParamKind = "token"
	ParamTag       ParamKind = "tag"
	ParamSecurity  ParamKind = "security"
	ParamProfile   ParamKind = "profile"
	ParamReference ParamKind = "reference"
)

type tableSpec struct {
	suffix  string
	columns []string
	// systemTable receives a copy of whole-system rows. Empty when the kind
	// has no whole-system table.
	systemTable string
	// composite is true when the last column is composite_id, which the
	// whole-system tables do not carry.
	composite bool
}

var tableSpecs = map[ParamKind]tableSpec{
	ParamString: {
		suffix:      "str_values",
		columns:     []string{"parameter_name_id", "str_value", "str_value_lcase", "logical_resource_id", "composite_id"},
		systemTable: "str_values",
		composite:   true,
	},
	ParamNumber: {
		suffix:    "number_values",
		columns:   []string{"parameter_name_id", "number_value", "number_value_low", "number_value_high", "logical_resource_id", "composite_id"},
		composite: true,
	},
	ParamDate: {
		suffix:      "date_values",
		columns:     []string{"parameter_name_id", "date_start", "date_end", "logical_resource_id", "composite_id"},
		systemTable: "date_values",
		composite:   true,
	},
	ParamQuantity: {
		suffix: "quantity_values",
		columns: []string{"parameter_name_id", "code_system_id", "code", "quantity_value", "quantity_value_low",
			"quantity_value_high", "logical_resource_id", "composite_id"},
		composite: true,
	},
	ParamLocation: {
		suffix:    "latlng_values",
		columns:   []string{"parameter_name_id", "latitude_value", "longitude_value", "logical_resource_id", "composite_id"},
		composite: true,
	},
	ParamToken: {
		suffix:      "resource_token_refs",
		columns:     []string{"parameter_name_id", "logical_resource_id", "common_token_value_id", "composite_id"},
		systemTable: "resource_token_refs",
		composite:   true,
	},
	ParamTag: {
		suffix:      "tags",
		columns:     []string{"logical_resource_id", "common_token_value_id"},
		systemTable: "logical_resource_tags",
	},
	ParamSecurity: {
		suffix:      "security",
		columns:     []string{"logical_resource_id", "common_token_value_id"},
		systemTable: "logical_resource_security",
	},
	ParamProfile: {
		suffix:      "profiles",
		columns:     []string{"logical_resource_id", "canonical_id", "version", "fragment"},
		systemTable: "logical_resource_profiles",
	},
	ParamReference: {
		suffix:    "ref_values",
		columns:   []string{"parameter_name_id", "logical_resource_id", "ref_logical_resource_id", "ref_version_id", "composite_id"},
		composite: true,
	},
}

type tableBatch struct {
	kind    ParamKind
	table   string
	columns []string
	rows    [][]any
}

// ParameterWriter accumulates parameter rows per table until PushBatch sends
// them. It holds one pending statement per (resource type, kind) plus one per
// whole-system table. A writer is used by a single worker.
type ParameterWriter struct {
	conn    conn
	batches map[string]*tableBatch
	counts  map[ParamKind]int
	last    map[ParamKind]int
	pending int
}

func newParameterWriter(c conn) *ParameterWriter {
	return &ParameterWriter{
		conn:    c,
		batches: make(map[string]*tableBatch),
		counts:  make(map[ParamKind]int),
		last:    make(map[ParamKind]int),
	}
}

func (w *ParameterWriter) add(kind ParamKind, resourceType string, wholeSystem bool, row []any) error {
	spec := tableSpecs[kind]
	prefix, err := db.TablePrefix(resourceType)
	if err != nil {
		return &PersistenceError{Op: "write", ResourceType: resourceType, Err: fmt.Errorf("%w: %v", ErrUnknownResourceType, err)}
	}
	w.append(kind, prefix+"_"+spec.suffix, spec.columns, row)

	if wholeSystem && spec.systemTable != "" {
		columns, sysRow := spec.columns, row
		if spec.composite {
			columns, sysRow = columns[:len(columns)-1], row[:len(row)-1]
		}
		w.append(kind, spec.systemTable, columns, sysRow)
	}
	return nil
}

func (w *ParameterWriter) append(kind ParamKind, table string, columns []string, row []any) {
	b, ok := w.batches[table]
	if !ok {
		b = &tableBatch{kind: kind, table: table, columns: columns}
		w.batches[table] = b
	}
	b.rows = append(b.rows, row)
	w.pending++
}

func (w *ParameterWriter) AddString(resourceType string, logicalResourceID int64, parameterNameID int32, value, valueLower string, compositeID *int32, wholeSystem bool) error {
	return w.add(ParamString, resourceType, wholeSystem,
		[]any{parameterNameID, value, valueLower, logicalResourceID, compositeID})
}

func (w *ParameterWriter) AddNumber(resourceType string, logicalResourceID int64, parameterNameID int32, value, low, high decimal.NullDecimal, compositeID *int32) error {
	return w.add(ParamNumber, resourceType, false,
		[]any{parameterNameID, value, low, high, logicalResourceID, compositeID})
}

func (w *ParameterWriter) AddDate(resourceType string, logicalResourceID int64, parameterNameID int32, start, end time.Time, compositeID *int32, wholeSystem bool) error {
	return w.add(ParamDate, resourceType, wholeSystem,
		[]any{parameterNameID, start.UTC(), end.UTC(), logicalResourceID, compositeID})
}

func (w *ParameterWriter) AddQuantity(resourceType string, logicalResourceID int64, parameterNameID, codeSystemID int32, code string, value, low, high decimal.NullDecimal, compositeID *int32) error {
	return w.add(ParamQuantity, resourceType, false,
		[]any{parameterNameID, codeSystemID, code, value, low, high, logicalResourceID, compositeID})
}

func (w *ParameterWriter) AddLocation(resourceType string, logicalResourceID int64, parameterNameID int32, latitude, longitude float64, compositeID *int32) error {
	return w.add(ParamLocation, resourceType, false,
		[]any{parameterNameID, latitude, longitude, logicalResourceID, compositeID})
}

func (w *ParameterWriter) AddToken(resourceType string, logicalResourceID int64, parameterNameID int32, commonTokenValueID int64, compositeID *int32, wholeSystem bool) error {
	return w.add(ParamToken, resourceType, wholeSystem,
		[]any{parameterNameID, logicalResourceID, commonTokenValueID, compositeID})
}

func (w *ParameterWriter) AddTag(resourceType string, logicalResourceID, commonTokenValueID int64, wholeSystem bool) error {
	return w.add(ParamTag, resourceType, wholeSystem, []any{logicalResourceID, commonTokenValueID})
}

func (w *ParameterWriter) AddSecurity(resourceType string, logicalResourceID, commonTokenValueID int64, wholeSystem bool) error {
	return w.add(ParamSecurity, resourceType, wholeSystem, []any{logicalResourceID, commonTokenValueID})
}

func (w *ParameterWriter) AddProfile(resourceType string, logicalResourceID, canonicalID int64, version, fragment string, wholeSystem bool) error {
	return w.add(ParamProfile, resourceType, wholeSystem,
		[]any{logicalResourceID, canonicalID, nullString(version), nullString(fragment)})
}

func (w *ParameterWriter) AddReference(resourceType string, logicalResourceID int64, parameterNameID int32, refLogicalResourceID int64, refVersionID *int32, compositeID *int32) error {
	return w.add(ParamReference, resourceType, false,
		[]any{parameterNameID, logicalResourceID, refLogicalResourceID, refVersionID, compositeID})
}

// Pending returns the number of rows added since the last push.
func (w *ParameterWriter) Pending() int { return w.pending }

// PushBatch executes every non-empty statement. Tables are flushed in name
// order so concurrent writers take row locks in the same sequence.
func (w *ParameterWriter) PushBatch(ctx context.Context) error {
	w.last = make(map[ParamKind]int)
	if w.pending == 0 {
		return nil
	}
	tables := make([]string, 0, len(w.batches))
	for table, b := range w.batches {
		if len(b.rows) > 0 {
			tables = append(tables, table)
		}
	}
	slices.Sort(tables)

	for _, table := range tables {
		b := w.batches[table]
		if err := w.conn.ExecBatch(ctx, insertRows(b.table, b.columns), b.rows); err != nil {
			return &PersistenceError{Op: "push " + b.table, Err: err}
		}
		w.counts[b.kind] += len(b.rows)
		w.last[b.kind] += len(b.rows)
		w.pending -= len(b.rows)
		b.rows = nil
	}
	return nil
}

// Counts returns the rows pushed per kind since the writer was created or
// last closed.
func (w *ParameterWriter) Counts() map[ParamKind]int { return copyCounts(w.counts) }

// LastPushed returns the rows sent by the most recent PushBatch.
func (w *ParameterWriter) LastPushed() map[ParamKind]int { return copyCounts(w.last) }

func copyCounts(m map[ParamKind]int) map[ParamKind]int {
	out := make(map[ParamKind]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Close drops every pending row and resets the counts. It is used both at
// shutdown and to discard a batch after a failed transaction.
func (w *ParameterWriter) Close() {
	w.batches = make(map[string]*tableBatch)
	w.counts = make(map[ParamKind]int)
	w.last = make(map[ParamKind]int)
	w.pending = 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
